// Package repository tests run against a real PostgreSQL instance using
// testcontainers-go. They are skipped when Docker is unavailable.
package repository

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"usdt-mining-bot/internal/config"
	"usdt-mining-bot/internal/model"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	return cmd.Run() == nil
}

// setupTestDB creates a PostgreSQL container and returns a connection pool.
// Skips the test if Docker is not available.
func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, applySchema(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return pool, cleanup
}

// applySchema creates the tables the repositories expect.
func applySchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			telegram_id BIGINT PRIMARY KEY,
			username VARCHAR(255) NOT NULL DEFAULT '',
			available_balance BIGINT NOT NULL DEFAULT 0 CHECK (available_balance >= 0),
			locked_balance BIGINT NOT NULL DEFAULT 0 CHECK (locked_balance >= 0),
			total_earned BIGINT NOT NULL DEFAULT 0,
			referrer_id BIGINT REFERENCES accounts(telegram_id),
			disabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS mining_plans (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			rate_bps BIGINT NOT NULL CHECK (rate_bps > 0),
			period_seconds BIGINT NOT NULL CHECK (period_seconds > 0),
			total_periods INT NOT NULL CHECK (total_periods > 0),
			min_stake BIGINT NOT NULL CHECK (min_stake > 0),
			max_stake BIGINT NOT NULL CHECK (max_stake >= min_stake),
			return_principal BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS mining_positions (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(telegram_id),
			plan_id BIGINT NOT NULL REFERENCES mining_plans(id),
			principal BIGINT NOT NULL CHECK (principal > 0),
			started_at TIMESTAMPTZ NOT NULL,
			last_credited_at TIMESTAMPTZ NOT NULL,
			periods_credited INT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(telegram_id),
			kind VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			idempotency_key TEXT UNIQUE,
			description TEXT,
			decided_by BIGINT,
			decision_reason TEXT,
			decided_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// seedAccount creates an account and gives it an approved deposit so its
// available balance is funded and the ledger reconciles.
func seedAccount(t *testing.T, pool *pgxpool.Pool, telegramID, balance int64) {
	t.Helper()
	ctx := context.Background()

	accountRepo := NewAccountRepository(pool)
	_, err := accountRepo.Create(ctx, telegramID, "tester", nil)
	require.NoError(t, err)

	if balance > 0 {
		ledgerRepo := NewLedgerRepository(pool)
		entry, err := ledgerRepo.CreatePendingDeposit(ctx, telegramID, balance, nil)
		require.NoError(t, err)
		_, applied, err := ledgerRepo.Decide(ctx, entry.ID, true, 1, nil)
		require.NoError(t, err)
		require.True(t, applied)
	}
}

// requireReconciled asserts that available + locked equals the ledger sum.
func requireReconciled(t *testing.T, pool *pgxpool.Pool, accountID int64) {
	t.Helper()
	ctx := context.Background()

	balances, sum, err := NewLedgerRepository(pool).Reconcile(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, sum, balances, "account %d out of reconciliation", accountID)
}

// ============================================================================
// AccountRepository
// ============================================================================

func TestAccountRepository_CreateAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	ctx := context.Background()

	account, err := repo.Create(ctx, 12345, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), account.TelegramID)
	assert.Equal(t, "alice", account.Username)
	assert.Equal(t, int64(0), account.AvailableBalance)
	assert.Equal(t, int64(0), account.LockedBalance)
	assert.Nil(t, account.ReferrerID)
	assert.False(t, account.Disabled)

	got, err := repo.GetByID(ctx, 12345)
	require.NoError(t, err)
	assert.Equal(t, account.TelegramID, got.TelegramID)

	_, err = repo.GetByID(ctx, 99999)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAccountRepository_ReferrerImmutable(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	ctx := context.Background()

	_, err := repo.Create(ctx, 1, "referrer", nil)
	require.NoError(t, err)

	referrerID := int64(1)
	account, created, err := repo.GetOrCreate(ctx, 2, "invitee", &referrerID)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, account.ReferrerID)
	assert.Equal(t, int64(1), *account.ReferrerID)

	// A later GetOrCreate with a different referrer must not change the link.
	otherID := int64(999)
	account, created, err = repo.GetOrCreate(ctx, 2, "invitee", &otherID)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, account.ReferrerID)
	assert.Equal(t, int64(1), *account.ReferrerID)
}

func TestAccountRepository_CountReferrals(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	ctx := context.Background()

	_, err := repo.Create(ctx, 1, "referrer", nil)
	require.NoError(t, err)
	referrerID := int64(1)
	for i := int64(2); i <= 4; i++ {
		_, err := repo.Create(ctx, i, "invitee", &referrerID)
		require.NoError(t, err)
	}

	n, err := repo.CountReferrals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = repo.CountReferrals(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestAccountRepository_SetDisabled(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	ctx := context.Background()

	_, err := repo.Create(ctx, 1, "alice", nil)
	require.NoError(t, err)

	require.NoError(t, repo.SetDisabled(ctx, 1, true))
	account, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, account.Disabled)

	require.NoError(t, repo.SetDisabled(ctx, 1, false))
	account, err = repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, account.Disabled)

	assert.ErrorIs(t, repo.SetDisabled(ctx, 99, true), ErrAccountNotFound)
}

// ============================================================================
// PlanRepository
// ============================================================================

func TestPlanRepository_SeedIdempotent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlanRepository(pool)
	ctx := context.Background()

	plans := config.DefaultPlans()
	require.NoError(t, repo.Seed(ctx, plans))

	// Re-seeding with changed terms must not touch existing plans.
	plans[0].RateBps = 9999
	require.NoError(t, repo.Seed(ctx, plans))

	got, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, len(plans))
	assert.Equal(t, "Starter", got[0].Name)
	assert.Equal(t, int64(100), got[0].RateBps)
}

// ============================================================================
// LedgerRepository
// ============================================================================

func TestLedgerRepository_CreditIdempotency(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ledgerRepo := NewLedgerRepository(pool)
	ctx := context.Background()
	seedAccount(t, pool, 1, 0)

	key := "position:1:0:1"
	entry, applied, err := ledgerRepo.Credit(ctx, 1, 1_000_000, model.TxProfit, &key, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.TxSettled, entry.Status)

	// Retrying the same key must not credit again.
	again, applied, err := ledgerRepo.Credit(ctx, 1, 1_000_000, model.TxProfit, &key, nil)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, entry.ID, again.ID)

	accountRepo := NewAccountRepository(pool)
	account, err := accountRepo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), account.AvailableBalance)
	assert.Equal(t, int64(1_000_000), account.TotalEarned)
	requireReconciled(t, pool, 1)
}

func TestLedgerRepository_DebitInsufficientFunds(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ledgerRepo := NewLedgerRepository(pool)
	ctx := context.Background()
	seedAccount(t, pool, 1, 5_000_000)

	_, _, err := ledgerRepo.Debit(ctx, 1, 10_000_000, nil, nil)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// The failed debit must leave no ledger row behind.
	entries, err := ledgerRepo.ListByAccount(ctx, 1, nil, 100)
	require.NoError(t, err)
	require.Len(t, entries, 1) // just the seeded deposit
	requireReconciled(t, pool, 1)

	_, applied, err := ledgerRepo.Debit(ctx, 1, 3_000_000, nil, nil)
	require.NoError(t, err)
	assert.True(t, applied)

	account, err := NewAccountRepository(pool).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), account.AvailableBalance)
	requireReconciled(t, pool, 1)
}

func TestLedgerRepository_DecideApprove(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ledgerRepo := NewLedgerRepository(pool)
	ctx := context.Background()
	seedAccount(t, pool, 1, 0)

	entry, err := ledgerRepo.CreatePendingDeposit(ctx, 1, 50_000_000, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TxPending, entry.Status)

	// Pending deposits never touch the balance.
	account, err := NewAccountRepository(pool).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.AvailableBalance)

	decided, applied, err := ledgerRepo.Decide(ctx, entry.ID, true, 42, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.TxApproved, decided.Status)
	require.NotNil(t, decided.DecidedBy)
	assert.Equal(t, int64(42), *decided.DecidedBy)
	require.NotNil(t, decided.DecidedAt)

	account, err = NewAccountRepository(pool).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000), account.AvailableBalance)
	requireReconciled(t, pool, 1)
}

func TestLedgerRepository_DecideIdempotentAndConflicting(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ledgerRepo := NewLedgerRepository(pool)
	ctx := context.Background()
	seedAccount(t, pool, 1, 0)

	entry, err := ledgerRepo.CreatePendingDeposit(ctx, 1, 50_000_000, nil)
	require.NoError(t, err)

	_, applied, err := ledgerRepo.Decide(ctx, entry.ID, true, 42, nil)
	require.NoError(t, err)
	require.True(t, applied)

	// Re-approving is a no-op that reports the current row.
	repeat, applied, err := ledgerRepo.Decide(ctx, entry.ID, true, 42, nil)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.TxApproved, repeat.Status)

	// A conflicting rejection changes nothing either; the caller decides
	// how to surface the conflict.
	reason := "duplicate"
	conflicting, applied, err := ledgerRepo.Decide(ctx, entry.ID, false, 42, &reason)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.TxApproved, conflicting.Status)

	// Exactly one credit happened.
	account, err := NewAccountRepository(pool).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000), account.AvailableBalance)
	requireReconciled(t, pool, 1)
}

func TestLedgerRepository_DecideReject(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ledgerRepo := NewLedgerRepository(pool)
	ctx := context.Background()
	seedAccount(t, pool, 1, 0)

	entry, err := ledgerRepo.CreatePendingDeposit(ctx, 1, 50_000_000, nil)
	require.NoError(t, err)

	reason := "unverifiable payment"
	decided, applied, err := ledgerRepo.Decide(ctx, entry.ID, false, 42, &reason)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.TxRejected, decided.Status)
	require.NotNil(t, decided.DecisionReason)
	assert.Equal(t, reason, *decided.DecisionReason)

	account, err := NewAccountRepository(pool).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.AvailableBalance)
	requireReconciled(t, pool, 1)
}

func TestLedgerRepository_ListPendingDeposits(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ledgerRepo := NewLedgerRepository(pool)
	ctx := context.Background()
	seedAccount(t, pool, 1, 0)

	first, err := ledgerRepo.CreatePendingDeposit(ctx, 1, 1_000_000, nil)
	require.NoError(t, err)
	second, err := ledgerRepo.CreatePendingDeposit(ctx, 1, 2_000_000, nil)
	require.NoError(t, err)

	_, _, err = ledgerRepo.Decide(ctx, first.ID, false, 42, nil)
	require.NoError(t, err)

	pending, err := ledgerRepo.ListPendingDeposits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestLedgerRepository_ReconcileConsistentUnderConcurrentCredits(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ledgerRepo := NewLedgerRepository(pool)
	ctx := context.Background()
	seedAccount(t, pool, 1, 0)

	// Reconcile reads both sides of the invariant in one statement, so it
	// must never observe a half-applied credit as a mismatch.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("profit:run:%d", i)
			_, _, err := ledgerRepo.Credit(ctx, 1, 1_000, model.TxProfit, &key, nil)
			assert.NoError(t, err)
		}
	}()

	for {
		select {
		case <-done:
			requireReconciled(t, pool, 1)
			return
		default:
			balances, sum, err := ledgerRepo.Reconcile(ctx, 1)
			require.NoError(t, err)
			require.Equal(t, sum, balances, "reconciliation must hold at every snapshot")
		}
	}
}

func TestLedgerRepository_ReconcileUnknownAccount(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	_, _, err := NewLedgerRepository(pool).Reconcile(context.Background(), 404)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

// ============================================================================
// PositionRepository
// ============================================================================

func seedPlan(t *testing.T, pool *pgxpool.Pool, returnPrincipal bool) *model.MiningPlan {
	t.Helper()
	ctx := context.Background()

	repo := NewPlanRepository(pool)
	require.NoError(t, repo.Seed(ctx, []config.PlanConfig{{
		Name:            "Test",
		RateBps:         100,
		Period:          24 * time.Hour,
		TotalPeriods:    2,
		MinStake:        1_000_000,
		MaxStake:        1_000_000_000,
		ReturnPrincipal: returnPrincipal,
	}}))

	plans, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	return plans[0]
}

func TestPositionRepository_OpenLocksPrincipal(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedAccount(t, pool, 1, 100_000_000)
	plan := seedPlan(t, pool, true)

	repo := NewPositionRepository(pool)
	position, err := repo.Open(ctx, 1, plan.ID, 60_000_000, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.PositionActive, position.Status)
	assert.Equal(t, int32(0), position.PeriodsCredited)

	account, err := NewAccountRepository(pool).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(40_000_000), account.AvailableBalance)
	assert.Equal(t, int64(60_000_000), account.LockedBalance)
	requireReconciled(t, pool, 1)

	// A second activation beyond the remaining balance must fail cleanly.
	_, err = repo.Open(ctx, 1, plan.ID, 50_000_000, time.Now())
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	requireReconciled(t, pool, 1)
}

func TestPositionRepository_ApplyAccrual(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedAccount(t, pool, 1, 100_000_000)
	plan := seedPlan(t, pool, true)

	repo := NewPositionRepository(pool)
	started := time.Now().Add(-25 * time.Hour)
	position, err := repo.Open(ctx, 1, plan.ID, 100_000_000, started)
	require.NoError(t, err)

	update := AccrualUpdate{
		PositionID:      position.ID,
		AccountID:       1,
		FromPeriods:     0,
		ToPeriods:       1,
		ProfitAmount:    1_000_000,
		NewLastCredited: started.Add(24 * time.Hour),
	}
	applied, err := repo.ApplyAccrual(ctx, update)
	require.NoError(t, err)
	assert.True(t, applied)

	account, err := NewAccountRepository(pool).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), account.AvailableBalance)
	assert.Equal(t, int64(100_000_000), account.LockedBalance)
	assert.Equal(t, int64(1_000_000), account.TotalEarned)
	requireReconciled(t, pool, 1)

	// Replaying the same step must change nothing.
	applied, err = repo.ApplyAccrual(ctx, update)
	require.NoError(t, err)
	assert.False(t, applied)

	// A stale step (wrong FromPeriods) must be rejected by the guard.
	stale := update
	stale.FromPeriods = 0
	stale.ToPeriods = 2
	applied, err = repo.ApplyAccrual(ctx, stale)
	require.NoError(t, err)
	assert.False(t, applied)

	account, err = NewAccountRepository(pool).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), account.AvailableBalance)
	requireReconciled(t, pool, 1)
}

func TestPositionRepository_ApplyAccrualSettlesCommissions(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedAccount(t, pool, 1, 0) // referrer
	accountRepo := NewAccountRepository(pool)
	referrerID := int64(1)
	_, err := accountRepo.Create(ctx, 2, "miner", &referrerID)
	require.NoError(t, err)

	ledgerRepo := NewLedgerRepository(pool)
	deposit, err := ledgerRepo.CreatePendingDeposit(ctx, 2, 100_000_000, nil)
	require.NoError(t, err)
	_, _, err = ledgerRepo.Decide(ctx, deposit.ID, true, 42, nil)
	require.NoError(t, err)

	plan := seedPlan(t, pool, true)
	repo := NewPositionRepository(pool)
	started := time.Now().Add(-25 * time.Hour)
	position, err := repo.Open(ctx, 2, plan.ID, 100_000_000, started)
	require.NoError(t, err)

	update := AccrualUpdate{
		PositionID:      position.ID,
		AccountID:       2,
		FromPeriods:     0,
		ToPeriods:       1,
		ProfitAmount:    1_000_000,
		NewLastCredited: started.Add(24 * time.Hour),
	}
	update.Commissions = []CommissionCredit{{
		AccountID:      1,
		Amount:         50_000,
		IdempotencyKey: update.IdempotencyKey() + ":level:1",
		Description:    "level 1 referral commission",
	}}
	applied, err := repo.ApplyAccrual(ctx, update)
	require.NoError(t, err)
	assert.True(t, applied)

	// The commission landed in the same transaction as the profit.
	referrer, err := accountRepo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), referrer.AvailableBalance)
	assert.Equal(t, int64(50_000), referrer.TotalEarned)

	kind := model.TxReferralBonus
	bonuses, err := ledgerRepo.ListByAccount(ctx, 1, &kind, 10)
	require.NoError(t, err)
	require.Len(t, bonuses, 1)
	assert.Equal(t, int64(50_000), bonuses[0].Amount)

	// Replaying the step must not pay the commission a second time.
	applied, err = repo.ApplyAccrual(ctx, update)
	require.NoError(t, err)
	assert.False(t, applied)

	referrer, err = accountRepo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), referrer.AvailableBalance)
	requireReconciled(t, pool, 1)
	requireReconciled(t, pool, 2)
}

func TestPositionRepository_StaleAccrualRollsBackCommissions(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedAccount(t, pool, 1, 0) // referrer
	accountRepo := NewAccountRepository(pool)
	referrerID := int64(1)
	_, err := accountRepo.Create(ctx, 2, "miner", &referrerID)
	require.NoError(t, err)

	ledgerRepo := NewLedgerRepository(pool)
	deposit, err := ledgerRepo.CreatePendingDeposit(ctx, 2, 100_000_000, nil)
	require.NoError(t, err)
	_, _, err = ledgerRepo.Decide(ctx, deposit.ID, true, 42, nil)
	require.NoError(t, err)

	plan := seedPlan(t, pool, true)
	repo := NewPositionRepository(pool)
	started := time.Now().Add(-50 * time.Hour)
	position, err := repo.Open(ctx, 2, plan.ID, 100_000_000, started)
	require.NoError(t, err)

	// Advance the position first, without commissions.
	applied, err := repo.ApplyAccrual(ctx, AccrualUpdate{
		PositionID:      position.ID,
		AccountID:       2,
		FromPeriods:     0,
		ToPeriods:       1,
		ProfitAmount:    1_000_000,
		NewLastCredited: started.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.True(t, applied)

	// A stale step carrying commissions fails the periods_credited guard;
	// its commission rows must be rolled back with everything else.
	stale := AccrualUpdate{
		PositionID:      position.ID,
		AccountID:       2,
		FromPeriods:     0,
		ToPeriods:       2,
		ProfitAmount:    2_000_000,
		NewLastCredited: started.Add(48 * time.Hour),
	}
	stale.Commissions = []CommissionCredit{{
		AccountID:      1,
		Amount:         100_000,
		IdempotencyKey: stale.IdempotencyKey() + ":level:1",
		Description:    "level 1 referral commission",
	}}
	applied, err = repo.ApplyAccrual(ctx, stale)
	require.NoError(t, err)
	assert.False(t, applied)

	referrer, err := accountRepo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), referrer.AvailableBalance)

	kind := model.TxReferralBonus
	bonuses, err := ledgerRepo.ListByAccount(ctx, 1, &kind, 10)
	require.NoError(t, err)
	assert.Empty(t, bonuses)
	requireReconciled(t, pool, 1)
	requireReconciled(t, pool, 2)
}

func TestPositionRepository_CompletionReturnsPrincipal(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedAccount(t, pool, 1, 100_000_000)
	plan := seedPlan(t, pool, true)

	repo := NewPositionRepository(pool)
	started := time.Now().Add(-72 * time.Hour)
	position, err := repo.Open(ctx, 1, plan.ID, 100_000_000, started)
	require.NoError(t, err)

	applied, err := repo.ApplyAccrual(ctx, AccrualUpdate{
		PositionID:      position.ID,
		AccountID:       1,
		FromPeriods:     0,
		ToPeriods:       2,
		ProfitAmount:    2_000_000,
		NewLastCredited: started.Add(48 * time.Hour),
		Complete:        true,
		Principal:       100_000_000,
		ReturnPrincipal: true,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	account, err := NewAccountRepository(pool).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(102_000_000), account.AvailableBalance)
	assert.Equal(t, int64(0), account.LockedBalance)

	got, err := repo.GetByID(ctx, position.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PositionCompleted, got.Status)
	requireReconciled(t, pool, 1)
}

func TestPositionRepository_CompletionRetainsPrincipal(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedAccount(t, pool, 1, 100_000_000)
	plan := seedPlan(t, pool, false)

	repo := NewPositionRepository(pool)
	started := time.Now().Add(-72 * time.Hour)
	position, err := repo.Open(ctx, 1, plan.ID, 100_000_000, started)
	require.NoError(t, err)

	applied, err := repo.ApplyAccrual(ctx, AccrualUpdate{
		PositionID:      position.ID,
		AccountID:       1,
		FromPeriods:     0,
		ToPeriods:       2,
		ProfitAmount:    2_000_000,
		NewLastCredited: started.Add(48 * time.Hour),
		Complete:        true,
		Principal:       100_000_000,
		ReturnPrincipal: false,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	// Only the profit comes back; the principal stays with the platform and
	// is recorded as a settled withdrawal so the ledger still reconciles.
	account, err := NewAccountRepository(pool).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), account.AvailableBalance)
	assert.Equal(t, int64(0), account.LockedBalance)
	requireReconciled(t, pool, 1)

	kind := model.TxWithdrawal
	withdrawals, err := NewLedgerRepository(pool).ListByAccount(ctx, 1, &kind, 10)
	require.NoError(t, err)
	require.Len(t, withdrawals, 1)
	assert.Equal(t, int64(100_000_000), withdrawals[0].Amount)
}

func TestPositionRepository_Cancel(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedAccount(t, pool, 1, 100_000_000)
	plan := seedPlan(t, pool, true)

	repo := NewPositionRepository(pool)
	position, err := repo.Open(ctx, 1, plan.ID, 60_000_000, time.Now())
	require.NoError(t, err)

	cancelled, err := repo.Cancel(ctx, position.ID)
	require.NoError(t, err)
	assert.Equal(t, position.ID, cancelled.ID)

	account, err := NewAccountRepository(pool).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), account.AvailableBalance)
	assert.Equal(t, int64(0), account.LockedBalance)
	requireReconciled(t, pool, 1)

	// Cancelling twice must fail: the position is no longer active.
	_, err = repo.Cancel(ctx, position.ID)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	// Cancelled positions drop out of the active scan.
	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}
