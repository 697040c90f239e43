package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"usdt-mining-bot/internal/model"
)

const positionColumns = `id, account_id, plan_id, principal, started_at, last_credited_at, periods_credited, status, created_at, updated_at`

// PositionRepository handles mining position persistence, including the
// multi-row writes that open, accrue and close positions.
type PositionRepository struct {
	pool *pgxpool.Pool
}

// NewPositionRepository creates a new PositionRepository instance.
func NewPositionRepository(pool *pgxpool.Pool) *PositionRepository {
	return &PositionRepository{pool: pool}
}

func scanPosition(row pgx.Row) (*model.MiningPosition, error) {
	var p model.MiningPosition
	err := row.Scan(
		&p.ID,
		&p.AccountID,
		&p.PlanID,
		&p.Principal,
		&p.StartedAt,
		&p.LastCreditedAt,
		&p.PeriodsCredited,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	return &p, nil
}

// Open atomically moves principal from available to locked balance and
// creates an active position. Fails with ErrInsufficientFunds without any
// state change when the available balance does not cover the principal.
func (r *PositionRepository) Open(ctx context.Context, accountID, planID, principal int64, now time.Time) (*model.MiningPosition, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin activation: %w", err)
	}
	defer tx.Rollback(ctx)

	const lockPrincipal = `
		UPDATE accounts
		SET available_balance = available_balance - $2,
		    locked_balance = locked_balance + $2,
		    updated_at = NOW()
		WHERE telegram_id = $1 AND available_balance >= $2
	`
	result, err := tx.Exec(ctx, lockPrincipal, accountID, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to lock principal: %w", err)
	}
	if result.RowsAffected() == 0 {
		exists, existsErr := accountExistsTx(ctx, tx, accountID)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, ErrAccountNotFound
		}
		return nil, ErrInsufficientFunds
	}

	const insert = `
		INSERT INTO mining_positions (account_id, plan_id, principal, started_at, last_credited_at, periods_credited, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4, 0, 'active', NOW(), NOW())
		RETURNING ` + positionColumns
	position, err := scanPosition(tx.QueryRow(ctx, insert, accountID, planID, principal, now))
	if err != nil {
		return nil, fmt.Errorf("failed to create position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit activation: %w", err)
	}
	return position, nil
}

// CommissionCredit is one referral commission settled alongside an accrual.
type CommissionCredit struct {
	AccountID      int64
	Amount         int64
	IdempotencyKey string
	Description    string
}

// AccrualUpdate is one computed accrual step for a position, applied
// atomically by ApplyAccrual. Commissions ride in the same transaction as
// the profit credit: a commission can never be lost between a committed
// accrual and a failed follow-up.
type AccrualUpdate struct {
	PositionID      int64
	AccountID       int64
	FromPeriods     int32
	ToPeriods       int32
	ProfitAmount    int64
	NewLastCredited time.Time
	Complete        bool
	Principal       int64
	ReturnPrincipal bool
	Commissions     []CommissionCredit
}

// IdempotencyKey derives the key for the profit credit from the position id
// and the credited period range, so a retried accrual can never double-pay.
func (u *AccrualUpdate) IdempotencyKey() string {
	return fmt.Sprintf("position:%d:%d:%d", u.PositionID, u.FromPeriods, u.ToPeriods)
}

// ApplyAccrual applies one accrual step in a single database transaction:
// the profit ledger row, the position advance, the balance updates and the
// referral commission credits land together or not at all. The position update is guarded by the expected
// periods_credited value; when the guard fails or the idempotency key is
// already present, nothing changes and applied is false.
func (r *PositionRepository) ApplyAccrual(ctx context.Context, u AccrualUpdate) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin accrual: %w", err)
	}
	defer tx.Rollback(ctx)

	key := u.IdempotencyKey()
	desc := fmt.Sprintf("mining profit, periods %d-%d", u.FromPeriods+1, u.ToPeriods)

	const insertProfit = `
		INSERT INTO transactions (account_id, kind, status, amount, idempotency_key, description, created_at)
		VALUES ($1, 'profit', 'settled', $2, $3, $4, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`
	var profitTxID int64
	err = tx.QueryRow(ctx, insertProfit, u.AccountID, u.ProfitAmount, key, desc).Scan(&profitTxID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// This period range was already credited.
			return false, nil
		}
		return false, fmt.Errorf("failed to insert profit row: %w", err)
	}

	status := model.PositionActive
	if u.Complete {
		status = model.PositionCompleted
	}

	const advance = `
		UPDATE mining_positions
		SET periods_credited = $3, last_credited_at = $4, status = $5, updated_at = NOW()
		WHERE id = $1 AND periods_credited = $2 AND status = 'active'
	`
	result, err := tx.Exec(ctx, advance, u.PositionID, u.FromPeriods, u.ToPeriods, u.NewLastCredited, status)
	if err != nil {
		return false, fmt.Errorf("failed to advance position: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Another writer advanced the position first; drop everything.
		return false, nil
	}

	availableDelta := u.ProfitAmount
	var lockedDelta int64
	if u.Complete {
		lockedDelta = -u.Principal
		if u.ReturnPrincipal {
			availableDelta += u.Principal
		}
	}

	const updateBalances = `
		UPDATE accounts
		SET available_balance = available_balance + $2,
		    locked_balance = locked_balance + $3,
		    total_earned = total_earned + $4,
		    updated_at = NOW()
		WHERE telegram_id = $1
	`
	result, err = tx.Exec(ctx, updateBalances, u.AccountID, availableDelta, lockedDelta, u.ProfitAmount)
	if err != nil {
		return false, fmt.Errorf("failed to apply accrual balances: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, ErrAccountNotFound
	}

	if u.Complete && !u.ReturnPrincipal {
		// Principal stays with the platform: close the loop in the ledger
		// so the reconciliation sum still matches the balances.
		retainedKey := fmt.Sprintf("position:%d:principal", u.PositionID)
		retainedDesc := "principal retained on plan completion"
		const insertRetained = `
			INSERT INTO transactions (account_id, kind, status, amount, idempotency_key, description, created_at)
			VALUES ($1, 'withdrawal', 'settled', $2, $3, $4, NOW())
		`
		if _, err := tx.Exec(ctx, insertRetained, u.AccountID, u.Principal, retainedKey, retainedDesc); err != nil {
			return false, fmt.Errorf("failed to record retained principal: %w", err)
		}
	}

	const insertCommission = `
		INSERT INTO transactions (account_id, kind, status, amount, idempotency_key, description, created_at)
		VALUES ($1, 'referral_bonus', 'settled', $2, $3, $4, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`
	const creditCommission = `
		UPDATE accounts
		SET available_balance = available_balance + $2,
		    total_earned = total_earned + $2,
		    updated_at = NOW()
		WHERE telegram_id = $1
	`
	for _, c := range u.Commissions {
		var commissionTxID int64
		err := tx.QueryRow(ctx, insertCommission, c.AccountID, c.Amount, c.IdempotencyKey, c.Description).Scan(&commissionTxID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// This level was already paid for this accrual.
				continue
			}
			return false, fmt.Errorf("failed to insert commission row: %w", err)
		}
		if _, err := tx.Exec(ctx, creditCommission, c.AccountID, c.Amount); err != nil {
			return false, fmt.Errorf("failed to credit commission: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit accrual: %w", err)
	}
	return true, nil
}

// Cancel transitions an active position to cancelled and returns its
// principal from locked back to available balance.
func (r *PositionRepository) Cancel(ctx context.Context, positionID int64) (*model.MiningPosition, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cancellation: %w", err)
	}
	defer tx.Rollback(ctx)

	const cancel = `
		UPDATE mining_positions
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING ` + positionColumns
	position, err := scanPosition(tx.QueryRow(ctx, cancel, positionID))
	if err != nil {
		return nil, err
	}

	const unlock = `
		UPDATE accounts
		SET available_balance = available_balance + $2,
		    locked_balance = locked_balance - $2,
		    updated_at = NOW()
		WHERE telegram_id = $1
	`
	if _, err := tx.Exec(ctx, unlock, position.AccountID, position.Principal); err != nil {
		return nil, fmt.Errorf("failed to unlock principal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit cancellation: %w", err)
	}
	return position, nil
}

// GetByID retrieves a position by id.
func (r *PositionRepository) GetByID(ctx context.Context, id int64) (*model.MiningPosition, error) {
	const query = `SELECT ` + positionColumns + ` FROM mining_positions WHERE id = $1`
	return scanPosition(r.pool.QueryRow(ctx, query, id))
}

// ListActive retrieves every active position, oldest first. The scheduler
// scans this on each tick.
func (r *PositionRepository) ListActive(ctx context.Context) ([]*model.MiningPosition, error) {
	const query = `
		SELECT ` + positionColumns + `
		FROM mining_positions
		WHERE status = 'active'
		ORDER BY id ASC
	`
	return r.queryPositions(ctx, query)
}

// ListByAccount retrieves an account's positions, newest first.
func (r *PositionRepository) ListByAccount(ctx context.Context, accountID int64) ([]*model.MiningPosition, error) {
	const query = `
		SELECT ` + positionColumns + `
		FROM mining_positions
		WHERE account_id = $1
		ORDER BY id DESC
	`
	return r.queryPositions(ctx, query, accountID)
}

func (r *PositionRepository) queryPositions(ctx context.Context, query string, args ...any) ([]*model.MiningPosition, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []*model.MiningPosition
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, position)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}
