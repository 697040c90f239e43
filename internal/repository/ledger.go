package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"usdt-mining-bot/internal/model"
)

const txColumns = `id, account_id, kind, status, amount, idempotency_key, description, decided_by, decision_reason, created_at, decided_at`

// LedgerRepository handles the append-only transactions table and the
// balance mutations tied to it. Amounts are stored positive for every kind;
// the kind decides the sign in the reconciliation sum.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	err := row.Scan(
		&t.ID,
		&t.AccountID,
		&t.Kind,
		&t.Status,
		&t.Amount,
		&t.IdempotencyKey,
		&t.Description,
		&t.DecidedBy,
		&t.DecisionReason,
		&t.CreatedAt,
		&t.DecidedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return &t, nil
}

// Credit atomically writes a settled ledger row and adds amount to the
// account's available balance. Profit and referral bonus credits also add
// to total_earned. When idemKey is already present the call is a no-op and
// the existing row is returned with applied=false.
func (r *LedgerRepository) Credit(ctx context.Context, accountID, amount int64, kind model.TxKind, idemKey *string, desc *string) (*model.Transaction, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin credit: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO transactions (account_id, kind, status, amount, idempotency_key, description, created_at)
		VALUES ($1, $2, 'settled', $3, $4, $5, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + txColumns

	entry, err := scanTransaction(tx.QueryRow(ctx, insert, accountID, kind, amount, idemKey, desc))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			// Idempotency key already applied: no balance change.
			existing, lookupErr := r.GetByIdempotencyKey(ctx, *idemKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert credit row: %w", err)
	}

	var earnedDelta int64
	if kind == model.TxProfit || kind == model.TxReferralBonus {
		earnedDelta = amount
	}

	const update = `
		UPDATE accounts
		SET available_balance = available_balance + $2,
		    total_earned = total_earned + $3,
		    updated_at = NOW()
		WHERE telegram_id = $1
	`
	result, err := tx.Exec(ctx, update, accountID, amount, earnedDelta)
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply credit: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, false, ErrAccountNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit credit: %w", err)
	}
	return entry, true, nil
}

// Debit atomically writes a settled withdrawal row and subtracts amount
// from the account's available balance. Fails with ErrInsufficientFunds
// without any state change when the balance does not cover the amount.
func (r *LedgerRepository) Debit(ctx context.Context, accountID, amount int64, idemKey *string, desc *string) (*model.Transaction, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin debit: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO transactions (account_id, kind, status, amount, idempotency_key, description, created_at)
		VALUES ($1, 'withdrawal', 'settled', $2, $3, $4, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + txColumns

	entry, err := scanTransaction(tx.QueryRow(ctx, insert, accountID, amount, idemKey, desc))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			existing, lookupErr := r.GetByIdempotencyKey(ctx, *idemKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert debit row: %w", err)
	}

	const update = `
		UPDATE accounts
		SET available_balance = available_balance - $2, updated_at = NOW()
		WHERE telegram_id = $1 AND available_balance >= $2
	`
	result, err := tx.Exec(ctx, update, accountID, amount)
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply debit: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Roll back the ledger row too: either the account is missing or
		// the balance does not cover the amount.
		exists, existsErr := accountExistsTx(ctx, tx, accountID)
		if existsErr != nil {
			return nil, false, existsErr
		}
		if !exists {
			return nil, false, ErrAccountNotFound
		}
		return nil, false, ErrInsufficientFunds
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit debit: %w", err)
	}
	return entry, true, nil
}

func accountExistsTx(ctx context.Context, tx pgx.Tx, accountID int64) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE telegram_id = $1)`, accountID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check account existence: %w", err)
	}
	return exists, nil
}

// CreatePendingDeposit records a deposit request awaiting an admin
// decision. No balance change happens until approval.
func (r *LedgerRepository) CreatePendingDeposit(ctx context.Context, accountID, amount int64, desc *string) (*model.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}

	const query = `
		INSERT INTO transactions (account_id, kind, status, amount, description, created_at)
		VALUES ($1, 'deposit', 'pending', $2, $3, NOW())
		RETURNING ` + txColumns

	entry, err := scanTransaction(r.pool.QueryRow(ctx, query, accountID, amount, desc))
	if err != nil {
		return nil, fmt.Errorf("failed to create pending deposit: %w", err)
	}
	return entry, nil
}

// Decide applies an admin decision to a pending deposit. The row is locked
// for the duration of the transaction; an approval credits the available
// balance in the same transaction. If the deposit is already decided the
// current row is returned with applied=false and no state changes.
func (r *LedgerRepository) Decide(ctx context.Context, txID int64, approve bool, adminID int64, reason *string) (*model.Transaction, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin decision: %w", err)
	}
	defer tx.Rollback(ctx)

	const lockRow = `SELECT ` + txColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	entry, err := scanTransaction(tx.QueryRow(ctx, lockRow, txID))
	if err != nil {
		return nil, false, err
	}
	if entry.Kind != model.TxDeposit {
		return nil, false, fmt.Errorf("transaction %d is a %s, not a deposit", txID, entry.Kind)
	}
	if entry.Status != model.TxPending {
		return entry, false, nil
	}

	status := model.TxRejected
	if approve {
		status = model.TxApproved
	}

	const update = `
		UPDATE transactions
		SET status = $2, decided_by = $3, decision_reason = $4, decided_at = NOW()
		WHERE id = $1
		RETURNING ` + txColumns
	decided, err := scanTransaction(tx.QueryRow(ctx, update, txID, status, adminID, reason))
	if err != nil {
		return nil, false, fmt.Errorf("failed to record decision: %w", err)
	}

	if approve {
		const credit = `
			UPDATE accounts
			SET available_balance = available_balance + $2, updated_at = NOW()
			WHERE telegram_id = $1
		`
		result, err := tx.Exec(ctx, credit, entry.AccountID, entry.Amount)
		if err != nil {
			return nil, false, fmt.Errorf("failed to credit approved deposit: %w", err)
		}
		if result.RowsAffected() == 0 {
			return nil, false, ErrAccountNotFound
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit decision: %w", err)
	}
	return decided, true, nil
}

// GetByID retrieves a transaction by id.
func (r *LedgerRepository) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	const query = `SELECT ` + txColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey retrieves a transaction by its idempotency key.
func (r *LedgerRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	const query = `SELECT ` + txColumns + ` FROM transactions WHERE idempotency_key = $1`
	return scanTransaction(r.pool.QueryRow(ctx, query, key))
}

// ListByAccount retrieves an account's transactions, newest first,
// optionally filtered by kind.
func (r *LedgerRepository) ListByAccount(ctx context.Context, accountID int64, kind *model.TxKind, limit int) ([]*model.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE account_id = $1`
	args := []any{accountID}
	if kind != nil {
		query += ` AND kind = $2`
		args = append(args, *kind)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var entries []*model.Transaction
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return entries, nil
}

// ListPendingDeposits retrieves deposits awaiting a decision, oldest first.
func (r *LedgerRepository) ListPendingDeposits(ctx context.Context, limit int) ([]*model.Transaction, error) {
	const query = `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE kind = 'deposit' AND status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deposits: %w", err)
	}
	defer rows.Close()

	var entries []*model.Transaction
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending deposits: %w", err)
	}
	return entries, nil
}

// Reconcile reads an account's combined balance and its reconciliation sum
// (approved deposits plus settled profit and referral bonuses minus settled
// withdrawals) in a single statement, so both values come from the same
// snapshot. A concurrent mutation committing mid-check can therefore never
// produce a spurious mismatch: it is either fully visible in both values or
// in neither.
func (r *LedgerRepository) Reconcile(ctx context.Context, accountID int64) (balances, ledgerSum int64, err error) {
	const query = `
		SELECT a.available_balance + a.locked_balance,
		       COALESCE((
		           SELECT SUM(
		               CASE
		                   WHEN t.kind = 'deposit' AND t.status = 'approved' THEN t.amount
		                   WHEN t.kind IN ('profit', 'referral_bonus') AND t.status = 'settled' THEN t.amount
		                   WHEN t.kind = 'withdrawal' AND t.status = 'settled' THEN -t.amount
		                   ELSE 0
		               END
		           )
		           FROM transactions t
		           WHERE t.account_id = a.telegram_id
		       ), 0)
		FROM accounts a
		WHERE a.telegram_id = $1
	`

	if err := r.pool.QueryRow(ctx, query, accountID).Scan(&balances, &ledgerSum); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrAccountNotFound
		}
		return 0, 0, fmt.Errorf("failed to reconcile account: %w", err)
	}
	return balances, ledgerSum, nil
}
