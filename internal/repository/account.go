// Package repository provides data access layer implementations.
// All balance mutations run inside a database transaction so the balance
// change and its ledger row are written together or not at all.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"usdt-mining-bot/internal/model"
)

// Common errors for repository operations.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrPlanNotFound        = errors.New("mining plan not found")
	ErrPositionNotFound    = errors.New("mining position not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientFunds   = errors.New("insufficient available balance")
)

const accountColumns = `telegram_id, username, available_balance, locked_balance, total_earned, referrer_id, disabled, created_at, updated_at`

// AccountRepository handles account persistence.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository instance.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.TelegramID,
		&a.Username,
		&a.AvailableBalance,
		&a.LockedBalance,
		&a.TotalEarned,
		&a.ReferrerID,
		&a.Disabled,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &a, nil
}

// Create creates a new account. The referrer, once set here, is never
// changed again; the referral chain walk depends on that.
func (r *AccountRepository) Create(ctx context.Context, telegramID int64, username string, referrerID *int64) (*model.Account, error) {
	const query = `
		INSERT INTO accounts (telegram_id, username, available_balance, locked_balance, total_earned, referrer_id, disabled, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 0, $3, FALSE, NOW(), NOW())
		RETURNING ` + accountColumns

	account, err := scanAccount(r.pool.QueryRow(ctx, query, telegramID, username, referrerID))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// GetByID retrieves an account by its Telegram ID.
// Returns ErrAccountNotFound if the account does not exist.
func (r *AccountRepository) GetByID(ctx context.Context, telegramID int64) (*model.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE telegram_id = $1`
	return scanAccount(r.pool.QueryRow(ctx, query, telegramID))
}

// GetOrCreate retrieves an account, creating one if it doesn't exist.
// The referrer only applies on creation.
func (r *AccountRepository) GetOrCreate(ctx context.Context, telegramID int64, username string, referrerID *int64) (*model.Account, bool, error) {
	account, err := r.GetByID(ctx, telegramID)
	if err == nil {
		return account, false, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, false, err
	}

	account, err = r.Create(ctx, telegramID, username, referrerID)
	if err != nil {
		// Handle race: another request might have created the account.
		account, err = r.GetByID(ctx, telegramID)
		if err != nil {
			return nil, false, err
		}
		return account, false, nil
	}

	return account, true, nil
}

// Exists checks if an account with the given Telegram ID exists.
func (r *AccountRepository) Exists(ctx context.Context, telegramID int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM accounts WHERE telegram_id = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, telegramID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check account existence: %w", err)
	}
	return exists, nil
}

// UpdateUsername updates an account's username.
func (r *AccountRepository) UpdateUsername(ctx context.Context, telegramID int64, username string) error {
	const query = `UPDATE accounts SET username = $2, updated_at = NOW() WHERE telegram_id = $1`

	result, err := r.pool.Exec(ctx, query, telegramID, username)
	if err != nil {
		return fmt.Errorf("failed to update username: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetDisabled soft-disables or re-enables an account. Accounts are never
// deleted.
func (r *AccountRepository) SetDisabled(ctx context.Context, telegramID int64, disabled bool) error {
	const query = `UPDATE accounts SET disabled = $2, updated_at = NOW() WHERE telegram_id = $1`

	result, err := r.pool.Exec(ctx, query, telegramID, disabled)
	if err != nil {
		return fmt.Errorf("failed to set disabled flag: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// CountReferrals returns the number of accounts directly referred by the
// given account.
func (r *AccountRepository) CountReferrals(ctx context.Context, telegramID int64) (int64, error) {
	const query = `SELECT COUNT(*) FROM accounts WHERE referrer_id = $1`

	var n int64
	if err := r.pool.QueryRow(ctx, query, telegramID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count referrals: %w", err)
	}
	return n, nil
}
