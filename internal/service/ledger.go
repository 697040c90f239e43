package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"usdt-mining-bot/internal/model"
	"usdt-mining-bot/internal/pkg/lock"
	"usdt-mining-bot/internal/repository"
)

// LedgerService is the single entry point for balance mutations. Every
// mutation holds the owning account's lock, writes the balance change and
// its ledger row atomically, and re-checks the reconciliation invariant
// before returning.
type LedgerService struct {
	accountRepo *repository.AccountRepository
	ledgerRepo  *repository.LedgerRepository
	locks       *lock.AccountLock
}

// NewLedgerService creates a new LedgerService instance.
func NewLedgerService(
	accountRepo *repository.AccountRepository,
	ledgerRepo *repository.LedgerRepository,
	locks *lock.AccountLock,
) *LedgerService {
	return &LedgerService{
		accountRepo: accountRepo,
		ledgerRepo:  ledgerRepo,
		locks:       locks,
	}
}

// Credit settles a credit of the given kind against the account. Supplying
// the same idempotency key again returns the original row with
// applied=false and changes nothing.
func (s *LedgerService) Credit(ctx context.Context, accountID, amount int64, kind model.TxKind, idemKey *string, desc *string) (*model.Transaction, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if !kind.Valid() || kind == model.TxWithdrawal {
		return nil, false, fmt.Errorf("cannot credit kind %q", kind)
	}

	s.locks.Lock(accountID)
	defer s.locks.Unlock(accountID)

	entry, applied, err := s.ledgerRepo.Credit(ctx, accountID, amount, kind, idemKey, desc)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, false, ErrAccountNotFound
		}
		return nil, false, fmt.Errorf("credit failed: %w", err)
	}

	if applied {
		if err := s.VerifyAccount(ctx, accountID); err != nil {
			return nil, false, err
		}
	}
	return entry, applied, nil
}

// Debit settles a withdrawal against the account, failing with
// ErrInsufficientFunds and no state change when the available balance does
// not cover it.
func (s *LedgerService) Debit(ctx context.Context, accountID, amount int64, idemKey *string, desc *string) (*model.Transaction, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}

	s.locks.Lock(accountID)
	defer s.locks.Unlock(accountID)

	entry, applied, err := s.ledgerRepo.Debit(ctx, accountID, amount, idemKey, desc)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInsufficientFunds):
			return nil, false, ErrInsufficientFunds
		case errors.Is(err, repository.ErrAccountNotFound):
			return nil, false, ErrAccountNotFound
		}
		return nil, false, fmt.Errorf("debit failed: %w", err)
	}

	if applied {
		if err := s.VerifyAccount(ctx, accountID); err != nil {
			return nil, false, err
		}
	}
	return entry, applied, nil
}

// GetAccount retrieves an account.
func (s *LedgerService) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// ListTransactions retrieves an account's ledger entries, newest first,
// optionally filtered by kind.
func (s *LedgerService) ListTransactions(ctx context.Context, accountID int64, kind *model.TxKind, limit int) ([]*model.Transaction, error) {
	return s.ledgerRepo.ListByAccount(ctx, accountID, kind, limit)
}

// VerifyAccount re-checks the reconciliation invariant for an account:
// available + locked balance must equal the ledger sum of approved deposits
// plus settled profit and referral bonuses minus settled withdrawals. Both
// sides are read from one database snapshot, so concurrent mutations cannot
// produce a spurious mismatch. A real mismatch is logged at the highest
// severity and reported as ErrInvariantViolation; it is never auto-retried.
func (s *LedgerService) VerifyAccount(ctx context.Context, accountID int64) error {
	balances, sum, err := s.ledgerRepo.Reconcile(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("invariant check failed: %w", err)
	}

	if balances != sum {
		log.Error().
			Int64("account_id", accountID).
			Int64("balances", balances).
			Int64("ledger_sum", sum).
			Msg("Ledger reconciliation mismatch, operator attention required")
		return fmt.Errorf("%w: account %d balances %d vs ledger %d", ErrInvariantViolation, accountID, balances, sum)
	}
	return nil
}
