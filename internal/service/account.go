package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"usdt-mining-bot/internal/model"
	"usdt-mining-bot/internal/pkg/ratelimit"
	"usdt-mining-bot/internal/repository"
)

// AccountService handles registration and the user-facing ledger entry
// points the conversational layer delegates to.
type AccountService struct {
	accountRepo *repository.AccountRepository
	ledgerRepo  *repository.LedgerRepository
	ledger      *LedgerService
	limiter     *ratelimit.Limiter
}

// NewAccountService creates a new AccountService instance.
func NewAccountService(
	accountRepo *repository.AccountRepository,
	ledgerRepo *repository.LedgerRepository,
	ledger *LedgerService,
	limiter *ratelimit.Limiter,
) *AccountService {
	return &AccountService{
		accountRepo: accountRepo,
		ledgerRepo:  ledgerRepo,
		ledger:      ledger,
		limiter:     limiter,
	}
}

// Register ensures an account exists, creating one if necessary. The
// referrer is only recorded at creation and never changed afterwards.
// Returns the account and whether it was newly created.
func (s *AccountService) Register(ctx context.Context, telegramID int64, username string, referrerID *int64) (*model.Account, bool, error) {
	if referrerID != nil {
		if *referrerID == telegramID {
			return nil, false, ErrSelfReferral
		}
		exists, err := s.accountRepo.Exists(ctx, *referrerID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to check referrer: %w", err)
		}
		if !exists {
			// An invalid referral payload should not block registration.
			log.Warn().
				Int64("telegram_id", telegramID).
				Int64("referrer_id", *referrerID).
				Msg("Ignoring unknown referrer")
			referrerID = nil
		}
	}

	account, created, err := s.accountRepo.GetOrCreate(ctx, telegramID, username, referrerID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to register account: %w", err)
	}

	if !created && account.Username != username && username != "" {
		if err := s.accountRepo.UpdateUsername(ctx, telegramID, username); err != nil {
			// Non-fatal: the account still exists.
			log.Warn().Err(err).Int64("telegram_id", telegramID).Msg("Failed to refresh username")
		} else {
			account.Username = username
		}
	}

	if created {
		log.Info().
			Int64("telegram_id", telegramID).
			Bool("referred", account.ReferrerID != nil).
			Msg("Account registered")
	}
	return account, created, nil
}

// RequestDeposit records a deposit request awaiting admin approval. The
// balance is untouched until the deposit is approved.
func (s *AccountService) RequestDeposit(ctx context.Context, accountID, amount int64) (*model.Transaction, error) {
	if !s.limiter.Allow(accountID, ratelimit.ActionDeposit) {
		return nil, ErrRateLimited
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account.Disabled {
		return nil, ErrAccountDisabled
	}

	entry, err := s.ledgerRepo.CreatePendingDeposit(ctx, accountID, amount, nil)
	if err != nil {
		return nil, fmt.Errorf("deposit request failed: %w", err)
	}

	log.Info().
		Int64("account_id", accountID).
		Int64("tx_id", entry.ID).
		Int64("amount", amount).
		Msg("Deposit requested")
	return entry, nil
}

// GetAccount retrieves an account.
func (s *AccountService) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	return s.ledger.GetAccount(ctx, accountID)
}

// ReferralSummary aggregates an account's referral activity.
type ReferralSummary struct {
	DirectReferrals int64
	TotalEarned     int64
}

// GetReferralSummary returns how many accounts this account referred and
// how much referral commission it has been paid.
func (s *AccountService) GetReferralSummary(ctx context.Context, accountID int64) (*ReferralSummary, error) {
	count, err := s.accountRepo.CountReferrals(ctx, accountID)
	if err != nil {
		return nil, err
	}

	kind := model.TxReferralBonus
	bonuses, err := s.ledgerRepo.ListByAccount(ctx, accountID, &kind, 1000)
	if err != nil {
		return nil, err
	}

	var earned int64
	for _, b := range bonuses {
		earned += b.Amount
	}
	return &ReferralSummary{DirectReferrals: count, TotalEarned: earned}, nil
}

// SetDisabled soft-disables or re-enables an account. Admin action;
// accounts are never deleted.
func (s *AccountService) SetDisabled(ctx context.Context, accountID int64, disabled bool) error {
	if err := s.accountRepo.SetDisabled(ctx, accountID, disabled); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	log.Info().Int64("account_id", accountID).Bool("disabled", disabled).Msg("Account disabled flag changed")
	return nil
}
