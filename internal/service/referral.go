package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"usdt-mining-bot/internal/model"
	"usdt-mining-bot/internal/repository"
)

// ReferralService propagates a percentage of a credited amount up the
// referrer chain. The chain is walked through Account.ReferrerID, which is
// immutable after registration; the walk is bounded by the rate table's
// length regardless, so a corrupted chain can never loop.
type ReferralService struct {
	accountRepo *repository.AccountRepository
	ledger      *LedgerService
	rateBps     []int64
}

// NewReferralService creates a new ReferralService instance.
// rateBps is the strictly decreasing commission table, one entry per level.
func NewReferralService(
	accountRepo *repository.AccountRepository,
	ledger *LedgerService,
	rateBps []int64,
) *ReferralService {
	return &ReferralService{
		accountRepo: accountRepo,
		ledger:      ledger,
		rateBps:     rateBps,
	}
}

// Commission returns the level's share of amount, rounded down to the
// smallest currency unit. Levels are 1-indexed; levels beyond the rate
// table pay zero.
func (s *ReferralService) Commission(amount int64, level int) int64 {
	if level < 1 || level > len(s.rateBps) || amount <= 0 {
		return 0
	}
	return amount * s.rateBps[level-1] / 10000
}

// Depth returns the maximum number of commission levels.
func (s *ReferralService) Depth() int {
	return len(s.rateBps)
}

// PlanCommissions walks the referrer chain starting at the source account
// and returns the commission credits each level is owed on amount, with
// per-level idempotency keys derived from originKey. Disabled referrers are
// skipped; a dangling referrer reference ends the walk. A chain shorter
// than the rate table is not an error; remaining levels are simply unpaid.
func (s *ReferralService) PlanCommissions(ctx context.Context, sourceAccountID int64, originKey string, amount int64) ([]repository.CommissionCredit, error) {
	if amount <= 0 {
		return nil, nil
	}

	source, err := s.accountRepo.GetByID(ctx, sourceAccountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load source account: %w", err)
	}

	var credits []repository.CommissionCredit
	next := source.ReferrerID
	for level := 1; level <= len(s.rateBps) && next != nil; level++ {
		referrer, err := s.accountRepo.GetByID(ctx, *next)
		if err != nil {
			if errors.Is(err, repository.ErrAccountNotFound) {
				// Dangling referrer reference: stop the walk.
				log.Warn().
					Int64("referrer_id", *next).
					Str("origin", originKey).
					Msg("Referrer chain broken, stopping distribution")
				return credits, nil
			}
			return nil, fmt.Errorf("failed to load referrer at level %d: %w", level, err)
		}

		commission := s.Commission(amount, level)
		if commission > 0 && !referrer.Disabled {
			credits = append(credits, repository.CommissionCredit{
				AccountID:      referrer.TelegramID,
				Amount:         commission,
				IdempotencyKey: fmt.Sprintf("%s:level:%d", originKey, level),
				Description:    fmt.Sprintf("level %d referral commission", level),
			})
		}

		next = referrer.ReferrerID
	}
	return credits, nil
}

// Distribute pays the planned commissions as settled referral_bonus entries
// through the ledger. The per-level idempotency keys make a retried
// distribution safe: levels already paid are skipped.
func (s *ReferralService) Distribute(ctx context.Context, sourceAccountID int64, originKey string, amount int64) error {
	credits, err := s.PlanCommissions(ctx, sourceAccountID, originKey, amount)
	if err != nil {
		return err
	}

	for _, c := range credits {
		key := c.IdempotencyKey
		desc := c.Description
		_, applied, err := s.ledger.Credit(ctx, c.AccountID, c.Amount, model.TxReferralBonus, &key, &desc)
		if err != nil {
			return fmt.Errorf("failed to pay commission to account %d: %w", c.AccountID, err)
		}
		if applied {
			log.Info().
				Int64("referrer_id", c.AccountID).
				Int64("commission", c.Amount).
				Str("origin", originKey).
				Msg("Referral commission paid")
		}
	}
	return nil
}
