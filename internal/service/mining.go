package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"usdt-mining-bot/internal/model"
	"usdt-mining-bot/internal/notify"
	"usdt-mining-bot/internal/pkg/lock"
	"usdt-mining-bot/internal/pkg/ratelimit"
	"usdt-mining-bot/internal/repository"
)

// MiningService handles position activation and profit accrual.
type MiningService struct {
	accountRepo  *repository.AccountRepository
	planRepo     *repository.PlanRepository
	positionRepo *repository.PositionRepository
	ledger       *LedgerService
	referral     *ReferralService
	locks        *lock.AccountLock
	limiter      *ratelimit.Limiter
	notifier     notify.Notifier
}

// NewMiningService creates a new MiningService instance.
func NewMiningService(
	accountRepo *repository.AccountRepository,
	planRepo *repository.PlanRepository,
	positionRepo *repository.PositionRepository,
	ledger *LedgerService,
	referral *ReferralService,
	locks *lock.AccountLock,
	limiter *ratelimit.Limiter,
) *MiningService {
	return &MiningService{
		accountRepo:  accountRepo,
		planRepo:     planRepo,
		positionRepo: positionRepo,
		ledger:       ledger,
		referral:     referral,
		locks:        locks,
		limiter:      limiter,
		notifier:     notify.LogNotifier{},
	}
}

// SetNotifier attaches the notification collaborator.
func (s *MiningService) SetNotifier(n notify.Notifier) {
	s.notifier = n
}

// Activate opens a mining position: the principal moves from available to
// locked balance and accrual starts from now.
func (s *MiningService) Activate(ctx context.Context, accountID, planID, amount int64) (*model.MiningPosition, error) {
	if !s.limiter.Allow(accountID, ratelimit.ActionActivation) {
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

	plan, err := s.planRepo.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, repository.ErrPlanNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	if amount < plan.MinStake || amount > plan.MaxStake {
		return nil, ErrStakeOutOfRange
	}

	s.locks.Lock(accountID)
	defer s.locks.Unlock(accountID)

	position, err := s.positionRepo.Open(ctx, accountID, planID, amount, time.Now())
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("activation failed: %w", err)
	}

	if err := s.ledger.VerifyAccount(ctx, accountID); err != nil {
		return nil, err
	}

	log.Info().
		Int64("account_id", accountID).
		Int64("position_id", position.ID).
		Int64("plan_id", planID).
		Int64("principal", amount).
		Msg("Mining position activated")
	return position, nil
}

// AccruePosition credits every elapsed period for one position, together
// with the referral commissions owed on the profit, in one database
// transaction. The account lock is acquired with TryLock so a tick never
// queues behind a busy account; a skipped or contended position is caught
// up by the period arithmetic on the next call, never paid twice.
func (s *MiningService) AccruePosition(ctx context.Context, positionID int64, now time.Time) error {
	position, err := s.positionRepo.GetByID(ctx, positionID)
	if err != nil {
		if errors.Is(err, repository.ErrPositionNotFound) {
			return ErrPositionNotFound
		}
		return fmt.Errorf("failed to load position: %w", err)
	}

	plan, err := s.planRepo.GetByID(ctx, position.PlanID)
	if err != nil {
		return fmt.Errorf("failed to load plan for position %d: %w", positionID, err)
	}

	accrual, ok := ComputeAccrual(position, plan, now)
	if !ok {
		return nil
	}

	update := repository.AccrualUpdate{
		PositionID:      position.ID,
		AccountID:       position.AccountID,
		FromPeriods:     position.PeriodsCredited,
		ToPeriods:       position.PeriodsCredited + accrual.CreditPeriods,
		ProfitAmount:    accrual.ProfitAmount,
		NewLastCredited: accrual.NewLastCredited,
		Complete:        accrual.Complete,
		Principal:       position.Principal,
		ReturnPrincipal: plan.ReturnPrincipal,
	}

	commissions, err := s.referral.PlanCommissions(ctx, position.AccountID, update.IdempotencyKey(), accrual.ProfitAmount)
	if err != nil {
		return fmt.Errorf("failed to plan commissions for position %d: %w", positionID, err)
	}
	update.Commissions = commissions

	var applied bool
	ran, err := s.locks.WithTryLock(position.AccountID, func() error {
		var applyErr error
		applied, applyErr = s.positionRepo.ApplyAccrual(ctx, update)
		return applyErr
	})
	if err != nil {
		return fmt.Errorf("accrual failed for position %d: %w", positionID, err)
	}
	if !ran {
		// Account busy with another mutation; next tick catches up.
		return nil
	}
	if !applied {
		// Already credited by a concurrent writer.
		return nil
	}

	if err := s.ledger.VerifyAccount(ctx, position.AccountID); err != nil {
		return err
	}

	log.Info().
		Int64("position_id", position.ID).
		Int64("account_id", position.AccountID).
		Int32("periods", accrual.CreditPeriods).
		Int64("profit", accrual.ProfitAmount).
		Bool("completed", accrual.Complete).
		Msg("Mining profit credited")

	s.notifyProfit(position.AccountID, position.ID, accrual.ProfitAmount)
	return nil
}

// notifyProfit informs the user fire-and-forget.
func (s *MiningService) notifyProfit(accountID, positionID, amount int64) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Recovered from panic in notifier")
			}
		}()
		s.notifier.ProfitCredited(context.Background(), accountID, positionID, amount)
	}()
}

// ListActivePositions retrieves every active position.
func (s *MiningService) ListActivePositions(ctx context.Context) ([]*model.MiningPosition, error) {
	return s.positionRepo.ListActive(ctx)
}

// ListPlans retrieves all mining plans.
func (s *MiningService) ListPlans(ctx context.Context) ([]*model.MiningPlan, error) {
	return s.planRepo.List(ctx)
}

// PositionsByAccount retrieves an account's positions, newest first.
func (s *MiningService) PositionsByAccount(ctx context.Context, accountID int64) ([]*model.MiningPosition, error) {
	return s.positionRepo.ListByAccount(ctx, accountID)
}

// CancelPosition transitions an active position to cancelled and returns
// its principal to the available balance. Admin action.
func (s *MiningService) CancelPosition(ctx context.Context, positionID int64) (*model.MiningPosition, error) {
	position, err := s.positionRepo.GetByID(ctx, positionID)
	if err != nil {
		if errors.Is(err, repository.ErrPositionNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("failed to load position: %w", err)
	}

	s.locks.Lock(position.AccountID)
	defer s.locks.Unlock(position.AccountID)

	cancelled, err := s.positionRepo.Cancel(ctx, positionID)
	if err != nil {
		if errors.Is(err, repository.ErrPositionNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("cancellation failed: %w", err)
	}

	if err := s.ledger.VerifyAccount(ctx, position.AccountID); err != nil {
		return nil, err
	}
	return cancelled, nil
}
