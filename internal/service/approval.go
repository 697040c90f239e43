package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"usdt-mining-bot/internal/model"
	"usdt-mining-bot/internal/notify"
	"usdt-mining-bot/internal/pkg/lock"
	"usdt-mining-bot/internal/repository"
)

// ApprovalService applies admin decisions to pending deposits.
// Both transitions are terminal: retrying the same decision is a no-op,
// attempting the opposite one fails with ErrAlreadyDecided.
type ApprovalService struct {
	ledgerRepo *repository.LedgerRepository
	ledger     *LedgerService
	referral   *ReferralService
	locks      *lock.AccountLock
	notifier   notify.Notifier
}

// NewApprovalService creates a new ApprovalService instance.
func NewApprovalService(
	ledgerRepo *repository.LedgerRepository,
	ledger *LedgerService,
	referral *ReferralService,
	locks *lock.AccountLock,
) *ApprovalService {
	return &ApprovalService{
		ledgerRepo: ledgerRepo,
		ledger:     ledger,
		referral:   referral,
		locks:      locks,
		notifier:   notify.LogNotifier{},
	}
}

// SetNotifier attaches the notification collaborator.
func (s *ApprovalService) SetNotifier(n notify.Notifier) {
	s.notifier = n
}

// Approve transitions a pending deposit to approved, crediting the
// account's available balance and cascading referral commissions on the
// deposit amount, all keyed so retries are safe.
func (s *ApprovalService) Approve(ctx context.Context, txID, adminID int64) (*model.Transaction, error) {
	return s.decide(ctx, txID, adminID, true, nil)
}

// Reject transitions a pending deposit to rejected, recording the reason.
// No balance changes.
func (s *ApprovalService) Reject(ctx context.Context, txID, adminID int64, reason string) (*model.Transaction, error) {
	return s.decide(ctx, txID, adminID, false, &reason)
}

func (s *ApprovalService) decide(ctx context.Context, txID, adminID int64, approve bool, reason *string) (*model.Transaction, error) {
	entry, err := s.ledgerRepo.GetByID(ctx, txID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, fmt.Errorf("deposit %d: %w", txID, repository.ErrTransactionNotFound)
		}
		return nil, fmt.Errorf("failed to load deposit: %w", err)
	}

	s.locks.Lock(entry.AccountID)
	decided, applied, err := s.ledgerRepo.Decide(ctx, txID, approve, adminID, reason)
	s.locks.Unlock(entry.AccountID)
	if err != nil {
		return nil, fmt.Errorf("decision failed: %w", err)
	}

	wanted := model.TxRejected
	if approve {
		wanted = model.TxApproved
	}

	if !applied {
		if decided.Status == wanted {
			// Same decision retried: idempotent no-op, but still finish
			// the approval side effects in case an earlier attempt died
			// between the credit and the commission cascade.
			if approve {
				if err := s.distribute(ctx, decided); err != nil {
					return nil, err
				}
			}
			return decided, nil
		}
		return nil, fmt.Errorf("deposit %d is already %s: %w", txID, decided.Status, ErrAlreadyDecided)
	}

	if approve {
		if err := s.ledger.VerifyAccount(ctx, decided.AccountID); err != nil {
			return nil, err
		}
		if err := s.distribute(ctx, decided); err != nil {
			return nil, err
		}
	}

	log.Info().
		Int64("tx_id", decided.ID).
		Int64("account_id", decided.AccountID).
		Int64("admin_id", adminID).
		Str("status", string(decided.Status)).
		Msg("Deposit decided")

	s.notifyDecision(decided)
	return decided, nil
}

// distribute cascades referral commissions on an approved deposit. The
// origin key ties every level's idempotency key to this deposit.
func (s *ApprovalService) distribute(ctx context.Context, deposit *model.Transaction) error {
	originKey := fmt.Sprintf("deposit:%d", deposit.ID)
	return s.referral.Distribute(ctx, deposit.AccountID, originKey, deposit.Amount)
}

// notifyDecision informs the user fire-and-forget.
func (s *ApprovalService) notifyDecision(tx *model.Transaction) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Recovered from panic in notifier")
			}
		}()
		s.notifier.DepositDecided(context.Background(), tx)
	}()
}

// ListPending retrieves deposits awaiting a decision, oldest first.
func (s *ApprovalService) ListPending(ctx context.Context, limit int) ([]*model.Transaction, error) {
	return s.ledgerRepo.ListPendingDeposits(ctx, limit)
}
