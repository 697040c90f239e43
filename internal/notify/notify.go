// Package notify defines the user notification collaborator. Notifications
// are fire-and-forget: delivery failures are logged, never propagated into
// the ledger paths that trigger them.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	"usdt-mining-bot/internal/model"
)

// Notifier informs users about ledger events.
type Notifier interface {
	// ProfitCredited is called after a profit credit settles.
	ProfitCredited(ctx context.Context, accountID, positionID, amount int64)
	// DepositDecided is called after an admin approves or rejects a deposit.
	DepositDecided(ctx context.Context, tx *model.Transaction)
}

// LogNotifier writes notifications to the log only. Used as the default
// until a transport-backed notifier is attached, and in tests.
type LogNotifier struct{}

// ProfitCredited implements Notifier.
func (LogNotifier) ProfitCredited(_ context.Context, accountID, positionID, amount int64) {
	log.Info().
		Int64("account_id", accountID).
		Int64("position_id", positionID).
		Int64("amount", amount).
		Msg("Profit credited")
}

// DepositDecided implements Notifier.
func (LogNotifier) DepositDecided(_ context.Context, tx *model.Transaction) {
	log.Info().
		Int64("account_id", tx.AccountID).
		Int64("tx_id", tx.ID).
		Str("status", string(tx.Status)).
		Msg("Deposit decided")
}
