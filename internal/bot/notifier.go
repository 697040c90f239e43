package bot

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"usdt-mining-bot/internal/model"
)

// TelegramNotifier delivers ledger notifications to users over Telegram.
// Delivery is fire-and-forget: a failed send is logged and dropped, never
// propagated back into the ledger path that triggered it.
type TelegramNotifier struct {
	bot *tele.Bot
}

// NewTelegramNotifier creates a TelegramNotifier around the bot.
func NewTelegramNotifier(bot *tele.Bot) *TelegramNotifier {
	return &TelegramNotifier{bot: bot}
}

func (n *TelegramNotifier) send(accountID int64, text string) {
	if _, err := n.bot.Send(tele.ChatID(accountID), text); err != nil {
		log.Warn().
			Err(err).
			Int64("account_id", accountID).
			Msg("Failed to deliver notification")
	}
}

// ProfitCredited implements notify.Notifier.
func (n *TelegramNotifier) ProfitCredited(_ context.Context, accountID, positionID, amount int64) {
	n.send(accountID, fmt.Sprintf(
		"⛏ Mining profit credited: %s USDT (position #%d).",
		formatAmount(amount), positionID,
	))
}

// DepositDecided implements notify.Notifier.
func (n *TelegramNotifier) DepositDecided(_ context.Context, tx *model.Transaction) {
	switch tx.Status {
	case model.TxApproved:
		n.send(tx.AccountID, fmt.Sprintf(
			"✅ Your deposit #%d of %s USDT was approved and credited.",
			tx.ID, formatAmount(tx.Amount),
		))
	case model.TxRejected:
		reason := "no reason given"
		if tx.DecisionReason != nil {
			reason = *tx.DecisionReason
		}
		n.send(tx.AccountID, fmt.Sprintf(
			"🚫 Your deposit #%d of %s USDT was rejected: %s",
			tx.ID, formatAmount(tx.Amount), reason,
		))
	}
}

// formatAmount renders micro-USDT for notification text.
func formatAmount(micro int64) string {
	whole := micro / 1_000_000
	frac := micro % 1_000_000
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	return fmt.Sprintf("%d.%06d", whole, frac)
}
