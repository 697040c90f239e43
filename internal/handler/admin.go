package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"usdt-mining-bot/internal/scheduler"
	"usdt-mining-bot/internal/service"
)

// AdminHandler handles admin commands: deposit decisions, manual profit
// runs and account administration.
type AdminHandler struct {
	approvalService *service.ApprovalService
	accountService  *service.AccountService
	miningService   *service.MiningService
	ledger          *service.LedgerService
	profitScheduler *scheduler.Scheduler
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(
	approvalService *service.ApprovalService,
	accountService *service.AccountService,
	miningService *service.MiningService,
	ledger *service.LedgerService,
	profitScheduler *scheduler.Scheduler,
) *AdminHandler {
	return &AdminHandler{
		approvalService: approvalService,
		accountService:  accountService,
		miningService:   miningService,
		ledger:          ledger,
		profitScheduler: profitScheduler,
	}
}

// HandlePending handles /pending: lists deposits awaiting a decision.
func (h *AdminHandler) HandlePending(c tele.Context) error {
	ctx := context.Background()

	entries, err := h.approvalService.ListPending(ctx, 20)
	if err != nil {
		return c.Reply("❌ Failed to list pending deposits.")
	}
	if len(entries) == 0 {
		return c.Reply("No pending deposits.")
	}

	var b strings.Builder
	b.WriteString("📋 Pending deposits\n")
	for _, t := range entries {
		fmt.Fprintf(&b, "\n#%d account %d: %s USDT (%s)",
			t.ID, t.AccountID, formatUSDT(t.Amount),
			t.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	b.WriteString("\n\n/approve <id> or /reject <id> <reason>")
	return c.Reply(b.String())
}

// HandleApprove handles /approve <tx_id>.
func (h *AdminHandler) HandleApprove(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /approve <tx_id>")
	}
	txID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("Usage: /approve <tx_id>")
	}

	decided, err := h.approvalService.Approve(ctx, txID, sender.ID)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyDecided) {
			return c.Reply("⚠️ This deposit was already decided the other way.")
		}
		return c.Reply("❌ Approval failed.")
	}

	return c.Reply(fmt.Sprintf(
		"✅ Deposit #%d approved: %s USDT credited to account %d.",
		decided.ID, formatUSDT(decided.Amount), decided.AccountID,
	))
}

// HandleReject handles /reject <tx_id> <reason...>.
func (h *AdminHandler) HandleReject(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	args := c.Args()
	if len(args) < 2 {
		return c.Reply("Usage: /reject <tx_id> <reason>")
	}
	txID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("Usage: /reject <tx_id> <reason>")
	}
	reason := strings.Join(args[1:], " ")

	decided, err := h.approvalService.Reject(ctx, txID, sender.ID, reason)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyDecided) {
			return c.Reply("⚠️ This deposit was already decided the other way.")
		}
		return c.Reply("❌ Rejection failed.")
	}

	return c.Reply(fmt.Sprintf("🚫 Deposit #%d rejected.", decided.ID))
}

// HandleRunProfits handles /run_profits: triggers an accrual scan outside
// the timer. The scan runs in the background; results land in the log.
func (h *AdminHandler) HandleRunProfits(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	log.Info().Int64("admin_id", sender.ID).Msg("Manual profit run requested")
	go h.profitScheduler.RunTick(context.Background(), time.Now())

	return c.Reply("⛏ Profit run started.")
}

// HandleAccount handles /acct <account_id>: account inspection with a
// live reconciliation check.
func (h *AdminHandler) HandleAccount(c tele.Context) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /acct <account_id>")
	}
	accountID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("Usage: /acct <account_id>")
	}

	account, err := h.accountService.GetAccount(ctx, accountID)
	if err != nil {
		return c.Reply(userError(err))
	}

	reconciled := "✅ reconciled"
	if err := h.ledger.VerifyAccount(ctx, accountID); err != nil {
		reconciled = "🚨 RECONCILIATION MISMATCH"
	}

	return c.Reply(fmt.Sprintf(
		"👤 Account %d (@%s)\n\n"+
			"Available: %s USDT\n"+
			"Locked: %s USDT\n"+
			"Total earned: %s USDT\n"+
			"Disabled: %v\n"+
			"Ledger: %s",
		account.TelegramID, account.Username,
		formatUSDT(account.AvailableBalance),
		formatUSDT(account.LockedBalance),
		formatUSDT(account.TotalEarned),
		account.Disabled, reconciled,
	))
}

// HandleDisable handles /disable <account_id> and /enable <account_id>.
func (h *AdminHandler) HandleDisable(disabled bool) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx := context.Background()

		args := c.Args()
		if len(args) != 1 {
			return c.Reply("Usage: /disable <account_id>")
		}
		accountID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return c.Reply("Usage: /disable <account_id>")
		}

		if err := h.accountService.SetDisabled(ctx, accountID, disabled); err != nil {
			return c.Reply(userError(err))
		}
		if disabled {
			return c.Reply(fmt.Sprintf("🚫 Account %d disabled.", accountID))
		}
		return c.Reply(fmt.Sprintf("✅ Account %d enabled.", accountID))
	}
}

// HandleCancelPosition handles /cancel_position <position_id>.
func (h *AdminHandler) HandleCancelPosition(c tele.Context) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /cancel_position <position_id>")
	}
	positionID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("Usage: /cancel_position <position_id>")
	}

	position, err := h.miningService.CancelPosition(ctx, positionID)
	if err != nil {
		if errors.Is(err, service.ErrPositionNotFound) {
			return c.Reply("❌ No active position with that id.")
		}
		return c.Reply("❌ Cancellation failed.")
	}

	return c.Reply(fmt.Sprintf(
		"🚫 Position #%d cancelled, %s USDT returned to account %d.",
		position.ID, formatUSDT(position.Principal), position.AccountID,
	))
}
