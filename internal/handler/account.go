// Package handler provides Telegram bot command handlers. Handlers are
// thin: they parse arguments, delegate to the services and translate
// structured errors into short user-facing messages.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v3"

	"usdt-mining-bot/internal/model"
	"usdt-mining-bot/internal/service"
)

// AccountHandler handles user-facing account and mining commands.
type AccountHandler struct {
	accountService *service.AccountService
	miningService  *service.MiningService
	ledger         *service.LedgerService
	botUsername    string
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(
	accountService *service.AccountService,
	miningService *service.MiningService,
	ledger *service.LedgerService,
	botUsername string,
) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		miningService:  miningService,
		ledger:         ledger,
		botUsername:    botUsername,
	}
}

func senderName(sender *tele.User) string {
	if sender.Username != "" {
		return sender.Username
	}
	return sender.FirstName
}

// userError translates service errors into short user-facing messages.
func userError(err error) string {
	switch {
	case errors.Is(err, service.ErrRateLimited):
		return "⏳ Too many requests, please wait a moment and try again."
	case errors.Is(err, service.ErrInsufficientFunds):
		return "❌ Insufficient available balance."
	case errors.Is(err, service.ErrInvalidAmount):
		return "❌ Amount must be positive."
	case errors.Is(err, service.ErrStakeOutOfRange):
		return "❌ Amount is outside the plan's stake limits."
	case errors.Is(err, service.ErrPlanNotFound):
		return "❌ Unknown mining plan."
	case errors.Is(err, service.ErrAccountDisabled):
		return "❌ Your account is disabled. Contact support."
	case errors.Is(err, service.ErrAccountNotFound):
		return "❌ Account not found. Send /start first."
	}
	return "❌ An unexpected error occurred. Please try again later."
}

// HandleStart handles /start. A referral payload ("/start <referrer_id>")
// links the new account to its referrer; the link is permanent.
func (h *AccountHandler) HandleStart(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	var referrerID *int64
	if payload := strings.TrimSpace(c.Message().Payload); payload != "" {
		if id, err := strconv.ParseInt(payload, 10, 64); err == nil && id != sender.ID {
			referrerID = &id
		}
	}

	account, created, err := h.accountService.Register(ctx, sender.ID, senderName(sender), referrerID)
	if err != nil {
		return c.Reply(userError(err))
	}

	if created {
		return c.Reply(fmt.Sprintf(
			"⛏ Welcome @%s!\n\n"+
				"Your mining account is ready.\n\n"+
				"Commands:\n"+
				"/balance - wallet overview\n"+
				"/deposit <amount> - request a deposit\n"+
				"/plans - mining plans\n"+
				"/mine <plan> <amount> - activate mining\n"+
				"/history - recent transactions\n"+
				"/referrals - your referral stats",
			senderName(sender),
		))
	}

	return c.Reply(fmt.Sprintf(
		"👋 Welcome back @%s!\n\nAvailable balance: %s USDT",
		senderName(sender), formatUSDT(account.AvailableBalance),
	))
}

// HandleBalance handles /balance: the wallet overview.
func (h *AccountHandler) HandleBalance(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	account, err := h.accountService.GetAccount(ctx, sender.ID)
	if err != nil {
		return c.Reply(userError(err))
	}

	return c.Reply(fmt.Sprintf(
		"💰 Wallet\n\n"+
			"Available: %s USDT\n"+
			"Mining (locked): %s USDT\n"+
			"Total earned: %s USDT",
		formatUSDT(account.AvailableBalance),
		formatUSDT(account.LockedBalance),
		formatUSDT(account.TotalEarned),
	))
}

// HandlePlans handles /plans: lists the mining plans.
func (h *AccountHandler) HandlePlans(c tele.Context) error {
	ctx := context.Background()

	plans, err := h.miningService.ListPlans(ctx)
	if err != nil {
		return c.Reply(userError(err))
	}

	var b strings.Builder
	b.WriteString("⛏ Mining plans\n")
	for _, p := range plans {
		principal := "principal returned"
		if !p.ReturnPrincipal {
			principal = "principal retained"
		}
		fmt.Fprintf(&b, "\n#%d %s\n  %s%% per %s, %d periods\n  Stake %s - %s USDT, %s\n",
			p.ID, p.Name,
			strconv.FormatFloat(float64(p.RateBps)/100, 'f', -1, 64),
			p.Period(), p.TotalPeriods,
			formatUSDT(p.MinStake), formatUSDT(p.MaxStake), principal,
		)
	}
	b.WriteString("\nActivate with /mine <plan> <amount>")
	return c.Reply(b.String())
}

// HandleMine handles /mine <plan_id> <amount>: position activation.
func (h *AccountHandler) HandleMine(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	args := c.Args()
	if len(args) != 2 {
		return c.Reply("Usage: /mine <plan> <amount>")
	}
	planID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("Usage: /mine <plan> <amount>")
	}
	amount, err := parseUSDT(args[1])
	if err != nil {
		return c.Reply("❌ Invalid amount.")
	}

	position, err := h.miningService.Activate(ctx, sender.ID, planID, amount)
	if err != nil {
		return c.Reply(userError(err))
	}

	return c.Reply(fmt.Sprintf(
		"✅ Mining activated!\n\n"+
			"Position #%d, principal %s USDT\n"+
			"Profit is credited automatically every period.",
		position.ID, formatUSDT(position.Principal),
	))
}

// HandleDeposit handles /deposit <amount>: records a pending deposit
// request for admin review.
func (h *AccountHandler) HandleDeposit(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /deposit <amount>")
	}
	amount, err := parseUSDT(args[0])
	if err != nil {
		return c.Reply("❌ Invalid amount.")
	}

	entry, err := h.accountService.RequestDeposit(ctx, sender.ID, amount)
	if err != nil {
		return c.Reply(userError(err))
	}

	return c.Reply(fmt.Sprintf(
		"📨 Deposit request #%d for %s USDT submitted.\n"+
			"You will be notified once it is reviewed.",
		entry.ID, formatUSDT(entry.Amount),
	))
}

// HandleHistory handles /history: the account's recent ledger entries.
func (h *AccountHandler) HandleHistory(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	entries, err := h.ledger.ListTransactions(ctx, sender.ID, nil, 10)
	if err != nil {
		return c.Reply(userError(err))
	}
	if len(entries) == 0 {
		return c.Reply("No transactions yet.")
	}

	var b strings.Builder
	b.WriteString("🧾 Recent transactions\n")
	for _, t := range entries {
		fmt.Fprintf(&b, "\n#%d %s %s USDT (%s)\n  %s",
			t.ID, t.Kind, formatUSDT(t.Amount), t.Status,
			t.CreatedAt.Format("2006-01-02 15:04"),
		)
		if t.Status == model.TxRejected && t.DecisionReason != nil {
			fmt.Fprintf(&b, "\n  Reason: %s", *t.DecisionReason)
		}
	}
	return c.Reply(b.String())
}

// HandleReferrals handles /referrals: referral stats and the invite link.
func (h *AccountHandler) HandleReferrals(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	summary, err := h.accountService.GetReferralSummary(ctx, sender.ID)
	if err != nil {
		return c.Reply(userError(err))
	}

	return c.Reply(fmt.Sprintf(
		"👥 Referrals\n\n"+
			"Direct referrals: %d\n"+
			"Commission earned: %s USDT\n\n"+
			"Invite link:\nhttps://t.me/%s?start=%d",
		summary.DirectReferrals, formatUSDT(summary.TotalEarned),
		h.botUsername, sender.ID,
	))
}
