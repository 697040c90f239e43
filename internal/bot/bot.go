package bot

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"usdt-mining-bot/internal/config"
	"usdt-mining-bot/internal/handler"
	"usdt-mining-bot/internal/scheduler"
	"usdt-mining-bot/internal/service"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot             *tele.Bot
	cfg             *config.Config
	accountService  *service.AccountService
	miningService   *service.MiningService
	approvalService *service.ApprovalService
	ledger          *service.LedgerService
	profitScheduler *scheduler.Scheduler

	accountHandler *handler.AccountHandler
	adminHandler   *handler.AdminHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config          *config.Config
	AccountService  *service.AccountService
	MiningService   *service.MiningService
	ApprovalService *service.ApprovalService
	Ledger          *service.LedgerService
	ProfitScheduler *scheduler.Scheduler
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot:             teleBot,
		cfg:             deps.Config,
		accountService:  deps.AccountService,
		miningService:   deps.MiningService,
		approvalService: deps.ApprovalService,
		ledger:          deps.Ledger,
		profitScheduler: deps.ProfitScheduler,
	}

	// Initialize handlers
	b.accountHandler = handler.NewAccountHandler(deps.AccountService, deps.MiningService, deps.Ledger, teleBot.Me.Username)
	b.adminHandler = handler.NewAdminHandler(deps.ApprovalService, deps.AccountService, deps.MiningService, deps.Ledger, deps.ProfitScheduler)

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

// registerMiddleware registers all middleware.
func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(LoggingMiddleware())
}

// registerHandlers registers all command handlers.
func (b *Bot) registerHandlers() {
	// User commands
	b.bot.Handle("/start", b.accountHandler.HandleStart)
	b.bot.Handle("/balance", b.accountHandler.HandleBalance)
	b.bot.Handle("/plans", b.accountHandler.HandlePlans)
	b.bot.Handle("/mine", b.accountHandler.HandleMine)
	b.bot.Handle("/deposit", b.accountHandler.HandleDeposit)
	b.bot.Handle("/history", b.accountHandler.HandleHistory)
	b.bot.Handle("/referrals", b.accountHandler.HandleReferrals)

	// Admin commands (with admin middleware)
	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware(b.cfg))
	adminGroup.Handle("/pending", b.adminHandler.HandlePending)
	adminGroup.Handle("/approve", b.adminHandler.HandleApprove)
	adminGroup.Handle("/reject", b.adminHandler.HandleReject)
	adminGroup.Handle("/run_profits", b.adminHandler.HandleRunProfits)
	adminGroup.Handle("/acct", b.adminHandler.HandleAccount)
	adminGroup.Handle("/disable", b.adminHandler.HandleDisable(true))
	adminGroup.Handle("/enable", b.adminHandler.HandleDisable(false))
	adminGroup.Handle("/cancel_position", b.adminHandler.HandleCancelPosition)
}

// Notifier returns a TelegramNotifier backed by this bot, for wiring into
// the services that emit user notifications.
func (b *Bot) Notifier() *TelegramNotifier {
	return NewTelegramNotifier(b.bot)
}

// Start starts the bot polling.
func (b *Bot) Start() {
	log.Info().Str("username", b.bot.Me.Username).Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
