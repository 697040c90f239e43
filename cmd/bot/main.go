// Package main is the entry point for the USDT mining bot.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"usdt-mining-bot/internal/bot"
	"usdt-mining-bot/internal/config"
	"usdt-mining-bot/internal/pkg/db"
	"usdt-mining-bot/internal/pkg/lock"
	"usdt-mining-bot/internal/pkg/ratelimit"
	"usdt-mining-bot/internal/repository"
	"usdt-mining-bot/internal/scheduler"
	"usdt-mining-bot/internal/service"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(dbPool.Pool)
	ledgerRepo := repository.NewLedgerRepository(dbPool.Pool)
	planRepo := repository.NewPlanRepository(dbPool.Pool)
	positionRepo := repository.NewPositionRepository(dbPool.Pool)

	// Seed mining plans
	if err := planRepo.Seed(ctx, cfg.Plans); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed mining plans")
	}
	log.Info().Int("plan_count", len(cfg.Plans)).Msg("Mining plans seeded")

	// Initialize account lock and rate limiter
	accountLock := lock.NewAccountLock()
	limiter := ratelimit.New(map[ratelimit.Action]ratelimit.Bucket{
		ratelimit.ActionDeposit: {
			PerMinute: cfg.RateLimit.Deposit.PerMinute,
			Burst:     cfg.RateLimit.Deposit.Burst,
		},
		ratelimit.ActionActivation: {
			PerMinute: cfg.RateLimit.Activation.PerMinute,
			Burst:     cfg.RateLimit.Activation.Burst,
		},
	})

	// Initialize services
	ledgerService := service.NewLedgerService(accountRepo, ledgerRepo, accountLock)
	referralService := service.NewReferralService(accountRepo, ledgerService, cfg.Referral.RateBps)
	approvalService := service.NewApprovalService(ledgerRepo, ledgerService, referralService, accountLock)
	accountService := service.NewAccountService(accountRepo, ledgerRepo, ledgerService, limiter)
	miningService := service.NewMiningService(
		accountRepo, planRepo, positionRepo,
		ledgerService, referralService,
		accountLock, limiter,
	)

	// Initialize profit accrual scheduler
	profitScheduler := scheduler.New(miningService, cfg.Scheduler)

	// Initialize bot
	telegramBot, err := bot.New(&bot.Dependencies{
		Config:          cfg,
		AccountService:  accountService,
		MiningService:   miningService,
		ApprovalService: approvalService,
		Ledger:          ledgerService,
		ProfitScheduler: profitScheduler,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}

	// Route profit and deposit notifications through Telegram
	notifier := telegramBot.Notifier()
	miningService.SetNotifier(notifier)
	approvalService.SetNotifier(notifier)

	// Start the accrual scheduler
	profitScheduler.Start()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start bot in a goroutine
	go func() {
		log.Info().Msg("Bot is starting...")
		telegramBot.Start()
	}()

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Graceful shutdown: stop accepting ticks first, then stop the bot.
	profitScheduler.Stop()
	telegramBot.Stop()
	log.Info().Msg("Bot stopped gracefully")
}

// runMigrations executes database migrations.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: Create accounts table
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			telegram_id BIGINT PRIMARY KEY,
			username VARCHAR(255) NOT NULL DEFAULT '',
			available_balance BIGINT NOT NULL DEFAULT 0 CHECK (available_balance >= 0),
			locked_balance BIGINT NOT NULL DEFAULT 0 CHECK (locked_balance >= 0),
			total_earned BIGINT NOT NULL DEFAULT 0,
			referrer_id BIGINT REFERENCES accounts(telegram_id),
			disabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_referrer ON accounts(referrer_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: accounts table created")

	// Migration 2: Create mining_plans table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mining_plans (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			rate_bps BIGINT NOT NULL CHECK (rate_bps > 0),
			period_seconds BIGINT NOT NULL CHECK (period_seconds > 0),
			total_periods INT NOT NULL CHECK (total_periods > 0),
			min_stake BIGINT NOT NULL CHECK (min_stake > 0),
			max_stake BIGINT NOT NULL CHECK (max_stake >= min_stake),
			return_principal BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: mining_plans table created")

	// Migration 3: Create mining_positions table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mining_positions (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(telegram_id),
			plan_id BIGINT NOT NULL REFERENCES mining_plans(id),
			principal BIGINT NOT NULL CHECK (principal > 0),
			started_at TIMESTAMPTZ NOT NULL,
			last_credited_at TIMESTAMPTZ NOT NULL,
			periods_credited INT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_positions_status ON mining_positions(status) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_positions_account ON mining_positions(account_id, created_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: mining_positions table created")

	// Migration 4: Create transactions table.
	// idempotency_key carries a full UNIQUE constraint (NULLs are exempt)
	// so inserts can use ON CONFLICT (idempotency_key) DO NOTHING.
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(telegram_id),
			kind VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			idempotency_key TEXT UNIQUE,
			description TEXT,
			decided_by BIGINT,
			decision_reason TEXT,
			decided_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_account_time ON transactions(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transactions_pending ON transactions(created_at) WHERE status = 'pending';
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: transactions table created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
