// Package model defines the data models for the mining platform core.
package model

import "time"

// Account represents a platform user. Balances are stored in micro-USDT
// (int64, smallest currency unit). Balance fields are only ever changed by
// additive updates inside a database transaction, never overwritten.
type Account struct {
	TelegramID       int64     `db:"telegram_id"`
	Username         string    `db:"username"`
	AvailableBalance int64     `db:"available_balance"`
	LockedBalance    int64     `db:"locked_balance"`
	TotalEarned      int64     `db:"total_earned"`
	ReferrerID       *int64    `db:"referrer_id"`
	Disabled         bool      `db:"disabled"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// MiningPlan is reference data describing an accrual schedule.
// Immutable once referenced by a live position.
type MiningPlan struct {
	ID              int64  `db:"id"`
	Name            string `db:"name"`
	RateBps         int64  `db:"rate_bps"`
	PeriodSeconds   int64  `db:"period_seconds"`
	TotalPeriods    int32  `db:"total_periods"`
	MinStake        int64  `db:"min_stake"`
	MaxStake        int64  `db:"max_stake"`
	ReturnPrincipal bool   `db:"return_principal"`
}

// Period returns the accrual period as a duration.
func (p *MiningPlan) Period() time.Duration {
	return time.Duration(p.PeriodSeconds) * time.Second
}

// PositionStatus is the lifecycle state of a mining position.
type PositionStatus string

const (
	PositionActive    PositionStatus = "active"
	PositionCompleted PositionStatus = "completed"
	PositionCancelled PositionStatus = "cancelled"
)

// MiningPosition is one plan activation. periods_credited never decreases and
// never exceeds the plan's total_periods; last_credited_at is monotonically
// non-decreasing and advances by whole periods, not wall-clock time.
type MiningPosition struct {
	ID              int64          `db:"id"`
	AccountID       int64          `db:"account_id"`
	PlanID          int64          `db:"plan_id"`
	Principal       int64          `db:"principal"`
	StartedAt       time.Time      `db:"started_at"`
	LastCreditedAt  time.Time      `db:"last_credited_at"`
	PeriodsCredited int32          `db:"periods_credited"`
	Status          PositionStatus `db:"status"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// TxKind is the closed set of ledger entry kinds. Every switch over TxKind
// must handle all four values; adding a kind is a deliberate breaking change.
type TxKind string

const (
	TxDeposit       TxKind = "deposit"
	TxWithdrawal    TxKind = "withdrawal"
	TxProfit        TxKind = "profit"
	TxReferralBonus TxKind = "referral_bonus"
)

// Valid reports whether k is one of the known kinds.
func (k TxKind) Valid() bool {
	switch k {
	case TxDeposit, TxWithdrawal, TxProfit, TxReferralBonus:
		return true
	}
	return false
}

// TxStatus is the closed set of ledger entry states. Deposits move
// pending -> approved|rejected; profit, referral_bonus and withdrawal rows are
// created already settled. Terminal rows are immutable.
type TxStatus string

const (
	TxPending  TxStatus = "pending"
	TxApproved TxStatus = "approved"
	TxRejected TxStatus = "rejected"
	TxSettled  TxStatus = "settled"
)

// Terminal reports whether a transaction in this status may no longer change.
func (s TxStatus) Terminal() bool {
	return s == TxApproved || s == TxRejected || s == TxSettled
}

// Transaction is an append-only ledger entry. IdempotencyKey is unique when
// set; a retried mutation carrying the same key is applied at most once.
type Transaction struct {
	ID             int64     `db:"id"`
	AccountID      int64     `db:"account_id"`
	Kind           TxKind    `db:"kind"`
	Status         TxStatus  `db:"status"`
	Amount         int64     `db:"amount"`
	IdempotencyKey *string   `db:"idempotency_key"`
	Description    *string   `db:"description"`
	DecidedBy      *int64    `db:"decided_by"`
	DecisionReason *string   `db:"decision_reason"`
	CreatedAt      time.Time `db:"created_at"`
	DecidedAt      *time.Time `db:"decided_at"`
}

// CountsTowardAvailable reports whether this row contributes to the
// reconciliation sum for its account: approved deposits and settled
// profit/referral bonuses add, settled withdrawals subtract, everything
// else (pending or rejected) contributes nothing.
func (t *Transaction) CountsTowardAvailable() bool {
	switch t.Kind {
	case TxDeposit:
		return t.Status == TxApproved
	case TxProfit, TxReferralBonus, TxWithdrawal:
		return t.Status == TxSettled
	}
	return false
}
