package service

import (
	"time"

	"usdt-mining-bot/internal/model"
)

// Accrual is one computed credit step for a position.
type Accrual struct {
	CreditPeriods   int32
	ProfitAmount    int64
	NewLastCredited time.Time
	Complete        bool
}

// ComputeAccrual determines how many whole periods have elapsed for a
// position and what they pay. Returns false when there is nothing to
// credit: the position is not active, no full period has elapsed, or every
// period was already credited.
//
// last_credited_at advances by whole periods rather than jumping to now, so
// late or skipped ticks never lose the fractional remainder of a period.
func ComputeAccrual(position *model.MiningPosition, plan *model.MiningPlan, now time.Time) (Accrual, bool) {
	if position.Status != model.PositionActive {
		return Accrual{}, false
	}
	if position.PeriodsCredited >= plan.TotalPeriods {
		return Accrual{}, false
	}

	period := plan.Period()
	if period <= 0 {
		return Accrual{}, false
	}

	elapsed := int64(now.Sub(position.LastCreditedAt) / period)
	if elapsed <= 0 {
		return Accrual{}, false
	}

	remaining := int64(plan.TotalPeriods - position.PeriodsCredited)
	credit := elapsed
	if credit > remaining {
		credit = remaining
	}

	return Accrual{
		CreditPeriods:   int32(credit),
		ProfitAmount:    position.Principal * plan.RateBps * credit / 10000,
		NewLastCredited: position.LastCreditedAt.Add(time.Duration(credit) * period),
		Complete:        int64(position.PeriodsCredited)+credit == int64(plan.TotalPeriods),
	}, true
}
