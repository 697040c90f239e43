package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"usdt-mining-bot/internal/config"
	"usdt-mining-bot/internal/model"
)

const planColumns = `id, name, rate_bps, period_seconds, total_periods, min_stake, max_stake, return_principal`

// PlanRepository handles mining plan reference data.
// Plans are seeded from configuration at startup and treated as immutable
// once any live position references them.
type PlanRepository struct {
	pool *pgxpool.Pool
}

// NewPlanRepository creates a new PlanRepository instance.
func NewPlanRepository(pool *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{pool: pool}
}

func scanPlan(row pgx.Row) (*model.MiningPlan, error) {
	var p model.MiningPlan
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.RateBps,
		&p.PeriodSeconds,
		&p.TotalPeriods,
		&p.MinStake,
		&p.MaxStake,
		&p.ReturnPrincipal,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	return &p, nil
}

// Seed inserts the configured plans that do not yet exist, keyed by name.
// Existing plans are left untouched so live positions keep their terms.
func (r *PlanRepository) Seed(ctx context.Context, plans []config.PlanConfig) error {
	const query = `
		INSERT INTO mining_plans (name, rate_bps, period_seconds, total_periods, min_stake, max_stake, return_principal)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO NOTHING
	`

	for _, p := range plans {
		_, err := r.pool.Exec(ctx, query,
			p.Name, p.RateBps, int64(p.Period.Seconds()), p.TotalPeriods,
			p.MinStake, p.MaxStake, p.ReturnPrincipal,
		)
		if err != nil {
			return fmt.Errorf("failed to seed plan %q: %w", p.Name, err)
		}
	}
	return nil
}

// GetByID retrieves a plan by id.
func (r *PlanRepository) GetByID(ctx context.Context, id int64) (*model.MiningPlan, error) {
	const query = `SELECT ` + planColumns + ` FROM mining_plans WHERE id = $1`
	return scanPlan(r.pool.QueryRow(ctx, query, id))
}

// List retrieves all plans ordered by minimum stake.
func (r *PlanRepository) List(ctx context.Context) ([]*model.MiningPlan, error) {
	const query = `SELECT ` + planColumns + ` FROM mining_plans ORDER BY min_stake ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*model.MiningPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}
	return plans, nil
}
