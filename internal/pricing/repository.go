package pricing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// RuleSource lists the override rules currently in force.
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]OverrideRule, error)
}

// Repository persists pricing override rules in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ruleColumns = `id, tenor_min, tenor_max, amount_min, amount_max, base_rate, active`

// ActiveRules returns every active rule, highest tenor_min first.
func (r *Repository) ActiveRules(ctx context.Context) ([]OverrideRule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+`
FROM pricing_override_rules
WHERE active
ORDER BY tenor_min DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("pricing: list rules: %w", err)
	}
	defer rows.Close()
	var rules []OverrideRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// CreateRule inserts a new active rule.
func (r *Repository) CreateRule(ctx context.Context, rule OverrideRule) (OverrideRule, error) {
	var tenorMax *int32
	if rule.TenorMax != nil {
		v := int32(*rule.TenorMax)
		tenorMax = &v
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO pricing_override_rules (tenor_min, tenor_max, amount_min, amount_max, base_rate, active)
VALUES ($1, $2, $3, $4, $5, TRUE)
RETURNING `+ruleColumns,
		int32(rule.TenorMin), tenorMax, rule.AmountMin, rule.AmountMax, rule.BaseRate)
	created, err := scanRule(row)
	if err != nil {
		return OverrideRule{}, fmt.Errorf("pricing: create rule: %w", err)
	}
	return created, nil
}

// DeactivateRule switches a rule off. Unknown ids are ignored.
func (r *Repository) DeactivateRule(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE pricing_override_rules SET active = FALSE WHERE id = $1`, id)
	return err
}

func scanRule(row pgx.Row) (OverrideRule, error) {
	var (
		rule     OverrideRule
		tenorMin int32
		tenorMax *int32
		baseRate decimal.Decimal
	)
	if err := row.Scan(&rule.ID, &tenorMin, &tenorMax, &rule.AmountMin, &rule.AmountMax, &baseRate, &rule.Active); err != nil {
		return OverrideRule{}, err
	}
	rule.TenorMin = int(tenorMin)
	if tenorMax != nil {
		v := int(*tenorMax)
		rule.TenorMax = &v
	}
	rule.BaseRate = baseRate
	return rule, nil
}
