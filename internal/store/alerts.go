// ABOUTME: Alert rule configuration and immutable alert firing records.
// ABOUTME: FireAlert atomically inserts the alert and advances rule state.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const alertRuleColumns = `id, name, condition, threshold, severity, cooldown_seconds,
	last_triggered_at, escalation_level, enabled, created_at, updated_at`

// ListEnabledAlertRules returns enabled rules ordered highest threshold
// first, the evaluation order in which the first matching rule wins.
func (s *Store) ListEnabledAlertRules(ctx context.Context) ([]AlertRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertRuleColumns+`
		FROM alert_rules WHERE enabled ORDER BY threshold DESC`)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// FireAlertParams describes a rule firing.
type FireAlertParams struct {
	RuleID      uuid.UUID
	Severity    string
	Message     string
	FailureRate float64
	Failed      int
	Total       int
	WindowStart time.Time
	WindowEnd   time.Time
}

// FireAlert inserts the alert and updates the rule in one transaction:
// last_triggered_at advances, and escalation_level increments (capped at 3)
// when the rule still has unresolved alerts from earlier firings, or resets
// to zero otherwise. The returned int is the rule's post-fire escalation level.
func (s *Store) FireAlert(ctx context.Context, p FireAlertParams) (*Alert, int, error) {
	var a Alert
	var escalation int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var unresolved int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM alerts WHERE rule_id = $1 AND NOT resolved`,
			p.RuleID).Scan(&unresolved); err != nil {
			return fmt.Errorf("count unresolved alerts: %w", err)
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO alerts (rule_id, severity, message, failure_rate, failed, total, window_start, window_end)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, rule_id, severity, message, failure_rate, failed, total,
			          window_start, window_end, created_at, resolved, resolved_at`,
			p.RuleID, p.Severity, p.Message, p.FailureRate, p.Failed, p.Total, p.WindowStart, p.WindowEnd).
			Scan(&a.ID, &a.RuleID, &a.Severity, &a.Message, &a.FailureRate, &a.Failed, &a.Total,
				&a.WindowStart, &a.WindowEnd, &a.CreatedAt, &a.Resolved, &a.ResolvedAt)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}

		err = tx.QueryRow(ctx, `
			UPDATE alert_rules
			SET last_triggered_at = now(),
			    escalation_level = CASE WHEN $2 > 0 THEN LEAST(escalation_level + 1, 3) ELSE 0 END,
			    updated_at = now()
			WHERE id = $1
			RETURNING escalation_level`, p.RuleID, unresolved).Scan(&escalation)
		if err != nil {
			return fmt.Errorf("advance rule state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return &a, escalation, nil
}

// ListActiveAlerts returns unresolved alerts, newest first.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, severity, message, failure_rate, failed, total,
		       window_start, window_end, created_at, resolved, resolved_at
		FROM alerts WHERE NOT resolved ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.RuleID, &a.Severity, &a.Message, &a.FailureRate,
			&a.Failed, &a.Total, &a.WindowStart, &a.WindowEnd,
			&a.CreatedAt, &a.Resolved, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ResolveAlert marks an alert resolved. Resolving the last open alert of a
// rule lets the next firing start again at escalation level zero.
func (s *Store) ResolveAlert(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET resolved = true, resolved_at = now()
		WHERE id = $1 AND NOT resolved`, id)
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve alert %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

func scanAlertRule(rows pgx.Rows) (*AlertRule, error) {
	var r AlertRule
	var cooldownSeconds int
	if err := rows.Scan(&r.ID, &r.Name, &r.Condition, &r.Threshold, &r.Severity,
		&cooldownSeconds, &r.LastTriggeredAt, &r.EscalationLevel, &r.Enabled,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan alert rule: %w", err)
	}
	r.Cooldown = time.Duration(cooldownSeconds) * time.Second
	return &r, nil
}
