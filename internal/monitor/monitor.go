// ABOUTME: Failure-rate monitor: evaluates threshold rules against the
// ABOUTME: job_runs ledger, fires alerts with cooldown, fans out notifications.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Laderis97/content-pipeline/internal/notify"
	"github.com/Laderis97/content-pipeline/internal/store"
	"github.com/Laderis97/content-pipeline/internal/telemetry"
)

// Store is the slice of the persistence layer the monitor needs.
type Store interface {
	FailureRateSummary(ctx context.Context, window time.Duration) (store.RateSummary, error)
	ListEnabledAlertRules(ctx context.Context) ([]store.AlertRule, error)
	FireAlert(ctx context.Context, p store.FireAlertParams) (*store.Alert, int, error)
}

// Config holds monitor tuning parameters (sourced from config.Config).
type Config struct {
	Interval time.Duration
	Window   time.Duration
}

// Monitor periodically evaluates failure-rate rules. Rules are checked
// highest threshold first and at most one fires per pass, so a 35% failure
// rate raises one emergency alert, not an emergency plus a critical plus a
// warning.
type Monitor struct {
	store     Store
	notifiers []notify.Notifier
	cfg       Config
	log       *slog.Logger
	now       func() time.Time // injectable for tests
}

func New(st Store, notifiers []notify.Notifier, cfg Config, log *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{store: st, notifiers: notifiers, cfg: cfg, log: log, now: time.Now}
}

// Start runs evaluation passes until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.log.Error("monitor pass", "err", err)
			}
		}
	}
}

// RunOnce executes a single evaluation pass.
func (m *Monitor) RunOnce(ctx context.Context) error {
	sum, err := m.store.FailureRateSummary(ctx, m.cfg.Window)
	if err != nil {
		return fmt.Errorf("failure rate summary: %w", err)
	}
	// An empty window has no defined failure rate. Never alert on it.
	if sum.Total == 0 {
		return nil
	}

	rules, err := m.store.ListEnabledAlertRules(ctx)
	if err != nil {
		return fmt.Errorf("list alert rules: %w", err)
	}

	for _, rule := range rules {
		if sum.Rate < rule.Threshold {
			continue
		}
		if m.inCooldown(rule) {
			m.log.Debug("rule matched but in cooldown",
				"rule", rule.Name, "rate", sum.Rate, "last_triggered_at", rule.LastTriggeredAt)
			return nil
		}
		return m.fire(ctx, rule, sum)
	}
	return nil
}

func (m *Monitor) inCooldown(rule store.AlertRule) bool {
	return rule.LastTriggeredAt != nil && m.now().Sub(*rule.LastTriggeredAt) < rule.Cooldown
}

func (m *Monitor) fire(ctx context.Context, rule store.AlertRule, sum store.RateSummary) error {
	msg := fmt.Sprintf("failure rate %.1f%% (%d of %d attempts) over %s window exceeded %s threshold %.0f%%",
		sum.Rate*100, sum.Failed, sum.Total, m.cfg.Window, rule.Severity, rule.Threshold*100)

	alert, escalation, err := m.store.FireAlert(ctx, store.FireAlertParams{
		RuleID:      rule.ID,
		Severity:    rule.Severity,
		Message:     msg,
		FailureRate: sum.Rate,
		Failed:      sum.Failed,
		Total:       sum.Total,
		WindowStart: sum.WindowStart,
		WindowEnd:   sum.WindowEnd,
	})
	if err != nil {
		return fmt.Errorf("fire alert for rule %s: %w", rule.Name, err)
	}
	telemetry.AlertsFired.WithLabelValues(rule.Severity).Inc()
	m.log.Warn("failure-rate alert fired",
		"rule", rule.Name, "severity", rule.Severity, "rate", sum.Rate,
		"failed", sum.Failed, "total", sum.Total, "escalation", escalation)

	// Notification delivery is best-effort. The alert row is already
	// committed; a channel outage must not fail the pass.
	ev := notify.Event{
		AlertID:         alert.ID.String(),
		RuleName:        rule.Name,
		Severity:        alert.Severity,
		Message:         alert.Message,
		FailureRate:     alert.FailureRate,
		Failed:          alert.Failed,
		Total:           alert.Total,
		EscalationLevel: escalation,
		WindowStart:     alert.WindowStart,
		WindowEnd:       alert.WindowEnd,
		FiredAt:         alert.CreatedAt,
	}
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			m.log.Error("alert notification failed", "channel", n.Name(), "alert_id", alert.ID, "err", err)
		}
	}
	return nil
}
