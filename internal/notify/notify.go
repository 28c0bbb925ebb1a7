// ABOUTME: Alert notification fan-out: a Notifier interface with webhook and email channels.
// ABOUTME: Delivery is best-effort; the monitor logs failures and never blocks on them.
package notify

import (
	"context"
	"time"
)

// Event is the delivery-time view of a fired alert.
type Event struct {
	AlertID         string    `json:"alert_id"`
	RuleName        string    `json:"rule_name"`
	Severity        string    `json:"severity"`
	Message         string    `json:"message"`
	FailureRate     float64   `json:"failure_rate"`
	Failed          int       `json:"failed"`
	Total           int       `json:"total"`
	EscalationLevel int       `json:"escalation_level"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	FiredAt         time.Time `json:"fired_at"`
}

// Notifier delivers a fired alert to one channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Name() string
}
