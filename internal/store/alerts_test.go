// ABOUTME: Integration tests for alert rules and firings: seeded rule order,
// ABOUTME: escalation advance/reset, and alert resolution.
package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Laderis97/content-pipeline/internal/store"
	"github.com/Laderis97/content-pipeline/internal/testutil"
)

func fireParams(rule store.AlertRule) store.FireAlertParams {
	now := time.Now().UTC()
	return store.FireAlertParams{
		RuleID:      rule.ID,
		Severity:    rule.Severity,
		Message:     "failure rate exceeded " + rule.Name,
		FailureRate: rule.Threshold + 0.05,
		Failed:      5,
		Total:       20,
		WindowStart: now.Add(-24 * time.Hour),
		WindowEnd:   now,
	}
}

func TestListEnabledAlertRules_SeededAndOrdered(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	rules, err := s.ListEnabledAlertRules(ctx)
	if err != nil {
		t.Fatalf("ListEnabledAlertRules: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("got %d seeded rules, want 3", len(rules))
	}

	// Highest threshold first: emergency 30%, critical 20%, warning 15%.
	wantSeverity := []string{"emergency", "critical", "warning"}
	wantThreshold := []float64{0.30, 0.20, 0.15}
	for i, r := range rules {
		if r.Severity != wantSeverity[i] {
			t.Errorf("rule %d severity = %s, want %s", i, r.Severity, wantSeverity[i])
		}
		if r.Threshold != wantThreshold[i] {
			t.Errorf("rule %d threshold = %v, want %v", i, r.Threshold, wantThreshold[i])
		}
		if r.LastTriggeredAt != nil {
			t.Errorf("rule %d has last_triggered_at before any firing", i)
		}
		if r.EscalationLevel != 0 {
			t.Errorf("rule %d escalation = %d, want 0", i, r.EscalationLevel)
		}
	}
	if rules[0].Cooldown != 30*time.Minute {
		t.Errorf("emergency cooldown = %v, want 30m", rules[0].Cooldown)
	}
}

func TestFireAlert_EscalationAdvanceAndReset(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	rules, err := s.ListEnabledAlertRules(ctx)
	if err != nil {
		t.Fatalf("ListEnabledAlertRules: %v", err)
	}
	rule := rules[0]

	// First firing: nothing unresolved yet, escalation stays 0.
	first, esc, err := s.FireAlert(ctx, fireParams(rule))
	if err != nil {
		t.Fatalf("FireAlert (first): %v", err)
	}
	if esc != 0 {
		t.Errorf("first firing escalation = %d, want 0", esc)
	}
	if first.Resolved {
		t.Error("new alert is marked resolved")
	}

	// Repeated firings with the first still open escalate, capped at 3.
	wantLevels := []int{1, 2, 3, 3}
	for i, want := range wantLevels {
		_, esc, err := s.FireAlert(ctx, fireParams(rule))
		if err != nil {
			t.Fatalf("FireAlert (#%d): %v", i+2, err)
		}
		if esc != want {
			t.Errorf("firing #%d escalation = %d, want %d", i+2, esc, want)
		}
	}

	// last_triggered_at advanced.
	rules, _ = s.ListEnabledAlertRules(ctx)
	if rules[0].LastTriggeredAt == nil {
		t.Error("rule missing last_triggered_at after firings")
	}

	// Resolving every open alert lets the next firing start over at 0.
	active, err := s.ListActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("ListActiveAlerts: %v", err)
	}
	if len(active) != 5 {
		t.Fatalf("got %d active alerts, want 5", len(active))
	}
	for _, a := range active {
		if err := s.ResolveAlert(ctx, a.ID); err != nil {
			t.Fatalf("ResolveAlert(%s): %v", a.ID, err)
		}
	}

	_, esc, err = s.FireAlert(ctx, fireParams(rule))
	if err != nil {
		t.Fatalf("FireAlert (after resolve): %v", err)
	}
	if esc != 0 {
		t.Errorf("post-resolve escalation = %d, want 0", esc)
	}
}

func TestResolveAlert_OnlyOnce(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	rules, _ := s.ListEnabledAlertRules(ctx)
	alert, _, err := s.FireAlert(ctx, fireParams(rules[0]))
	if err != nil {
		t.Fatalf("FireAlert: %v", err)
	}

	if err := s.ResolveAlert(ctx, alert.ID); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if err := s.ResolveAlert(ctx, alert.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("second resolve: got %v, want ErrInvalidTransition", err)
	}

	active, _ := s.ListActiveAlerts(ctx)
	if len(active) != 0 {
		t.Errorf("%d active alerts after resolve, want 0", len(active))
	}
}
