package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/Laderis97/content-pipeline/internal/config"
	"github.com/Laderis97/content-pipeline/internal/store"
)

// registerStatsRoutes wires up the observability endpoints.
//
//	GET  /stats/failure-rate      — failed/total over a trailing window
//	GET  /alerts                  — unresolved alerts
//	POST /alerts/{alert_id}/resolve
//	GET  /sweeps                  — recent sweeper runs
func registerStatsRoutes(api huma.API, s *store.Store, cfg *config.Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-failure-rate",
		Method:      http.MethodGet,
		Path:        "/stats/failure-rate",
		Summary:     "Failure rate over a trailing window",
		Tags:        []string{"Stats"},
	}, failureRateHandler(s, cfg))

	huma.Register(api, huma.Operation{
		OperationID: "list-active-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "List unresolved alerts",
		Tags:        []string{"Alerts"},
	}, listActiveAlertsHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "resolve-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{alert_id}/resolve",
		Summary:     "Mark an alert resolved",
		Tags:        []string{"Alerts"},
	}, resolveAlertHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "list-sweeps",
		Method:      http.MethodGet,
		Path:        "/sweeps",
		Summary:     "List recent sweeper runs",
		Tags:        []string{"Sweeps"},
	}, listSweepsHandler(s))
}

// ── GET /stats/failure-rate ───────────────────────────────────────────────────

type FailureRateInput struct {
	Window string `query:"window" doc:"Trailing window as a Go duration (e.g. 24h); defaults to the monitor's window"`
}

type FailureRateOutput struct {
	Body struct {
		WindowStart time.Time `json:"window_start"`
		WindowEnd   time.Time `json:"window_end"`
		Total       int       `json:"total"`
		Failed      int       `json:"failed"`
		Rate        float64   `json:"rate"`
	}
}

func failureRateHandler(s *store.Store, cfg *config.Config) func(context.Context, *FailureRateInput) (*FailureRateOutput, error) {
	return func(ctx context.Context, input *FailureRateInput) (*FailureRateOutput, error) {
		window := cfg.MonitorWindow
		if input.Window != "" {
			d, err := time.ParseDuration(input.Window)
			if err != nil || d <= 0 {
				return nil, huma.Error400BadRequest("invalid window duration", err)
			}
			window = d
		}
		sum, err := s.FailureRateSummary(ctx, window)
		if err != nil {
			return nil, mapStoreError(err)
		}
		out := &FailureRateOutput{}
		out.Body.WindowStart = sum.WindowStart
		out.Body.WindowEnd = sum.WindowEnd
		out.Body.Total = sum.Total
		out.Body.Failed = sum.Failed
		out.Body.Rate = sum.Rate
		return out, nil
	}
}

// ── GET /alerts ───────────────────────────────────────────────────────────────

// AlertResponse is the API representation of an alert row.
type AlertResponse struct {
	ID          string     `json:"id"`
	RuleID      string     `json:"rule_id"`
	Severity    string     `json:"severity"`
	Message     string     `json:"message"`
	FailureRate float64    `json:"failure_rate"`
	Failed      int        `json:"failed"`
	Total       int        `json:"total"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	CreatedAt   time.Time  `json:"created_at"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type ListAlertsOutput struct {
	Body struct {
		Items []AlertResponse `json:"items"`
	}
}

func listActiveAlertsHandler(s *store.Store) func(context.Context, *struct{}) (*ListAlertsOutput, error) {
	return func(ctx context.Context, _ *struct{}) (*ListAlertsOutput, error) {
		alerts, err := s.ListActiveAlerts(ctx)
		if err != nil {
			return nil, mapStoreError(err)
		}
		out := &ListAlertsOutput{}
		out.Body.Items = make([]AlertResponse, 0, len(alerts))
		for _, a := range alerts {
			out.Body.Items = append(out.Body.Items, AlertResponse{
				ID:          a.ID.String(),
				RuleID:      a.RuleID.String(),
				Severity:    a.Severity,
				Message:     a.Message,
				FailureRate: a.FailureRate,
				Failed:      a.Failed,
				Total:       a.Total,
				WindowStart: a.WindowStart,
				WindowEnd:   a.WindowEnd,
				CreatedAt:   a.CreatedAt,
				Resolved:    a.Resolved,
				ResolvedAt:  a.ResolvedAt,
			})
		}
		return out, nil
	}
}

// ── POST /alerts/{alert_id}/resolve ───────────────────────────────────────────

type ResolveAlertInput struct {
	AlertID uuid.UUID `path:"alert_id" doc:"Alert UUID"`
}

type ResolveAlertOutput struct {
	Body struct {
		Resolved bool `json:"resolved"`
	}
}

func resolveAlertHandler(s *store.Store) func(context.Context, *ResolveAlertInput) (*ResolveAlertOutput, error) {
	return func(ctx context.Context, input *ResolveAlertInput) (*ResolveAlertOutput, error) {
		if err := s.ResolveAlert(ctx, input.AlertID); err != nil {
			return nil, mapStoreError(err)
		}
		out := &ResolveAlertOutput{}
		out.Body.Resolved = true
		return out, nil
	}
}

// ── GET /sweeps ───────────────────────────────────────────────────────────────

// SweepResponse is the API representation of a sweep_records row.
type SweepResponse struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Inspected  int       `json:"inspected"`
	StaleFound int       `json:"stale_found"`
	Reset      int       `json:"reset"`
	Errored    int       `json:"errored"`
}

type ListSweepsInput struct {
	Limit int `query:"limit" minimum:"1" maximum:"200" default:"50"`
}

type ListSweepsOutput struct {
	Body struct {
		Items []SweepResponse `json:"items"`
	}
}

func listSweepsHandler(s *store.Store) func(context.Context, *ListSweepsInput) (*ListSweepsOutput, error) {
	return func(ctx context.Context, input *ListSweepsInput) (*ListSweepsOutput, error) {
		recs, err := s.ListSweepRecords(ctx, input.Limit)
		if err != nil {
			return nil, mapStoreError(err)
		}
		out := &ListSweepsOutput{}
		out.Body.Items = make([]SweepResponse, 0, len(recs))
		for _, r := range recs {
			out.Body.Items = append(out.Body.Items, SweepResponse{
				ID:         r.ID.String(),
				StartedAt:  r.StartedAt,
				DurationMS: r.DurationMS,
				Inspected:  r.Inspected,
				StaleFound: r.StaleFound,
				Reset:      r.Reset,
				Errored:    r.Errored,
			})
		}
		return out, nil
	}
}
