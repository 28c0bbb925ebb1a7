// ABOUTME: Periodic stale-claim recovery: drives store.SweepStaleJobs on a
// ABOUTME: ticker and records each pass in sweep_records for health reporting.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/Laderis97/content-pipeline/internal/store"
	"github.com/Laderis97/content-pipeline/internal/telemetry"
)

// Store is the slice of the persistence layer the sweeper needs.
type Store interface {
	SweepStaleJobs(ctx context.Context, threshold time.Duration, maxRetries int) (store.SweepResult, error)
	InsertSweepRecord(ctx context.Context, startedAt time.Time, duration time.Duration, r store.SweepResult) (*store.SweepRecord, error)
}

// Config holds sweeper tuning parameters (sourced from config.Config).
type Config struct {
	Interval   time.Duration
	Staleness  time.Duration
	MaxRetries int
}

// Sweeper reclaims processing jobs abandoned by dead workers.
type Sweeper struct {
	store Store
	cfg   Config
	log   *slog.Logger
}

func New(st Store, cfg Config, log *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{store: st, cfg: cfg, log: log}
}

// Start runs sweep passes until ctx is cancelled. One pass runs immediately
// so a restart after a worker crash does not wait a full interval.
func (s *Sweeper) Start(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single sweep pass. Sweeping an already-swept set is a
// no-op: a reset clears claimed_at, so re-running finds nothing stale.
func (s *Sweeper) RunOnce(ctx context.Context) {
	start := time.Now()
	res, err := s.store.SweepStaleJobs(ctx, s.cfg.Staleness, s.cfg.MaxRetries)
	if err != nil {
		s.log.Error("sweep stale jobs", "err", err)
		return
	}
	elapsed := time.Since(start)

	if res.StaleFound > 0 {
		telemetry.StaleClaimsReset.Add(float64(res.StaleFound))
		s.log.Warn("stale claims reclaimed",
			"inspected", res.Inspected,
			"stale_found", res.StaleFound,
			"reset", res.Reset,
			"errored", res.Errored,
			"duration", elapsed)
	} else {
		s.log.Debug("sweep pass clean", "inspected", res.Inspected, "duration", elapsed)
	}

	if _, err := s.store.InsertSweepRecord(ctx, start, elapsed, res); err != nil {
		s.log.Error("insert sweep record", "err", err)
	}
}
