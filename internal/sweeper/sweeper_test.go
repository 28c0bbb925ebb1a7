// ABOUTME: Sweeper unit tests with a fake store. SQL-level sweep behavior is
// ABOUTME: covered by the integration tests in internal/store.
package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Laderis97/content-pipeline/internal/store"
)

type fakeStore struct {
	result   store.SweepResult
	sweepErr error

	sweeps  int
	records []store.SweepResult
}

func (f *fakeStore) SweepStaleJobs(context.Context, time.Duration, int) (store.SweepResult, error) {
	f.sweeps++
	return f.result, f.sweepErr
}

func (f *fakeStore) InsertSweepRecord(_ context.Context, _ time.Time, _ time.Duration, r store.SweepResult) (*store.SweepRecord, error) {
	f.records = append(f.records, r)
	return &store.SweepRecord{}, nil
}

func TestRunOnce_RecordsEveryPass(t *testing.T) {
	t.Parallel()
	st := &fakeStore{result: store.SweepResult{Inspected: 3, StaleFound: 2, Reset: 1, Errored: 1}}
	s := New(st, Config{Staleness: 10 * time.Minute, MaxRetries: 3}, nil)

	s.RunOnce(context.Background())
	s.RunOnce(context.Background())

	assert.Equal(t, 2, st.sweeps)
	require.Len(t, st.records, 2)
	assert.Equal(t, 2, st.records[0].StaleFound)
}

func TestRunOnce_SweepErrorSkipsRecord(t *testing.T) {
	t.Parallel()
	st := &fakeStore{sweepErr: errors.New("connection refused")}
	s := New(st, Config{}, nil)

	s.RunOnce(context.Background())

	assert.Equal(t, 1, st.sweeps)
	assert.Empty(t, st.records, "a failed sweep must not write a record")
}

func TestStart_StopsOnCancel(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	s := New(st, Config{Interval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
	assert.GreaterOrEqual(t, st.sweeps, 2, "initial pass plus at least one tick")
}
