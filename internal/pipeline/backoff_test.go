package pipeline

import (
	"errors"
	"testing"
	"time"
)

func TestDelayMonotonicUpToCap(t *testing.T) {
	t.Parallel()
	p := BackoffPolicy{Base: 2 * time.Second, Cap: 5 * time.Minute}

	var prev time.Duration
	for attempt := 1; attempt <= 12; attempt++ {
		d := p.Delay(attempt, KindTransient)
		// Strip jitter headroom: the pre-jitter value must be non-decreasing,
		// so d must be at least prev/1.1.
		if float64(d) < float64(prev)/1.1 {
			t.Errorf("attempt %d: delay %v shrank below previous %v", attempt, d, prev)
		}
		maxAllowed := time.Duration(float64(5*time.Minute) * 1.1)
		if d > maxAllowed {
			t.Errorf("attempt %d: delay %v exceeds cap+jitter %v", attempt, d, maxAllowed)
		}
		prev = d
	}
}

func TestDelayRateLimitedWidens(t *testing.T) {
	t.Parallel()
	p := BackoffPolicy{Base: time.Second, Cap: time.Hour}

	// Attempt 1: transient pre-jitter is 1s, rate-limited pre-jitter is 2s.
	tr := p.Delay(1, KindTransient)
	if tr > time.Duration(float64(time.Second)*1.1) {
		t.Errorf("transient delay %v exceeds base+jitter", tr)
	}
	rl := p.Delay(1, KindRateLimited)
	if rl < 2*time.Second {
		t.Errorf("rate-limited delay %v below doubled base", rl)
	}
}

func TestDelayZeroAttemptClamped(t *testing.T) {
	t.Parallel()
	p := BackoffPolicy{Base: time.Second, Cap: time.Minute}
	if d := p.Delay(0, KindTransient); d < time.Second {
		t.Errorf("attempt 0 delay %v below base", d)
	}
}

func TestKindRetryable(t *testing.T) {
	t.Parallel()
	retryable := []Kind{KindTransient, KindRateLimited, KindDownstreamUnavailable}
	fatal := []Kind{KindValidation, KindFatal, KindConsistency}

	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range fatal {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	wrapped := NewFailure(KindRateLimited, "publish", errors.New("429 too many requests"))
	if got := Classify(wrapped); got != KindRateLimited {
		t.Errorf("Classify(failure) = %s, want rate_limited", got)
	}

	// Deeply wrapped failures still classify.
	deep := errors.Join(errors.New("outer"), wrapped)
	if got := Classify(deep); got != KindRateLimited {
		t.Errorf("Classify(joined) = %s, want rate_limited", got)
	}

	if got := Classify(errors.New("connection reset")); got != KindTransient {
		t.Errorf("Classify(plain) = %s, want transient default", got)
	}
}

func TestSummaryIncludesPhaseAndKind(t *testing.T) {
	t.Parallel()
	f := NewFailure(KindDownstreamUnavailable, "generate", errors.New("503 service unavailable"))
	s := Summary(f)
	if s != "[generate/downstream_unavailable] 503 service unavailable" {
		t.Errorf("Summary = %q", s)
	}
}
