// Package provider defines the external collaborators a worker calls while
// processing a job — the content generator and the publishing target — and
// ships HTTP reference adapters for both.
//
// Adapter errors are mapped into the pipeline failure taxonomy at the HTTP
// boundary: 429 is rate-limited, 5xx is downstream-unavailable, 401/403 is
// fatal, and transport errors are transient. The worker never inspects
// status codes itself.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/Laderis97/content-pipeline/internal/pipeline"
)

// Generation is a successful content-generation result.
type Generation struct {
	Text     string
	Duration time.Duration
}

// Generator produces text for a prompt using the named model.
type Generator interface {
	Generate(ctx context.Context, prompt, model string) (Generation, error)
}

// Draft is the input to a publish call.
type Draft struct {
	Title      string
	Content    string
	Tags       []string
	Categories []string
}

// Publication is a successful publish result. Ref is the external artifact
// identifier, opaque to this system.
type Publication struct {
	Ref      string
	Duration time.Duration
}

// Publisher creates a draft on the publishing target.
type Publisher interface {
	Publish(ctx context.Context, draft Draft) (Publication, error)
}

// classifyStatus maps an HTTP response status to a taxonomy failure.
func classifyStatus(phase string, status int, body string) error {
	err := fmt.Errorf("unexpected status %d: %s", status, body)
	switch {
	case status == 429:
		return pipeline.NewFailure(pipeline.KindRateLimited, phase, err)
	case status == 401 || status == 403:
		return pipeline.NewFailure(pipeline.KindFatal, phase, err)
	case status >= 500:
		return pipeline.NewFailure(pipeline.KindDownstreamUnavailable, phase, err)
	case status >= 400:
		return pipeline.NewFailure(pipeline.KindFatal, phase, err)
	default:
		return pipeline.NewFailure(pipeline.KindTransient, phase, err)
	}
}
