package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Candidate is the fingerprint view of a recently completed job.
type Candidate struct {
	JobID        uuid.UUID
	PublishedRef string
	TopicTokens  string // normalized topic, as stored in jobs.topic_fingerprint
	ContentHash  string
}

// Source supplies fingerprints of jobs completed within a trailing window.
type Source interface {
	RecentCompletedFingerprints(ctx context.Context, window time.Duration) ([]Candidate, error)
}

// Match identifies the prior completed job a new result duplicates.
type Match struct {
	JobID        uuid.UUID
	PublishedRef string
	Score        float64
}

// Guard decides, immediately before publish, whether a generation result
// duplicates a recently completed job.
type Guard struct {
	src       Source
	sim       Similarity
	threshold float64
	window    time.Duration
}

// NewGuard builds a Guard. threshold is the minimum similarity score treated
// as a duplicate; window is how far back completed jobs are considered.
func NewGuard(src Source, sim Similarity, threshold float64, window time.Duration) *Guard {
	return &Guard{src: src, sim: sim, threshold: threshold, window: window}
}

// Check compares topic and content against recently completed jobs and
// returns the best match at or above the threshold, or nil if none.
// An identical content hash always matches with score 1 regardless of topic.
func (g *Guard) Check(ctx context.Context, topic, content string) (*Match, error) {
	candidates, err := g.src.RecentCompletedFingerprints(ctx, g.window)
	if err != nil {
		return nil, fmt.Errorf("load recent fingerprints: %w", err)
	}

	normTopic := NormalizeTopic(topic)
	contentHash := HashContent(content)

	var best *Match
	for _, c := range candidates {
		score := g.sim.Score(normTopic, c.TopicTokens)
		if c.ContentHash != "" && c.ContentHash == contentHash {
			score = 1
		}
		if score < g.threshold {
			continue
		}
		if best == nil || score > best.Score {
			best = &Match{JobID: c.JobID, PublishedRef: c.PublishedRef, Score: score}
		}
	}
	return best, nil
}
