package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus enumerates the job lifecycle states.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

// AllowedModels are the generation models a job may request. Mirrors the
// CHECK constraint on jobs.model.
var AllowedModels = []string{"gpt-4o-mini", "gpt-4o", "gpt-4.1", "claude-3-5-sonnet"}

// DefaultModel is used when an enqueue request names no model.
const DefaultModel = "gpt-4o-mini"

// Job is a content-generation job row.
type Job struct {
	ID                 uuid.UUID
	Topic              string
	PromptTemplate     *string
	Model              string
	Tags               []string
	Categories         []string
	Status             JobStatus
	RetryCount         int
	ClaimedAt          *time.Time
	LastError          *string
	GeneratedTitle     *string
	GeneratedContent   *string
	PublishedRef       *string
	DuplicateOf        *uuid.UUID
	TopicFingerprint   *string
	ContentFingerprint *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RunOutcome enumerates the terminal outcomes of a processing attempt.
type RunOutcome string

const (
	RunSucceeded  RunOutcome = "succeeded"
	RunRetried    RunOutcome = "retried"
	RunFailed     RunOutcome = "failed"
	RunDuplicate  RunOutcome = "duplicate"
	RunStaleReset RunOutcome = "stale_reset"
	RunAdminReset RunOutcome = "admin_reset"
)

// JobRun is one row of the append-only attempt ledger.
type JobRun struct {
	ID           uuid.UUID
	JobID        uuid.UUID
	Attempt      int
	StartedAt    time.Time
	CompletedAt  *time.Time
	Outcome      *RunOutcome
	Error        json.RawMessage
	GenerationMS *int64
	PublishMS    *int64
	TotalMS      *int64
}

// IdempotencyKey records progress of an in-flight attempt so that a re-claim
// after a crash can skip work that already succeeded.
type IdempotencyKey struct {
	Key          string
	JobID        uuid.UUID
	TopicHash    string
	ContentHash  *string
	PublishedRef *string
	ExpiresAt    time.Time
}

// AlertRule is a long-lived failure-rate threshold rule.
type AlertRule struct {
	ID              uuid.UUID
	Name            string
	Condition       string
	Threshold       float64
	Severity        string
	Cooldown        time.Duration
	LastTriggeredAt *time.Time
	EscalationLevel int
	Enabled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Alert is an immutable record of a rule firing.
type Alert struct {
	ID          uuid.UUID
	RuleID      uuid.UUID
	Severity    string
	Message     string
	FailureRate float64
	Failed      int
	Total       int
	WindowStart time.Time
	WindowEnd   time.Time
	CreatedAt   time.Time
	Resolved    bool
	ResolvedAt  *time.Time
}

// SweepRecord is one row per sweeper run.
type SweepRecord struct {
	ID         uuid.UUID
	StartedAt  time.Time
	DurationMS int64
	Inspected  int
	StaleFound int
	Reset      int
	Errored    int
}

// RateSummary aggregates job_run outcomes over a trailing window.
// Failures are attempts that ended in retried, failed, or stale_reset;
// succeeded and duplicate count as successes.
type RateSummary struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Total       int
	Failed      int
	Rate        float64
}
