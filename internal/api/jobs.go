package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/Laderis97/content-pipeline/internal/pipeline"
	"github.com/Laderis97/content-pipeline/internal/store"
)

// registerJobRoutes wires up the job endpoints on the huma API.
//
//	POST /jobs                     — enqueue a job
//	GET  /jobs                     — list jobs, optionally by status
//	GET  /jobs/{job_id}            — single job detail
//	GET  /jobs/{job_id}/runs       — the job's attempt ledger
//	POST /jobs/{job_id}/force-pending — audited admin reset of an error job
func registerJobRoutes(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Enqueue a content-generation job",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, createJobHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Tags:        []string{"Jobs"},
	}, listJobsHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job detail",
		Tags:        []string{"Jobs"},
	}, getJobHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "list-job-runs",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/runs",
		Summary:     "List a job's processing attempts",
		Tags:        []string{"Jobs"},
	}, listJobRunsHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "force-pending",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/force-pending",
		Summary:     "Reset an error job to pending",
		Description: "Audited administrative override. Only jobs in the error state are eligible; the reset is recorded in the job's attempt ledger.",
		Tags:        []string{"Jobs"},
	}, forcePendingHandler(s))
}

// ── Response types ────────────────────────────────────────────────────────────

// JobResponse is the API representation of a job row.
type JobResponse struct {
	ID               string     `json:"id"`
	Topic            string     `json:"topic"`
	PromptTemplate   *string    `json:"prompt_template,omitempty"`
	Model            string     `json:"model"`
	Tags             []string   `json:"tags"`
	Categories       []string   `json:"categories"`
	Status           string     `json:"status"`
	RetryCount       int        `json:"retry_count"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	LastError        *string    `json:"last_error,omitempty"`
	GeneratedTitle   *string    `json:"generated_title,omitempty"`
	GeneratedContent *string    `json:"generated_content,omitempty"`
	PublishedRef     *string    `json:"published_ref,omitempty"`
	DuplicateOf      *string    `json:"duplicate_of,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// JobRunResponse is the API representation of a job_runs row.
type JobRunResponse struct {
	ID           string     `json:"id"`
	Attempt      int        `json:"attempt"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Outcome      *string    `json:"outcome,omitempty"`
	Error        any        `json:"error,omitempty"`
	GenerationMS *int64     `json:"generation_ms,omitempty"`
	PublishMS    *int64     `json:"publish_ms,omitempty"`
	TotalMS      *int64     `json:"total_ms,omitempty"`
}

func jobToResponse(j *store.Job) JobResponse {
	resp := JobResponse{
		ID:             j.ID.String(),
		Topic:          j.Topic,
		PromptTemplate: j.PromptTemplate,
		Model:          j.Model,
		Tags:           j.Tags,
		Categories:     j.Categories,
		Status:         string(j.Status),
		RetryCount:     j.RetryCount,
		ClaimedAt:      j.ClaimedAt,
		LastError:      j.LastError,
		GeneratedTitle: j.GeneratedTitle,
		GeneratedContent: j.GeneratedContent,
		PublishedRef:   j.PublishedRef,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	if j.DuplicateOf != nil {
		s := j.DuplicateOf.String()
		resp.DuplicateOf = &s
	}
	if resp.Tags == nil {
		resp.Tags = []string{} // never return null for arrays in JSON
	}
	if resp.Categories == nil {
		resp.Categories = []string{}
	}
	return resp
}

func runToResponse(r store.JobRun) JobRunResponse {
	resp := JobRunResponse{
		ID:           r.ID.String(),
		Attempt:      r.Attempt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		GenerationMS: r.GenerationMS,
		PublishMS:    r.PublishMS,
		TotalMS:      r.TotalMS,
	}
	if r.Outcome != nil {
		s := string(*r.Outcome)
		resp.Outcome = &s
	}
	if len(r.Error) > 0 {
		resp.Error = r.Error
	}
	return resp
}

// mapStoreError converts store-layer failures to huma status errors.
func mapStoreError(err error) error {
	var f *pipeline.Failure
	if errors.As(err, &f) && f.Kind == pipeline.KindValidation {
		return huma.Error422UnprocessableEntity("validation failed", f.Err)
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return huma.Error409Conflict("job is not in an eligible state", err)
	}
	return huma.Error500InternalServerError("internal error", err)
}

// ── POST /jobs ────────────────────────────────────────────────────────────────

type CreateJobInput struct {
	Body struct {
		Topic          string   `json:"topic" maxLength:"500" doc:"Subject to generate content about"`
		PromptTemplate *string  `json:"prompt_template,omitempty" maxLength:"10000" doc:"Optional template; {topic} is substituted"`
		Model          string   `json:"model,omitempty" doc:"Generation model; defaults to gpt-4o-mini"`
		Tags           []string `json:"tags,omitempty" maxItems:"10"`
		Categories     []string `json:"categories,omitempty" maxItems:"5"`
	}
}

type JobOutput struct {
	Body JobResponse
}

func createJobHandler(s *store.Store) func(context.Context, *CreateJobInput) (*JobOutput, error) {
	return func(ctx context.Context, input *CreateJobInput) (*JobOutput, error) {
		job, err := s.CreateJob(ctx, store.CreateJobParams{
			Topic:          input.Body.Topic,
			PromptTemplate: input.Body.PromptTemplate,
			Model:          input.Body.Model,
			Tags:           input.Body.Tags,
			Categories:     input.Body.Categories,
		})
		if err != nil {
			return nil, mapStoreError(err)
		}
		return &JobOutput{Body: jobToResponse(job)}, nil
	}
}

// ── GET /jobs ─────────────────────────────────────────────────────────────────

type ListJobsInput struct {
	Status string `query:"status" enum:"pending,processing,completed,error" doc:"Filter by lifecycle state"`
	Limit  int    `query:"limit" minimum:"1" maximum:"200" default:"50"`
	Offset int    `query:"offset" minimum:"0" default:"0"`
}

type ListJobsOutput struct {
	Body struct {
		Items []JobResponse `json:"items"`
	}
}

func listJobsHandler(s *store.Store) func(context.Context, *ListJobsInput) (*ListJobsOutput, error) {
	return func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		p := store.ListJobsParams{Limit: input.Limit, Offset: input.Offset}
		if input.Status != "" {
			st := store.JobStatus(input.Status)
			p.Status = &st
		}
		jobs, err := s.ListJobs(ctx, p)
		if err != nil {
			return nil, mapStoreError(err)
		}
		out := &ListJobsOutput{}
		out.Body.Items = make([]JobResponse, 0, len(jobs))
		for i := range jobs {
			out.Body.Items = append(out.Body.Items, jobToResponse(&jobs[i]))
		}
		return out, nil
	}
}

// ── GET /jobs/{job_id} ────────────────────────────────────────────────────────

type GetJobInput struct {
	JobID uuid.UUID `path:"job_id" doc:"Job UUID"`
}

func getJobHandler(s *store.Store) func(context.Context, *GetJobInput) (*JobOutput, error) {
	return func(ctx context.Context, input *GetJobInput) (*JobOutput, error) {
		job, err := s.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, mapStoreError(err)
		}
		if job == nil {
			return nil, huma.Error404NotFound("job not found")
		}
		return &JobOutput{Body: jobToResponse(job)}, nil
	}
}

// ── GET /jobs/{job_id}/runs ───────────────────────────────────────────────────

type ListJobRunsInput struct {
	JobID uuid.UUID `path:"job_id" doc:"Job UUID"`
}

type ListJobRunsOutput struct {
	Body struct {
		Items []JobRunResponse `json:"items"`
	}
}

func listJobRunsHandler(s *store.Store) func(context.Context, *ListJobRunsInput) (*ListJobRunsOutput, error) {
	return func(ctx context.Context, input *ListJobRunsInput) (*ListJobRunsOutput, error) {
		job, err := s.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, mapStoreError(err)
		}
		if job == nil {
			return nil, huma.Error404NotFound("job not found")
		}
		runs, err := s.ListJobRuns(ctx, input.JobID)
		if err != nil {
			return nil, mapStoreError(err)
		}
		out := &ListJobRunsOutput{}
		out.Body.Items = make([]JobRunResponse, 0, len(runs))
		for _, r := range runs {
			out.Body.Items = append(out.Body.Items, runToResponse(r))
		}
		return out, nil
	}
}

// ── POST /jobs/{job_id}/force-pending ─────────────────────────────────────────

type ForcePendingInput struct {
	JobID uuid.UUID `path:"job_id" doc:"Job UUID"`
	Body  struct {
		Reason  string `json:"reason" minLength:"1" doc:"Why the job is being reset"`
		ActorID string `json:"actor_id" minLength:"1" doc:"Who is performing the reset"`
	}
}

func forcePendingHandler(s *store.Store) func(context.Context, *ForcePendingInput) (*JobOutput, error) {
	return func(ctx context.Context, input *ForcePendingInput) (*JobOutput, error) {
		if err := s.ForcePending(ctx, input.JobID, input.Body.Reason, input.Body.ActorID); err != nil {
			return nil, mapStoreError(err)
		}
		job, err := s.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, mapStoreError(err)
		}
		if job == nil {
			return nil, huma.Error404NotFound("job not found")
		}
		return &JobOutput{Body: jobToResponse(job)}, nil
	}
}
