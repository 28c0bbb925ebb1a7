// ABOUTME: WordPress-style draft publisher adapter (POST /wp-json/wp/v2/posts).
// ABOUTME: Always creates drafts, never publishes live content directly.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/Laderis97/content-pipeline/internal/pipeline"
)

// WordPressPublisher creates draft posts through the WordPress REST API,
// authenticating with an application password.
type WordPressPublisher struct {
	client      *http.Client
	baseURL     string
	username    string
	appPassword string
	limiter     *rate.Limiter
}

// NewWordPressPublisher builds a publisher adapter. Pass nil to use a client
// with the given timeout; rps bounds sustained request rate with burst 1.
func NewWordPressPublisher(client *http.Client, baseURL, username, appPassword string, timeout time.Duration, rps float64) *WordPressPublisher {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if rps <= 0 {
		rps = 1
	}
	return &WordPressPublisher{
		client:      client,
		baseURL:     baseURL,
		username:    username,
		appPassword: appPassword,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type wpCreatePost struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Status     string   `json:"status"`
	Tags       []string `json:"pipeline_tags,omitempty"`
	Categories []string `json:"pipeline_categories,omitempty"`
}

type wpPostResponse struct {
	ID int64 `json:"id"`
}

// Publish implements Publisher. The returned Ref is the created post id.
func (p *WordPressPublisher) Publish(ctx context.Context, draft Draft) (Publication, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Publication{}, pipeline.NewFailure(pipeline.KindTransient, "publish",
			fmt.Errorf("rate limiter wait: %w", err))
	}

	body, err := json.Marshal(wpCreatePost{
		Title:      draft.Title,
		Content:    draft.Content,
		Status:     "draft",
		Tags:       draft.Tags,
		Categories: draft.Categories,
	})
	if err != nil {
		return Publication{}, pipeline.NewFailure(pipeline.KindFatal, "publish",
			fmt.Errorf("marshal draft: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/wp-json/wp/v2/posts", bytes.NewReader(body))
	if err != nil {
		return Publication{}, pipeline.NewFailure(pipeline.KindFatal, "publish",
			fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.username, p.appPassword)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Publication{}, pipeline.NewFailure(pipeline.KindTransient, "publish", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Publication{}, pipeline.NewFailure(pipeline.KindTransient, "publish",
			fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return Publication{}, classifyStatus("publish", resp.StatusCode, truncate(respBody, 256))
	}

	var parsed wpPostResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Publication{}, pipeline.NewFailure(pipeline.KindDownstreamUnavailable, "publish",
			fmt.Errorf("decode response: %w", err))
	}
	if parsed.ID == 0 {
		return Publication{}, pipeline.NewFailure(pipeline.KindDownstreamUnavailable, "publish",
			fmt.Errorf("response missing post id"))
	}

	return Publication{
		Ref:      "wp-post-" + strconv.FormatInt(parsed.ID, 10),
		Duration: time.Since(start),
	}, nil
}
