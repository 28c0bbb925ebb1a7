// ABOUTME: HTTP generator adapter speaking the chat-completions wire format.
// ABOUTME: Rate-limited client-side; maps response statuses onto the failure taxonomy.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Laderis97/content-pipeline/internal/pipeline"
)

// HTTPGenerator calls a chat-completions-style endpoint.
type HTTPGenerator struct {
	client  *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
}

// NewHTTPGenerator builds a generator adapter. Pass nil to use a client with
// the given timeout; rps bounds sustained request rate with burst 1.
func NewHTTPGenerator(client *http.Client, baseURL, apiKey string, timeout time.Duration, rps float64) *HTTPGenerator {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if rps <= 0 {
		rps = 1
	}
	return &HTTPGenerator{
		client:  client,
		baseURL: baseURL,
		apiKey:  apiKey,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate implements Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt, model string) (Generation, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Generation{}, pipeline.NewFailure(pipeline.KindTransient, "generate",
			fmt.Errorf("rate limiter wait: %w", err))
	}

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Generation{}, pipeline.NewFailure(pipeline.KindFatal, "generate",
			fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Generation{}, pipeline.NewFailure(pipeline.KindFatal, "generate",
			fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return Generation{}, pipeline.NewFailure(pipeline.KindTransient, "generate", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Generation{}, pipeline.NewFailure(pipeline.KindTransient, "generate",
			fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return Generation{}, classifyStatus("generate", resp.StatusCode, truncate(respBody, 256))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Generation{}, pipeline.NewFailure(pipeline.KindDownstreamUnavailable, "generate",
			fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return Generation{}, pipeline.NewFailure(pipeline.KindDownstreamUnavailable, "generate",
			errors.New("empty completion"))
	}

	return Generation{
		Text:     parsed.Choices[0].Message.Content,
		Duration: time.Since(start),
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
