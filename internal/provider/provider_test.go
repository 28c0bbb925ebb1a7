package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Laderis97/content-pipeline/internal/pipeline"
)

func TestGeneratorSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Generated article body"}}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.Client(), srv.URL, "test-key", 10*time.Second, 100)
	gen, err := g.Generate(context.Background(), "write about go", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.Text != "Generated article body" {
		t.Errorf("Text = %q", gen.Text)
	}
	if gen.Duration <= 0 {
		t.Error("Duration not recorded")
	}
}

func TestGeneratorStatusMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		want   pipeline.Kind
	}{
		{429, pipeline.KindRateLimited},
		{503, pipeline.KindDownstreamUnavailable},
		{401, pipeline.KindFatal},
		{400, pipeline.KindFatal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		g := NewHTTPGenerator(srv.Client(), srv.URL, "", 10*time.Second, 100)
		_, err := g.Generate(context.Background(), "p", "gpt-4o-mini")
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := pipeline.Classify(err); got != tc.want {
			t.Errorf("status %d classified as %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestGeneratorEmptyCompletion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"choices":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.Client(), srv.URL, "", 10*time.Second, 100)
	_, err := g.Generate(context.Background(), "p", "gpt-4o-mini")
	if err == nil {
		t.Fatal("expected error for empty completion")
	}
	if got := pipeline.Classify(err); got != pipeline.KindDownstreamUnavailable {
		t.Errorf("classified as %s, want downstream_unavailable", got)
	}
}

func TestGeneratorConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()
	g := NewHTTPGenerator(&http.Client{Timeout: time.Second}, "http://127.0.0.1:1", "", time.Second, 100)
	_, err := g.Generate(context.Background(), "p", "gpt-4o-mini")
	if err == nil {
		t.Fatal("expected connection error")
	}
	if got := pipeline.Classify(err); got != pipeline.KindTransient {
		t.Errorf("classified as %s, want transient", got)
	}
}

func TestWordPressPublishSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wp-json/wp/v2/posts" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bot" || pass != "apppw" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 4217}`)) //nolint:errcheck
	}))
	defer srv.Close()

	p := NewWordPressPublisher(srv.Client(), srv.URL, "bot", "apppw", 10*time.Second, 100)
	pub, err := p.Publish(context.Background(), Draft{Title: "T", Content: "C"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if pub.Ref != "wp-post-4217" {
		t.Errorf("Ref = %q", pub.Ref)
	}
}

func TestWordPressPublishRateLimited(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewWordPressPublisher(srv.Client(), srv.URL, "bot", "apppw", 10*time.Second, 100)
	_, err := p.Publish(context.Background(), Draft{Title: "T", Content: "C"})
	if err == nil {
		t.Fatal("expected error")
	}
	var f *pipeline.Failure
	if !errors.As(err, &f) {
		t.Fatalf("error %v does not carry a failure", err)
	}
	if f.Kind != pipeline.KindRateLimited || f.Phase != "publish" {
		t.Errorf("failure = %s/%s, want publish/rate_limited", f.Phase, f.Kind)
	}
}
