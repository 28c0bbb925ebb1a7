// ABOUTME: Tests for webhook alert delivery: HMAC signing and status handling.
package notify_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Laderis97/content-pipeline/internal/notify"
)

func buildTestClient() *http.Client {
	// In tests use a plain http.Client (safeurl blocks private IPs used by httptest).
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func testEvent() notify.Event {
	return notify.Event{
		AlertID:     "a8e7e2ab-0000-0000-0000-000000000001",
		RuleName:    "failure-rate-critical",
		Severity:    "critical",
		Message:     "failure rate 25.0% over 24h window exceeded threshold 20%",
		FailureRate: 0.25,
		Failed:      5,
		Total:       20,
		WindowStart: time.Now().Add(-24 * time.Hour),
		WindowEnd:   time.Now(),
		FiredAt:     time.Now(),
	}
}

func TestWebhookNotify_HMACHeadersCorrect(t *testing.T) {
	var gotTS, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get("X-Pipeline-Timestamp")
		gotSig = r.Header.Get("X-Pipeline-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	secret := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	n := notify.NewWebhookNotifier(buildTestClient(), notify.WebhookConfig{
		URL:           srv.URL,
		SigningSecret: secret,
	})
	require.NoError(t, n.Notify(context.Background(), testEvent()))

	require.NotEmpty(t, gotTS)
	tsInt, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), tsInt, 5)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTS + "." + string(gotBody)))
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, expected, gotSig)

	var ev notify.Event
	require.NoError(t, json.Unmarshal(gotBody, &ev))
	assert.Equal(t, "critical", ev.Severity)
	assert.InDelta(t, 0.25, ev.FailureRate, 1e-9)
}

func TestWebhookNotify_Non2xxReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := notify.NewWebhookNotifier(buildTestClient(), notify.WebhookConfig{
		URL: srv.URL, SigningSecret: "x",
	})
	err := n.Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestWebhookNotify_RedirectRejected(t *testing.T) {
	inner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer inner.Close()

	outer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, inner.URL, http.StatusFound)
	}))
	defer outer.Close()

	n := notify.NewWebhookNotifier(buildTestClient(), notify.WebhookConfig{
		URL: outer.URL, SigningSecret: "x",
	})
	err := n.Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "302")
}
