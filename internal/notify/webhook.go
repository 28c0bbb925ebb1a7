// ABOUTME: Outbound webhook delivery for fired alerts: HMAC signing, safeurl client.
// ABOUTME: The http.Client is injected once at startup; Send itself holds no state.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/doyensec/safeurl"
)

// WebhookConfig holds the delivery parameters for the alert webhook channel.
type WebhookConfig struct {
	URL           string
	SigningSecret string
}

// WebhookNotifier posts alert events to a single configured endpoint.
type WebhookNotifier struct {
	client *http.Client
	cfg    WebhookConfig
}

// NewWebhookNotifier wraps an injected client. Pass nil to build the
// production SSRF-safe client.
func NewWebhookNotifier(client *http.Client, cfg WebhookConfig) *WebhookNotifier {
	if client == nil {
		client = BuildSafeClient()
	}
	return &WebhookNotifier{client: client, cfg: cfg}
}

// BuildSafeClient returns an SSRF-safe *http.Client for webhook delivery.
// Redirect following is disabled; timeout is 10 seconds.
func BuildSafeClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(10 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

func (w *WebhookNotifier) Name() string { return "webhook" }

// Notify posts the event as JSON, signed with HMAC-SHA256 over
// "timestamp.body", and discards the response body.
func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(w.cfg.SigningSecret))
	mac.Write([]byte(ts + "." + string(payload)))
	req.Header.Set("X-Pipeline-Timestamp", ts)
	req.Header.Set("X-Pipeline-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := w.client.Do(req) //nolint:gosec // G107: SSRF is enforced by the safeurl-wrapped client injected at startup
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
