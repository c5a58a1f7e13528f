package projector

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
	"time"

	"github.com/pitabwire/caseflow/internal/observability"
)

// Webhook delivery headers.
const (
	HeaderSignature  = "X-Signature"
	HeaderDeliveryID = "X-Delivery-Id"
	HeaderEvent      = "X-Caseflow-Event"
)

// eventCaseStatus is the X-Caseflow-Event value for case status projections.
const eventCaseStatus = "case.status"

// WebhookSink POSTs notifications as JSON to the case service.
type WebhookSink struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhookSink creates a webhook sink. When secret is non-empty every
// request carries an HMAC-SHA256 signature of the body.
func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxConnsPerHost:     10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver implements Sink. Any non-2xx response is a failure.
func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("projector: marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("projector: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDeliveryID, n.DeliveryID)
	req.Header.Set(HeaderEvent, eventCaseStatus)
	if len(s.secret) > 0 {
		req.Header.Set(HeaderSignature, Sign(s.secret, body))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("projector: post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("projector: case service responded %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the X-Signature value for body: "sha256=" followed by the
// hex-encoded HMAC.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is a valid X-Signature for body.
func VerifySignature(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
