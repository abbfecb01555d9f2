// Package webhook delivers signed JSON event notifications to a single
// configured endpoint.
package webhook

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

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventIDHeader   = "X-Webhook-Event-ID"
	TimestampHeader = "X-Webhook-Timestamp"
)

// Event is the envelope POSTed to the endpoint.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
	Data      interface{} `json:"data"`
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// DeliveryError is a non-2xx response from the endpoint.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook endpoint returned %d: %s", e.StatusCode, e.Body)
}

type Option func(*Notifier)

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

func WithMaxRetries(r uint64) Option {
	return func(n *Notifier) { n.maxRetries = r }
}

func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(n *Notifier) { n.newBackOff = newBackOff }
}

func WithLogger(l zerolog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// Notifier signs and delivers events, retrying transport errors and 5xx
// responses with exponential backoff.
type Notifier struct {
	url        string
	secret     string
	httpClient *http.Client
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger
	now        func() time.Time
}

func NewNotifier(url, secret string, opts ...Option) *Notifier {
	n := &Notifier{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Send wraps data in an Event of the given type and delivers it.
func (n *Notifier) Send(ctx context.Context, eventType string, data interface{}) error {
	event := Event{ID: uuid.NewString(), Type: eventType, CreatedAt: n.now().UTC(), Data: data}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(n.newBackOff(), n.maxRetries), ctx)
	return backoff.RetryNotify(func() error {
		return n.deliver(ctx, event, payload)
	}, policy, func(err error, wait time.Duration) {
		n.logger.Warn().Err(err).Str("event_id", event.ID).Dur("retry_in", wait).Msg("webhook delivery failed, retrying")
	})
}

func (n *Notifier) deliver(ctx context.Context, event Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, n.secret))
	req.Header.Set(EventIDHeader, event.ID)
	req.Header.Set(TimestampHeader, event.CreatedAt.Format(time.RFC3339))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	derr := &DeliveryError{StatusCode: resp.StatusCode, Body: string(body)}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return derr
	}
	return backoff.Permanent(derr)
}
