package notification

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
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	DeliveryHeader  = "X-Webhook-Delivery"
	TimestampHeader = "X-Webhook-Timestamp"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without the "sha256="
// prefix) matches payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

type WebhookOption func(*WebhookSender)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSender) { s.client = c }
}

// WithRetryDelays sets the waits between attempts. The number of attempts is
// len(delays)+1.
func WithRetryDelays(delays ...time.Duration) WebhookOption {
	return func(s *WebhookSender) { s.retryDelays = delays }
}

func WithWebhookLogger(logger zerolog.Logger) WebhookOption {
	return func(s *WebhookSender) { s.logger = logger }
}

// WebhookSender POSTs each message as signed JSON to a single endpoint, for
// example an SMS or email gateway. Network errors, 429 and 5xx responses are
// retried; other non-2xx responses fail immediately.
type WebhookSender struct {
	url         string
	secret      string
	client      *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

func NewWebhookSender(rawURL, secret string, opts ...WebhookOption) (*WebhookSender, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("notification: invalid webhook url %q", rawURL)
	}
	s := &WebhookSender{
		url:         rawURL,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{500 * time.Millisecond, 2 * time.Second},
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

type deliveryError struct {
	status    int
	err       error
	retryable bool
}

func (e *deliveryError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("non-2xx response: %d", e.status)
}

func (e *deliveryError) Unwrap() error { return e.err }

func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notification: encode message: %w", err)
	}
	deliveryID := uuid.NewString()

	var last *deliveryError
	for attempt := 0; ; attempt++ {
		last = s.post(ctx, payload, deliveryID)
		if last == nil {
			return nil
		}
		if !last.retryable || attempt >= len(s.retryDelays) {
			break
		}
		s.logger.Warn().Err(last).Str("delivery_id", deliveryID).Int("attempt", attempt+1).Msg("webhook delivery failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelays[attempt]):
		}
	}
	return fmt.Errorf("notification: webhook delivery %s: %w", deliveryID, last)
}

func (s *WebhookSender) post(ctx context.Context, payload []byte, deliveryID string) *deliveryError {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return &deliveryError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, deliveryID)
	req.Header.Set(TimestampHeader, strconv.FormatInt(s.now().Unix(), 10))
	if s.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &deliveryError{err: err, retryable: ctx.Err() == nil}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &deliveryError{
		status:    resp.StatusCode,
		retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}
