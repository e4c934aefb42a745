// Package webpush provides functionality to send encrypted Web Push API
// notifications using VAPID authentication.
package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atscard/webpush/vapid"
	"github.com/go-resty/resty/v2"
)

const (
	// DefaultTTL is how long push services keep undelivered messages (28 days).
	DefaultTTL = 2419200

	// DefaultTimeout bounds a single push request.
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 512
)

// Subscription represents a Web Push subscription from a client.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Keys contains the client's encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"` // Client's ECDH public key
	Auth   string `json:"auth"`   // Client's authentication secret
}

// Options configures the web push notification.
type Options struct {
	TTL     int    // Time-to-live in seconds (default 2419200 = 28 days)
	Urgency string // Urgency level: very-low, low, normal, high
	Topic   string // Topic for message replacement
	Padding int    // Zero bytes added before the plaintext
}

// Response is the push service's answer to an accepted message.
type Response struct {
	StatusCode int
	// Location is the message resource URL returned by the push service.
	Location string
}

// Client sends web push notifications.
type Client struct {
	auth       *vapid.Authenticator
	rest       *resty.Client
	timeout    time.Duration
	maxPayload int
	now        func() time.Time
}

// NewClient creates a new web push client.
func NewClient(auth *vapid.Authenticator) *Client {
	return &Client{
		auth:       auth,
		rest:       newRestClient(http.DefaultClient),
		timeout:    DefaultTimeout,
		maxPayload: MaxPayloadSize,
		now:        time.Now,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.rest = newRestClient(httpClient)
	return c
}

// WithTimeout sets the timeout applied to each push request.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithMaxPayloadSize sets the largest encrypted body the client will send.
// Values above RecordSize are clamped.
func (c *Client) WithMaxPayloadSize(n int) *Client {
	if n > 0 {
		c.maxPayload = min(n, RecordSize)
	}
	return c
}

// MaxPayloadSize returns the largest encrypted body the client will send.
func (c *Client) MaxPayloadSize() int {
	return c.maxPayload
}

func newRestClient(httpClient *http.Client) *resty.Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return resty.NewWithClient(httpClient).SetRetryCount(0)
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
// A non-2xx answer is returned as a *PushError along with the Response.
func (c *Client) Send(ctx context.Context, sub *Subscription, payload []byte, opts *Options) (*Response, error) {
	if opts == nil {
		opts = &Options{}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if size := EncryptedSize(len(payload), opts.Padding); size > c.maxPayload {
		return nil, &PushError{
			Class: ClassTooLarge,
			Cause: fmt.Errorf("%w: %d bytes encrypted, limit %d", ErrPayloadTooLarge, size, c.maxPayload),
		}
	}

	msg, err := Encrypt(sub, payload, opts.Padding)
	if err != nil {
		if errors.Is(err, ErrInvalidSubscriptionKey) {
			return nil, &PushError{Class: ClassInvalidKey, Cause: err}
		}
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}

	authorization, err := c.auth.Header(ctx, sub.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating VAPID header: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	headers := map[string]string{
		"Authorization":    authorization,
		"Content-Encoding": "aes128gcm",
		"Content-Type":     "application/octet-stream",
		"TTL":              strconv.Itoa(ttl),
	}
	if opts.Urgency != "" {
		headers["Urgency"] = opts.Urgency
	}
	if opts.Topic != "" {
		headers["Topic"] = opts.Topic
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(msg.Body).
		SetDoNotParseResponse(true).
		Post(sub.Endpoint)
	if err != nil {
		return nil, &PushError{
			Class:   ClassUnreachable,
			Message: "sending request",
			Cause:   err,
		}
	}

	body := resp.RawBody()
	defer body.Close()

	out := &Response{
		StatusCode: resp.StatusCode(),
		Location:   resp.Header().Get("Location"),
	}
	class := ClassifyStatus(out.StatusCode)
	if class == ClassDelivered {
		return out, nil
	}

	pushErr := &PushError{
		StatusCode: out.StatusCode,
		Class:      class,
		Message:    readErrorBody(body),
	}
	if class == ClassRateLimited || class == ClassServerError {
		pushErr.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"), c.now())
	}
	return out, pushErr
}

// readErrorBody reads at most maxErrorBody bytes of a rejection body.
func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody+1))
	s := strings.TrimSpace(string(b))
	if len(b) > maxErrorBody {
		s = strings.TrimSpace(string(b[:maxErrorBody])) + "..."
	}
	return s
}

// ParseSubscription parses a subscription from JSON.
func ParseSubscription(data []byte) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshaling subscription: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Validate checks that the subscription has an HTTPS endpoint and both keys.
func (s *Subscription) Validate() error {
	if s.Endpoint == "" {
		return errors.New("subscription endpoint is required")
	}
	if s.Keys.P256dh == "" {
		return errors.New("subscription p256dh key is required")
	}
	if s.Keys.Auth == "" {
		return errors.New("subscription auth key is required")
	}
	if !strings.HasPrefix(s.Endpoint, "https://") {
		return errors.New("subscription endpoint must use HTTPS")
	}
	return nil
}
