// Package delivery fans a notification out to every subscription a user
// holds and prunes the subscriptions push services report as gone.
package delivery

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/atscard/webpush"
	"github.com/atscard/webpush/metrics"
	"github.com/atscard/webpush/storage"
)

// DefaultMaxConcurrency bounds in-flight push requests across all calls.
const DefaultMaxConcurrency = 32

// Registry is the subset of subscription storage delivery needs.
type Registry interface {
	GetByUserID(ctx context.Context, userID string) ([]*storage.Record, error)
	DeleteIfExists(ctx context.Context, id string) (bool, error)
}

// Sender delivers one encrypted message to one subscription.
// *webpush.Client is the production implementation.
type Sender interface {
	Send(ctx context.Context, sub *webpush.Subscription, payload []byte, opts *webpush.Options) (*webpush.Response, error)
}

// Service sends notifications to users.
type Service struct {
	registry   Registry
	sender     Sender
	metrics    *metrics.Metrics
	sem        *semaphore.Weighted
	maxPayload int
	pushOpts   webpush.Options
	defaults   Defaults
	retry      retryPolicy
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records attempts, latency and pruning in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMaxConcurrency bounds the number of push requests in flight at once,
// shared by every concurrent SendToUser call.
func WithMaxConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMaxPayloadSize sets the largest encrypted body accepted. It cannot
// exceed webpush.RecordSize, the most a single record can carry.
func WithMaxPayloadSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPayload = min(n, webpush.RecordSize)
		}
	}
}

// WithPushOptions sets the TTL, urgency, topic and padding of every message.
func WithPushOptions(opts webpush.Options) Option {
	return func(s *Service) { s.pushOpts = opts }
}

// WithDefaults sets the icon and badge used when a notification has none.
func WithDefaults(d Defaults) Option {
	return func(s *Service) { s.defaults = d }
}

// WithRetries retries transient failures up to max times with exponential
// backoff starting at initial. A Retry-After from the push service is
// honoured up to maxWait.
func WithRetries(max int, initial, maxWait time.Duration) Option {
	return func(s *Service) {
		s.retry = retryPolicy{max: max, initial: initial, maxWait: maxWait}
	}
}

// New creates a Service. A nil sender yields a disabled service whose
// sends are no-ops, used when no VAPID identity is configured.
func New(registry Registry, sender Sender, opts ...Option) *Service {
	s := &Service{
		registry:   registry,
		sender:     sender,
		sem:        semaphore.NewWeighted(DefaultMaxConcurrency),
		maxPayload: webpush.MaxPayloadSize,
		defaults:   Defaults{Icon: DefaultIcon, Badge: DefaultBadge},
		retry:      defaultRetryPolicy,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether the service has a VAPID identity to send with.
func (s *Service) Enabled() bool {
	return s.sender != nil
}

// Notify sends a notification with the given title, body and data to all
// of userID's subscriptions. It returns the number of push services that
// accepted the message.
func (s *Service) Notify(ctx context.Context, userID, title, body string, data map[string]any) (int, error) {
	return s.SendToUser(ctx, userID, Notification{
		Title: title,
		Body:  body,
		Data:  data,
	})
}

type outcome struct {
	record *storage.Record
	err    error
}

// SendToUser sends n to all of userID's subscriptions concurrently and
// returns how many were delivered. Subscriptions the push service reports
// as gone, or whose keys are unusable, are deleted once every attempt has
// finished. Per-subscription failures are logged, not returned; errors are
// returned only for an oversized payload or a registry read failure.
func (s *Service) SendToUser(ctx context.Context, userID string, n Notification) (int, error) {
	log := clog.FromContext(ctx).With("user", userID)

	if !s.Enabled() {
		log.Debug("push delivery disabled, dropping notification")
		return 0, nil
	}

	payload, err := n.Payload(s.defaults, s.now())
	if err != nil {
		return 0, fmt.Errorf("encoding notification: %w", err)
	}
	if size := webpush.EncryptedSize(len(payload), s.pushOpts.Padding); size > s.maxPayload {
		return 0, fmt.Errorf("%w: %d bytes encrypted, limit %d", webpush.ErrPayloadTooLarge, size, s.maxPayload)
	}

	records, err := s.registry.GetByUserID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("loading subscriptions for user %s: %w", userID, err)
	}
	if len(records) == 0 {
		log.Info("no push subscriptions found")
		return 0, nil
	}

	results := make([]outcome, len(records))
	var g errgroup.Group
	for i, record := range records {
		g.Go(func() error {
			results[i] = outcome{record: record, err: s.deliver(ctx, record, payload)}
			return nil
		})
	}
	_ = g.Wait()

	delivered := 0
	for _, res := range results {
		rlog := log.With("subscription", res.record.ID, "host", endpointHost(res.record))
		class := webpush.ClassOf(res.err)
		switch {
		case res.err == nil:
			delivered++
		case class.Prune():
			s.prune(ctx, rlog, res.record, class, res.err)
		case class == webpush.ClassTooLarge, class == webpush.ClassMalformed:
			rlog.Errorf("push service rejected message: %v", res.err)
		case class.Transient():
			rlog.Warnf("push delivery failed, subscription kept: %v", res.err)
		default:
			rlog.Warnf("push delivery failed: %v", res.err)
		}
	}

	log.Infof("sent notification to %d of %d subscriptions", delivered, len(records))
	return delivered, nil
}

func (s *Service) deliver(ctx context.Context, record *storage.Record, payload []byte) error {
	opts := s.pushOpts
	return s.retry.do(ctx, func() error {
		// The slot is held for one request only, never across a backoff wait.
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return &webpush.PushError{Class: webpush.ClassUnreachable, Message: "waiting for send slot", Cause: err}
		}
		defer s.sem.Release(1)

		s.metrics.IncInFlight()
		defer s.metrics.DecInFlight()

		start := s.now()
		_, err := s.sender.Send(ctx, record.Subscription, payload, &opts)
		s.metrics.ObservePush(webpush.ClassOf(err).String(), s.now().Sub(start))
		return err
	}, func(err error, wait time.Duration) {
		s.metrics.IncRetry()
		clog.FromContext(ctx).With("subscription", record.ID).
			Infof("retrying push in %s: %v", wait, err)
	})
}

func (s *Service) prune(ctx context.Context, log *clog.Logger, record *storage.Record, class webpush.Class, cause error) {
	deleted, err := s.registry.DeleteIfExists(ctx, record.ID)
	if err != nil {
		log.Errorf("deleting dead subscription: %v", err)
		return
	}
	if deleted {
		s.metrics.IncPruned(class.String())
	}
	log.Infof("deleted subscription (%s): %v", class, cause)
}

func endpointHost(record *storage.Record) string {
	if record.Subscription == nil {
		return ""
	}
	u, err := url.Parse(record.Subscription.Endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}
