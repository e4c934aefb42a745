package delivery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atscard/webpush"
)

const (
	defaultRetryInitial = 500 * time.Millisecond
	defaultRetryMaxWait = 30 * time.Second
)

// defaultRetryPolicy sends each message exactly once.
var defaultRetryPolicy = retryPolicy{initial: defaultRetryInitial, maxWait: defaultRetryMaxWait}

type retryPolicy struct {
	max     int
	initial time.Duration
	maxWait time.Duration
}

// do runs op, retrying transient push failures with exponential backoff.
// Permanent failures and context cancellation end the loop immediately.
func (p retryPolicy) do(ctx context.Context, op func() error, notify func(error, time.Duration)) error {
	if p.max <= 0 {
		return op()
	}

	var last error
	wrapped := func() error {
		last = op()
		if last != nil && !webpush.IsTransient(last) {
			return backoff.Permanent(last)
		}
		return last
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.initial
	exp.MaxInterval = p.maxWait
	exp.MaxElapsedTime = 0
	b := &retryAfterBackOff{BackOff: exp, maxWait: p.maxWait, last: &last}

	return backoff.RetryNotify(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.max)), ctx), notify)
}

// retryAfterBackOff waits at least as long as the push service asked in
// its Retry-After header, capped at maxWait.
type retryAfterBackOff struct {
	backoff.BackOff
	maxWait time.Duration
	last    *error
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if ra := webpush.RetryAfter(*b.last); ra > next {
		next = ra
	}
	if b.maxWait > 0 && next > b.maxWait {
		next = b.maxWait
	}
	return next
}
