package webpush

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class is the outcome of a push attempt as reported by the push service.
type Class int

const (
	// ClassDelivered is a 2xx: the push service accepted the message.
	ClassDelivered Class = iota + 1
	// ClassMalformed is a 400: the request was wrong, probably our bug.
	ClassMalformed
	// ClassGone is a 404 or 410: the subscription no longer exists.
	ClassGone
	// ClassTooLarge is a 413, or a body over the local limit.
	ClassTooLarge
	// ClassRateLimited is a 429.
	ClassRateLimited
	// ClassServerError is a 5xx.
	ClassServerError
	// ClassUnreachable covers timeouts and connection failures.
	ClassUnreachable
	// ClassRejected is any other non-2xx response.
	ClassRejected
	// ClassInvalidKey means the subscription's keys cannot be used.
	ClassInvalidKey
)

func (c Class) String() string {
	switch c {
	case ClassDelivered:
		return "delivered"
	case ClassMalformed:
		return "malformed"
	case ClassGone:
		return "gone"
	case ClassTooLarge:
		return "too_large"
	case ClassRateLimited:
		return "rate_limited"
	case ClassServerError:
		return "server_error"
	case ClassUnreachable:
		return "unreachable"
	case ClassRejected:
		return "rejected"
	case ClassInvalidKey:
		return "invalid_key"
	default:
		return "unknown"
	}
}

// Transient reports whether the same request may succeed later.
func (c Class) Transient() bool {
	return c == ClassRateLimited || c == ClassServerError || c == ClassUnreachable
}

// Prune reports whether the subscription should be removed.
func (c Class) Prune() bool {
	return c == ClassGone || c == ClassInvalidKey
}

// ClassifyStatus maps a push service HTTP status to a Class.
func ClassifyStatus(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ClassDelivered
	case status == http.StatusBadRequest:
		return ClassMalformed
	case status == http.StatusNotFound, status == http.StatusGone:
		return ClassGone
	case status == http.StatusRequestEntityTooLarge:
		return ClassTooLarge
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status >= 500 && status <= 599:
		return ClassServerError
	default:
		return ClassRejected
	}
}

// PushError describes a failed push attempt.
type PushError struct {
	StatusCode int
	Class      Class
	// RetryAfter is the delay requested by the push service, if any.
	RetryAfter time.Duration
	Message    string
	Cause      error
}

func (e *PushError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "push "+e.Class.String())
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *PushError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ClassOf returns the Class of err. Errors that did not come from a push
// attempt are classified by their cause where possible.
func ClassOf(err error) Class {
	if err == nil {
		return ClassDelivered
	}

	var pushErr *PushError
	if errors.As(err, &pushErr) {
		return pushErr.Class
	}
	if errors.Is(err, ErrInvalidSubscriptionKey) {
		return ClassInvalidKey
	}
	if errors.Is(err, ErrPayloadTooLarge) {
		return ClassTooLarge
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassUnreachable
	}
	return ClassRejected
}

// IsTransient reports whether err may succeed if retried.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return ClassOf(err).Transient()
}

// IsGone reports whether err means the subscription should be deleted.
func IsGone(err error) bool {
	return err != nil && ClassOf(err).Prune()
}

// RetryAfter returns the delay requested by the push service, or zero.
func RetryAfter(err error) time.Duration {
	var pushErr *PushError
	if errors.As(err, &pushErr) {
		return pushErr.RetryAfter
	}
	return 0
}

// parseRetryAfter reads a Retry-After header in either delay-seconds or
// HTTP-date form.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
