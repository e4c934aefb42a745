// Package storage provides interfaces and implementations for storing
// web push subscriptions.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atscard/webpush"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Record represents a stored subscription with metadata.
//
// A user owns at most one record per endpoint; saving the same
// (UserID, Endpoint) pair again refreshes the keys and user agent in place.
type Record struct {
	ID           string                `json:"id"`
	UserID       string                `json:"user_id"`
	Subscription *webpush.Subscription `json:"subscription"`
	UserAgent    string                `json:"user_agent,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Storage defines the interface for storing web push subscriptions.
type Storage interface {
	// Save inserts a subscription, or updates the keys and user agent of the
	// existing record with the same user and endpoint. On return record.ID
	// and record.CreatedAt reflect the stored row.
	Save(ctx context.Context, record *Record) error

	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByEndpoint retrieves a user's subscription by its endpoint URL.
	GetByEndpoint(ctx context.Context, userID, endpoint string) (*Record, error)

	// GetByUserID retrieves all subscriptions for a user, oldest first.
	GetByUserID(ctx context.Context, userID string) ([]*Record, error)

	// Delete removes a subscription by ID.
	Delete(ctx context.Context, id string) error

	// DeleteIfExists removes a subscription by ID and reports whether it
	// was still present. A missing record is not an error.
	DeleteIfExists(ctx context.Context, id string) (bool, error)

	// DeleteByEndpoint removes a user's subscription by its endpoint URL.
	DeleteByEndpoint(ctx context.Context, userID, endpoint string) error

	// List returns all subscriptions with pagination, newest first.
	// A negative limit or offset is an error.
	List(ctx context.Context, limit, offset int) ([]*Record, error)

	// Close closes the storage connection.
	Close() error
}

func checkPage(limit, offset int) error {
	if limit < 0 || offset < 0 {
		return fmt.Errorf("invalid page: limit %d, offset %d", limit, offset)
	}
	return nil
}

func validate(record *Record) error {
	if record == nil || record.Subscription == nil {
		return errors.New("record has no subscription")
	}
	if record.Subscription.Endpoint == "" {
		return errors.New("subscription has no endpoint")
	}
	return nil
}

// prepare fills in the fields every backend assigns the same way.
func prepare(record *Record, now time.Time) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
}

func copyRecord(r *Record) *Record {
	c := *r
	if r.Subscription != nil {
		sub := *r.Subscription
		c.Subscription = &sub
	}
	return &c
}
