package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implements in-memory storage for testing and development.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
	seq     map[string]uint64
	next    uint64
}

// NewMemory creates a new in-memory storage.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*Record),
		seq:     make(map[string]uint64),
	}
}

// Save stores or updates a subscription.
func (m *Memory) Save(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validate(record); err != nil {
		return err
	}
	existing := m.find(record.UserID, record.Subscription.Endpoint)
	if existing == nil {
		existing = m.records[record.ID]
	}
	if existing != nil {
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
	}
	prepare(record, time.Now())

	if _, ok := m.seq[record.ID]; !ok {
		m.next++
		m.seq[record.ID] = m.next
	}
	// Make a copy to avoid external mutations
	m.records[record.ID] = copyRecord(record)
	return nil
}

// Get retrieves a subscription by ID.
func (m *Memory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(record), nil
}

// GetByEndpoint retrieves a user's subscription by its endpoint URL.
func (m *Memory) GetByEndpoint(_ context.Context, userID, endpoint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if record := m.find(userID, endpoint); record != nil {
		return copyRecord(record), nil
	}
	return nil, ErrNotFound
}

// GetByUserID retrieves all subscriptions for a user.
func (m *Memory) GetByUserID(_ context.Context, userID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Record
	for _, record := range m.sorted(false) {
		if record.UserID == userID {
			results = append(results, copyRecord(record))
		}
	}
	return results, nil
}

// Delete removes a subscription by ID.
func (m *Memory) Delete(ctx context.Context, id string) error {
	ok, _ := m.DeleteIfExists(ctx, id)
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeleteIfExists removes a subscription by ID if it is still present.
func (m *Memory) DeleteIfExists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return false, nil
	}
	delete(m.records, id)
	delete(m.seq, id)
	return true, nil
}

// DeleteByEndpoint removes a user's subscription by its endpoint URL.
func (m *Memory) DeleteByEndpoint(_ context.Context, userID, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.find(userID, endpoint)
	if record == nil {
		return ErrNotFound
	}
	delete(m.records, record.ID)
	delete(m.seq, record.ID)
	return nil
}

// List returns all subscriptions with pagination.
func (m *Memory) List(_ context.Context, limit, offset int) ([]*Record, error) {
	if err := checkPage(limit, offset); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sorted(true)

	// Apply pagination
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	results := make([]*Record, 0, end-offset)
	for i := offset; i < end; i++ {
		results = append(results, copyRecord(all[i]))
	}
	return results, nil
}

// Close is a no-op for in-memory storage.
func (m *Memory) Close() error {
	return nil
}

func (m *Memory) find(userID, endpoint string) *Record {
	for _, record := range m.records {
		if record.UserID == userID && record.Subscription.Endpoint == endpoint {
			return record
		}
	}
	return nil
}

// sorted returns records in insertion order, or reversed when newestFirst.
func (m *Memory) sorted(newestFirst bool) []*Record {
	all := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		all = append(all, record)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := m.seq[all[i].ID], m.seq[all[j].ID]
		if newestFirst {
			return a > b
		}
		return a < b
	})
	return all
}
