// Package store persists finalized call records. The pipeline only writes
// here after a session closes; nothing on the hot path reads the store.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/chriscow/callscreen-go/pkg/responder"
)

// Call outcomes recorded with a finalized call.
const (
	OutcomeCompleted    = "completed"
	OutcomeCallerHungUp = "caller-hung-up"
	OutcomeError        = "error"
)

// CallRecord is the finalized result of one screened call.
type CallRecord struct {
	SessionID string
	CallID    string
	StartedAt time.Time
	Duration  time.Duration
	Exchanges []responder.Exchange
	Outcome   string
}

// Store receives finalized call records.
type Store interface {
	SaveCallRecord(ctx context.Context, rec CallRecord) error
}

// MemoryStore keeps records in memory. It backs tests and API-key-less
// local runs.
type MemoryStore struct {
	mu      sync.Mutex
	records []CallRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveCallRecord appends the record.
func (m *MemoryStore) SaveCallRecord(ctx context.Context, rec CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of everything saved so far.
func (m *MemoryStore) Records() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.records))
	copy(out, m.records)
	return out
}
