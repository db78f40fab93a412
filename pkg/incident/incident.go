// Package incident defines the safety incident record produced by the
// record_safety_incident tool and the store that owns those records.
//
// The engine never owns incident data: it appends a [Record] as a tool side
// effect and emits a notice; persistence, listing, and display belong to the
// store and the UI collaborator. Two implementations are provided: the
// in-memory [MemoryStore] and a PostgreSQL store in the postgres subpackage.
package incident

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one reported safety incident.
type Record struct {
	// ID is a unique identifier assigned at creation.
	ID string

	// Description is the free-text incident description ("rockfall").
	Description string

	// Location names where the incident occurred ("tunnel B").
	Location string

	// ReportedAt is when the tool call was executed.
	ReportedAt time.Time
}

// NewRecord creates a Record with a fresh UUID.
func NewRecord(description, location string, reportedAt time.Time) Record {
	return Record{
		ID:          uuid.NewString(),
		Description: description,
		Location:    location,
		ReportedAt:  reportedAt,
	}
}

// Store persists incident records.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores one record.
	Append(ctx context.Context, rec Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// MemoryStore is an in-memory [Store] used in tests and store-less runs.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements [Store].
func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Recent implements [Store].
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := len(s.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}
