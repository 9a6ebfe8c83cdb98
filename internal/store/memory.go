package store

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore builds a process-local ResultStore for tests and
// single-node development. Records live until the process exits.
func NewMemoryStore() ResultStore {
	return &memoryStore{records: make(map[string]Record)}
}

func (s *memoryStore) Get(_ context.Context, requestID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[requestID]
	return record, ok, nil
}

func (s *memoryStore) Reserve(_ context.Context, requestID string, record Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[requestID]; ok {
		return existing, false, nil
	}
	if record.Status == "" {
		record.Status = StatusPending
	}
	record.RequestID = requestID
	record = stamped(record)
	s.records[requestID] = record
	return record, true, nil
}

func (s *memoryStore) Complete(_ context.Context, requestID string, record Record) error {
	record.Status = StatusCompleted
	s.put(requestID, record)
	return nil
}

func (s *memoryStore) Fail(_ context.Context, requestID string, record Record) error {
	record.Status = StatusFailed
	s.put(requestID, record)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, requestID)
	return nil
}

func (s *memoryStore) put(requestID string, record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.RequestID = requestID
	s.records[requestID] = stamped(record)
}
