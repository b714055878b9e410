package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

type memoryRecord struct {
	id   uint64
	data []byte
}

// MemoryStore keeps encoded checkpoints in process memory. Records go
// through the same envelope as the durable stores, so restored state never
// aliases live state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

func (s *MemoryStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("refusing invalid checkpoint: %w", err)
	}
	data, err := Encode(cp, false)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if prev, ok := s.records[cp.JobID]; ok && cp.ID <= prev.id {
		return fmt.Errorf("%w: job %s has %d, got %d", ErrStaleCheckpoint, cp.JobID, prev.id, cp.ID)
	}
	s.records[cp.JobID] = memoryRecord{id: cp.ID, data: data}
	return nil
}

func (s *MemoryStore) LatestComplete(ctx context.Context, jobID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp, err := Decode(rec.data)
	if err != nil {
		return nil, corrupt(jobID, rec.id, err)
	}
	return cp, nil
}

func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.records, jobID)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	return nil
}
