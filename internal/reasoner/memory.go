package reasoner

import (
	"sync"

	"github.com/jkaninda/chorus/internal/domain"
)

// MemoryKey identifies one reasoner memory.
type MemoryKey struct {
	SessionID  string
	JobID      string
	OperatorID string
}

// MemoryStore holds reasoner memories. Each key has a single writer, the
// task's own operator; readers always receive copies.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[MemoryKey][]domain.ModelMessage
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[MemoryKey][]domain.ModelMessage)}
}

// Reset replaces the memory at key with seed.
func (s *MemoryStore) Reset(key MemoryKey, seed ...domain.ModelMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]domain.ModelMessage(nil), seed...)
}

// Append adds msg to the memory at key, creating it if needed.
func (s *MemoryStore) Append(key MemoryKey, msg domain.ModelMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append(s.data[key], msg)
}

// Messages returns a copy of the memory at key.
func (s *MemoryStore) Messages(key MemoryKey) []domain.ModelMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.data[key]
	if len(msgs) == 0 {
		return nil
	}
	return append([]domain.ModelMessage(nil), msgs...)
}

// Last returns the most recent message at key.
func (s *MemoryStore) Last(key MemoryKey) (domain.ModelMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.data[key]
	if len(msgs) == 0 {
		return domain.ModelMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

// ForJob returns copies of every memory of jobID keyed by operator id.
func (s *MemoryStore) ForJob(jobID string) map[string][]domain.ModelMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]domain.ModelMessage)
	for k, msgs := range s.data {
		if k.JobID == jobID {
			out[k.OperatorID] = append([]domain.ModelMessage(nil), msgs...)
		}
	}
	return out
}

// Release drops the memories of jobID. Unknown ids are ignored.
func (s *MemoryStore) Release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if k.JobID == jobID {
			delete(s.data, k)
		}
	}
}

// Len returns the number of memories held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
