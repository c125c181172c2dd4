package api

import (
	"sync"

	"github.com/google/uuid"
)

// GenerationStore keeps finished generations in memory, keyed by id.
type GenerationStore struct {
	mu      sync.Mutex
	records map[string]*GenerationResponse
}

func NewGenerationStore() *GenerationStore {
	return &GenerationStore{
		records: make(map[string]*GenerationResponse),
	}
}

// Put stores resp under a fresh id and returns the id.
func (s *GenerationStore) Put(resp *GenerationResponse) string {
	id := "gen_" + uuid.NewString()
	resp.ID = id
	s.mu.Lock()
	s.records[id] = resp
	s.mu.Unlock()
	return id
}

func (s *GenerationStore) Get(id string) (*GenerationResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *GenerationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	return true
}
