// Package memory keeps results and bodies in process for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/fetch-engine/internal/fetch"
)

// ResultStore keeps job results in-memory for development/testing.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]fetch.Result
}

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]fetch.Result)}
}

// SaveResult stores result, replacing any earlier result for the same job.
func (s *ResultStore) SaveResult(_ context.Context, result fetch.Result) error {
	if result.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	result.RetryReasons = append([]string(nil), result.RetryReasons...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.JobID] = result
	return nil
}

// GetResult fetches a result by job ID.
func (s *ResultStore) GetResult(_ context.Context, jobID string) (fetch.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[jobID]
	if !ok {
		return fetch.Result{}, fmt.Errorf("job %q: %w", jobID, fetch.ErrResultNotFound)
	}
	return result, nil
}

// Len returns the number of stored results.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}
