// Package storage provides ArtifactStorageAdapter implementations for the
// pipeline dataflow engine: an in-memory adapter for tests, a relational
// adapter backed by GORM, and an object-store adapter backed by GCS.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/pipelinedataflow/engine/internal/engine"
)

// Memory is the in-memory, test-only ArtifactStorageAdapter named in §4.9.
// Keys follow {run-id}/{step-name}/{resource-run-id}/{artifact-name};
// identical keys overwrite prior writes.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemory builds an empty in-memory storage adapter.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

func memoryKey(r engine.ArtifactSaveRequest) string {
	return fmt.Sprintf("%s/%s/%s/%s", r.RunID, r.StepName, r.ResourceRunID, r.ArtifactName)
}

func (m *Memory) SaveBatch(_ context.Context, requests []engine.ArtifactSaveRequest) ([]engine.ArtifactSaveResult, error) {
	results := make([]engine.ArtifactSaveResult, len(requests))
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range requests {
		key := memoryKey(r)
		m.entries[key] = r.Payload
		results[i] = engine.ArtifactSaveResult{Success: true, StoragePath: key}
	}
	return results, nil
}

// Get returns the raw payload stored under a key, for test assertions.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

// Len returns the number of distinct keys stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
