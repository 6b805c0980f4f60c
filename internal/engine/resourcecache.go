package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/pipelinedataflow/engine/internal/pkg/errors"
)

// DuplicateChildPolicy resolves the open question in design notes §9: what
// happens when two transform-many siblings mint the same child resource-id
// under different parent paths within the same run.
type DuplicateChildPolicy int

const (
	// RejectDuplicateChild fails GetOrCreate the second time a resource-id
	// is requested under a different parent path. This is the default.
	RejectDuplicateChild DuplicateChildPolicy = iota
	// IgnoreDuplicateChild keeps the first writer and silently returns its
	// cached resource-run-id for later collisions.
	IgnoreDuplicateChild
)

// ResourceRunCache maps (run-id, resource-id) to a resource-run-id, minting
// a fresh identifier on first access and queuing a durable create request.
// The cache is scoped to a single run, so run-id is implicit in the
// instance rather than a parameter (§4.7).
type ResourceRunCache interface {
	GetOrCreate(resourcePath []string, resourceType string) (string, error)
	// DrainPendingCreates returns and clears the creates queued since the
	// last drain, for the persistence flush loop to write durably.
	DrainPendingCreates() []ResourceRunUpdate
}

type cacheEntry struct {
	resourceRunID string
	path          []string
}

type memoryResourceCache struct {
	mu     sync.Mutex
	byID   map[string]cacheEntry
	pending []ResourceRunUpdate
	policy DuplicateChildPolicy
}

// NewResourceRunCache returns the default in-process, compute-if-absent
// cache backing a single run.
func NewResourceRunCache(policy DuplicateChildPolicy) ResourceRunCache {
	return &memoryResourceCache{
		byID:   make(map[string]cacheEntry),
		policy: policy,
	}
}

func (c *memoryResourceCache) GetOrCreate(resourcePath []string, resourceType string) (string, error) {
	id := lastOf(resourcePath)
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byID[id]; ok {
		if !samePath(existing.path, resourcePath) {
			if c.policy == RejectDuplicateChild {
				return "", pkgerrors.ErrDuplicateChildResource
			}
		}
		return existing.resourceRunID, nil
	}

	resourceRunID := uuid.NewString()
	c.byID[id] = cacheEntry{
		resourceRunID: resourceRunID,
		path:          append([]string(nil), resourcePath...),
	}
	c.pending = append(c.pending, ResourceRunUpdate{
		ResourceRunID: resourceRunID,
		ResourceID:    id,
		ResourceType:  resourceType,
		StartTime:     time.Now().UTC(),
	})
	return resourceRunID, nil
}

func (c *memoryResourceCache) DrainPendingCreates() []ResourceRunUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

func samePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
