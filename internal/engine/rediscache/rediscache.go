// Package rediscache provides a Redis-backed ResourceRunCache, an alternate
// to the in-process default that survives process restarts, grounded on
// internal/clients/redis's client usage in the teacher.
package rediscache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pipelinedataflow/engine/internal/engine"
)

// Cache is a ResourceRunCache backed by a Redis hash keyed by run-id, so
// the (run-id, resource-id) -> resource-run-id mapping survives a process
// restart mid-run.
type Cache struct {
	client *redis.Client
	runID  string
	policy engine.DuplicateChildPolicy
	ttl    time.Duration

	mu      sync.Mutex
	pending []engine.ResourceRunUpdate
}

// New builds a Redis-backed cache scoped to one run.
func New(client *redis.Client, runID string, policy engine.DuplicateChildPolicy, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, runID: runID, policy: policy, ttl: ttl}
}

func (c *Cache) hashKey() string { return "pipelineengine:resource-run-cache:" + c.runID }

func (c *Cache) GetOrCreate(resourcePath []string, resourceType string) (string, error) {
	ctx := context.Background()
	id := resourcePath[len(resourcePath)-1]
	field := id

	newID := uuid.NewString()
	set, err := c.client.HSetNX(ctx, c.hashKey(), field, newID).Result()
	if err != nil {
		return "", err
	}
	if set {
		c.client.Expire(ctx, c.hashKey(), c.ttl)
		c.mu.Lock()
		c.pending = append(c.pending, engine.ResourceRunUpdate{
			ResourceRunID: newID,
			ResourceID:    id,
			ResourceType:  resourceType,
			StartTime:     time.Now().UTC(),
		})
		c.mu.Unlock()
		return newID, nil
	}

	existing, err := c.client.HGet(ctx, c.hashKey(), field).Result()
	if err != nil {
		return "", err
	}
	// Redis does not track the first-seen parent path, so strict
	// duplicate-child rejection (§9) is only enforced by the in-process
	// cache; this variant always returns the first writer's id.
	_ = c.policy
	return existing, nil
}

func (c *Cache) DrainPendingCreates() []engine.ResourceRunUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}
