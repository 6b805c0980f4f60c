package engine

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pipelinedataflow/engine/internal/platform/metrics"
)

// ContextPool is a bounded lease pool of persistence handles (§4.6 "Context
// Pool (C10)"). It bounds concurrent open transactions against the store
// independent of stage parallelism, so a fast pipeline cannot exhaust the
// database's connection pool.
type ContextPool struct {
	sem     *semaphore.Weighted
	metrics *metrics.Collector
}

// NewContextPool builds a pool that allows at most maxConcurrent leases
// outstanding at once.
func NewContextPool(maxConcurrent int) *ContextPool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ContextPool{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// WithMetrics attaches a metrics collector used to observe lease wait time.
func (p *ContextPool) WithMetrics(mc *metrics.Collector) *ContextPool {
	p.metrics = mc
	return p
}

// Acquire blocks until a handle is available or ctx is done. The returned
// release function must be called exactly once to return the handle.
func (p *ContextPool) Acquire(ctx context.Context) (release func(), err error) {
	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ObserveLeaseWait(time.Since(start))
	}
	return func() { p.sem.Release(1) }, nil
}
