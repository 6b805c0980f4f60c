package engine

import (
	"context"
	"time"

	"github.com/pipelinedataflow/engine/internal/platform/dbctx"
	"github.com/pipelinedataflow/engine/internal/platform/logger"
	"github.com/pipelinedataflow/engine/internal/platform/metrics"
)

// FactoryOptions are the engine-wide settings shared by every run a Factory
// creates (§4.11, §6 "configuration"). Per-run identity (category, name,
// run type) is supplied separately to NewRun.
type FactoryOptions struct {
	Persistence PersistenceService
	Storage     ArtifactStorageAdapter

	// Cache overrides the default in-process ResourceRunCache, e.g. with a
	// Redis-backed one for multi-process durability. Leave nil for the
	// default.
	Cache ResourceRunCache

	Log     *logger.Logger
	Metrics *metrics.Collector

	MaxConcurrentPersistenceHandles int
	TrackerFlushInterval            time.Duration
	ArtifactBatcher                 ArtifactBatcherOptions
	DuplicateChildPolicy            DuplicateChildPolicy
}

func (o FactoryOptions) withDefaults() FactoryOptions {
	if o.MaxConcurrentPersistenceHandles < 1 {
		o.MaxConcurrentPersistenceHandles = 4
	}
	if o.TrackerFlushInterval <= 0 {
		o.TrackerFlushInterval = 500 * time.Millisecond
	}
	o.ArtifactBatcher = o.ArtifactBatcher.withDefaults()
	return o
}

// Factory is the engine's composition root: it wires a Tracker, Context
// Pool, Resource-Run Cache, and Artifact Batcher into a fresh per-run
// Context, mirroring the teacher's strict-order app wiring (§4.11).
type Factory struct {
	opts FactoryOptions
}

// NewFactory builds a Factory from engine-wide options. Persistence and
// Storage are required; everything else has a sensible default.
func NewFactory(opts FactoryOptions) *Factory {
	return &Factory{opts: opts.withDefaults()}
}

// NewRun wires and starts a fresh Context for one pipeline execution,
// persisting its initial pending run row before returning.
func (f *Factory) NewRun(parent context.Context, meta RunMetadata) (*Context, error) {
	ctx := NewContext(parent, meta, f.opts.Log)
	ctx.Metrics = f.opts.Metrics
	ctx.Persistence = f.opts.Persistence

	pool := NewContextPool(f.opts.MaxConcurrentPersistenceHandles).WithMetrics(f.opts.Metrics)
	ctx.Pool = pool

	cache := f.opts.Cache
	if cache == nil {
		cache = NewResourceRunCache(f.opts.DuplicateChildPolicy)
	}
	ctx.Cache = cache

	batcher := NewArtifactBatcher(f.opts.Storage, f.opts.ArtifactBatcher, f.opts.Log, f.opts.Metrics)
	batcher.Start()
	ctx.Batcher = batcher

	tracker := NewTracker(ctx.Metadata.RunID, cache, f.opts.Persistence, pool, f.opts.TrackerFlushInterval, f.opts.Log, f.opts.Metrics)
	tracker.StartFlushLoop(ctx.Go())
	ctx.Tracker = tracker

	if f.opts.Persistence != nil {
		if _, err := f.opts.Persistence.CreateRun(dbctx.Context{Ctx: ctx.Go()}, CreateRunRequest{
			RunID:       ctx.Metadata.RunID,
			Category:    ctx.Metadata.Category,
			Name:        ctx.Metadata.Name,
			RunType:     ctx.Metadata.RunType,
			ParentRunID: ctx.Metadata.ParentRunID,
		}); err != nil {
			ctx.Cancel()
			return nil, err
		}
	}

	return ctx, nil
}

// CompleteRun finalizes a run's durable status after its Completion has
// drained (§4.6 CompleteRun). status is typically derived from the
// Completion's snapshot with StatusFor.
func (f *Factory) CompleteRun(ctx *Context, status RunStatus) error {
	if f.opts.Persistence == nil {
		return nil
	}
	return f.opts.Persistence.CompleteRun(dbctx.Context{Ctx: context.Background()}, ctx.Metadata.RunID, status)
}

// StatusFor derives a run's terminal status from its final snapshot.
// Cancellation takes priority: a run whose context fired before every
// resource reached a terminal state is cancelled even if some resources
// had already failed or completed (§7 boundary scenario: cancellation
// before first emit yields a cancelled run status).
func StatusFor(snap Snapshot) RunStatus {
	switch {
	case snap.Cancelled > 0:
		return RunStatusCancelled
	case snap.Failed > 0:
		return RunStatusFailed
	default:
		return RunStatusCompleted
	}
}
