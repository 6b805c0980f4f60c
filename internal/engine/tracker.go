package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipelinedataflow/engine/internal/platform/dbctx"
	"github.com/pipelinedataflow/engine/internal/platform/logger"
	"github.com/pipelinedataflow/engine/internal/platform/metrics"
	pkgerrors "github.com/pipelinedataflow/engine/internal/pkg/errors"
)

// StepMetric is one step's recorded timing for a single resource, as held
// by the in-memory tracker.
type StepMetric struct {
	StepName     string
	Status       StepStatus
	StartTime    time.Time
	EndTime      time.Time
	DurationMS   int64
	ErrorMessage string
}

// ResourceState is the tracker's in-memory view of one resource's progress.
type ResourceState struct {
	ResourcePath []string
	ResourceID   string
	ResourceType string
	Status       ResourceRunStatus
	StartTime    time.Time
	EndTime      time.Time
	Steps        []StepMetric
	ErrorMessage string
	ErrorStep    string
}

// Snapshot is a consistent point-in-time view returned by Tracker.Snapshot.
type Snapshot struct {
	Completed  int64
	Failed     int64
	Cancelled  int64
	InProgress int64
	Resources  map[string]ResourceState
}

type resourceEntry struct {
	mu    sync.Mutex
	state ResourceState
}

// Tracker is the thread-safe, in-memory source of truth for a run's
// progress (§4.5). Persistence is a derived view fed by periodic drains of
// its pending queues.
type Tracker struct {
	runID       string
	cache       ResourceRunCache
	persistence PersistenceService
	pool        *ContextPool
	log         *logger.Logger
	metrics     *metrics.Collector

	entriesMu sync.RWMutex
	entries   map[string]*resourceEntry

	queueMu             sync.Mutex
	pendingSteps        []StepProgressUpdate
	pendingCompletions  []ResourceRunCompletion
	deferredRetrySteps  []StepProgressUpdate

	completed  int64
	failed     int64
	cancelled  int64
	inProgress int64

	flushInterval time.Duration
	started       bool
	stopOnce      sync.Once
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewTracker builds a Tracker for one run. It does not start the background
// flush loop; call StartFlushLoop for that.
func NewTracker(runID string, cache ResourceRunCache, persistence PersistenceService, pool *ContextPool, flushInterval time.Duration, log *logger.Logger, mc *metrics.Collector) *Tracker {
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &Tracker{
		runID:         runID,
		cache:         cache,
		persistence:   persistence,
		pool:          pool,
		log:           log,
		metrics:       mc,
		entries:       make(map[string]*resourceEntry),
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func resourceKey(path []string) string {
	key := ""
	for i, p := range path {
		if i > 0 {
			key += "\x1f"
		}
		key += p
	}
	return key
}

func (t *Tracker) entryFor(path []string, resourceType string) (*resourceEntry, error) {
	key := resourceKey(path)
	t.entriesMu.RLock()
	e, ok := t.entries[key]
	t.entriesMu.RUnlock()
	if ok {
		return e, nil
	}

	resourceRunID, err := t.cache.GetOrCreate(path, resourceType)
	if err != nil {
		return nil, err
	}

	t.entriesMu.Lock()
	defer t.entriesMu.Unlock()
	if e, ok := t.entries[key]; ok {
		return e, nil
	}
	e = &resourceEntry{state: ResourceState{
		ResourcePath: append([]string(nil), path...),
		ResourceID:   resourceRunID,
		ResourceType: resourceType,
		Status:       ResourceRunProcessing,
		StartTime:    time.Now().UTC(),
	}}
	t.entries[key] = e
	atomic.AddInt64(&t.inProgress, 1)
	return e, nil
}

// RecordResourceStart registers a resource as observed. resourceType is
// advisory metadata stored alongside the resource-run row.
func (t *Tracker) RecordResourceStart(resourcePath []string, resourceType string) error {
	_, err := t.entryFor(resourcePath, resourceType)
	return err
}

// RecordStepStart records a step beginning for a resource.
func (t *Tracker) RecordStepStart(resourcePath []string, stepName string) error {
	e, err := t.entryFor(resourcePath, "")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	e.mu.Lock()
	e.state.Steps = append(e.state.Steps, StepMetric{StepName: stepName, Status: StepInProgress, StartTime: now})
	resourceRunID := e.state.ResourceID
	e.mu.Unlock()

	t.queueMu.Lock()
	t.pendingSteps = append(t.pendingSteps, StepProgressUpdate{
		ResourceRunID: resourceRunID,
		StepName:      stepName,
		Status:        StepInProgress,
		StartTime:     now,
	})
	t.queueMu.Unlock()
	return nil
}

func (t *Tracker) recordStepEnd(resourcePath []string, stepName string, durationMS int64, status StepStatus, errMsg string) error {
	e, err := t.entryFor(resourcePath, "")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	start := now.Add(-time.Duration(durationMS) * time.Millisecond)
	e.mu.Lock()
	for i := len(e.state.Steps) - 1; i >= 0; i-- {
		if e.state.Steps[i].StepName == stepName && e.state.Steps[i].Status == StepInProgress {
			e.state.Steps[i].Status = status
			e.state.Steps[i].EndTime = now
			e.state.Steps[i].DurationMS = durationMS
			e.state.Steps[i].ErrorMessage = errMsg
			start = e.state.Steps[i].StartTime
			break
		}
	}
	resourceRunID := e.state.ResourceID
	e.mu.Unlock()

	t.queueMu.Lock()
	t.pendingSteps = append(t.pendingSteps, StepProgressUpdate{
		ResourceRunID: resourceRunID,
		StepName:      stepName,
		Status:        status,
		StartTime:     start,
		EndTime:       &now,
		DurationMS:    durationMS,
		ErrorMessage:  errMsg,
	})
	t.queueMu.Unlock()
	return nil
}

// RecordStepComplete records a step's successful completion.
func (t *Tracker) RecordStepComplete(resourcePath []string, stepName string, durationMS int64) error {
	return t.recordStepEnd(resourcePath, stepName, durationMS, StepCompleted, "")
}

// RecordStepFailed records a step's failure.
func (t *Tracker) RecordStepFailed(resourcePath []string, stepName string, durationMS int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return t.recordStepEnd(resourcePath, stepName, durationMS, StepFailed, msg)
}

// RecordResourceComplete records a resource's terminal outcome.
func (t *Tracker) RecordResourceComplete(resourcePath []string, finalStatus ResourceRunStatus, cause error, errStep string) error {
	e, err := t.entryFor(resourcePath, "")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	e.mu.Lock()
	e.state.Status = finalStatus
	e.state.EndTime = now
	if cause != nil {
		e.state.ErrorMessage = cause.Error()
	}
	e.state.ErrorStep = errStep
	resourceRunID := e.state.ResourceID
	startTime := e.state.StartTime
	e.mu.Unlock()

	atomic.AddInt64(&t.inProgress, -1)
	switch finalStatus {
	case ResourceRunCompleted:
		atomic.AddInt64(&t.completed, 1)
	case ResourceRunFailed:
		atomic.AddInt64(&t.failed, 1)
	case ResourceRunCancelled:
		atomic.AddInt64(&t.cancelled, 1)
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	t.queueMu.Lock()
	t.pendingCompletions = append(t.pendingCompletions, ResourceRunCompletion{
		ResourceRunID: resourceRunID,
		Status:        finalStatus,
		EndTime:       now,
		ProcessingMS:  now.Sub(startTime).Milliseconds(),
		ErrorMessage:  errMsg,
		ErrorStep:     errStep,
	})
	t.queueMu.Unlock()
	return nil
}

// Snapshot returns a consistent point-in-time view of tracker state.
// The Completed, Failed and Cancelled counters are monotonically
// non-decreasing within a run (L3); InProgress falls as resources finish.
func (t *Tracker) Snapshot() Snapshot {
	t.entriesMu.RLock()
	resources := make(map[string]ResourceState, len(t.entries))
	for k, e := range t.entries {
		e.mu.Lock()
		resources[k] = e.state
		e.mu.Unlock()
	}
	t.entriesMu.RUnlock()

	return Snapshot{
		Completed:  atomic.LoadInt64(&t.completed),
		Failed:     atomic.LoadInt64(&t.failed),
		Cancelled:  atomic.LoadInt64(&t.cancelled),
		InProgress: atomic.LoadInt64(&t.inProgress),
		Resources:  resources,
	}
}

// StartFlushLoop launches the background ticker that periodically drains
// pending updates into the persistence service.
func (t *Tracker) StartFlushLoop(ctx context.Context) {
	t.started = true
	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(t.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.flushOnce(ctx)
			case <-t.stopCh:
				return
			}
		}
	}()
}

func (t *Tracker) drainQueues() ([]ResourceRunUpdate, []StepProgressUpdate, []ResourceRunCompletion) {
	creates := t.cache.DrainPendingCreates()

	t.queueMu.Lock()
	steps := append(t.deferredRetrySteps, t.pendingSteps...)
	t.deferredRetrySteps = nil
	t.pendingSteps = nil
	completions := t.pendingCompletions
	t.pendingCompletions = nil
	t.queueMu.Unlock()

	return creates, steps, completions
}

func (t *Tracker) flushOnce(ctx context.Context) {
	creates, steps, completions := t.drainQueues()
	if len(creates) == 0 && len(steps) == 0 && len(completions) == 0 {
		return
	}

	dbc := dbctx.Context{Ctx: ctx}
	if t.pool != nil {
		release, err := t.pool.Acquire(ctx)
		if err != nil {
			t.requeue(steps)
			return
		}
		defer release()
	}

	if len(creates) > 0 {
		if err := t.persistence.CreateResourceRunsBatch(dbc, t.runID, creates); err != nil && t.log != nil {
			t.log.Warn("create resource runs batch failed", "error", err)
		}
	}
	if len(steps) > 0 {
		deferred, err := t.persistence.UpdateStepProgressBatch(dbc, t.runID, steps)
		if err != nil && !errors.Is(err, pkgerrors.ErrDeferred) && t.log != nil {
			t.log.Warn("update step progress batch failed, retrying next flush", "error", err)
		}
		t.requeue(deferred)
	}
	if len(completions) > 0 {
		if err := t.persistence.CompleteResourceRunsBatch(dbc, t.runID, completions); err != nil && t.log != nil {
			t.log.Warn("complete resource runs batch failed", "error", err)
		}
	}
}

func (t *Tracker) requeue(deferred []StepProgressUpdate) {
	if len(deferred) == 0 {
		return
	}
	t.queueMu.Lock()
	t.deferredRetrySteps = append(t.deferredRetrySteps, deferred...)
	t.queueMu.Unlock()
}

// Finalize stops the flush loop and drains all pending and deferred updates
// to the persistence service, retrying deferred step-progress updates a
// bounded number of times so a resource-run row created in the same final
// flush round unblocks its step rows (L2).
func (t *Tracker) Finalize(ctx context.Context) {
	t.stopOnce.Do(func() { close(t.stopCh) })
	if t.started {
		<-t.doneCh
	}

	const maxRounds = 5
	for i := 0; i < maxRounds; i++ {
		t.flushOnce(ctx)
		t.queueMu.Lock()
		remaining := len(t.pendingSteps) + len(t.pendingCompletions) + len(t.deferredRetrySteps)
		t.queueMu.Unlock()
		if remaining == 0 {
			return
		}
	}
	if t.log != nil {
		t.log.Warn("tracker finalize reached max flush rounds with updates still pending")
	}
}
