package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pipelinedataflow/engine/internal/platform/logger"
	"github.com/pipelinedataflow/engine/internal/platform/metrics"
)

// ArtifactSaveRequest is one artifact waiting to be written (§4.8). Payload
// and Metadata are pre-serialized by the caller (typically via a
// payload-selector attached to the with-artifact stage option); the
// storage key is derived from RunID/ResourceRunID/StepName/ArtifactName.
type ArtifactSaveRequest struct {
	RunID         string
	ResourceRunID string
	StepName      string
	ArtifactName  string
	StorageType   StorageType
	Payload       []byte
	Metadata      []byte
}

// ArtifactSaveResult is the per-request outcome returned by a storage
// adapter's bulk save (§4.9).
type ArtifactSaveResult struct {
	Success      bool
	StoragePath  string
	ErrorMessage string
}

// ArtifactStorageAdapter bulk-saves artifact requests into object-store,
// relational, filesystem, or in-memory backends (C9). Implementations
// guarantee that identical requests (same key) overwrite prior writes.
type ArtifactStorageAdapter interface {
	SaveBatch(ctx context.Context, requests []ArtifactSaveRequest) ([]ArtifactSaveResult, error)
}

// ArtifactBatcherOptions are the tunables named in §6's "artifact-batcher"
// configuration group.
type ArtifactBatcherOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	HighWaterMark int
}

func (o ArtifactBatcherOptions) withDefaults() ArtifactBatcherOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 250 * time.Millisecond
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = o.BatchSize * 10
	}
	return o
}

type queuedArtifact struct {
	req  ArtifactSaveRequest
	done chan ArtifactSaveResult
}

// ArtifactBatcher is the queue-plus-periodic-flush fan-off worker for
// artifact saves (§4.8). Enqueue is non-blocking up to the configured
// high-water mark; past it, Enqueue suspends until the queue drains.
// Failures are logged per-request and never torn down the pipeline.
type ArtifactBatcher struct {
	opts    ArtifactBatcherOptions
	storage ArtifactStorageAdapter
	log     *logger.Logger
	metrics *metrics.Collector

	sem *semaphore.Weighted

	mu    sync.Mutex
	queue []queuedArtifact

	flushWG sync.WaitGroup
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewArtifactBatcher builds a batcher for one run's artifact side-channel.
func NewArtifactBatcher(storage ArtifactStorageAdapter, opts ArtifactBatcherOptions, log *logger.Logger, mc *metrics.Collector) *ArtifactBatcher {
	opts = opts.withDefaults()
	return &ArtifactBatcher{
		opts:    opts,
		storage: storage,
		log:     log,
		metrics: mc,
		sem:     semaphore.NewWeighted(int64(opts.HighWaterMark)),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (b *ArtifactBatcher) Start() {
	if b.started {
		return
	}
	b.started = true
	go func() {
		defer close(b.doneCh)
		ticker := time.NewTicker(b.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.flushBatch()
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Enqueue queues an artifact save and returns a channel resolved once the
// storage adapter has returned an outcome for it. Enqueue blocks while the
// queue is at its high-water mark.
func (b *ArtifactBatcher) Enqueue(ctx context.Context, req ArtifactSaveRequest) (<-chan ArtifactSaveResult, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	done := make(chan ArtifactSaveResult, 1)
	b.mu.Lock()
	b.queue = append(b.queue, queuedArtifact{req: req, done: done})
	size := len(b.queue)
	b.mu.Unlock()
	b.metrics.SetArtifactQueueDepth(size)

	if size >= b.opts.BatchSize {
		go b.flushBatch()
	}
	return done, nil
}

func (b *ArtifactBatcher) takeBatch() []queuedArtifact {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	n := b.opts.BatchSize
	if n > len(b.queue) {
		n = len(b.queue)
	}
	batch := b.queue[:n]
	b.queue = b.queue[n:]
	b.metrics.SetArtifactQueueDepth(len(b.queue))
	return batch
}

func (b *ArtifactBatcher) flushBatch() {
	b.flushWG.Add(1)
	defer b.flushWG.Done()
	batch := b.takeBatch()
	if len(batch) == 0 {
		return
	}

	requests := make([]ArtifactSaveRequest, len(batch))
	for i, q := range batch {
		requests[i] = q.req
	}

	results, err := b.storage.SaveBatch(context.Background(), requests)
	if err != nil {
		if b.log != nil {
			b.log.Warn("artifact batch save failed", "count", len(requests), "error", err)
		}
		b.metrics.ObserveArtifactFlush("error")
		for _, q := range batch {
			q.done <- ArtifactSaveResult{Success: false, ErrorMessage: err.Error()}
			close(q.done)
			b.sem.Release(1)
		}
		return
	}
	b.metrics.ObserveArtifactFlush("ok")
	for i, q := range batch {
		var res ArtifactSaveResult
		if i < len(results) {
			res = results[i]
		}
		if !res.Success && b.log != nil {
			b.log.Warn("artifact save failed", "artifact", q.req.ArtifactName, "resource_run_id", q.req.ResourceRunID, "error", res.ErrorMessage)
		}
		q.done <- res
		close(q.done)
		b.sem.Release(1)
	}
}

// Finalize stops the background loop, then drains the queue, flushing
// repeatedly until it is empty, and waits for all in-flight flushes to
// complete (§4.8).
func (b *ArtifactBatcher) Finalize() {
	if b.started {
		close(b.stopCh)
		<-b.doneCh
	}
	for {
		b.mu.Lock()
		remaining := len(b.queue)
		b.mu.Unlock()
		if remaining == 0 {
			break
		}
		b.flushBatch()
	}
	b.flushWG.Wait()
}
