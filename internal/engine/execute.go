package engine

import (
	"context"
	"fmt"
	"time"
)

// Completion is the handle returned by Execute. Wait blocks until the whole
// graph has drained, the tracker and artifact batcher have both finished
// their final flush, and returns the run's final snapshot (§4.4, §4.10).
type Completion struct {
	doneCh chan struct{}
	err    error
	result Snapshot
}

// Wait blocks until the pipeline has fully drained and returns its final
// snapshot.
func (c *Completion) Wait() Snapshot {
	<-c.doneCh
	return c.result
}

// Err reports a construction-time error that prevented the pipeline from
// running at all (e.g. a duplicate step name). Call after Wait returns, or
// immediately if the pipeline never started.
func (c *Completion) Err() error { return c.err }

// Execute attaches the terminal sink stage to b and runs the graph to
// completion (§4.1 terminal sink, §4.4). sink is invoked once per
// successfully-produced item; its error, if any, fails that resource.
// Failures arriving at the sink are counted without invoking sink.
func Execute[T any](b *Builder[T], opts StageOptions, sink func(context.Context, T) error) *Completion {
	completion := &Completion{doneCh: make(chan struct{})}
	if b.err != nil {
		completion.err = b.err
		close(completion.doneCh)
		return completion
	}
	opts = opts.withDefaults()
	if err := b.graph.register(opts.StepName); err != nil {
		completion.err = err
		close(completion.doneCh)
		return completion
	}

	go func() {
		defer close(completion.doneCh)

		runWorkerPool(b.engineCtx.Go(), opts.MaxParallelism, b.out, func(r Result[T]) {
			runSinkItem(b.engineCtx, opts, r, sink)
		})

		// Every stage goroutine registers on the graph's shared WaitGroup,
		// including artifact side branches spawned by WithArtifact/Tee that
		// don't flow through this chain's own b.out. Waiting here ensures
		// every side-channel Enqueue has landed before the batcher is
		// finalized (§4.4, §4.9 durability-before-completion).
		b.graph.wg.Wait()
		reconcileCancelled(b.engineCtx)

		if b.engineCtx.Batcher != nil {
			b.engineCtx.Batcher.Finalize()
		}
		if b.engineCtx.Tracker != nil {
			b.engineCtx.Tracker.Finalize(b.engineCtx.Go())
			completion.result = b.engineCtx.Tracker.Snapshot()
		}
	}()

	return completion
}

func runSinkItem[T any](ectx *Context, opts StageOptions, r Result[T], sink func(context.Context, T) error) {
	if r.SkipsTracking() {
		if r.IsFailure() {
			if ectx.Log != nil {
				ectx.Log.Warn("batch failed before reaching sink", "batch", r.ResourceID(), "error", r.ErrorMessage())
			}
			return
		}
		if err := sink(ectx.Go(), mustPayload(r)); err != nil && ectx.Log != nil {
			ectx.Log.Warn("batch sink failed", "batch", r.ResourceID(), "error", err)
		}
		return
	}

	if r.IsFailure() {
		ectx.Tracker.RecordResourceComplete(r.ResourcePath(), ResourceRunFailed, fmt.Errorf("%s", r.ErrorMessage()), r.ErrorStep())
		return
	}

	trackingOn := opts.trackingEnabled()
	if trackingOn {
		ectx.Tracker.RecordStepStart(r.ResourcePath(), opts.StepName)
	}

	start := time.Now()
	err := sink(ectx.Go(), mustPayload(r))
	elapsed := time.Since(start).Milliseconds()

	if ectx.Metrics != nil {
		ectx.Metrics.ObserveStage(opts.StepName, outcomeLabel(err), time.Since(start))
	}

	if err != nil {
		if trackingOn {
			ectx.Tracker.RecordStepFailed(r.ResourcePath(), opts.StepName, elapsed, err)
		}
		ectx.Tracker.RecordResourceComplete(r.ResourcePath(), ResourceRunFailed, err, opts.StepName)
		return
	}

	if trackingOn {
		ectx.Tracker.RecordStepComplete(r.ResourcePath(), opts.StepName, elapsed)
	}
	ectx.Tracker.RecordResourceComplete(r.ResourcePath(), ResourceRunCompleted, nil, "")
}

// reconcileCancelled marks every resource still mid-flight as cancelled once
// the run's cancellation signal has fired and the graph has drained, since a
// cancelled resource's in-flight envelope may have been abandoned mid-stage
// rather than reaching the terminal sink (§7 cancellation handling).
func reconcileCancelled(ectx *Context) {
	if !ectx.Cancelled() || ectx.Tracker == nil {
		return
	}
	snap := ectx.Tracker.Snapshot()
	for _, rs := range snap.Resources {
		if rs.Status == ResourceRunProcessing || rs.Status == ResourceRunPending {
			ectx.Tracker.RecordResourceComplete(rs.ResourcePath, ResourceRunCancelled, nil, "")
		}
	}
}
