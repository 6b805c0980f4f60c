package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Builder carries the output channel of one stage in a pipeline graph along
// with the shared graph state. Type-changing operations (Transform,
// TransformMany, Batch) are free functions rather than methods, since Go
// does not allow a generic method to introduce a type parameter beyond its
// receiver's (§4.4).
type Builder[T any] struct {
	engineCtx *Context
	graph     *graphState
	out       <-chan Result[T]
	err       error
}

func errored[T any](engineCtx *Context, graph *graphState, err error) *Builder[T] {
	return &Builder[T]{engineCtx: engineCtx, graph: graph, err: err}
}

// Err reports a construction-time error (most commonly a duplicate step
// name); once set it is carried to every downstream Builder in the chain
// and surfaced by Execute without spawning further stage goroutines.
func (b *Builder[T]) Err() error { return b.err }

// Producer streams items into a pipeline's source stage. Implementations of
// an unbounded producer (scenario 6) must themselves observe ctx.Done() to
// stop emitting once the run is cancelled.
type Producer[T any] func(ctx context.Context, emit func(item T))

// FromSource is the pipeline's entry point (§4.2, §6 create-pipeline +
// from-source collapsed into one call): idSelector derives each item's
// top-level resource id, which becomes the first element of its
// resource-path.
func FromSource[T any](engineCtx *Context, idSelector func(T) string, opts StageOptions, produce Producer[T]) *Builder[T] {
	opts = opts.withDefaults()
	graph := newGraphState()
	if err := graph.register(opts.StepName); err != nil {
		return errored[T](engineCtx, graph, err)
	}

	out := make(chan Result[T], opts.bufferSize())
	graph.wg.Add(1)
	go func() {
		defer graph.wg.Done()
		defer close(out)

		emit := func(item T) {
			if engineCtx.Cancelled() {
				return
			}
			path := []string{idSelector(item)}
			if opts.trackingEnabled() {
				engineCtx.Tracker.RecordResourceStart(path, "")
			}
			send(engineCtx, out, Success(item, path, 0))
		}
		produce(engineCtx.Go(), emit)
	}()

	return &Builder[T]{engineCtx: engineCtx, graph: graph, out: out}
}

// Transform applies fn to every successful item, changing its type from T
// to U. Failures pass through unchanged, re-cast to the new payload type
// (§4.1 Map semantics, §4.3).
func Transform[T, U any](b *Builder[T], opts StageOptions, fn func(context.Context, T) (U, error)) *Builder[U] {
	if b.err != nil {
		return errored[U](b.engineCtx, b.graph, b.err)
	}
	opts = opts.withDefaults()
	if err := b.graph.register(opts.StepName); err != nil {
		return errored[U](b.engineCtx, b.graph, err)
	}

	out := make(chan Result[U], opts.bufferSize())
	b.graph.wg.Add(1)
	go func() {
		defer b.graph.wg.Done()
		defer close(out)
		runWorkerPool(b.engineCtx.Go(), opts.MaxParallelism, b.out, func(r Result[T]) {
			if b.engineCtx.Cancelled() {
				return
			}
			processTransform(b.engineCtx, opts, r, fn, out)
		})
	}()

	return &Builder[U]{engineCtx: b.engineCtx, graph: b.graph, out: out}
}

func processTransform[T, U any](ectx *Context, opts StageOptions, r Result[T], fn func(context.Context, T) (U, error), out chan<- Result[U]) {
	if r.IsFailure() {
		send(ectx, out, recast[T, U](r))
		return
	}

	if r.SkipsTracking() {
		val, err := fn(ectx.Go(), mustPayload(r))
		if err != nil {
			send(ectx, out, failureUntracked[U](r.ResourceID(), err, opts.StepName))
			return
		}
		send(ectx, out, successUntracked(val, r.ResourceID()))
		return
	}

	trackingOn := opts.trackingEnabled()
	if trackingOn {
		ectx.Tracker.RecordStepStart(r.ResourcePath(), opts.StepName)
	}

	start := time.Now()
	val, err := fn(ectx.Go(), mustPayload(r))
	elapsed := time.Since(start).Milliseconds()

	if ectx.Metrics != nil {
		ectx.Metrics.ObserveStage(opts.StepName, outcomeLabel(err), time.Since(start))
	}

	if err != nil {
		if trackingOn {
			ectx.Tracker.RecordStepFailed(r.ResourcePath(), opts.StepName, elapsed, err)
		}
		send(ectx, out, Failure[U](r.ResourcePath(), err, opts.StepName, elapsed))
		return
	}

	if trackingOn {
		ectx.Tracker.RecordStepComplete(r.ResourcePath(), opts.StepName, elapsed)
	}
	send(ectx, out, Success(val, r.ResourcePath(), elapsed))
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// TransformMany fans a single parent item out into zero or more children
// (§4.1 Expand semantics). Each child's resource-path is the parent's path
// with childID(item) appended (§3 ResourceRun.resource-path). The parent
// itself is recorded as complete once fan-out succeeds or fails; it never
// flows downstream, since only its children do.
func TransformMany[T, U any](b *Builder[T], opts StageOptions, childID func(U) string, fn func(context.Context, T) ([]U, error)) *Builder[U] {
	if b.err != nil {
		return errored[U](b.engineCtx, b.graph, b.err)
	}
	opts = opts.withDefaults()
	if err := b.graph.register(opts.StepName); err != nil {
		return errored[U](b.engineCtx, b.graph, err)
	}

	out := make(chan Result[U], opts.bufferSize())
	b.graph.wg.Add(1)
	go func() {
		defer b.graph.wg.Done()
		defer close(out)
		runWorkerPool(b.engineCtx.Go(), opts.MaxParallelism, b.out, func(r Result[T]) {
			if b.engineCtx.Cancelled() {
				return
			}
			processTransformMany(b.engineCtx, opts, r, childID, fn, out)
		})
	}()

	return &Builder[U]{engineCtx: b.engineCtx, graph: b.graph, out: out}
}

func processTransformMany[T, U any](ectx *Context, opts StageOptions, r Result[T], childID func(U) string, fn func(context.Context, T) ([]U, error), out chan<- Result[U]) {
	if r.SkipsTracking() {
		if r.IsFailure() {
			send(ectx, out, failureUntracked[U](r.ResourceID(), fmt.Errorf("%s", r.ErrorMessage()), r.ErrorStep()))
			return
		}
		children, err := fn(ectx.Go(), mustPayload(r))
		if err != nil {
			send(ectx, out, failureUntracked[U](r.ResourceID(), err, opts.StepName))
			return
		}
		for _, child := range children {
			send(ectx, out, successUntracked(child, r.ResourceID()+"/"+childID(child)))
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
	children, err := fn(ectx.Go(), mustPayload(r))
	elapsed := time.Since(start).Milliseconds()

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
	for _, child := range children {
		childPath := appendPath(r.ResourcePath(), childID(child))
		if trackingOn {
			ectx.Tracker.RecordResourceStart(childPath, "")
		}
		send(ectx, out, Success(child, childPath, 0))
	}
	// The parent resource itself never continues downstream; its terminal
	// state is "completed" once fan-out has produced its children.
	ectx.Tracker.RecordResourceComplete(r.ResourcePath(), ResourceRunCompleted, nil, "")
}

// Tee is the broadcast/fan-out primitive (§4.3): every item flowing through
// b is duplicated to n independent downstream builders.
func Tee[T any](b *Builder[T], n int) []*Builder[T] {
	if b.err != nil {
		outs := make([]*Builder[T], n)
		for i := range outs {
			outs[i] = errored[T](b.engineCtx, b.graph, b.err)
		}
		return outs
	}

	chans := make([]chan Result[T], n)
	for i := range chans {
		chans[i] = make(chan Result[T], 1)
	}

	b.graph.wg.Add(1)
	go func() {
		defer b.graph.wg.Done()
		defer func() {
			for _, c := range chans {
				close(c)
			}
		}()
		for r := range b.out {
			for _, c := range chans {
				select {
				case c <- r:
				case <-b.engineCtx.Done():
				}
			}
		}
	}()

	outs := make([]*Builder[T], n)
	for i, c := range chans {
		outs[i] = &Builder[T]{engineCtx: b.engineCtx, graph: b.graph, out: c}
	}
	return outs
}

// ArtifactOptions configures WithArtifact (§4.9, §6 artifact configuration).
type ArtifactOptions[T any] struct {
	StepName         string
	ArtifactName     string
	StorageType      StorageType
	PayloadSelector  func(T) ([]byte, error)
	MetadataSelector func(T) ([]byte, error)
}

func (o ArtifactOptions[T]) stepName() string {
	if o.StepName != "" {
		return o.StepName
	}
	return "artifact:" + o.ArtifactName
}

// WithArtifact captures a copy of every successful item flowing through b
// into the run's ArtifactBatcher, without altering the main chain's output
// (§4.8). Artifact capture failures are logged but never fail the main
// chain.
func WithArtifact[T any](b *Builder[T], opts ArtifactOptions[T]) *Builder[T] {
	if b.err != nil {
		return b
	}
	branches := Tee(b, 2)
	main, side := branches[0], branches[1]

	// Registered on the shared graph WaitGroup so Execute's drain waits for
	// this side branch's last Enqueue to land before finalizing the artifact
	// batcher (§4.4, §4.9 durability-before-completion).
	b.graph.wg.Add(1)
	go func() {
		defer b.graph.wg.Done()
		for r := range side.out {
			if r.IsFailure() {
				continue
			}
			captureArtifact(b.engineCtx, opts, r)
		}
	}()

	return main
}

func captureArtifact[T any](ectx *Context, opts ArtifactOptions[T], r Result[T]) {
	val := mustPayload(r)
	payload, err := opts.PayloadSelector(val)
	if err != nil {
		if ectx.Log != nil {
			ectx.Log.Warn("artifact payload selection failed", "artifact", opts.ArtifactName, "error", err)
		}
		return
	}
	var metadata []byte
	if opts.MetadataSelector != nil {
		metadata, _ = opts.MetadataSelector(val)
	}
	if ectx.Cache == nil || ectx.Batcher == nil {
		return
	}
	resourceRunID, err := ectx.Cache.GetOrCreate(r.ResourcePath(), "")
	if err != nil {
		if ectx.Log != nil {
			ectx.Log.Warn("artifact capture could not resolve resource-run", "artifact", opts.ArtifactName, "error", err)
		}
		return
	}
	req := ArtifactSaveRequest{
		RunID:         ectx.Metadata.RunID,
		ResourceRunID: resourceRunID,
		StepName:      opts.stepName(),
		ArtifactName:  opts.ArtifactName,
		StorageType:   opts.StorageType,
		Payload:       payload,
		Metadata:      metadata,
	}
	if _, err := ectx.Batcher.Enqueue(ectx.Go(), req); err != nil && ectx.Log != nil {
		ectx.Log.Warn("artifact enqueue failed", "artifact", opts.ArtifactName, "error", err)
	}
}

// Batch groups consecutive successful items into slices of at most size,
// flushing early once timeout elapses since the batch's first item.
// Failures are never batched; they bypass directly to the next stage
// (§4.1 Batch semantics).
func Batch[T any](b *Builder[T], opts StageOptions, size int, timeout time.Duration) *Builder[[]T] {
	if b.err != nil {
		return errored[[]T](b.engineCtx, b.graph, b.err)
	}
	if size < 1 {
		size = 1
	}
	opts = opts.withDefaults()
	if err := b.graph.register(opts.StepName); err != nil {
		return errored[[]T](b.engineCtx, b.graph, err)
	}

	out := make(chan Result[[]T], opts.bufferSize())
	b.graph.wg.Add(1)
	go func() {
		defer b.graph.wg.Done()
		defer close(out)
		runBatchLoop(b.engineCtx, b.out, out, size, timeout)
	}()

	return &Builder[[]T]{engineCtx: b.engineCtx, graph: b.graph, out: out}
}

func runBatchLoop[T any](ectx *Context, in <-chan Result[T], out chan<- Result[[]T], size int, timeout time.Duration) {
	var buf []T
	var bufPaths [][]string
	seq := 0

	var timerC <-chan time.Time
	var timer *time.Timer
	resetTimer := func() {
		if timeout <= 0 {
			return
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)
	}

	// flush grouping the buffered items is a lossless regrouping, not a
	// per-item transformation that can fail, so each original resource is
	// recorded complete here rather than waiting for the batch envelope to
	// reach a terminal sink under its own synthetic label (§4.1 Batch).
	flush := func() {
		if len(buf) == 0 {
			return
		}
		seq++
		batch := buf
		paths := bufPaths
		buf = nil
		bufPaths = nil
		if ectx.Tracker != nil {
			for _, p := range paths {
				ectx.Tracker.RecordResourceComplete(p, ResourceRunCompleted, nil, "")
			}
		}
		send(ectx, out, successUntracked(batch, fmt.Sprintf("batch-%d", seq)))
	}

	for {
		select {
		case r, ok := <-in:
			if !ok {
				flush()
				if timer != nil {
					timer.Stop()
				}
				return
			}
			if r.IsFailure() {
				send(ectx, out, recast[T, []T](r))
				continue
			}
			if len(buf) == 0 {
				resetTimer()
			}
			buf = append(buf, mustPayload(r))
			bufPaths = append(bufPaths, r.ResourcePath())
			if len(buf) >= size {
				flush()
			}
		case <-timerC:
			flush()
		}
	}
}

// runWorkerPool drains in, dispatching each item to its own goroutine under
// an errgroup bounded to n concurrent in flight, mirroring the
// errgroup.WithContext + SetLimit idiom used for bounded concurrency
// elsewhere in the pack (§4.4 stage worker pools).
func runWorkerPool[T any](ctx context.Context, n int, in <-chan Result[T], work func(Result[T])) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(n)
	for r := range in {
		g.Go(func() error {
			work(r)
			return nil
		})
	}
	_ = g.Wait()
}
