package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

func newTestEngineContext(t *testing.T) *Context {
	t.Helper()
	persistence := newFakePersistence()
	cache := NewResourceRunCache(RejectDuplicateChild)
	ctx := NewContext(context.Background(), RunMetadata{Category: "test", Name: "pipeline"}, nil)
	ctx.Tracker = NewTracker(ctx.Metadata.RunID, cache, persistence, nil, time.Hour, nil, nil)
	ctx.Tracker.StartFlushLoop(ctx.Go())
	ctx.Cache = cache
	ctx.Batcher = NewArtifactBatcher(&fakeStorage{}, ArtifactBatcherOptions{BatchSize: 10, FlushInterval: time.Hour}, nil, nil)
	ctx.Batcher.Start()
	return ctx
}

func TestPipelineTransformChainDoublesEachItem(t *testing.T) {
	ctx := newTestEngineContext(t)

	source := FromSource(ctx, func(n int) string { return fmt.Sprintf("n-%d", n) }, StageOptions{
		StepName: "source", MaxParallelism: 1, BoundedCapacity: 5,
	}, func(_ context.Context, emit func(int)) {
		for i := 1; i <= 5; i++ {
			emit(i)
		}
	})

	doubled := Transform(source, StageOptions{StepName: "double", MaxParallelism: 2}, func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	})

	var mu sync.Mutex
	var got []int
	completion := Execute(doubled, StageOptions{StepName: "sink", MaxParallelism: 2}, func(_ context.Context, n int) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	})
	if err := completion.Err(); err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	snap := completion.Wait()
	if snap.Completed != 5 {
		t.Fatalf("completed = %d, want 5", snap.Completed)
	}
	sort.Ints(got)
	want := []int{2, 4, 6, 8, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got = %v, want %v", got, want)
		}
	}
}

func TestPipelineTransformFailurePropagatesToSink(t *testing.T) {
	ctx := newTestEngineContext(t)

	source := FromSource(ctx, func(n int) string { return fmt.Sprintf("n-%d", n) }, StageOptions{
		StepName: "source", MaxParallelism: 1, BoundedCapacity: 3,
	}, func(_ context.Context, emit func(int)) {
		emit(1)
		emit(2)
		emit(3)
	})

	boom := errors.New("odd numbers rejected")
	processed := Transform(source, StageOptions{StepName: "reject-odd", MaxParallelism: 1}, func(_ context.Context, n int) (int, error) {
		if n%2 != 0 {
			return 0, boom
		}
		return n, nil
	})

	completion := Execute(processed, StageOptions{StepName: "sink", MaxParallelism: 1}, func(_ context.Context, n int) error {
		return nil
	})

	snap := completion.Wait()
	if snap.Failed != 2 {
		t.Fatalf("failed = %d, want 2 (two odd numbers)", snap.Failed)
	}
	if snap.Completed != 1 {
		t.Fatalf("completed = %d, want 1", snap.Completed)
	}
}

func TestPipelineTransformManyFansOutChildrenAndCompletesParent(t *testing.T) {
	ctx := newTestEngineContext(t)

	type doc struct {
		ID    string
		Words []string
	}

	source := FromSource(ctx, func(d doc) string { return d.ID }, StageOptions{
		StepName: "source", MaxParallelism: 1, BoundedCapacity: 2,
	}, func(_ context.Context, emit func(doc)) {
		emit(doc{ID: "doc-1", Words: []string{"a", "b"}})
		emit(doc{ID: "doc-2", Words: []string{"c"}})
	})

	words := TransformMany(source, StageOptions{StepName: "split", MaxParallelism: 2},
		func(w string) string { return w },
		func(_ context.Context, d doc) ([]string, error) {
			return d.Words, nil
		})

	var mu sync.Mutex
	var got []string
	completion := Execute(words, StageOptions{StepName: "sink", MaxParallelism: 2}, func(_ context.Context, w string) error {
		mu.Lock()
		got = append(got, w)
		mu.Unlock()
		return nil
	})

	snap := completion.Wait()
	// Two parents plus three children, all terminal.
	if snap.Completed != 5 {
		t.Fatalf("completed = %d, want 5 (2 parents + 3 children)", snap.Completed)
	}
	sort.Strings(got)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got = %v, want %v", got, want)
		}
	}
}

func TestPipelineBatchNeverBatchesFailures(t *testing.T) {
	ctx := newTestEngineContext(t)

	source := FromSource(ctx, func(n int) string { return fmt.Sprintf("n-%d", n) }, StageOptions{
		StepName: "source", MaxParallelism: 1, BoundedCapacity: 5,
	}, func(_ context.Context, emit func(int)) {
		for i := 1; i <= 5; i++ {
			emit(i)
		}
	})

	boom := errors.New("three is unlucky")
	checked := Transform(source, StageOptions{StepName: "check", MaxParallelism: 1}, func(_ context.Context, n int) (int, error) {
		if n == 3 {
			return 0, boom
		}
		return n, nil
	})

	batched := Batch(checked, StageOptions{StepName: "batch", MaxParallelism: 1}, 2, time.Hour)

	var mu sync.Mutex
	var batchSizes []int
	var failures int
	completion := Execute(batched, StageOptions{StepName: "sink", MaxParallelism: 1}, func(_ context.Context, batch []int) error {
		mu.Lock()
		batchSizes = append(batchSizes, len(batch))
		mu.Unlock()
		return nil
	})

	snap := completion.Wait()
	failures = int(snap.Failed)
	if failures != 1 {
		t.Fatalf("failed = %d, want 1", failures)
	}
	if snap.Completed != 4 {
		t.Fatalf("completed = %d, want 4 (recorded at batching time, not sink time)", snap.Completed)
	}
	for _, size := range batchSizes {
		if size > 2 {
			t.Fatalf("batch size = %d, want at most 2", size)
		}
	}
}

func TestPipelineWithArtifactCapturesSideChannelWithoutAlteringMainChain(t *testing.T) {
	ctx := newTestEngineContext(t)
	store := &fakeStorage{}
	ctx.Batcher = NewArtifactBatcher(store, ArtifactBatcherOptions{BatchSize: 10, FlushInterval: time.Hour}, nil, nil)
	ctx.Batcher.Start()

	source := FromSource(ctx, func(n int) string { return fmt.Sprintf("n-%d", n) }, StageOptions{
		StepName: "source", MaxParallelism: 1, BoundedCapacity: 3,
	}, func(_ context.Context, emit func(int)) {
		emit(1)
		emit(2)
		emit(3)
	})

	captured := WithArtifact(source, ArtifactOptions[int]{
		ArtifactName: "raw-number",
		StorageType:  StorageMemory,
		PayloadSelector: func(n int) ([]byte, error) {
			return []byte(fmt.Sprintf("%d", n)), nil
		},
	})

	var mu sync.Mutex
	var got []int
	completion := Execute(captured, StageOptions{StepName: "sink", MaxParallelism: 1}, func(_ context.Context, n int) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	})

	snap := completion.Wait()
	if snap.Completed != 3 {
		t.Fatalf("completed = %d, want 3", snap.Completed)
	}
	if len(got) != 3 {
		t.Fatalf("main chain received %d items, want 3 (artifact capture must not alter it)", len(got))
	}
	if store.batchCount() == 0 {
		t.Fatalf("expected the side channel to have flushed at least one artifact batch")
	}
}

func TestPipelineDuplicateStepNameFailsAtConstruction(t *testing.T) {
	ctx := newTestEngineContext(t)

	source := FromSource(ctx, func(n int) string { return fmt.Sprintf("n-%d", n) }, StageOptions{
		StepName: "shared-name", MaxParallelism: 1,
	}, func(_ context.Context, emit func(int)) {})

	transformed := Transform(source, StageOptions{StepName: "shared-name", MaxParallelism: 1}, func(_ context.Context, n int) (int, error) {
		return n, nil
	})

	completion := Execute(transformed, StageOptions{StepName: "sink", MaxParallelism: 1}, func(_ context.Context, n int) error {
		return nil
	})
	if completion.Err() == nil {
		t.Fatalf("expected a duplicate step name error at construction time")
	}
}

func TestPipelineCancellationMarksInFlightResourceAsCancelled(t *testing.T) {
	ctx := newTestEngineContext(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})

	source := FromSource(ctx, func(s string) string { return s }, StageOptions{
		StepName: "source", MaxParallelism: 1, BoundedCapacity: 2,
	}, func(_ context.Context, emit func(string)) {
		emit("a")
		emit("b")
	})

	transformed := Transform(source, StageOptions{StepName: "slow", MaxParallelism: 1}, func(_ context.Context, s string) (string, error) {
		if s == "a" {
			started <- struct{}{}
			<-release
		}
		return s, nil
	})

	completion := Execute(transformed, StageOptions{StepName: "sink", MaxParallelism: 1}, func(_ context.Context, s string) error {
		return nil
	})

	<-started
	ctx.Cancel()
	close(release)

	snap := completion.Wait()
	if snap.Completed != 1 {
		t.Fatalf("completed = %d, want 1 (the in-flight item finishes)", snap.Completed)
	}
	if snap.Cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1 (the not-yet-started item)", snap.Cancelled)
	}
}
