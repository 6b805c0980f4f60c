package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pipelinedataflow/engine/internal/platform/dbctx"
)

// fakePersistence is an in-memory PersistenceService double used to assert
// what the tracker flushes without standing up a real database.
type fakePersistence struct {
	mu          sync.Mutex
	creates     []ResourceRunUpdate
	steps       []StepProgressUpdate
	completions []ResourceRunCompletion
	deferOnce   map[string]bool
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{deferOnce: map[string]bool{}}
}

func (f *fakePersistence) CreateRun(dbc dbctx.Context, req CreateRunRequest) (*PipelineRun, error) {
	return &PipelineRun{RunID: req.RunID}, nil
}

func (f *fakePersistence) CompleteRun(dbc dbctx.Context, runID string, status RunStatus) error {
	return nil
}

func (f *fakePersistence) GetIncompleteResourceIDs(dbc dbctx.Context, parentRunID string) ([]string, error) {
	return nil, nil
}

func (f *fakePersistence) CreateResourceRunsBatch(dbc dbctx.Context, runID string, updates []ResourceRunUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, updates...)
	return nil
}

func (f *fakePersistence) UpdateStepProgressBatch(dbc dbctx.Context, runID string, updates []StepProgressUpdate) ([]StepProgressUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deferred []StepProgressUpdate
	for _, u := range updates {
		if f.deferOnce[u.ResourceRunID] {
			f.deferOnce[u.ResourceRunID] = false
			deferred = append(deferred, u)
			continue
		}
		f.steps = append(f.steps, u)
	}
	return deferred, nil
}

func (f *fakePersistence) CompleteResourceRunsBatch(dbc dbctx.Context, runID string, updates []ResourceRunCompletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, updates...)
	return nil
}

func (f *fakePersistence) stepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.steps)
}

func (f *fakePersistence) completionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completions)
}

func (f *fakePersistence) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func TestTrackerRecordsAndFinalizesOneResource(t *testing.T) {
	cache := NewResourceRunCache(RejectDuplicateChild)
	persistence := newFakePersistence()
	tracker := NewTracker("run-1", cache, persistence, nil, time.Hour, nil, nil)

	path := []string{"doc-1"}
	if err := tracker.RecordResourceStart(path, "document"); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := tracker.RecordStepStart(path, "parse"); err != nil {
		t.Fatalf("record step start: %v", err)
	}
	if err := tracker.RecordStepComplete(path, "parse", 5); err != nil {
		t.Fatalf("record step complete: %v", err)
	}
	if err := tracker.RecordResourceComplete(path, ResourceRunCompleted, nil, ""); err != nil {
		t.Fatalf("record resource complete: %v", err)
	}

	snap := tracker.Snapshot()
	if snap.Completed != 1 {
		t.Fatalf("completed = %d, want 1", snap.Completed)
	}
	if snap.InProgress != 0 {
		t.Fatalf("in progress = %d, want 0", snap.InProgress)
	}

	tracker.Finalize(context.Background())
	if persistence.createCount() != 1 {
		t.Fatalf("creates flushed = %d, want 1", persistence.createCount())
	}
	if persistence.stepCount() != 2 {
		t.Fatalf("steps flushed = %d, want 2 (start + complete)", persistence.stepCount())
	}
	if persistence.completionCount() != 1 {
		t.Fatalf("completions flushed = %d, want 1", persistence.completionCount())
	}
}

func TestTrackerFinalizeRetriesDeferredStepUpdates(t *testing.T) {
	cache := NewResourceRunCache(RejectDuplicateChild)
	persistence := newFakePersistence()
	tracker := NewTracker("run-1", cache, persistence, nil, time.Hour, nil, nil)

	path := []string{"doc-1"}
	if err := tracker.RecordResourceStart(path, "document"); err != nil {
		t.Fatalf("record start: %v", err)
	}

	// Simulate the resource-run row not yet being visible on the first
	// flush attempt for this resource-run-id.
	entries := tracker.Snapshot().Resources
	var resourceRunID string
	for _, rs := range entries {
		resourceRunID = rs.ResourceID
	}
	persistence.deferOnce[resourceRunID] = true

	if err := tracker.RecordStepStart(path, "parse"); err != nil {
		t.Fatalf("record step start: %v", err)
	}

	tracker.Finalize(context.Background())
	if persistence.stepCount() != 1 {
		t.Fatalf("steps flushed = %d, want 1 (deferred once then retried)", persistence.stepCount())
	}
}

func TestTrackerSnapshotCountersAreMonotonic(t *testing.T) {
	cache := NewResourceRunCache(RejectDuplicateChild)
	persistence := newFakePersistence()
	tracker := NewTracker("run-1", cache, persistence, nil, time.Hour, nil, nil)

	var prev int64
	for i := 0; i < 5; i++ {
		path := []string{"doc-" + string(rune('a'+i))}
		tracker.RecordResourceStart(path, "document")
		tracker.RecordResourceComplete(path, ResourceRunCompleted, nil, "")
		if cur := tracker.Snapshot().Completed; cur < prev {
			t.Fatalf("completed dropped from %d to %d", prev, cur)
		} else {
			prev = cur
		}
	}

	snap := tracker.Snapshot()
	if snap.Completed != 5 {
		t.Fatalf("completed = %d, want 5", snap.Completed)
	}
}
