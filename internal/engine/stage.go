package engine

import (
	"sync"

	pkgerrors "github.com/pipelinedataflow/engine/internal/pkg/errors"
)

// Unbounded, as a BoundedCapacity, gives a stage's buffer a fixed capacity of
// 4096 items (see bufferSize); the buffer is not unlimited (§6).
const Unbounded = -1

// StageOptions configures one stage block (§4.3, §6 "per-step" options).
// EnableProgressTracking defaults to true when left nil; set it to a
// pointer to false to make tracking a genuine no-op on the hot path for a
// given stage.
type StageOptions struct {
	StepName               string
	MaxParallelism         int
	BoundedCapacity        int
	EnableProgressTracking *bool
}

func boolPtr(v bool) *bool { return &v }

// DisableTracking returns a StageOptions field value wiring
// EnableProgressTracking to false.
func DisableTracking() *bool { return boolPtr(false) }

func (o StageOptions) withDefaults() StageOptions {
	if o.MaxParallelism < 1 {
		o.MaxParallelism = 1
	}
	if o.BoundedCapacity == 0 {
		o.BoundedCapacity = 1
	}
	return o
}

func (o StageOptions) trackingEnabled() bool {
	if o.EnableProgressTracking == nil {
		return true
	}
	return *o.EnableProgressTracking
}

func (o StageOptions) bufferSize() int {
	if o.BoundedCapacity == Unbounded {
		return 4096
	}
	return o.BoundedCapacity
}

// graphState is shared by every Builder produced from the same source; it
// enforces unique step names across the whole graph and tracks every stage
// goroutine so the graph can be waited on as a unit.
type graphState struct {
	mu        sync.Mutex
	stepNames map[string]bool
	wg        sync.WaitGroup
}

func newGraphState() *graphState {
	return &graphState{stepNames: make(map[string]bool)}
}

func (g *graphState) register(name string) error {
	if name == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stepNames[name] {
		return pkgerrors.ErrDuplicateStepName
	}
	g.stepNames[name] = true
	return nil
}

// send delivers r to out, or abandons the send if the run is cancelled and
// nothing is left to receive it; either way the caller proceeds rather than
// blocking forever during a cancellation-driven teardown.
func send[T any](ectx *Context, out chan<- Result[T], r Result[T]) {
	select {
	case out <- r:
	case <-ectx.Done():
		select {
		case out <- r:
		default:
		}
	}
}

func mustPayload[T any](r Result[T]) T {
	v, _ := r.Payload()
	return v
}

func appendPath(parent []string, child string) []string {
	out := make([]string, len(parent)+1)
	copy(out, parent)
	out[len(parent)] = child
	return out
}
