package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/pipelinedataflow/engine/internal/platform/logger"
	"github.com/pipelinedataflow/engine/internal/platform/metrics"
)

// RunType classifies why a run was started.
type RunType string

const (
	RunTypeFresh        RunType = "fresh"
	RunTypeRetry        RunType = "retry"
	RunTypeContinuation RunType = "continuation"
)

// RunMetadata is the immutable identity of one pipeline execution. RunID is
// assigned if left empty.
type RunMetadata struct {
	RunID        string
	Category     string
	Name         string
	RunType      RunType
	ParentRunID  string
	Config       map[string]any
}

func (m RunMetadata) withRunID() RunMetadata {
	if m.RunID == "" {
		m.RunID = uuid.NewString()
	}
	if m.RunType == "" {
		m.RunType = RunTypeFresh
	}
	return m
}

// Context is the per-run, read-only bundle of identity, cancellation, and
// service handles shared by every stage. It is created once per run by a
// Factory and never mutated after that; cancellation is the one signal every
// stage observes.
type Context struct {
	Metadata RunMetadata

	ctx    context.Context
	cancel context.CancelFunc

	Tracker     *Tracker
	Batcher     *ArtifactBatcher
	Cache       ResourceRunCache
	Persistence PersistenceService
	Pool        *ContextPool

	Log     *logger.Logger
	Metrics *metrics.Collector
}

// NewContext creates the shared per-run context. parent is the caller's
// context.Context; cancelling it (or calling Cancel) fires the pipeline's
// cancellation signal.
func NewContext(parent context.Context, meta RunMetadata, log *logger.Logger) *Context {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	meta = meta.withRunID()
	if log == nil {
		log = logger.Noop()
	}
	return &Context{
		Metadata: meta,
		ctx:      ctx,
		cancel:   cancel,
		Log:      log.With("run_id", meta.RunID, "category", meta.Category, "name", meta.Name),
	}
}

// Cancel fires the cancellation signal for this run. Idempotent.
func (c *Context) Cancel() { c.cancel() }

// Done returns a channel closed once cancellation has fired.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Cancelled reports whether the cancellation signal has fired.
func (c *Context) Cancelled() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// Go returns the underlying context.Context, for passing to user functions
// and storage calls that expect one.
func (c *Context) Go() context.Context { return c.ctx }
