package engine

import (
	"errors"
	"testing"

	pkgerrors "github.com/pipelinedataflow/engine/internal/pkg/errors"
)

func TestResourceRunCacheComputeIfAbsent(t *testing.T) {
	c := NewResourceRunCache(RejectDuplicateChild)
	id1, err := c.GetOrCreate([]string{"doc-1"}, "document")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := c.GetOrCreate([]string{"doc-1"}, "document")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected the same resource-run-id on repeat lookups, got %q and %q", id1, id2)
	}
}

func TestResourceRunCacheRejectsDuplicateChildUnderDifferentParent(t *testing.T) {
	c := NewResourceRunCache(RejectDuplicateChild)
	if _, err := c.GetOrCreate([]string{"doc-1", "page-1"}, "page"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := c.GetOrCreate([]string{"doc-2", "page-1"}, "page")
	if !errors.Is(err, pkgerrors.ErrDuplicateChildResource) {
		t.Fatalf("err = %v, want ErrDuplicateChildResource", err)
	}
}

func TestResourceRunCacheIgnoresDuplicateChildWhenConfigured(t *testing.T) {
	c := NewResourceRunCache(IgnoreDuplicateChild)
	id1, err := c.GetOrCreate([]string{"doc-1", "page-1"}, "page")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := c.GetOrCreate([]string{"doc-2", "page-1"}, "page")
	if err != nil {
		t.Fatalf("unexpected error under ignore policy: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected first-writer id to win, got %q and %q", id1, id2)
	}
}

func TestResourceRunCacheDrainPendingCreates(t *testing.T) {
	c := NewResourceRunCache(RejectDuplicateChild)
	if _, err := c.GetOrCreate([]string{"doc-1"}, "document"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.GetOrCreate([]string{"doc-2"}, "document"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pending := c.DrainPendingCreates()
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if more := c.DrainPendingCreates(); len(more) != 0 {
		t.Fatalf("second drain = %d, want 0", len(more))
	}
}
