package engine

import (
	"errors"
	"testing"
)

func TestSuccessAccessors(t *testing.T) {
	r := Success(42, []string{"doc-1"}, 12)
	if !r.IsSuccess() || r.IsFailure() {
		t.Fatalf("expected success envelope")
	}
	payload, ok := r.Payload()
	if !ok || payload != 42 {
		t.Fatalf("payload = %v, %v, want 42, true", payload, ok)
	}
	if r.ResourceID() != "doc-1" {
		t.Fatalf("resource id = %q, want doc-1", r.ResourceID())
	}
	if r.DurationMS() != 12 {
		t.Fatalf("duration = %d, want 12", r.DurationMS())
	}
}

func TestFailureAccessors(t *testing.T) {
	cause := errors.New("boom")
	r := Failure[int]([]string{"doc-1", "page-2"}, cause, "split", 7)
	if r.IsSuccess() {
		t.Fatalf("expected failure envelope")
	}
	if _, ok := r.Payload(); ok {
		t.Fatalf("payload ok = true, want false for a failure envelope")
	}
	if r.ErrorMessage() != "boom" {
		t.Fatalf("error message = %q, want boom", r.ErrorMessage())
	}
	if r.ErrorStep() != "split" {
		t.Fatalf("error step = %q, want split", r.ErrorStep())
	}
	if r.ResourceID() != "page-2" {
		t.Fatalf("resource id = %q, want page-2 (last path element)", r.ResourceID())
	}
}

func TestRecastPanicsOnSuccess(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected recast to panic on a Success envelope")
		}
	}()
	r := Success("x", []string{"a"}, 0)
	_ = recast[string, int](r)
}

func TestMapPropagatesFailureUnchanged(t *testing.T) {
	cause := errors.New("upstream failed")
	in := Failure[string]([]string{"doc-1"}, cause, "parse", 5)
	out := Map(in, "format", func(s string) (int, error) { return len(s), nil })
	if out.IsSuccess() {
		t.Fatalf("expected failure to propagate")
	}
	if out.ErrorStep() != "parse" {
		t.Fatalf("error step = %q, want original step parse (not re-tagged with format)", out.ErrorStep())
	}
}

func TestMapAppliesFnOnSuccess(t *testing.T) {
	in := Success("hello", []string{"doc-1"}, 3)
	out := Map(in, "length", func(s string) (int, error) { return len(s), nil })
	v, ok := out.Payload()
	if !ok || v != 5 {
		t.Fatalf("payload = %v, %v, want 5, true", v, ok)
	}
}

func TestMapConvertsFnErrorToFailure(t *testing.T) {
	boom := errors.New("bad format")
	in := Success("hello", []string{"doc-1"}, 3)
	out := Map(in, "length", func(s string) (int, error) { return 0, boom })
	if out.IsSuccess() {
		t.Fatalf("expected failure when fn returns an error")
	}
	if out.ErrorStep() != "length" {
		t.Fatalf("error step = %q, want length", out.ErrorStep())
	}
	if out.ErrorMessage() != "bad format" {
		t.Fatalf("error message = %q, want bad format", out.ErrorMessage())
	}
}
