// Package errors collects sentinel errors shared across the engine's public
// API so callers can classify failures with errors.Is instead of string
// matching.
package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDuplicateKey names a batched write that collided with an existing
	// unique key. The persistence layer skips such rows silently and does
	// not return this error.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrDeferred marks a step-progress update whose resource-run row was
	// not yet visible to the persistence layer; the caller must retry it.
	ErrDeferred = errors.New("update deferred: resource run not yet persisted")
	// ErrCancelled names an operation abandoned because the run's
	// cancellation signal fired. No engine function returns it; cancelled
	// resources are recorded in the tracker instead.
	ErrCancelled = errors.New("run cancelled")
	// ErrUnknownStage names a reference to a step name that was never
	// registered with the stage builder. No engine function returns it.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrDuplicateStepName is returned at construction time when two
	// stages in the same graph share a step name.
	ErrDuplicateStepName = errors.New("duplicate step name")
	// ErrDuplicateChildResource is returned by the resource-run cache when
	// two transform-many siblings try to mint the same child resource-id
	// under a different parent path, under the Reject duplicate policy.
	ErrDuplicateChildResource = errors.New("duplicate child resource id")
	// ErrAlreadyTerminated names a second Execute on the same stage builder,
	// or a stage attached after termination. No engine function returns it:
	// Execute does not detect either case.
	ErrAlreadyTerminated = errors.New("stage builder already terminated")
)
