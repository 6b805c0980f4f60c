package engine

// Result is the tagged union every stage hands downstream: either a typed
// payload (Success) or an error description (Failure). Resource identity
// and timing travel with the envelope regardless of which variant it is, so
// a Failure can propagate through stages whose payload type differs from
// the one that produced it (see Map).
type Result[T any] struct {
	ok bool

	payload    T
	resourceID string
	// resourcePath is the non-empty chain of identifiers leading to this
	// resource: the head is the top-level resource observed at the source,
	// successors are children minted by transform-many stages.
	resourcePath []string
	durationMS   int64

	errMessage string
	errStep    string

	// skipTracking marks an envelope whose resourcePath is a synthetic
	// grouping label rather than a real tracked resource (the Batch stage's
	// output, whose members were already individually recorded complete at
	// the point of batching). Stages and the terminal sink skip tracker
	// calls entirely for such envelopes.
	skipTracking bool
}

// Success constructs a successful envelope for the given resource.
func Success[T any](payload T, resourcePath []string, durationMS int64) Result[T] {
	return Result[T]{
		ok:           true,
		payload:      payload,
		resourceID:   lastOf(resourcePath),
		resourcePath: resourcePath,
		durationMS:   durationMS,
	}
}

// Failure constructs a failed envelope. errStep names the stage that
// produced the failure.
func Failure[T any](resourcePath []string, err error, errStep string, durationMS int64) Result[T] {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result[T]{
		ok:           false,
		resourceID:   lastOf(resourcePath),
		resourcePath: resourcePath,
		durationMS:   durationMS,
		errMessage:   msg,
		errStep:      errStep,
	}
}

func lastOf(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}

func (r Result[T]) IsSuccess() bool { return r.ok }
func (r Result[T]) IsFailure() bool { return !r.ok }

// Payload returns the success payload; ok is false for a Failure envelope.
func (r Result[T]) Payload() (T, bool) {
	return r.payload, r.ok
}

func (r Result[T]) ResourceID() string     { return r.resourceID }
func (r Result[T]) ResourcePath() []string { return r.resourcePath }
func (r Result[T]) DurationMS() int64      { return r.durationMS }
func (r Result[T]) ErrorMessage() string   { return r.errMessage }
func (r Result[T]) ErrorStep() string      { return r.errStep }

// SkipsTracking reports whether resourcePath names a real tracked resource
// or a synthetic grouping label (see Batch).
func (r Result[T]) SkipsTracking() bool { return r.skipTracking }

// successUntracked builds a Success envelope over a synthetic grouping
// label rather than a real resource-path, for stages (Batch) whose members
// were already recorded individually before grouping.
func successUntracked[T any](payload T, label string) Result[T] {
	return Result[T]{ok: true, payload: payload, resourceID: label, resourcePath: []string{label}, skipTracking: true}
}

// failureUntracked mirrors successUntracked for a failed operation over a
// synthetic grouping label.
func failureUntracked[T any](label string, err error, errStep string) Result[T] {
	f := Failure[T]([]string{label}, err, errStep, 0)
	f.skipTracking = true
	return f
}

// recast converts a Failure envelope of one payload type into a Failure of
// another, carrying resource identity and error fields across unchanged.
// Calling recast on a Success envelope panics; callers must check IsFailure
// first, matching the internal-only use of this helper from Map/transforms.
func recast[T, U any](r Result[T]) Result[U] {
	if r.ok {
		panic("engine: recast called on a Success envelope")
	}
	return Result[U]{
		ok:           false,
		resourceID:   r.resourceID,
		resourcePath: r.resourcePath,
		durationMS:   r.durationMS,
		errMessage:   r.errMessage,
		errStep:      r.errStep,
		skipTracking: r.skipTracking,
	}
}

// Map applies fn to a Success payload, producing a new Success or, if fn
// returns an error, a Failure tagged with errStep. A Failure input is
// propagated unchanged (re-cast to the new payload type) without invoking
// fn, matching the pass-through default described for stage blocks.
func Map[T, U any](r Result[T], errStep string, fn func(T) (U, error)) Result[U] {
	if r.IsFailure() {
		return recast[T, U](r)
	}
	out, err := fn(r.payload)
	if err != nil {
		return Failure[U](r.resourcePath, err, errStep, r.durationMS)
	}
	return Success(out, r.resourcePath, r.durationMS)
}
