package job

import (
	"context"
	"fmt"
)

// ResultKind tags the outcome of a single unit step.
type ResultKind int

const (
	// KindValue means the step produced a value and more work remains.
	KindValue ResultKind = iota
	// KindExhausted means the computation has no more work.
	KindExhausted
	// KindFailed means the step raised a failure.
	KindFailed
)

// Result is the tagged outcome of Unit.Step.
//
// An exhausted result may still carry a final value (HasValue), which is
// appended to the job results before the job completes.
type Result struct {
	Kind     ResultKind
	Value    any
	HasValue bool
	Err      error
}

// Value reports a produced value with more work remaining.
func Value(v any) Result { return Result{Kind: KindValue, Value: v, HasValue: true} }

// Done reports a final value; the computation is exhausted after it.
func Done(v any) Result { return Result{Kind: KindExhausted, Value: v, HasValue: true} }

// Exhausted reports that there is no more work and nothing to append.
func Exhausted() Result { return Result{Kind: KindExhausted} }

// Failed reports a step failure.
func Failed(err error) Result {
	if err == nil {
		err = fmt.Errorf("unit step failed")
	}
	return Result{Kind: KindFailed, Err: err}
}

// Unit is a resumable unit of work. It is owned by exactly one Job and is
// stepped by the dispatch loop only, so implementations need no locking.
//
// A Step is expected to be short: a unit that blocks stalls every other job.
type Unit interface {
	Step(ctx context.Context) Result
}

// Args are the positional and keyword arguments a unit was built from.
// They are persisted with the job so the unit can be rebuilt on restore.
type Args struct {
	Positional []any
	Keyword    map[string]any
}

// NewArgs builds positional args.
func NewArgs(positional ...any) Args {
	return Args{Positional: positional}
}

// With returns a copy of a with an extra keyword argument.
func (a Args) With(key string, v any) Args {
	kw := make(map[string]any, len(a.Keyword)+1)
	for k, x := range a.Keyword {
		kw[k] = x
	}
	kw[key] = v
	return Args{Positional: append([]any(nil), a.Positional...), Keyword: kw}
}

// Lookup returns the keyword argument named key, falling back to the
// positional argument at index i.
func (a Args) Lookup(i int, key string) (any, bool) {
	if key != "" && a.Keyword != nil {
		if v, ok := a.Keyword[key]; ok {
			return v, true
		}
	}
	if i >= 0 && i < len(a.Positional) {
		return a.Positional[i], true
	}
	return nil, false
}

// String returns argument i (or keyword key) as a string.
func (a Args) String(i int, key string) (string, error) {
	v, ok := a.Lookup(i, key)
	if !ok {
		return "", fmt.Errorf("missing argument %d (%s)", i, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %d (%s): want string, got %T", i, key, v)
	}
	return s, nil
}

// Int returns argument i (or keyword key) as an int. Persisted numbers come
// back from JSON as float64, so both forms are accepted.
func (a Args) Int(i int, key string) (int, error) {
	v, ok := a.Lookup(i, key)
	if !ok {
		return 0, fmt.Errorf("missing argument %d (%s)", i, key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("argument %d (%s): want number, got %T", i, key, v)
	}
}
