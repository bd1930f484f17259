// Package units provides adapters from plain Go functions to job.Unit and the
// built-in units registered by the jobloop binary.
package units

import (
	"context"

	"jobloop/internal/job"
)

// Func adapts a single-shot function. Each Step calls fn once: a returned
// value completes the job, an error costs one try and fn runs again on the
// next dispatch.
func Func(fn func(ctx context.Context) (any, error)) job.Unit {
	return &funcUnit{fn: fn}
}

type funcUnit struct {
	fn func(ctx context.Context) (any, error)
}

func (u *funcUnit) Step(ctx context.Context) job.Result {
	v, err := u.fn(ctx)
	if err != nil {
		return job.Failed(err)
	}
	return job.Done(v)
}

// StepFunc is one stage of a multi-step unit.
type StepFunc func(ctx context.Context) (any, error)

// Steps runs each stage on its own dispatch and records every value. A failed
// stage is retried in place; stages that already succeeded are not re-run.
func Steps(stages ...StepFunc) job.Unit {
	return &stepsUnit{stages: stages}
}

type stepsUnit struct {
	stages []StepFunc
	next   int
}

func (u *stepsUnit) Step(ctx context.Context) job.Result {
	if u.next >= len(u.stages) {
		return job.Exhausted()
	}
	v, err := u.stages[u.next](ctx)
	if err != nil {
		return job.Failed(err)
	}
	u.next++
	if u.next == len(u.stages) {
		return job.Done(v)
	}
	return job.Value(v)
}
