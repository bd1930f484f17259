// Package job defines the schedulable unit: a resumable computation (Unit)
// with identity, a retry budget, timing constraints and dependencies.
//
// A Job is advanced one step at a time by the scheduler. Dependencies are
// kept as ID lists and resolved through a Graph.
package job
