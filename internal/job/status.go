package job

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a job.
//
//	Waiting -> Running -> Completed | Error
//	Waiting <-> Paused, Waiting/Running <-> Stopped (operator commands)
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusStopped   Status = "STOPPED"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
)

// Terminal reports whether the status can never be dispatched again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Runnable reports whether a job in this status may be admitted to the pool.
func (s Status) Runnable() bool {
	return s == StatusWaiting || s == StatusRunning
}

// Parked reports whether an operator took the job out of rotation.
func (s Status) Parked() bool {
	return s == StatusPaused || s == StatusStopped
}

func (s Status) String() string { return string(s) }

// ParseStatus accepts the persisted (upper-case) form and is lenient about case.
func ParseStatus(raw string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch st {
	case StatusWaiting, StatusRunning, StatusPaused, StatusStopped, StatusCompleted, StatusError:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job status %q", raw)
	}
}
