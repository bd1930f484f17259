package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled   = errors.New("storage disabled")
	ErrNoSnapshot = errors.New("no snapshot stored")
)

// DefaultMaxEvents bounds the journal when Config.MaxEvents is zero.
const DefaultMaxEvents = 10000

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxEvents   int           // journal retention; 0 means DefaultMaxEvents
}

func (c Config) maxEvents() int {
	if c.MaxEvents <= 0 {
		return DefaultMaxEvents
	}
	return c.MaxEvents
}

// Event is one journal entry describing a job transition.
// Keep it compact and schema-stable.
type Event struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	JobID   string    `json:"job_id"`
	JobName string    `json:"job_name"`
	Status  string    `json:"status"`
	Attempt int       `json:"attempt,omitempty"`
	Tries   int       `json:"tries"`
	Error   string    `json:"err,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}
