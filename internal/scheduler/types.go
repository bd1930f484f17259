package scheduler

import (
	"errors"
	"time"

	"jobloop/internal/eventbus"
	"jobloop/internal/snapshot"
	"jobloop/internal/storage"
	logx "jobloop/pkg/logx"
)

var (
	ErrStopped    = errors.New("scheduler stopped")
	ErrRunning    = errors.New("scheduler loop already running")
	ErrUnknownJob = errors.New("unknown job")
)

const (
	defaultPoolSize    = 4
	defaultIdleWait    = 50 * time.Millisecond
	defaultWarnEvery   = 5 * time.Second
	defaultHistorySize = 200
)

// Config controls admission and the dispatch loop.
type Config struct {
	PoolSize int
	// IdleWait is slept after a pass over the pool dispatched nothing.
	// Negative disables sleeping.
	IdleWait time.Duration
	// WarnEvery throttles busy-poll warnings (dependency pending, not due).
	WarnEvery   time.Duration
	HistorySize int
	// Format is the snapshot encoding.
	Format snapshot.Format
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.IdleWait == 0 {
		c.IdleWait = defaultIdleWait
	}
	if c.WarnEvery <= 0 {
		c.WarnEvery = defaultWarnEvery
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.Format == "" {
		c.Format = snapshot.FormatJSON
	}
	return c
}

type Option func(*Scheduler)

// WithClock replaces time.Now for the gates and the working time.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStore enables Stop/Restart/Checkpoint persistence.
func WithStore(st storage.Store) Option { return func(s *Scheduler) { s.store = st } }

func WithBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// HistoryItem describes a retired job.
type HistoryItem struct {
	ID       string
	Name     string
	Status   string
	Attempts int
	Results  int
	Finished time.Time
	Error    string
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	Running     bool
	Stopped     bool
	PoolLen     int
	PoolSize    int
	OverflowLen int
	Parked      int
	Known       int

	Dispatched uint64
	Completed  uint64
	Failed     uint64
	Retries    uint64
	Requeued   uint64
	Promoted   uint64
	// Dropped counts pending jobs Stop discarded because no store was set.
	Dropped uint64

	History []HistoryItem
}
