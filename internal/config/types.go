package config

// Config is the jobloop configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage may be omitted; persistence is then disabled and stop() only
	// logs the pending set size.
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Checkpoint *CheckpointConfig `json:"checkpoint,omitempty"`
	Admin      *AdminConfig      `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console sink: console | json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls admission and the dispatch loop.
//
// Defaults (when fields are omitted/zero):
//   - pool_size: 4
//   - idle_wait: "50ms" (sleep after a pass over the pool dispatched nothing)
//   - warn_every: "5s" (throttle for busy-poll warnings)
//   - history_size: 200
type SchedulerConfig struct {
	PoolSize    int    `json:"pool_size"`
	IdleWait    string `json:"idle_wait,omitempty"`
	WarnEvery   string `json:"warn_every,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// StorageConfig controls the snapshot and event journal backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/jobloop", "format": "json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Format      string `json:"format,omitempty"`       // snapshot encoding: json | yaml
	MaxEvents   int    `json:"max_events,omitempty"`
}

// CheckpointConfig enables periodic non-destructive snapshots.
//
// Schedule accepts cron ("*/5 * * * *", "@every 30s"), a Go duration ("30s")
// or HH:MM ("00:05").
type CheckpointConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
}

// AdminConfig controls the optional operator HTTP server (status, pause,
// resume, cancel, checkpoint, journal, pprof).
//
// Security:
//   - Prefer binding to localhost (default 127.0.0.1:6061).
//   - A non-loopback address requires Token or AllowInsecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
