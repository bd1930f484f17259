package storage

import (
	"context"
	"errors"
	"strings"

	logx "jobloop/pkg/logx"
)

// Store is the persistence API used by the scheduler.
type Store interface {
	// SaveSnapshot replaces the stored snapshot.
	SaveSnapshot(ctx context.Context, data []byte) error
	// LoadSnapshot returns ErrNoSnapshot if nothing was saved yet.
	LoadSnapshot(ctx context.Context) ([]byte, error)
	AppendEvent(ctx context.Context, e Event) error
	// Events returns up to limit most recent events, oldest first.
	// An empty jobID matches every job.
	Events(ctx context.Context, jobID string, limit int) ([]Event, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
