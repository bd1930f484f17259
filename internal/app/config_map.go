package app

import (
	"fmt"
	"strings"
	"time"

	"jobloop/internal/config"
	"jobloop/internal/observability/admin"
	"jobloop/internal/scheduler"
	"jobloop/internal/snapshot"
	"jobloop/internal/storage"
	logx "jobloop/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, MaxEvents: sc.MaxEvents}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, MaxEvents: sc.MaxEvents}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	idle, err := config.Duration("scheduler.idle_wait", sc.IdleWait, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	warn, err := config.Duration("scheduler.warn_every", sc.WarnEvery, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	format := snapshot.FormatJSON
	if cfg.Storage != nil && strings.TrimSpace(cfg.Storage.Format) != "" {
		if format, err = snapshot.ParseFormat(cfg.Storage.Format); err != nil {
			return scheduler.Config{}, fmt.Errorf("storage.format: %w", err)
		}
	}
	return scheduler.Config{
		PoolSize:    sc.PoolSize,
		IdleWait:    idle,
		WarnEvery:   warn,
		HistorySize: sc.HistorySize,
		Format:      format,
	}, nil
}

// checkpointSpec returns the schedule to arm, or "" when checkpoints are off.
func checkpointSpec(cfg *config.Config) string {
	if cfg == nil || cfg.Checkpoint == nil || !cfg.Checkpoint.Enabled {
		return ""
	}
	return strings.TrimSpace(cfg.Checkpoint.Schedule)
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	if cfg == nil || cfg.Admin == nil {
		return admin.Config{}
	}
	ad := cfg.Admin
	return admin.Config{
		Enabled:       ad.Enabled,
		Addr:          strings.TrimSpace(ad.Addr),
		Token:         strings.TrimSpace(ad.Token),
		AllowInsecure: ad.AllowInsecure,
		Pprof:         ad.Pprof,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}
