package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate checks field values that the strict decoder cannot.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if cfg.Scheduler.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("scheduler.pool_size must be >= 0"))
	}
	if cfg.Scheduler.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("scheduler.history_size must be >= 0"))
	}
	if _, err := Duration("scheduler.idle_wait", cfg.Scheduler.IdleWait, 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := Duration("scheduler.warn_every", cfg.Scheduler.WarnEvery, 0); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToUpper(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", st.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		switch strings.ToLower(strings.TrimSpace(st.Format)) {
		case "", "json", "yaml", "yml":
		default:
			errs = append(errs, fmt.Errorf("storage.format: unknown format %q", st.Format))
		}
		if _, err := Duration("storage.busy_timeout", st.BusyTimeout, 0); err != nil {
			errs = append(errs, err)
		}
		if st.MaxEvents < 0 {
			errs = append(errs, fmt.Errorf("storage.max_events must be >= 0"))
		}
	}

	if cp := cfg.Checkpoint; cp != nil && cp.Enabled && strings.TrimSpace(cp.Schedule) == "" {
		errs = append(errs, fmt.Errorf("checkpoint.schedule is required when enabled"))
	}
	if ad := cfg.Admin; ad != nil && ad.Enabled {
		if addr := strings.TrimSpace(ad.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("admin.addr: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
