package config

import (
	"reflect"
	"strings"

	logx "jobloop/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and log fields
// describing their new values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.pool_size", newCfg.Scheduler.PoolSize),
			logx.String("scheduler.idle_wait", strings.TrimSpace(newCfg.Scheduler.IdleWait)),
			logx.String("scheduler.warn_every", strings.TrimSpace(newCfg.Scheduler.WarnEvery)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		st := derefStorage(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", st.Driver),
			logx.String("storage.format", st.Format),
			logx.Bool("storage.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Checkpoint, newCfg.Checkpoint) {
		changed = append(changed, "checkpoint")
		cp := derefCheckpoint(newCfg.Checkpoint)
		attrs = append(attrs,
			logx.Bool("checkpoint.enabled", cp.Enabled),
			logx.String("checkpoint.schedule", strings.TrimSpace(cp.Schedule)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		ad := derefAdmin(newCfg.Admin)
		attrs = append(attrs,
			logx.Bool("admin.enabled", ad.Enabled),
			logx.String("admin.addr", strings.TrimSpace(ad.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(ad.Token) != ""),
		)
	}

	return changed, attrs
}

func derefStorage(st *StorageConfig) StorageConfig {
	if st == nil {
		return StorageConfig{Driver: "none"}
	}
	return *st
}

func derefCheckpoint(cp *CheckpointConfig) CheckpointConfig {
	if cp == nil {
		return CheckpointConfig{}
	}
	return *cp
}

func derefAdmin(ad *AdminConfig) AdminConfig {
	if ad == nil {
		return AdminConfig{}
	}
	return *ad
}
