package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobloop/internal/config"
	"jobloop/internal/job"
	"jobloop/internal/registry"
	"jobloop/internal/scheduler"
	"jobloop/internal/snapshot"
	"jobloop/internal/units"
)

func writeConfig(t *testing.T, dir string) (cfgPath, snapPath string) {
	t.Helper()
	prefix := filepath.Join(dir, "data", "jobloop")
	cfgPath = filepath.Join(dir, "jobloop.json")
	data := fmt.Sprintf(`{
  "logging": {"level": "ERROR", "console": true},
  "scheduler": {"pool_size": 2, "idle_wait": "1ms"},
  "storage": {"driver": "file", "path": %q}
}`, prefix)
	if err := os.WriteFile(cfgPath, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, prefix + ".snapshot"
}

func TestAppRunsUntilDrained(t *testing.T) {
	dir := t.TempDir()
	cfgPath, snapPath := writeConfig(t, dir)

	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := (units.Builtins{}).Register(a.Registry()); err != nil {
		t.Fatalf("register: %v", err)
	}
	target := filepath.Join(dir, "made")
	mk, err := a.Registry().NewJob(units.CreateDirectory, job.NewArgs(target))
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := a.Scheduler().Schedule(mk); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Start(ctx, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-a.Drained():
	case <-ctx.Done():
		t.Fatal("loop did not drain")
	}
	if err := a.Stop(ctx, StopDrained); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if fi, err := os.Stat(target); err != nil || !fi.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
	data, err := os.ReadFile(snapPath)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	doc, err := snapshot.Unmarshal(data, snapshot.FormatJSON)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(doc.Jobs) != 0 {
		t.Fatalf("snapshot has %d jobs, want none", len(doc.Jobs))
	}
}

func TestAppFailedRestoreKeepsSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfgPath, snapPath := writeConfig(t, dir)

	doc := snapshot.Document{
		Version: snapshot.Version,
		Jobs:    []snapshot.Record{{ID: "j1", Name: "teleport", Status: job.StatusWaiting, Tries: 1, MaxWorkingTime: -1}},
	}
	data, err := snapshot.Marshal(doc, snapshot.FormatJSON)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(snapPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(snapPath, data, 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	err = a.Start(context.Background(), true)
	var nf *registry.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Start err = %v, want NotFoundError", err)
	}

	after, err := os.ReadFile(snapPath)
	if err != nil {
		t.Fatalf("snapshot removed: %v", err)
	}
	if string(after) != string(data) {
		t.Fatal("failed restore rewrote the snapshot")
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath, _ := writeConfig(t, dir)
	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer func() { _ = a.store.Close() }()

	cfg := a.cfgm.Get()
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("mapSchedulerConfig: %v", err)
	}
	if sc.PoolSize != 2 || sc.IdleWait != time.Millisecond || sc.Format != snapshot.FormatJSON {
		t.Fatalf("scheduler config = %+v", sc)
	}
	if checkpointSpec(cfg) != "" {
		t.Fatal("checkpoints should be off by default")
	}

	cfg.Storage.Format = "toml"
	if _, err := mapSchedulerConfig(cfg); err == nil {
		t.Fatal("expected error for unknown snapshot format")
	}
}

func TestMapAdminConfig(t *testing.T) {
	t.Parallel()
	if got := mapAdminConfig(&config.Config{}); got.Enabled {
		t.Fatalf("admin enabled without config: %+v", got)
	}
	got := mapAdminConfig(&config.Config{Admin: &config.AdminConfig{Enabled: true, Addr: " 127.0.0.1:7000 ", Token: " t "}})
	if !got.Enabled || got.Addr != "127.0.0.1:7000" || got.Token != "t" || got.ReadTimeout == 0 {
		t.Fatalf("admin config = %+v", got)
	}
}

func TestStatusLine(t *testing.T) {
	t.Parallel()
	got := statusLine(scheduler.Stats{PoolLen: 1, PoolSize: 4, OverflowLen: 2, Completed: 7, Failed: 1})
	if want := "pool 1/4, overflow 2, parked 0, completed 7, failed 1"; got != want {
		t.Fatalf("statusLine = %q, want %q", got, want)
	}
}
