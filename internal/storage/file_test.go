package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "jobloop/pkg/logx"
)

func openTestFile(t *testing.T, maxEvents int) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "jobloop.json")
	st, err := Open(Config{Driver: "file", Path: path, MaxEvents: maxEvents}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
}

func TestFileSnapshotReplace(t *testing.T) {
	t.Parallel()
	st, path := openTestFile(t, 0)
	ctx := context.Background()

	if _, err := st.LoadSnapshot(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("err = %v, want ErrNoSnapshot", err)
	}
	if err := st.SaveSnapshot(ctx, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := st.SaveSnapshot(ctx, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	b, err := st.LoadSnapshot(ctx)
	if err != nil || string(b) != `{"v":2}` {
		t.Fatalf("LoadSnapshot = %q, %v", b, err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}

func TestFileEventsFilterAndLimit(t *testing.T) {
	t.Parallel()
	st, _ := openTestFile(t, 0)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		id := "a"
		if i%2 == 1 {
			id = "b"
		}
		e := Event{At: at.Add(time.Duration(i) * time.Second), Kind: "job.step", JobID: id, JobName: "n", Status: "RUNNING", Attempt: i}
		if err := st.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	all, err := st.Events(ctx, "", 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("Events = %d, %v", len(all), err)
	}
	a, _ := st.Events(ctx, "a", 2)
	if len(a) != 2 || a[0].Attempt != 2 || a[1].Attempt != 4 {
		t.Fatalf("events for a = %+v", a)
	}
}

func TestFileEventsCompact(t *testing.T) {
	t.Parallel()
	st, path := openTestFile(t, 10)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		if err := st.AppendEvent(ctx, Event{Kind: "job.step", JobID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
	}
	got, err := st.Events(ctx, "", 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 10 || got[9].JobID != "999" {
		t.Fatalf("after compaction: %d events, last %+v", len(got), got[len(got)-1])
	}

	if err := st.AppendEvent(ctx, Event{Kind: "job.step", JobID: "after"}); err != nil {
		t.Fatalf("append after compaction: %v", err)
	}
	_ = st.Close()

	re, err := Open(Config{Driver: "file", Path: path, MaxEvents: 10}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	got, _ = re.Events(ctx, "", 0)
	if len(got) != 11 || got[10].JobID != "after" {
		t.Fatalf("reopened journal has %d events", len(got))
	}
}
