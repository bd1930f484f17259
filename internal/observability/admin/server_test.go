package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"jobloop/internal/job"
	"jobloop/internal/scheduler"
	"jobloop/internal/storage"
	logx "jobloop/pkg/logx"
)

type tickUnit struct{}

func (tickUnit) Step(context.Context) job.Result { return job.Value(1) }

func newTestService(t *testing.T, store storage.Store) (*Service, *scheduler.Scheduler, *job.Job) {
	t.Helper()
	opts := []scheduler.Option{}
	if store != nil {
		opts = append(opts, scheduler.WithStore(store))
	}
	s := scheduler.New(scheduler.Config{PoolSize: 2, IdleWait: -1}, nil, opts...)
	j := job.New("tick", tickUnit{}, job.WithID("j1"))
	if err := s.Schedule(j); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	var journal Journal
	if store != nil {
		journal = store
	}
	return New(Config{}, s, journal, logx.Nop()), s, j
}

func do(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusAndJob(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	h := svc.Handler("", false)

	rec := do(t, h, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var st statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.PoolLen != 1 || st.PoolSize != 2 || len(st.Pending) != 1 || st.Pending[0] != "j1" {
		t.Fatalf("unexpected status: %+v", st)
	}

	rec = do(t, h, http.MethodGet, "/jobs/j1", nil)
	var jr jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &jr); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if jr.Name != "tick" || jr.Status != job.StatusWaiting {
		t.Fatalf("unexpected job: %+v", jr)
	}

	if rec := do(t, h, http.MethodGet, "/jobs/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job code = %d", rec.Code)
	}
}

func TestActions(t *testing.T) {
	t.Parallel()
	svc, _, j := newTestService(t, nil)
	h := svc.Handler("", false)

	tests := []struct {
		action string
		code   int
		want   job.Status
	}{
		{"pause", http.StatusOK, job.StatusPaused},
		{"resume", http.StatusOK, job.StatusWaiting},
		{"cancel", http.StatusOK, job.StatusStopped},
		{"explode", http.StatusNotFound, job.StatusStopped},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, "/jobs/j1/"+tt.action, nil)
		if rec.Code != tt.code {
			t.Fatalf("%s: code = %d, body %s", tt.action, rec.Code, rec.Body.String())
		}
		if got := j.Status(); got != tt.want {
			t.Fatalf("%s: status = %s, want %s", tt.action, got, tt.want)
		}
	}

	if rec := do(t, h, http.MethodPost, "/jobs/nope/pause", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job code = %d", rec.Code)
	}
	j.Fail(job.ErrDeadlineExceeded)
	if rec := do(t, h, http.MethodPost, "/jobs/j1/resume", nil); rec.Code != http.StatusConflict {
		t.Fatalf("terminal resume code = %d", rec.Code)
	}
}

func TestCheckpointAndEvents(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	h := svc.Handler("", false)
	if rec := do(t, h, http.MethodPost, "/checkpoint", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("checkpoint without store code = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/events", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("events without store code = %d", rec.Code)
	}

	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobloop")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if err := store.AppendEvent(ctx, storage.Event{At: time.Now(), Kind: "job.admitted", JobID: "j1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	svc, _, _ = newTestService(t, store)
	h = svc.Handler("", false)
	if rec := do(t, h, http.MethodPost, "/checkpoint", nil); rec.Code != http.StatusOK {
		t.Fatalf("checkpoint code = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, err := store.LoadSnapshot(ctx); err != nil {
		t.Fatalf("snapshot not saved: %v", err)
	}

	rec := do(t, h, http.MethodGet, "/events?job=j1&limit=5", nil)
	var evs []storage.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &evs); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(evs) != 1 || evs[0].Kind != "job.admitted" {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if rec := do(t, h, http.MethodGet, "/events?limit=x", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit code = %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	h := svc.Handler("s3cret", false)

	tests := []struct {
		name   string
		target string
		header http.Header
		code   int
	}{
		{"no token", "/status", nil, http.StatusUnauthorized},
		{"query token", "/status?token=s3cret", nil, http.StatusOK},
		{"wrong query token", "/status?token=nope", nil, http.StatusUnauthorized},
		{"bearer", "/status", http.Header{"Authorization": {"Bearer s3cret"}}, http.StatusOK},
		{"wrong bearer", "/status", http.Header{"Authorization": {"Bearer x"}}, http.StatusUnauthorized},
		{"healthz is open", "/healthz", nil, http.StatusOK},
	}
	for _, tt := range tests {
		if rec := do(t, h, http.MethodGet, tt.target, tt.header); rec.Code != tt.code {
			t.Fatalf("%s: code = %d, want %d", tt.name, rec.Code, tt.code)
		}
	}
}

func TestServeLifecycle(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatalf("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
		addr = svc.Addr()
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz code = %d", resp.StatusCode)
	}

	svc.Reconfigure(ctx, Config{})
	if svc.Addr() != "" {
		t.Fatalf("addr still set after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:6061": true,
		"localhost:80":   true,
		"[::1]:1":        true,
		":6061":          false,
		"0.0.0.0:6061":   false,
		"10.0.0.1:6061":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
