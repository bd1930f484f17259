package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"jobloop/internal/job"
	"jobloop/internal/runtime/supervisor"
	"jobloop/internal/scheduler"
	"jobloop/internal/storage"
	logx "jobloop/pkg/logx"
)

// DefaultAddr is used when Config.Addr is empty.
const DefaultAddr = "127.0.0.1:6061"

// Config controls the optional operator HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Operator is the part of the scheduler the server drives.
type Operator interface {
	Snapshot() scheduler.Stats
	Pending() []string
	Job(id string) (*job.Job, bool)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Checkpoint(ctx context.Context) error
}

// Journal reads the event journal. It may be nil.
type Journal interface {
	Events(ctx context.Context, jobID string, limit int) ([]storage.Event, error)
}

type Service struct {
	op      Operator
	journal Journal

	mu  sync.Mutex
	log logx.Logger
	cfg Config

	addr string
	srv  *http.Server
	sup  *supervisor.Supervisor
}

func New(cfg Config, op Operator, journal Journal, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, op: op, journal: journal, log: log.With(logx.String("comp", "admin"))}
}

// Addr returns the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent. The listener runs under a restart loop so a failed
// bind heals once the port frees up.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	// Optional surface; an error here never takes the app down.
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("admin.serve", s.serveOnce, supervisor.WithBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	// Cancel first so the restart loop does not rebind after Shutdown.
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	_ = sup.Wait(ctx)

	s.mu.Lock()
	if s.sup == nil {
		s.srv, s.addr = nil, ""
	}
	s.mu.Unlock()
	s.log.Info("admin stopped")
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	// Prevent accidental public exposure without auth.
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("admin refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr),
		)
		return errors.New("admin refused to start: insecure bind")
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("admin running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(cur.Token, cur.Pprof),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("admin started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""), logx.Bool("pprof", cur.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

// Handler builds the routes. An empty token disables auth.
func (s *Service) Handler(token string, withPprof bool) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", wrap(s.handleStatus))
	mux.HandleFunc("GET /jobs/{id}", wrap(s.handleJob))
	mux.HandleFunc("POST /jobs/{id}/{action}", wrap(s.handleAction))
	mux.HandleFunc("POST /checkpoint", wrap(s.handleCheckpoint))
	mux.HandleFunc("GET /events", wrap(s.handleEvents))

	if withPprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

type statusResponse struct {
	scheduler.Stats
	Pending []string `json:"pending"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Stats: s.op.Snapshot(), Pending: s.op.Pending()})
}

type jobResponse struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         job.Status `json:"status"`
	Tries          int        `json:"tries"`
	Attempts       int        `json:"attempts"`
	StartAt        time.Time  `json:"start_at"`
	MaxWorkingTime string     `json:"max_working_time,omitempty"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	Results        int        `json:"results"`
	LastError      string     `json:"last_error,omitempty"`
}

func (s *Service) handleJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.op.Job(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, scheduler.ErrUnknownJob)
		return
	}
	st := j.State()
	resp := jobResponse{
		ID:           st.ID,
		Name:         st.Name,
		Status:       st.Status,
		Tries:        st.Tries,
		Attempts:     j.Attempts(),
		StartAt:      st.StartAt,
		Dependencies: st.Dependencies,
		Results:      len(st.Results),
		LastError:    st.LastError,
	}
	if st.MaxWorkingTime > 0 {
		resp.MaxWorkingTime = st.MaxWorkingTime.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var err error
	switch action := r.PathValue("action"); action {
	case "pause":
		err = s.op.Pause(id)
	case "resume":
		err = s.op.Resume(id)
	case "cancel":
		err = s.op.Cancel(id)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action %q", action))
		return
	}
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, job.ErrNotRunnable), errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusConflict, err)
		return
	default:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("operator command", logx.String("action", r.PathValue("action")), logx.String("id", id))
	s.handleJob(w, r)
}

func (s *Service) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	err := s.op.Checkpoint(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
	case errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, storage.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled)
		return
	}
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	evs, err := s.journal.Events(r.Context(), q.Get("job"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if evs == nil {
		evs = []storage.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
