package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "jobloop/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot      (replaced atomically on every save)
//   - <prefix>.events.jsonl  (append-only JSON Lines)
//
// The journal is periodically compacted down to the newest maxEvents lines.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	eventsPath   string
	eventsFile   *os.File

	maxEvents   int
	eventCount  int
	eventWrites int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventsPath := prefix + ".events.jsonl"
	n, _ := countLines(eventsPath)

	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot",
		eventsPath:   eventsPath,
		eventsFile:   ef,
		maxEvents:    cfg.maxEvents(),
		eventCount:   n,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return nil
	}
	err := s.eventsFile.Close()
	s.eventsFile = nil
	return err
}

func (s *fileStore) SaveSnapshot(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.snapshotPath, data)
}

func (s *fileStore) LoadSnapshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	return b, err
}

func (s *fileStore) AppendEvent(ctx context.Context, e Event) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return errors.New("event journal closed")
	}
	if err := json.NewEncoder(s.eventsFile).Encode(e); err != nil {
		return err
	}
	s.eventCount++
	s.eventWrites++
	if s.eventWrites%1000 == 0 && s.eventCount > s.maxEvents {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("event journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Events(ctx context.Context, jobID string, limit int) ([]Event, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.eventsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if jobID != "" && e.JobID != jobID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	}
	return out, sc.Err()
}

// compactLocked keeps the newest maxEvents lines.
func (s *fileStore) compactLocked() error {
	b, err := os.ReadFile(s.eventsPath)
	if err != nil {
		return err
	}
	lines := bytes.SplitAfter(b, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	if len(lines) <= s.maxEvents {
		s.eventCount = len(lines)
		return nil
	}
	keep := lines[len(lines)-s.maxEvents:]
	if err := writeAtomic(s.eventsPath, bytes.Join(keep, nil)); err != nil {
		return err
	}

	// The old handle points at the replaced inode.
	_ = s.eventsFile.Close()
	f, err := os.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		s.eventsFile = nil
		return err
	}
	s.eventsFile = f
	s.eventCount = len(keep)
	return nil
}

// writeAtomic writes to a temp file in the same directory, then renames it
// over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	buf := make([]byte, 32*1024)
	for {
		c, err := f.Read(buf)
		n += bytes.Count(buf[:c], []byte("\n"))
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}
