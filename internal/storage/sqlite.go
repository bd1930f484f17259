//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "jobloop/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	maxEvents  int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, maxEvents: cfg.maxEvents(), pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, data []byte) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshot(id, saved_at, data) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET saved_at=excluded.saved_at, data=excluded.data`,
		time.Now().UTC().Format(time.RFC3339Nano), data,
	)
	return err
}

func (s *sqliteStore) LoadSnapshot(ctx context.Context) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshot WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e Event) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, kind, job_id, job_name, status, attempt, tries, err, detail)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Kind, e.JobID, e.JobName, e.Status,
		e.Attempt, e.Tries, nullStr(e.Error), nullStr(e.Detail),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneEvents(pctx); perr != nil {
			s.log.Debug("event prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Events(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.maxEvents
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, job_id, job_name, status, attempt, tries, err, detail FROM (
		   SELECT * FROM events WHERE (? = '' OR job_id = ?) ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		jobID, jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e         Event
			at        string
			errStr    sql.NullString
			detailStr sql.NullString
		)
		if err := rows.Scan(&at, &e.Kind, &e.JobID, &e.JobName, &e.Status, &e.Attempt, &e.Tries, &errStr, &detailStr); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Error = errStr.String
		e.Detail = detailStr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneEvents(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id <= (SELECT MAX(id) FROM events) - ?`, s.maxEvents)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
