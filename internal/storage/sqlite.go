package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pagewatch/pkg/logx"
)

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

const schema = `
CREATE TABLE IF NOT EXISTS monitors (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id          INTEGER NOT NULL,
	url              TEXT    NOT NULL,
	interval_minutes INTEGER NOT NULL,
	last_checked     TEXT,
	content_hash     TEXT,
	active           INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_monitors_user ON monitors(user_id);
CREATE INDEX IF NOT EXISTS idx_monitors_active ON monitors(active);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite-backed store and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertMonitor(ctx context.Context, m Monitor) (Monitor, bool, error) {
	if m.IntervalMinutes < MinIntervalMinutes {
		return Monitor{}, false, fmt.Errorf("%w: %d < %d", ErrIntervalTooShort, m.IntervalMinutes, MinIntervalMinutes)
	}

	// At most one active monitor per (user, URL): update in place when present.
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM monitors WHERE user_id = ? AND url = ? AND active = 1`,
		m.UserID, m.URL,
	).Scan(&id)
	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx,
			`UPDATE monitors SET interval_minutes = ?, last_checked = ?, content_hash = ?, active = 1 WHERE id = ?`,
			m.IntervalMinutes, nullTime(m.LastChecked), nullStr(m.ContentHash), id,
		)
		if err != nil {
			return Monitor{}, false, err
		}
		m.ID = id
		m.Active = true
		return m, false, nil
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO monitors(user_id, url, interval_minutes, last_checked, content_hash, active)
			 VALUES(?,?,?,?,?,1)`,
			m.UserID, m.URL, m.IntervalMinutes, nullTime(m.LastChecked), nullStr(m.ContentHash),
		)
		if err != nil {
			return Monitor{}, false, err
		}
		m.ID, err = res.LastInsertId()
		if err != nil {
			return Monitor{}, false, err
		}
		m.Active = true
		return m, true, nil
	default:
		return Monitor{}, false, err
	}
}

func (s *sqliteStore) GetMonitor(ctx context.Context, id int64) (Monitor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, url, interval_minutes, last_checked, content_hash, active
		 FROM monitors WHERE id = ?`, id)
	m, err := scanMonitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Monitor{}, ErrNotFound
	}
	return m, err
}

func (s *sqliteStore) DeleteMonitor(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitors WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListMonitorsByUser(ctx context.Context, userID int64) ([]Monitor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, url, interval_minutes, last_checked, content_hash, active
		 FROM monitors WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMonitors(rows)
}

func (s *sqliteStore) ListActiveMonitors(ctx context.Context) ([]Monitor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, url, interval_minutes, last_checked, content_hash, active
		 FROM monitors WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMonitors(rows)
}

func (s *sqliteStore) UpdateInterval(ctx context.Context, id int64, minutes int) error {
	if minutes < MinIntervalMinutes {
		return fmt.Errorf("%w: %d < %d", ErrIntervalTooShort, minutes, MinIntervalMinutes)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE monitors SET interval_minutes = ? WHERE id = ?`, minutes, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdateCheckState(ctx context.Context, id int64, hash string, checkedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET content_hash = ?, last_checked = ? WHERE id = ?`,
		nullStr(hash), nullTime(checkedAt), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CountMonitors(ctx context.Context) (int, int, error) {
	var total, active int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(active), 0) FROM monitors`).Scan(&total, &active)
	if err != nil {
		return 0, 0, err
	}
	return total, active, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitor(r rowScanner) (Monitor, error) {
	var (
		m       Monitor
		checked sql.NullString
		hash    sql.NullString
		active  int
	)
	if err := r.Scan(&m.ID, &m.UserID, &m.URL, &m.IntervalMinutes, &checked, &hash, &active); err != nil {
		return Monitor{}, err
	}
	if checked.Valid {
		if t, err := time.Parse(time.RFC3339Nano, checked.String); err == nil {
			m.LastChecked = t
		}
	}
	m.ContentHash = hash.String
	m.Active = active != 0
	return m, nil
}

func collectMonitors(rows *sql.Rows) ([]Monitor, error) {
	var out []Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
