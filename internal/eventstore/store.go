package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	_ "modernc.org/sqlite"
)

// Request statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrDisabled is returned by reads when history is ephemeral.
var ErrDisabled = errors.New("transcription history is disabled")

// Request is one recorded transcription request.
type Request struct {
	RequestID string
	FileName  string
	Language  string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record is one event emitted for a request.
type Record struct {
	ID         int64
	RequestID  string
	Kind       string
	ChunkIndex int
	Payload    []byte
	CreatedAt  time.Time
}

// Store keeps a SQLite history of transcription requests and the events
// streamed for them. In ephemeral mode every write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to cfg.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" || cfg.RetentionMode == "" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}
	log.Info("transcription history enabled", slog.String("path", cfg.Path), slog.String("mode", cfg.RetentionMode))
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    request_id TEXT PRIMARY KEY,
    file_name TEXT,
    language TEXT,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS request_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(request_id) REFERENCES requests(request_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_request_events_request ON request_events(request_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether history is persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRequest records the start of a transcription request. A reused
// request id starts over: its status returns to running and earlier events
// are dropped.
func (s *Store) BeginRequest(ctx context.Context, requestID, fileName, language string) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM request_events WHERE request_id = ?`, requestID); err != nil {
		return err
	}
	now := s.clock().UnixNano()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO requests(request_id, file_name, language, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET file_name=excluded.file_name, language=excluded.language,
		   status=excluded.status, created_at=excluded.created_at, updated_at=excluded.updated_at`,
		requestID, fileName, language, StatusRunning, now, now)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Append stores one event payload for requestID.
func (s *Store) Append(ctx context.Context, requestID, kind string, chunkIndex int, payload []byte) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_events(request_id, kind, chunk_index, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		requestID, kind, chunkIndex, payload, s.clock().UnixNano())
	return err
}

// FinishRequest sets the terminal status of a request.
func (s *Store) FinishRequest(ctx context.Context, requestID, status string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, updated_at = ? WHERE request_id = ?`,
		status, s.clock().UnixNano(), requestID)
	return err
}

// GetRequest returns the request row, or sql.ErrNoRows.
func (s *Store) GetRequest(ctx context.Context, requestID string) (Request, error) {
	if !s.Enabled() {
		return Request{}, ErrDisabled
	}
	var r Request
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT request_id, file_name, language, status, created_at, updated_at FROM requests WHERE request_id = ?`,
		requestID).Scan(&r.RequestID, &r.FileName, &r.Language, &r.Status, &created, &updated)
	if err != nil {
		return Request{}, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return r, nil
}

// ListEvents returns up to limit events for requestID in emission order.
func (s *Store) ListEvents(ctx context.Context, requestID string, limit int) ([]Record, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, kind, chunk_index, payload, created_at
		 FROM request_events WHERE request_id = ? ORDER BY id ASC LIMIT ?`, requestID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Kind, &r.ChunkIndex, &r.Payload, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies retention_days and max_sessions. The sweeper calls it after
// every pass.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE request_id IN (
			SELECT request_id FROM requests ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
