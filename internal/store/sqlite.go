package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id                 TEXT PRIMARY KEY,
	type               TEXT NOT NULL,
	priority           TEXT NOT NULL,
	max_size           INTEGER NOT NULL,
	format             TEXT NOT NULL,
	data               BLOB,
	user_id            TEXT NOT NULL DEFAULT '',
	timestamp          INTEGER NOT NULL,
	sync_status        TEXT NOT NULL,
	attempts           INTEGER NOT NULL DEFAULT 0,
	next_try_at        INTEGER,
	sensitive          INTEGER NOT NULL DEFAULT 0,
	last_error_code    TEXT NOT NULL DEFAULT '',
	last_error_message TEXT NOT NULL DEFAULT '',
	last_error_at      INTEGER
);

CREATE TABLE IF NOT EXISTS queue_log (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	type      TEXT NOT NULL,
	item_id   TEXT NOT NULL,
	item_type TEXT NOT NULL,
	attempts  INTEGER,
	at        INTEGER NOT NULL,
	code      TEXT NOT NULL DEFAULT '',
	message   TEXT NOT NULL DEFAULT ''
);
`

const itemColumns = `id, type, priority, max_size, format, data, user_id, timestamp, sync_status,
	attempts, next_try_at, sensitive, last_error_code, last_error_message, last_error_at`

// SQLiteStore is the keyed, transactional backend
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating when needed) the queue database at path
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite queue: %w", err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;", "PRAGMA synchronous=NORMAL;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate queue schema: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Opened SQLite queue store", "path", path)

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, item models.QueueItem) error {
	m := item.Metadata
	query := `
		INSERT INTO queue_items (` + itemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			priority = excluded.priority,
			max_size = excluded.max_size,
			format = excluded.format,
			data = excluded.data,
			user_id = excluded.user_id,
			timestamp = excluded.timestamp,
			sync_status = excluded.sync_status,
			attempts = excluded.attempts,
			next_try_at = excluded.next_try_at,
			sensitive = excluded.sensitive,
			last_error_code = excluded.last_error_code,
			last_error_message = excluded.last_error_message,
			last_error_at = excluded.last_error_at
	`
	_, err := s.db.ExecContext(ctx, query,
		item.ID,
		item.Type,
		string(item.Priority),
		item.MaxSize,
		string(item.Format),
		[]byte(item.Data),
		m.UserID,
		m.Timestamp.UnixNano(),
		string(m.SyncStatus),
		m.Attempts,
		nullableNanos(m.NextTryAt),
		boolToInt(m.Sensitive),
		m.LastErrorCode,
		m.LastErrorMessage,
		nullableNanos(m.LastErrorAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert queue item %s: %w", item.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (models.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueItem{}, ErrNotFound
	}
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("failed to read queue item %s: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context) ([]models.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM queue_items`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove queue item %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, e models.LogEntry) error {
	var attempts any
	if e.Attempts != nil {
		attempts = *e.Attempts
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_log (id, type, item_id, item_type, attempts, at, code, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.ItemID, e.ItemType, attempts, e.At.UnixNano(), e.Code, e.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to append log entry for %s: %w", e.ItemID, err)
	}
	return nil
}

func (s *SQLiteStore) GetAllLogs(ctx context.Context) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, item_id, item_type, attempts, at, code, message
		FROM queue_log ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var (
			e        models.LogEntry
			typ      string
			attempts sql.NullInt64
			at       int64
		)
		if err := rows.Scan(&e.ID, &typ, &e.ItemID, &e.ItemType, &attempts, &at, &e.Code, &e.Message); err != nil {
			return nil, fmt.Errorf("error scanning log entry: %w", err)
		}
		e.Type = models.LogType(typ)
		e.At = time.Unix(0, at).UTC()
		if attempts.Valid {
			n := int(attempts.Int64)
			e.Attempts = &n
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.logger.Info("Closing SQLite queue store")
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (models.QueueItem, error) {
	var (
		item                    models.QueueItem
		priority, format, state string
		data                    []byte
		ts                      int64
		sensitive               int
		nextTry, lastErrAt      sql.NullInt64
	)
	err := r.Scan(
		&item.ID,
		&item.Type,
		&priority,
		&item.MaxSize,
		&format,
		&data,
		&item.Metadata.UserID,
		&ts,
		&state,
		&item.Metadata.Attempts,
		&nextTry,
		&sensitive,
		&item.Metadata.LastErrorCode,
		&item.Metadata.LastErrorMessage,
		&lastErrAt,
	)
	if err != nil {
		return models.QueueItem{}, err
	}

	item.Priority = models.Priority(priority)
	item.Format = models.Format(format)
	item.Data = data
	item.Metadata.Timestamp = time.Unix(0, ts).UTC()
	item.Metadata.SyncStatus = models.SyncStatus(state)
	item.Metadata.Sensitive = sensitive != 0
	item.Metadata.NextTryAt = nanosToTime(nextTry)
	item.Metadata.LastErrorAt = nanosToTime(lastErrAt)
	return item, nil
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nanosToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
