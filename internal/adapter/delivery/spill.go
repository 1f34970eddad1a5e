package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

const spillSchema = `
CREATE TABLE IF NOT EXISTS spilled_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  entity_id   TEXT    NOT NULL,
  event_type  TEXT    NOT NULL,
  occurred_at TEXT    NOT NULL,
  body        BLOB    NOT NULL,
  spilled_at  TEXT    NOT NULL
);
`

// Spill is a bounded on-disk buffer of events whose delivery retries ran
// out. When full the oldest rows are discarded.
type Spill struct {
	db       *sql.DB
	capacity int
}

// SpilledEvent is one buffered delivery.
type SpilledEvent struct {
	ID         int64
	EntityID   string
	EventType  string
	OccurredAt string
	Body       []byte
}

// OpenSpill opens or creates the SQLite spill database at path.
func OpenSpill(path string, capacity int) (*Spill, error) {
	dsn, err := spillDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("spill open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(spillSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spill schema: %w", err)
	}
	return &Spill{db: db, capacity: max(capacity, 1)}, nil
}

func spillDSN(path string) (string, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	params := []string{"_busy_timeout=5000", "_journal_mode=WAL"}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

// Append stores an event and trims the buffer to capacity. It returns the
// number of old rows discarded.
func (s *Spill) Append(ctx context.Context, event domain.CanonicalEvent, body []byte) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spilled_events (entity_id, event_type, occurred_at, body, spilled_at) VALUES (?, ?, ?, ?, ?)`,
		event.EntityID, string(event.EventType), event.OccurredAt.Format(time.RFC3339Nano), body,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("spill insert: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM spilled_events WHERE id <= (SELECT MAX(id) FROM spilled_events) - ?`, s.capacity)
	if err != nil {
		return 0, fmt.Errorf("spill trim: %w", err)
	}
	trimmed, _ := res.RowsAffected()
	return trimmed, nil
}

// Peek returns up to limit of the oldest buffered events.
func (s *Spill) Peek(ctx context.Context, limit int) ([]SpilledEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, event_type, occurred_at, body FROM spilled_events ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("spill peek: %w", err)
	}
	defer rows.Close()

	var out []SpilledEvent
	for rows.Next() {
		var e SpilledEvent
		if err := rows.Scan(&e.ID, &e.EntityID, &e.EventType, &e.OccurredAt, &e.Body); err != nil {
			return nil, fmt.Errorf("spill scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove deletes a buffered event after it was delivered.
func (s *Spill) Remove(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spilled_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("spill remove: %w", err)
	}
	return nil
}

// Len returns the number of buffered events.
func (s *Spill) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spilled_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("spill count: %w", err)
	}
	return n, nil
}

func (s *Spill) Close() error {
	return s.db.Close()
}
