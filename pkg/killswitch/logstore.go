package killswitch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrEntryNotFound is returned for unknown log entry IDs.
var ErrEntryNotFound = errors.New("killswitch: log entry not found")

// LogStore persists the kill-switch audit trail.
type LogStore interface {
	Insert(ctx context.Context, e LogEntry) error
	Get(ctx context.Context, id string) (LogEntry, error)
	Acknowledge(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]LogEntry, error)
}

// MemoryLogStore keeps entries in process memory, newest first.
type MemoryLogStore struct {
	mu      sync.Mutex
	entries []LogEntry
	byID    map[string]int
}

// NewMemoryLogStore creates an empty store.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{byID: make(map[string]int)}
}

func (m *MemoryLogStore) Insert(_ context.Context, e LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[e.ID] = len(m.entries)
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryLogStore) Get(_ context.Context, id string) (LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return LogEntry{}, ErrEntryNotFound
	}
	return m.entries[i], nil
}

func (m *MemoryLogStore) Acknowledge(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return ErrEntryNotFound
	}
	m.entries[i].Acknowledged = true
	return nil
}

func (m *MemoryLogStore) List(_ context.Context, limit int) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

// SQLiteLogStore persists the trail in SQLite.
type SQLiteLogStore struct {
	db *sql.DB
}

const killLogSchema = `
CREATE TABLE IF NOT EXISTS killswitch_log (
	id           TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	reason       TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	ts           TEXT NOT NULL,
	acknowledged INTEGER NOT NULL DEFAULT 0
);`

// NewSQLiteLogStore creates the schema and returns a store over db.
func NewSQLiteLogStore(db *sql.DB) (*SQLiteLogStore, error) {
	if _, err := db.Exec(killLogSchema); err != nil {
		return nil, fmt.Errorf("killswitch: creating schema: %w", err)
	}
	return &SQLiteLogStore{db: db}, nil
}

func (s *SQLiteLogStore) Insert(ctx context.Context, e LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO killswitch_log (id, event_type, reason, triggered_by, ts, acknowledged)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.EventType), e.Reason, e.TriggeredBy,
		e.Timestamp.Format(time.RFC3339Nano), boolToInt(e.Acknowledged))
	if err != nil {
		return fmt.Errorf("killswitch: inserting log entry: %w", err)
	}
	return nil
}

func (s *SQLiteLogStore) Get(ctx context.Context, id string) (LogEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event_type, reason, triggered_by, ts, acknowledged
		 FROM killswitch_log WHERE id = ?`, id)
	return scanEntry(row)
}

func (s *SQLiteLogStore) Acknowledge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE killswitch_log SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("killswitch: acknowledging: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *SQLiteLogStore) List(ctx context.Context, limit int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, reason, triggered_by, ts, acknowledged
		 FROM killswitch_log ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("killswitch: listing log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (LogEntry, error) {
	var e LogEntry
	var et, ts string
	var acked int
	err := row.Scan(&e.ID, &et, &e.Reason, &e.TriggeredBy, &ts, &acked)
	if errors.Is(err, sql.ErrNoRows) {
		return LogEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return LogEntry{}, fmt.Errorf("killswitch: scanning log entry: %w", err)
	}
	e.EventType = EventType(et)
	e.Acknowledged = acked != 0
	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return LogEntry{}, fmt.Errorf("killswitch: parsing timestamp: %w", err)
	}
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
