package seal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps seals in process memory. Used in tests and
// single-node deployments without persistence requirements.
type MemoryStore struct {
	mu    sync.Mutex
	seals map[string]SealedOutput
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seals: make(map[string]SealedOutput)}
}

func (m *MemoryStore) Insert(_ context.Context, s SealedOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.seals[s.SourceTaskID]; exists {
		return ErrAlreadySealed
	}
	m.seals[s.SourceTaskID] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sourceTaskID string) (SealedOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.seals[sourceTaskID]
	if !ok {
		return SealedOutput{}, ErrSealNotFound
	}
	return s, nil
}

// SQLiteStore persists seals in SQLite. The source_task_id primary key
// is the write-once enforcement point.
type SQLiteStore struct {
	db *sql.DB
}

const sealSchema = `
CREATE TABLE IF NOT EXISTS sealed_outputs (
	source_task_id  TEXT PRIMARY KEY,
	output_id       TEXT NOT NULL,
	output          TEXT NOT NULL,
	evidence_links  TEXT NOT NULL,
	consensus_score REAL NOT NULL,
	sealed_hash     TEXT NOT NULL,
	sealed_at       TEXT NOT NULL
);`

// NewSQLiteStore creates the schema and returns a store over db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sealSchema); err != nil {
		return nil, fmt.Errorf("seal: creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, so SealedOutput) error {
	links, err := json.Marshal(so.EvidenceLinks)
	if err != nil {
		return fmt.Errorf("seal: encoding evidence links: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sealed_outputs
		 (source_task_id, output_id, output, evidence_links, consensus_score, sealed_hash, sealed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		so.SourceTaskID, so.OutputID, string(so.Output), string(links),
		so.ConsensusScore, so.SealedHash, so.SealedAt.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return ErrAlreadySealed
		}
		return fmt.Errorf("seal: inserting: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sourceTaskID string) (SealedOutput, error) {
	var so SealedOutput
	var output, links, sealedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT source_task_id, output_id, output, evidence_links, consensus_score, sealed_hash, sealed_at
		 FROM sealed_outputs WHERE source_task_id = ?`,
		sourceTaskID).Scan(&so.SourceTaskID, &so.OutputID, &output, &links, &so.ConsensusScore, &so.SealedHash, &sealedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SealedOutput{}, ErrSealNotFound
	}
	if err != nil {
		return SealedOutput{}, fmt.Errorf("seal: querying: %w", err)
	}
	so.Output = json.RawMessage(output)
	if err := json.Unmarshal([]byte(links), &so.EvidenceLinks); err != nil {
		return SealedOutput{}, fmt.Errorf("seal: decoding evidence links: %w", err)
	}
	so.SealedAt, err = time.Parse(time.RFC3339Nano, sealedAt)
	if err != nil {
		return SealedOutput{}, fmt.Errorf("seal: parsing sealed_at: %w", err)
	}
	return so, nil
}
