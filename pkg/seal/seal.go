// Package seal binds approved outputs to a keyed hash so downstream
// consumers can verify that what they received is exactly what passed
// review. A seal is write-once per task: the first seal wins and later
// attempts are rejected rather than silently overwritten.
package seal

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Castellan-Labs/quorum/core/pkg/canonicalize"
)

var (
	// ErrAlreadySealed is returned when a task already has a seal.
	ErrAlreadySealed = errors.New("seal: task already sealed")
	// ErrSealNotFound is returned when no seal exists for a task.
	ErrSealNotFound = errors.New("seal: not found")
)

// Request carries one output through sealing. EvidenceLinks point at
// the review artifacts that justified approval; ConsensusScore is the
// weighted mean the review gate produced.
type Request struct {
	SourceTaskID   string          `json:"source_task_id"`
	Output         json.RawMessage `json:"output"`
	EvidenceLinks  []string        `json:"evidence_links"`
	ConsensusScore float64         `json:"consensus_score"`
}

// SealedOutput is the immutable record produced for an approved output.
// The hash covers the canonical output only; links and score are
// provenance metadata alongside it.
type SealedOutput struct {
	OutputID       string          `json:"output_id"`
	SourceTaskID   string          `json:"source_task_id"`
	Output         json.RawMessage `json:"output"`
	EvidenceLinks  []string        `json:"evidence_links"`
	ConsensusScore float64         `json:"consensus_score"`
	SealedHash     string          `json:"sealed_hash"`
	SealedAt       time.Time       `json:"sealed_at"`
}

// Store persists sealed outputs. Insert must fail with ErrAlreadySealed
// when the task already holds a seal.
type Store interface {
	Insert(ctx context.Context, s SealedOutput) error
	Get(ctx context.Context, sourceTaskID string) (SealedOutput, error)
}

// Binder computes and stores seals under a shared secret.
type Binder struct {
	secret []byte
	store  Store
	clock  func() time.Time
}

// NewBinder creates a Binder. The secret must be non-empty.
func NewBinder(secret []byte, store Store) (*Binder, error) {
	if len(secret) == 0 {
		return nil, errors.New("seal: empty secret")
	}
	return &Binder{secret: secret, store: store, clock: time.Now}, nil
}

// WithClock overrides the time source for tests.
func (b *Binder) WithClock(clock func() time.Time) *Binder {
	b.clock = clock
	return b
}

// Seal canonicalizes the output, binds it under the secret, and stores
// the result. Sealing an already-sealed task returns ErrAlreadySealed
// and leaves the existing seal untouched.
func (b *Binder) Seal(ctx context.Context, req Request) (SealedOutput, error) {
	if req.SourceTaskID == "" {
		return SealedOutput{}, errors.New("seal: empty source task id")
	}

	canonical, err := canonicalize.JCSRaw(req.Output)
	if err != nil {
		return SealedOutput{}, fmt.Errorf("seal: canonicalizing output: %w", err)
	}

	sealed := SealedOutput{
		OutputID:       uuid.NewString(),
		SourceTaskID:   req.SourceTaskID,
		Output:         append(json.RawMessage(nil), req.Output...),
		EvidenceLinks:  append([]string(nil), req.EvidenceLinks...),
		ConsensusScore: req.ConsensusScore,
		SealedHash:     b.bind(canonical),
		SealedAt:       b.clock().UTC(),
	}
	if err := b.store.Insert(ctx, sealed); err != nil {
		return SealedOutput{}, err
	}
	return sealed, nil
}

// Verify recomputes the seal over output and compares it with the
// stored hash in constant time.
func (b *Binder) Verify(ctx context.Context, sourceTaskID string, output json.RawMessage) (bool, error) {
	stored, err := b.store.Get(ctx, sourceTaskID)
	if err != nil {
		return false, err
	}
	canonical, err := canonicalize.JCSRaw(output)
	if err != nil {
		return false, fmt.Errorf("seal: canonicalizing output: %w", err)
	}
	return hmac.Equal([]byte(b.bind(canonical)), []byte(stored.SealedHash)), nil
}

// Get returns the seal for a task.
func (b *Binder) Get(ctx context.Context, sourceTaskID string) (SealedOutput, error) {
	return b.store.Get(ctx, sourceTaskID)
}

func (b *Binder) bind(canonical []byte) string {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}
