// Package ledger implements the tamper-evident event ledger: an
// append-only, hash-chained record store with an idempotency key per
// event and a single mutable chain-head pointer advanced by
// compare-and-swap.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// GenesisHash is the previous_hash of the first record in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// DefaultChainID is the chain used when no explicit chain is configured.
const DefaultChainID = "main"

// Record is an immutable, hash-chained ledger entry. The EventID is the
// idempotency key: appending the same EventID twice yields exactly one
// record.
type Record struct {
	EventID     string          `json:"event_id"`
	ChainID     string          `json:"chain_id"`
	Sequence    uint64          `json:"sequence"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"previous_hash"`
	RecordHash  string          `json:"record_hash"`
	Source      string          `json:"source"`
	Actor       string          `json:"actor"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ChainHead is the single mutable pointer per chain. It is advanced only
// under per-chain exclusivity (transaction or mutex) with a
// compare-and-swap on LastSequence.
type ChainHead struct {
	ChainID      string    `json:"chain_id"`
	LastSequence uint64    `json:"last_sequence"`
	LastHash     string    `json:"last_hash"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Violation codes reported by VerifyChain.
const (
	ViolationSequenceGap  = "SEQUENCE_GAP"
	ViolationLinkBroken   = "LINK_BROKEN"
	ViolationHashMismatch = "HASH_MISMATCH"
	ViolationPayloadDrift = "PAYLOAD_DRIFT"
)

// Violation describes a single chain-integrity failure found during audit.
type Violation struct {
	Sequence uint64 `json:"sequence"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

var (
	// ErrDuplicateEvent signals the event_id was already recorded.
	// Callers treat it as idempotent success and use the returned record.
	ErrDuplicateEvent = errors.New("ledger: event_id already recorded")

	// ErrChainConflict signals the chain head moved between the snapshot
	// and the commit. Appends retry locally with bounded backoff.
	ErrChainConflict = errors.New("ledger: chain head moved during append")

	// ErrChainUnavailable is surfaced after retry exhaustion.
	ErrChainUnavailable = errors.New("ledger: chain unavailable after retries")

	// ErrNotFound signals a missing record.
	ErrNotFound = errors.New("ledger: record not found")
)

// ComputeRecordHash implements the chain invariant:
// record_hash = SHA-256(previous_hash ‖ payload_hash ‖ sequence).
func ComputeRecordHash(prevHash, payloadHash string, sequence uint64) string {
	var b strings.Builder
	b.WriteString(prevHash)
	b.WriteString(payloadHash)
	b.WriteString(strconv.FormatUint(sequence, 10))
	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:])
}
