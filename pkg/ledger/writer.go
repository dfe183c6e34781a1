package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Castellan-Labs/quorum/core/pkg/canonicalize"
)

const (
	defaultMaxRetries = 5
	defaultRetryBase  = 25 * time.Millisecond
)

// AppendRequest carries one event into the chain. EventID is the
// caller-supplied idempotency key.
type AppendRequest struct {
	EventID string
	Type    string
	Payload []byte
	Source  string
	Actor   string
}

// Writer appends hash-chained records to a single chain. The head
// advance is delegated to the Store's compare-and-swap; the Writer only
// retries lost races with bounded backoff and jitter.
type Writer struct {
	store      Store
	chainID    string
	clock      func() time.Time
	sleep      func(time.Duration)
	maxRetries int
	retryBase  time.Duration
}

// NewWriter creates a Writer for the given chain.
func NewWriter(store Store, chainID string) *Writer {
	if chainID == "" {
		chainID = DefaultChainID
	}
	return &Writer{
		store:      store,
		chainID:    chainID,
		clock:      time.Now,
		sleep:      time.Sleep,
		maxRetries: defaultMaxRetries,
		retryBase:  defaultRetryBase,
	}
}

// WithClock overrides the clock for deterministic testing.
func (w *Writer) WithClock(clock func() time.Time) *Writer {
	w.clock = clock
	return w
}

// WithRetry tunes the conflict retry budget.
func (w *Writer) WithRetry(maxRetries int, base time.Duration) *Writer {
	w.maxRetries = maxRetries
	w.retryBase = base
	return w
}

// ChainID returns the chain this writer appends to.
func (w *Writer) ChainID() string {
	return w.chainID
}

// Append writes one record to the chain.
//
// The event_id is the idempotency key: if it was already recorded, the
// existing record is returned together with ErrDuplicateEvent so callers
// can report idempotent success. Head races are retried with bounded
// backoff; exhaustion surfaces ErrChainUnavailable.
func (w *Writer) Append(ctx context.Context, req AppendRequest) (*Record, error) {
	if req.EventID == "" {
		return nil, fmt.Errorf("ledger: append requires an event_id")
	}
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("ledger: append requires a payload")
	}

	if existing, err := w.store.GetByEventID(ctx, req.EventID); err == nil {
		return &existing, ErrDuplicateEvent
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	payloadHash := canonicalize.HashBytes(req.Payload)

	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		head, err := w.store.Head(ctx, w.chainID)
		if err != nil {
			return nil, err
		}

		seq := head.LastSequence + 1
		rec := Record{
			EventID:     req.EventID,
			ChainID:     w.chainID,
			Sequence:    seq,
			Type:        req.Type,
			Payload:     req.Payload,
			PayloadHash: payloadHash,
			PrevHash:    head.LastHash,
			RecordHash:  ComputeRecordHash(head.LastHash, payloadHash, seq),
			Source:      req.Source,
			Actor:       req.Actor,
			CreatedAt:   w.clock().UTC(),
		}

		err = w.store.Commit(ctx, rec)
		switch {
		case err == nil:
			return &rec, nil
		case errors.Is(err, ErrDuplicateEvent):
			// Raced with ourselves: another worker committed this event.
			existing, getErr := w.store.GetByEventID(ctx, req.EventID)
			if getErr != nil {
				return nil, getErr
			}
			return &existing, ErrDuplicateEvent
		case errors.Is(err, ErrChainConflict):
			if attempt == w.maxRetries {
				break
			}
			w.sleep(w.backoff(attempt))
		default:
			return nil, err
		}
	}

	return nil, ErrChainUnavailable
}

func (w *Writer) backoff(attempt int) time.Duration {
	d := w.retryBase << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(w.retryBase)))
	return d + jitter
}

// Depth returns the last committed sequence number.
func (w *Writer) Depth(ctx context.Context) (uint64, error) {
	head, err := w.store.Head(ctx, w.chainID)
	if err != nil {
		return 0, err
	}
	return head.LastSequence, nil
}

// GetByEventID exposes the read-only lookup for the query surface.
func (w *Writer) GetByEventID(ctx context.Context, eventID string) (Record, error) {
	return w.store.GetByEventID(ctx, eventID)
}

// GetRange exposes the read-only range scan for the query surface.
func (w *Writer) GetRange(ctx context.Context, from, to uint64) ([]Record, error) {
	return w.store.GetRange(ctx, w.chainID, from, to)
}

// VerifyChain recomputes hashes and checks linkage for records in
// [from, to]. It runs off the write path for periodic audit. A from of 0
// is treated as the genesis boundary.
func (w *Writer) VerifyChain(ctx context.Context, from, to uint64) ([]Violation, error) {
	if from == 0 {
		from = 1
	}
	if to < from {
		return nil, fmt.Errorf("ledger: invalid verify range [%d, %d]", from, to)
	}

	records, err := w.store.GetRange(ctx, w.chainID, from, to)
	if err != nil {
		return nil, err
	}

	prevHash := GenesisHash
	if from > 1 {
		anchor, err := w.store.GetRange(ctx, w.chainID, from-1, from-1)
		if err != nil {
			return nil, err
		}
		if len(anchor) == 1 {
			prevHash = anchor[0].RecordHash
		}
	}

	violations := make([]Violation, 0)
	expected := from
	for _, rec := range records {
		if rec.Sequence != expected {
			violations = append(violations, Violation{
				Sequence: rec.Sequence,
				Code:     ViolationSequenceGap,
				Detail:   fmt.Sprintf("expected sequence %d, found %d", expected, rec.Sequence),
			})
			expected = rec.Sequence
		}
		if rec.PrevHash != prevHash {
			violations = append(violations, Violation{
				Sequence: rec.Sequence,
				Code:     ViolationLinkBroken,
				Detail:   fmt.Sprintf("previous_hash %s does not match head %s", rec.PrevHash, prevHash),
			})
		}
		if got := canonicalize.HashBytes(rec.Payload); got != rec.PayloadHash {
			violations = append(violations, Violation{
				Sequence: rec.Sequence,
				Code:     ViolationPayloadDrift,
				Detail:   "stored payload no longer matches payload_hash",
			})
		}
		if got := ComputeRecordHash(rec.PrevHash, rec.PayloadHash, rec.Sequence); got != rec.RecordHash {
			violations = append(violations, Violation{
				Sequence: rec.Sequence,
				Code:     ViolationHashMismatch,
				Detail:   "record_hash does not match recomputed value",
			})
		}
		prevHash = rec.RecordHash
		expected++
	}

	return violations, nil
}
