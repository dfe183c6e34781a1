package ledger

import "context"

// Store persists ledger records and chain heads.
//
// Commit is the single serialization point for a chain: it must
// atomically check that the current head matches the record's linkage
// (compare-and-swap on last_sequence), insert the record, and advance
// the head. Implementations return ErrDuplicateEvent when the event_id
// is already recorded and ErrChainConflict when the head has moved.
type Store interface {
	Commit(ctx context.Context, rec Record) error
	Head(ctx context.Context, chainID string) (ChainHead, error)
	GetByEventID(ctx context.Context, eventID string) (Record, error)
	GetRange(ctx context.Context, chainID string, from, to uint64) ([]Record, error)
}
