package ledger_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Castellan-Labs/quorum/core/pkg/ledger"
)

func newSQLiteStore(t *testing.T) *ledger.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A pooled second connection would see its own empty :memory: database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := ledger.NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStore_AppendAndVerify(t *testing.T) {
	store := newSQLiteStore(t)
	w := ledger.NewWriter(store, "main")

	for i := 0; i < 10; i++ {
		_, err := w.Append(context.Background(), ledger.AppendRequest{
			EventID: fmt.Sprintf("evt-%d", i),
			Type:    "task.created",
			Payload: payload(map[string]int{"n": i}),
			Source:  "webhook",
			Actor:   "agent",
		})
		require.NoError(t, err)
	}

	violations, err := w.VerifyChain(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestSQLiteStore_DuplicateEventID(t *testing.T) {
	store := newSQLiteStore(t)
	w := ledger.NewWriter(store, "main")

	first, err := w.Append(context.Background(), ledger.AppendRequest{
		EventID: "evt-1", Type: "t", Payload: payload("a"),
	})
	require.NoError(t, err)

	replay, err := w.Append(context.Background(), ledger.AppendRequest{
		EventID: "evt-1", Type: "t", Payload: payload("b"),
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)
	assert.Equal(t, first.RecordHash, replay.RecordHash)
}

func TestSQLiteStore_HeadStartsAtGenesis(t *testing.T) {
	store := newSQLiteStore(t)

	head, err := store.Head(context.Background(), "untouched")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head.LastSequence)
	assert.Equal(t, ledger.GenesisHash, head.LastHash)
}

func TestSQLiteStore_CommitRejectsStaleHead(t *testing.T) {
	store := newSQLiteStore(t)
	w := ledger.NewWriter(store, "main")

	_, err := w.Append(context.Background(), ledger.AppendRequest{
		EventID: "evt-1", Type: "t", Payload: payload("a"),
	})
	require.NoError(t, err)

	// A commit built against the genesis head must lose the CAS.
	stale := ledger.Record{
		EventID: "evt-stale", ChainID: "main", Sequence: 1,
		Payload: payload("x"), PayloadHash: "ph", PrevHash: ledger.GenesisHash,
		RecordHash: "rh",
	}
	err = store.Commit(context.Background(), stale)
	assert.ErrorIs(t, err, ledger.ErrChainConflict)
}

func TestSQLiteStore_GetByEventIDNotFound(t *testing.T) {
	store := newSQLiteStore(t)
	_, err := store.GetByEventID(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSQLiteStore_GetRange(t *testing.T) {
	store := newSQLiteStore(t)
	w := ledger.NewWriter(store, "main")

	for i := 0; i < 6; i++ {
		_, err := w.Append(context.Background(), ledger.AppendRequest{
			EventID: fmt.Sprintf("evt-%d", i), Type: "t", Payload: payload(i),
		})
		require.NoError(t, err)
	}

	records, err := store.GetRange(context.Background(), "main", 2, 4)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(2), records[0].Sequence)
	assert.Equal(t, uint64(4), records[2].Sequence)
}
