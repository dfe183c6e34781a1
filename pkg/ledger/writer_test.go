package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Castellan-Labs/quorum/core/pkg/ledger"
)

func payload(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

func TestAppend_BuildsChain(t *testing.T) {
	store := ledger.NewMemoryStore()
	w := ledger.NewWriter(store, "main")

	first, err := w.Append(context.Background(), ledger.AppendRequest{
		EventID: "evt-1",
		Type:    "task.created",
		Payload: payload(map[string]string{"task": "a"}),
		Source:  "webhook",
		Actor:   "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, ledger.GenesisHash, first.PrevHash)
	assert.Equal(t,
		ledger.ComputeRecordHash(first.PrevHash, first.PayloadHash, first.Sequence),
		first.RecordHash)

	second, err := w.Append(context.Background(), ledger.AppendRequest{
		EventID: "evt-2",
		Type:    "task.updated",
		Payload: payload(map[string]string{"task": "a", "state": "done"}),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.RecordHash, second.PrevHash)
}

func TestAppend_DuplicateEventIDYieldsOneRecord(t *testing.T) {
	store := ledger.NewMemoryStore()
	w := ledger.NewWriter(store, "main")

	first, err := w.Append(context.Background(), ledger.AppendRequest{
		EventID: "evt-dup", Type: "t", Payload: payload(1),
	})
	require.NoError(t, err)

	replay, err := w.Append(context.Background(), ledger.AppendRequest{
		EventID: "evt-dup", Type: "t", Payload: payload(2),
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)
	require.NotNil(t, replay)
	assert.Equal(t, first.RecordHash, replay.RecordHash)

	depth, err := w.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), depth)
}

func TestVerifyChain_CleanChainHasNoViolations(t *testing.T) {
	store := ledger.NewMemoryStore()
	w := ledger.NewWriter(store, "main")

	for i := 0; i < 25; i++ {
		_, err := w.Append(context.Background(), ledger.AppendRequest{
			EventID: fmt.Sprintf("evt-%d", i),
			Type:    "audit.sample",
			Payload: payload(map[string]int{"n": i}),
		})
		require.NoError(t, err)
	}

	violations, err := w.VerifyChain(context.Background(), 0, 25)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestVerifyChain_DetectsTamperedPayload(t *testing.T) {
	store := ledger.NewMemoryStore()
	w := ledger.NewWriter(store, "main")

	for i := 0; i < 5; i++ {
		_, err := w.Append(context.Background(), ledger.AppendRequest{
			EventID: fmt.Sprintf("evt-%d", i), Type: "t", Payload: payload(i),
		})
		require.NoError(t, err)
	}

	require.True(t, store.Tamper("evt-2", func(r *ledger.Record) {
		r.Payload = payload("forged")
	}))

	violations, err := w.VerifyChain(context.Background(), 1, 5)
	require.NoError(t, err)
	require.NotEmpty(t, violations)

	var codes []string
	for _, v := range violations {
		codes = append(codes, v.Code)
	}
	assert.Contains(t, codes, ledger.ViolationPayloadDrift)
}

func TestVerifyChain_DetectsRewrittenHash(t *testing.T) {
	store := ledger.NewMemoryStore()
	w := ledger.NewWriter(store, "main")

	for i := 0; i < 4; i++ {
		_, err := w.Append(context.Background(), ledger.AppendRequest{
			EventID: fmt.Sprintf("evt-%d", i), Type: "t", Payload: payload(i),
		})
		require.NoError(t, err)
	}

	// A forger who rewrites one record hash breaks the link to its successor.
	require.True(t, store.Tamper("evt-1", func(r *ledger.Record) {
		r.RecordHash = ledger.ComputeRecordHash(r.PrevHash, r.PayloadHash, 99)
	}))

	violations, err := w.VerifyChain(context.Background(), 1, 4)
	require.NoError(t, err)

	var codes []string
	for _, v := range violations {
		codes = append(codes, v.Code)
	}
	assert.Contains(t, codes, ledger.ViolationHashMismatch)
	assert.Contains(t, codes, ledger.ViolationLinkBroken)
}

// conflictStore forces the first n commits to lose the head race.
type conflictStore struct {
	ledger.Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictStore) Commit(ctx context.Context, rec ledger.Record) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return ledger.ErrChainConflict
	}
	s.mu.Unlock()
	return s.Store.Commit(ctx, rec)
}

func TestAppend_RetriesLostRaces(t *testing.T) {
	store := &conflictStore{Store: ledger.NewMemoryStore(), conflicts: 3}
	w := ledger.NewWriter(store, "main").WithRetry(5, time.Microsecond)

	rec, err := w.Append(context.Background(), ledger.AppendRequest{
		EventID: "evt-raced", Type: "t", Payload: payload("x"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)
}

func TestAppend_SurfacesChainUnavailableAfterRetryBudget(t *testing.T) {
	store := &conflictStore{Store: ledger.NewMemoryStore(), conflicts: 100}
	w := ledger.NewWriter(store, "main").WithRetry(2, time.Microsecond)

	_, err := w.Append(context.Background(), ledger.AppendRequest{
		EventID: "evt-starved", Type: "t", Payload: payload("x"),
	})
	assert.ErrorIs(t, err, ledger.ErrChainUnavailable)
}

func TestAppend_ConcurrentWritersKeepChainGapless(t *testing.T) {
	store := ledger.NewMemoryStore()
	w := ledger.NewWriter(store, "main").WithRetry(50, time.Microsecond)

	const n = 32
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := w.Append(context.Background(), ledger.AppendRequest{
				EventID: fmt.Sprintf("evt-c-%d", i), Type: "t", Payload: payload(i),
			})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	depth, err := w.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(n), depth)

	violations, err := w.VerifyChain(context.Background(), 0, n)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestAppend_RejectsEmptyEventID(t *testing.T) {
	w := ledger.NewWriter(ledger.NewMemoryStore(), "main")
	_, err := w.Append(context.Background(), ledger.AppendRequest{Payload: payload(1)})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ledger.ErrDuplicateEvent))
}
