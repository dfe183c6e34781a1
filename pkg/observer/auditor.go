package observer

import (
	"context"
	"sync"

	"github.com/Castellan-Labs/quorum/core/pkg/ledger"
)

const (
	defaultAuditHistory = 20
	defaultAuditSpan    = 256
)

// ChainAuditor periodically verifies the tail of the ledger and keeps a
// ring of pass/fail results. Integrity is the passing fraction of the
// retained audits, so a single tampered audit pulls the signal down for
// several cycles instead of flickering.
type ChainAuditor struct {
	mu        sync.Mutex
	writer    *ledger.Writer
	span      uint64
	results   []bool
	next      int
	filled    int
	lastDepth uint64
}

// NewChainAuditor audits the last span records of the writer's chain.
func NewChainAuditor(writer *ledger.Writer) *ChainAuditor {
	return &ChainAuditor{
		writer:  writer,
		span:    defaultAuditSpan,
		results: make([]bool, defaultAuditHistory),
	}
}

// WithSpan sets how many trailing records each audit covers.
func (a *ChainAuditor) WithSpan(span uint64) *ChainAuditor {
	a.span = span
	return a
}

// Audit verifies the chain tail and records the outcome. Violations are
// returned so the caller can log them; a verification transport error
// is not recorded as a failed audit.
func (a *ChainAuditor) Audit(ctx context.Context) ([]ledger.Violation, error) {
	depth, err := a.writer.Depth(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.lastDepth = depth
	a.mu.Unlock()
	if depth == 0 {
		a.record(true)
		return nil, nil
	}

	from := uint64(1)
	if depth > a.span {
		from = depth - a.span + 1
	}
	violations, err := a.writer.VerifyChain(ctx, from, depth)
	if err != nil {
		return nil, err
	}

	a.record(len(violations) == 0)
	return violations, nil
}

// Integrity is the passing fraction of retained audits, 1 before any
// audit has run.
func (a *ChainAuditor) Integrity() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.filled == 0 {
		return 1
	}
	passed := 0
	for i := 0; i < a.filled; i++ {
		if a.results[i] {
			passed++
		}
	}
	return float64(passed) / float64(a.filled)
}

// Depth is the chain depth seen by the most recent audit.
func (a *ChainAuditor) Depth() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastDepth
}

func (a *ChainAuditor) record(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[a.next] = ok
	a.next = (a.next + 1) % len(a.results)
	if a.filled < len(a.results) {
		a.filled++
	}
}
