// Package observer samples the system into a compact state vector the
// controller can act on. It fuses three signals: the recent error rate,
// ledger chain integrity from periodic audits, and the depth of the
// pending work queue.
package observer

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStaleObservation is returned alongside the last known vector when
// a fresh sample could not be produced. The controller treats repeated
// staleness as a reason to degrade toward zero admission.
var ErrStaleObservation = errors.New("observer: observation is stale")

// StateVector is one sample of system health. Health is the success
// fraction over the outcome window, the complement of ErrorRate.
type StateVector struct {
	Health         float64   `json:"health"`          // [0, 1]
	ErrorRate      float64   `json:"error_rate"`      // [0, 1]
	ChainIntegrity float64   `json:"chain_integrity"` // [0, 1]
	LedgerDepth    uint64    `json:"ledger_depth"`
	QueueLength    int       `json:"queue_length"`
	ObservedAt     time.Time `json:"observed_at"`
}

// Risk collapses the vector into a scalar in [0, 1]. Error rate and
// chain damage dominate; queue depth saturates at 100 pending items.
func (v StateVector) Risk() float64 {
	queue := float64(v.QueueLength) / 100
	if queue > 1 {
		queue = 1
	}
	risk := 0.4*v.ErrorRate + 0.4*(1-v.ChainIntegrity) + 0.2*queue
	if risk < 0 {
		return 0
	}
	if risk > 1 {
		return 1
	}
	return risk
}

// Source produces state vectors for the control loop.
type Source interface {
	Observe(ctx context.Context) (StateVector, error)
}

// QueueProbe reports the current depth of pending work.
type QueueProbe func(ctx context.Context) (int, error)

// Observer is the production Source. It keeps the last good vector so a
// failed probe still yields something actionable, flagged stale.
type Observer struct {
	mu       sync.Mutex
	outcomes *OutcomeWindow
	auditor  *ChainAuditor
	queue    QueueProbe
	last     StateVector
	hasLast  bool
	clock    func() time.Time
}

// New builds an Observer over the given signal sources.
func New(outcomes *OutcomeWindow, auditor *ChainAuditor, queue QueueProbe) *Observer {
	return &Observer{
		outcomes: outcomes,
		auditor:  auditor,
		queue:    queue,
		clock:    time.Now,
	}
}

// WithClock overrides the time source for tests.
func (o *Observer) WithClock(clock func() time.Time) *Observer {
	o.clock = clock
	return o
}

// Observe samples all signals into a fresh vector. If the queue probe
// fails, the last known vector is returned with ErrStaleObservation.
func (o *Observer) Observe(ctx context.Context) (StateVector, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	depth, err := o.queue(ctx)
	if err != nil {
		if o.hasLast {
			return o.last, ErrStaleObservation
		}
		return StateVector{}, ErrStaleObservation
	}

	errRate := o.outcomes.ErrorRate()
	v := StateVector{
		Health:         1 - errRate,
		ErrorRate:      errRate,
		ChainIntegrity: o.auditor.Integrity(),
		LedgerDepth:    o.auditor.Depth(),
		QueueLength:    depth,
		ObservedAt:     o.clock().UTC(),
	}
	o.last, o.hasLast = v, true
	return v, nil
}

// OutcomeWindow tracks operation outcomes over a sliding time window
// and reports the failure fraction.
type OutcomeWindow struct {
	mu      sync.Mutex
	window  time.Duration
	samples []outcome
	clock   func() time.Time
}

type outcome struct {
	at time.Time
	ok bool
}

// NewOutcomeWindow tracks outcomes within the given window.
func NewOutcomeWindow(window time.Duration) *OutcomeWindow {
	return &OutcomeWindow{window: window, clock: time.Now}
}

// WithClock overrides the time source for tests.
func (w *OutcomeWindow) WithClock(clock func() time.Time) *OutcomeWindow {
	w.clock = clock
	return w
}

// Record adds one outcome.
func (w *OutcomeWindow) Record(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked()
	w.samples = append(w.samples, outcome{at: w.clock(), ok: ok})
}

// ErrorRate is the failure fraction within the window, 0 when empty.
func (w *OutcomeWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked()
	if len(w.samples) == 0 {
		return 0
	}
	failed := 0
	for _, s := range w.samples {
		if !s.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(w.samples))
}

func (w *OutcomeWindow) evictLocked() {
	cutoff := w.clock().Add(-w.window)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
}
