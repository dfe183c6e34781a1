// Package throttle is the admission valve the controller actuates. A
// single throttle percentage gates new work probabilistically; the
// valve is the one shared lever between the control loop, operators,
// and the kill switch, so ownership rules are strict: the controller
// writes only in AUTO mode, operators flip to MANUAL, and LOCKED is
// reserved for the kill switch.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Mode describes who currently owns the throttle value.
type Mode string

const (
	// ModeAuto lets the controller adjust the throttle each cycle.
	ModeAuto Mode = "AUTO"
	// ModeManual pins the throttle to an operator-chosen value.
	ModeManual Mode = "MANUAL"
	// ModeLocked is the kill-switch state. Nothing is admitted and
	// only an authenticated resume releases it.
	ModeLocked Mode = "LOCKED"
)

var (
	// ErrNotAuto is returned when the controller writes outside AUTO.
	ErrNotAuto = errors.New("throttle: not in AUTO mode")
	// ErrLocked is returned for operator writes while locked.
	ErrLocked = errors.New("throttle: locked by kill switch")
)

// State is the current throttle setting and its provenance.
type State struct {
	ThrottlePct float64   `json:"throttle_pct"`
	Mode        Mode      `json:"mode"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedBy   string    `json:"updated_by"`
	Reason      string    `json:"reason"`
}

// StateStore persists throttle state across restarts.
type StateStore interface {
	Save(ctx context.Context, s State) error
	Load(ctx context.Context) (State, bool, error)
}

// Gate is the admission valve. All state lives behind one mutex.
type Gate struct {
	mu    sync.Mutex
	state State
	store StateStore
	clock func() time.Time
	rnd   func() float64
}

// NewGate starts in AUTO at the given percentage.
func NewGate(initialPct float64) *Gate {
	return &Gate{
		state: State{
			ThrottlePct: clampPct(initialPct),
			Mode:        ModeAuto,
			UpdatedAt:   time.Now().UTC(),
			UpdatedBy:   "system",
			Reason:      "initial",
		},
		clock: time.Now,
		rnd:   rand.Float64,
	}
}

// WithStore attaches persistence and restores any saved state.
func (g *Gate) WithStore(ctx context.Context, store StateStore) (*Gate, error) {
	saved, found, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("throttle: loading state: %w", err)
	}
	g.mu.Lock()
	g.store = store
	if found {
		g.state = saved
	}
	g.mu.Unlock()
	return g, nil
}

// WithClock overrides the time source for tests.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// WithRand overrides the admission randomness for tests.
func (g *Gate) WithRand(rnd func() float64) *Gate {
	g.rnd = rnd
	return g
}

// Admit reports whether one unit of work may proceed. At 100 everything
// passes, at 0 (or LOCKED) nothing does, in between admission is
// probabilistic at the throttle percentage.
func (g *Gate) Admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Mode == ModeLocked {
		return false
	}
	if g.state.ThrottlePct >= 100 {
		return true
	}
	if g.state.ThrottlePct <= 0 {
		return false
	}
	return g.rnd()*100 < g.state.ThrottlePct
}

// State returns a copy of the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetAuto is the controller's write path. It only applies in AUTO mode;
// MANUAL and LOCKED silently ignore controller output so a human
// override is never fought by the loop.
func (g *Gate) SetAuto(ctx context.Context, pct float64, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Mode != ModeAuto {
		return ErrNotAuto
	}
	return g.applyLocked(ctx, clampPct(pct), ModeAuto, "controller", reason)
}

// SetManual pins the throttle to an operator value until resumed.
func (g *Gate) SetManual(ctx context.Context, pct float64, updatedBy, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Mode == ModeLocked {
		return ErrLocked
	}
	return g.applyLocked(ctx, clampPct(pct), ModeManual, updatedBy, reason)
}

// Lock drives the throttle to zero and seizes ownership. Locking an
// already-locked gate is a no-op that still succeeds.
func (g *Gate) Lock(ctx context.Context, updatedBy, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applyLocked(ctx, 0, ModeLocked, updatedBy, reason)
}

// Resume releases a lock or a manual pin back to AUTO at the given
// starting percentage.
func (g *Gate) Resume(ctx context.Context, pct float64, updatedBy, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applyLocked(ctx, clampPct(pct), ModeAuto, updatedBy, reason)
}

func (g *Gate) applyLocked(ctx context.Context, pct float64, mode Mode, updatedBy, reason string) error {
	g.state = State{
		ThrottlePct: pct,
		Mode:        mode,
		UpdatedAt:   g.clock().UTC(),
		UpdatedBy:   updatedBy,
		Reason:      reason,
	}
	if g.store != nil {
		if err := g.store.Save(ctx, g.state); err != nil {
			return fmt.Errorf("throttle: persisting state: %w", err)
		}
	}
	return nil
}

func clampPct(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
