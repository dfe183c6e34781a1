// Package controller closes the loop between observed system state and
// the admission throttle. It is deliberately proportional-only; the
// Config struct leaves room for integral and derivative gains later.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Castellan-Labs/quorum/core/pkg/ledger"
	"github.com/Castellan-Labs/quorum/core/pkg/observer"
	"github.com/Castellan-Labs/quorum/core/pkg/throttle"
)

// DecisionEventType is the ledger record type for controller decisions.
const DecisionEventType = "controller.decision"

// Three stale samples in a row flip the loop into fail-safe degrade.
const staleDegradeStreak = 3

// minDissentThreshold is the floor the tightening never crosses; below
// this every pair of honest reviewers would alert.
const minDissentThreshold = 0.5

// Config holds the controller gains and setpoints.
type Config struct {
	GainThrottle  float64 `json:"gain_throttle" yaml:"gain_throttle"`
	GainThreshold float64 `json:"gain_threshold" yaml:"gain_threshold"`
	RefRisk       float64 `json:"ref_risk" yaml:"ref_risk"`
	RefQueue      int     `json:"ref_queue" yaml:"ref_queue"`
}

// DefaultConfig returns gains tuned for a sampling period of a few
// seconds: a risk excursion of 0.25 moves the throttle by five points
// per cycle.
func DefaultConfig() Config {
	return Config{
		GainThrottle:  20,
		GainThreshold: 5,
		RefRisk:       0.25,
		RefQueue:      10,
	}
}

// DissentTuner receives the tightened dissent threshold each cycle.
type DissentTuner interface {
	SetDissentThreshold(v float64)
}

// Decision is one controller cycle's output, ledger-logged verbatim.
type Decision struct {
	Risk             float64   `json:"risk"`
	QueueLength      int       `json:"queue_length"`
	ThrottleBefore   float64   `json:"throttle_before"`
	ThrottleAfter    float64   `json:"throttle_after"`
	Adjustment       float64   `json:"adjustment"`
	DissentThreshold float64   `json:"dissent_threshold"`
	Stale            bool      `json:"stale"`
	StaleStreak      int       `json:"stale_streak"`
	DecidedAt        time.Time `json:"decided_at"`
}

// Controller runs the proportional control law.
type Controller struct {
	mu          sync.Mutex
	cfg         Config
	source      observer.Source
	gate        *throttle.Gate
	tuner       DissentTuner
	ledger      *ledger.Writer
	log         *slog.Logger
	baseDissent float64
	staleStreak int
	period      time.Duration
	clock       func() time.Time
}

// New wires a controller over its source, actuator, and decision log.
func New(cfg Config, source observer.Source, gate *throttle.Gate, lw *ledger.Writer, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:         cfg,
		source:      source,
		gate:        gate,
		ledger:      lw,
		log:         log,
		baseDissent: 2.0,
		period:      5 * time.Second,
		clock:       time.Now,
	}
}

// WithDissentTuner attaches the consensus gate to the tightening law.
func (c *Controller) WithDissentTuner(tuner DissentTuner, baseThreshold float64) *Controller {
	c.tuner = tuner
	c.baseDissent = baseThreshold
	return c
}

// WithPeriod sets the sampling period for Run.
func (c *Controller) WithPeriod(d time.Duration) *Controller {
	c.period = d
	return c
}

// WithClock overrides the time source for tests.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// Run executes Step on a fixed period until ctx is cancelled. Step
// errors are logged, never fatal; the loop is the system's heartbeat.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Step(ctx); err != nil {
				c.log.Warn("controller step failed", "error", err)
			}
		}
	}
}

// Step samples the observer, applies the proportional law, actuates the
// throttle in AUTO mode, tightens the dissent threshold, and logs the
// decision to the ledger.
func (c *Controller) Step(ctx context.Context) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.gate.State().ThrottlePct

	v, err := c.source.Observe(ctx)
	if err != nil && !errors.Is(err, observer.ErrStaleObservation) {
		return Decision{}, fmt.Errorf("controller: observing: %w", err)
	}
	stale := errors.Is(err, observer.ErrStaleObservation)

	d := Decision{
		Risk:           v.Risk(),
		QueueLength:    v.QueueLength,
		ThrottleBefore: current,
		Stale:          stale,
		DecidedAt:      c.clock().UTC(),
	}

	if stale {
		c.staleStreak++
		d.StaleStreak = c.staleStreak
		if c.staleStreak >= staleDegradeStreak {
			// Fail-safe degrade: halve toward zero, never hold open
			// on blind samples.
			d.ThrottleAfter = current / 2
			d.Adjustment = d.ThrottleAfter - current
			c.actuate(ctx, d.ThrottleAfter, "fail-safe degrade on stale observations")
			c.log.Warn("observations stale, degrading throttle",
				"streak", c.staleStreak, "throttle", d.ThrottleAfter)
		} else {
			d.ThrottleAfter = current
			c.log.Warn("observation stale, holding throttle",
				"streak", c.staleStreak, "throttle", current)
		}
		d.DissentThreshold = c.gateDissent(d.Risk)
		c.recordDecision(ctx, d)
		return d, nil
	}

	c.staleStreak = 0

	d.Adjustment = c.cfg.GainThrottle*(c.cfg.RefRisk-d.Risk) +
		0.5*c.cfg.GainThrottle*float64(c.cfg.RefQueue-v.QueueLength)
	d.ThrottleAfter = clamp(current+d.Adjustment, 0, 100)
	c.actuate(ctx, d.ThrottleAfter, fmt.Sprintf("risk=%.3f queue=%d", d.Risk, v.QueueLength))

	d.DissentThreshold = c.gateDissent(d.Risk)
	c.recordDecision(ctx, d)
	return d, nil
}

// Recommend computes the AUTO throttle a resume should start at: a
// conservative reentry base plus one control-law step for current
// conditions. Never 100 straight out of a halt.
func (c *Controller) Recommend(ctx context.Context) (float64, error) {
	const reentryBase = 25.0

	v, err := c.source.Observe(ctx)
	if err != nil && !errors.Is(err, observer.ErrStaleObservation) {
		return 0, fmt.Errorf("controller: observing for resume: %w", err)
	}
	if errors.Is(err, observer.ErrStaleObservation) {
		// Blind resume starts at the floor of the reentry ramp.
		return reentryBase / 2, nil
	}

	adjustment := c.cfg.GainThrottle*(c.cfg.RefRisk-v.Risk()) +
		0.5*c.cfg.GainThrottle*float64(c.cfg.RefQueue-v.QueueLength)
	return clamp(reentryBase+adjustment, 0, 100), nil
}

// actuate writes the new throttle. ErrNotAuto means an operator or the
// kill switch owns the valve; the controller backs off silently.
func (c *Controller) actuate(ctx context.Context, pct float64, reason string) {
	err := c.gate.SetAuto(ctx, pct, reason)
	if errors.Is(err, throttle.ErrNotAuto) {
		return
	}
	if err != nil {
		c.log.Error("throttle actuation failed", "error", err)
	}
}

// gateDissent tightens the dissent threshold linearly as risk exceeds
// the setpoint.
func (c *Controller) gateDissent(risk float64) float64 {
	threshold := c.baseDissent
	if excess := risk - c.cfg.RefRisk; excess > 0 {
		threshold = clamp(c.baseDissent-c.cfg.GainThreshold*excess,
			minDissentThreshold, c.baseDissent)
	}
	if c.tuner != nil {
		c.tuner.SetDissentThreshold(threshold)
	}
	return threshold
}

func (c *Controller) recordDecision(ctx context.Context, d Decision) {
	if c.ledger == nil {
		return
	}
	payload, err := json.Marshal(d)
	if err != nil {
		c.log.Error("encoding controller decision", "error", err)
		return
	}
	_, err = c.ledger.Append(ctx, ledger.AppendRequest{
		EventID: uuid.NewString(),
		Type:    DecisionEventType,
		Payload: payload,
		Source:  "controller",
		Actor:   "system",
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateEvent) {
		c.log.Error("recording controller decision", "error", err)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
