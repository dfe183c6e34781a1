// Package killswitch is the emergency stop. Activation is halt-first,
// notify-second: the throttle is locked to zero before any alert
// leaves the process, so a slow pager can never delay the halt.
package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Castellan-Labs/quorum/core/pkg/alert"
	"github.com/Castellan-Labs/quorum/core/pkg/canonicalize"
	"github.com/Castellan-Labs/quorum/core/pkg/gate"
	"github.com/Castellan-Labs/quorum/core/pkg/throttle"
)

// EventType is a kill-switch log event kind.
type EventType string

const (
	EventActivated EventType = "ACTIVATED"
	EventResumed   EventType = "RESUMED"
)

// LogEntry records one kill-switch transition. Every activation writes
// an entry, including repeats against an already-locked valve.
type LogEntry struct {
	ID           string    `json:"id"`
	EventType    EventType `json:"event_type"`
	Reason       string    `json:"reason"`
	TriggeredBy  string    `json:"triggered_by"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// Recommender supplies the AUTO throttle value a resume starts at.
type Recommender interface {
	Recommend(ctx context.Context) (float64, error)
}

// Switch authenticates and executes activation and resume.
type Switch struct {
	auth        *gate.Gate
	valve       *throttle.Gate
	logs        LogStore
	channels    []alert.Channel
	recommender Recommender
	log         *slog.Logger
	clock       func() time.Time

	ackDelay  time.Duration
	secondary alert.Channel

	mu   sync.Mutex
	stop chan struct{}
}

// New builds a Switch. The auth gate holds the kill-switch secret,
// distinct from the ingestion secret.
func New(auth *gate.Gate, valve *throttle.Gate, logs LogStore, channels []alert.Channel, log *slog.Logger) *Switch {
	if log == nil {
		log = slog.Default()
	}
	return &Switch{
		auth:     auth,
		valve:    valve,
		logs:     logs,
		channels: channels,
		log:      log,
		clock:    time.Now,
		stop:     make(chan struct{}),
	}
}

// WithRecommender wires the controller's resume recommendation.
func (s *Switch) WithRecommender(r Recommender) *Switch {
	s.recommender = r
	return s
}

// WithAckWatcher escalates to secondary after delay if the activation
// is still unacknowledged.
func (s *Switch) WithAckWatcher(secondary alert.Channel, delay time.Duration) *Switch {
	s.secondary = secondary
	s.ackDelay = delay
	return s
}

// WithClock overrides the time source for tests.
func (s *Switch) WithClock(clock func() time.Time) *Switch {
	s.clock = clock
	return s
}

// Close stops any pending ack watchers.
func (s *Switch) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// proof binds the HMAC to exactly the reason and identity being acted
// on, so a captured proof cannot be replayed with a different story.
func proof(reason, triggeredBy string) ([]byte, error) {
	return canonicalize.JCS(map[string]string{
		"reason":       reason,
		"triggered_by": triggeredBy,
	})
}

// SignRequest produces the auth proof for a reason/identity pair.
// Exposed for operator tooling and tests.
func (s *Switch) SignRequest(reason, triggeredBy string) (string, error) {
	canonical, err := proof(reason, triggeredBy)
	if err != nil {
		return "", err
	}
	return s.auth.Sign(canonical), nil
}

// Activate halts admission and broadcasts. Repeat activations are
// state no-ops on the valve but still write a log entry; the audit
// trail records every pull of the handle.
func (s *Switch) Activate(ctx context.Context, reason, triggeredBy, authProof string) (LogEntry, error) {
	if err := s.authenticate(reason, triggeredBy, authProof); err != nil {
		return LogEntry{}, err
	}

	// Halt first. Nothing below this line may precede the lock.
	if err := s.valve.Lock(ctx, triggeredBy, reason); err != nil {
		return LogEntry{}, fmt.Errorf("killswitch: locking throttle: %w", err)
	}

	entry := s.record(ctx, EventActivated, reason, triggeredBy)
	s.log.Error("kill switch activated", "reason", reason, "triggered_by", triggeredBy)

	failed := alert.Broadcast(ctx, s.channels, alert.Notification{
		Severity:  alert.SeverityCritical,
		Title:     "kill switch activated",
		Body:      reason,
		Source:    triggeredBy,
		CreatedAt: entry.Timestamp,
	})
	for name, err := range failed {
		s.log.Error("alert channel failed during activation", "channel", name, "error", err)
	}

	if s.secondary != nil && s.ackDelay > 0 {
		go s.watchAck(entry)
	}
	return entry, nil
}

// Resume authenticates and returns the valve to AUTO at the
// controller's recommended value, never straight to 100.
func (s *Switch) Resume(ctx context.Context, reason, triggeredBy, authProof string) (LogEntry, error) {
	if err := s.authenticate(reason, triggeredBy, authProof); err != nil {
		return LogEntry{}, err
	}

	pct := 25.0
	if s.recommender != nil {
		recommended, err := s.recommender.Recommend(ctx)
		if err != nil {
			s.log.Warn("resume recommendation failed, using reentry floor", "error", err)
		} else {
			pct = recommended
		}
	}

	if err := s.valve.Resume(ctx, pct, triggeredBy, reason); err != nil {
		return LogEntry{}, fmt.Errorf("killswitch: resuming throttle: %w", err)
	}

	entry := s.record(ctx, EventResumed, reason, triggeredBy)
	s.log.Warn("kill switch resumed", "reason", reason, "triggered_by", triggeredBy, "throttle", pct)

	alert.Broadcast(ctx, s.channels, alert.Notification{
		Severity:  alert.SeverityWarning,
		Title:     "kill switch resumed",
		Body:      fmt.Sprintf("%s (throttle %.1f%%)", reason, pct),
		Source:    triggeredBy,
		CreatedAt: entry.Timestamp,
	})
	return entry, nil
}

// Acknowledge marks an activation as seen, stopping escalation.
func (s *Switch) Acknowledge(ctx context.Context, entryID string) error {
	return s.logs.Acknowledge(ctx, entryID)
}

func (s *Switch) authenticate(reason, triggeredBy, authProof string) error {
	canonical, err := proof(reason, triggeredBy)
	if err != nil {
		return fmt.Errorf("killswitch: canonicalizing auth payload: %w", err)
	}
	_, err = s.auth.Admit(canonical, authProof)
	return err
}

func (s *Switch) record(ctx context.Context, et EventType, reason, triggeredBy string) LogEntry {
	entry := LogEntry{
		ID:          uuid.NewString(),
		EventType:   et,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Timestamp:   s.clock().UTC(),
	}
	if err := s.logs.Insert(ctx, entry); err != nil {
		// The halt already happened; a log failure must not undo it.
		s.log.Error("kill switch log write failed", "error", err)
	}
	return entry
}

func (s *Switch) watchAck(entry LogEntry) {
	select {
	case <-s.stop:
		return
	case <-time.After(s.ackDelay):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	current, err := s.logs.Get(ctx, entry.ID)
	if err != nil {
		s.log.Error("ack watcher lookup failed", "error", err)
		return
	}
	if current.Acknowledged {
		return
	}

	s.log.Error("kill switch unacknowledged, escalating", "entry_id", entry.ID)
	err = s.secondary.Notify(ctx, alert.Notification{
		Severity:  alert.SeverityCritical,
		Title:     "UNACKNOWLEDGED kill switch activation",
		Body:      entry.Reason,
		Source:    entry.TriggeredBy,
		CreatedAt: entry.Timestamp,
	})
	if err != nil {
		s.log.Error("secondary escalation failed", "error", err)
	}
}
