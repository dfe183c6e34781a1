package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnroutable wraps any dispatch failure that resulted in a
// dead-letter row. The payload is preserved in the table, not the error.
var ErrUnroutable = errors.New("router: payload dead-lettered")

// Dispatch is the unit of routing: a parsed intent plus its data.
type Dispatch struct {
	Intent       Intent          `json:"intent"`
	Data         json.RawMessage `json:"data"`
	SourceTaskID string          `json:"source_task_id"`
}

// Handler processes one dispatched intent.
type Handler interface {
	Handle(ctx context.Context, d Dispatch) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, d Dispatch) error

func (f HandlerFunc) Handle(ctx context.Context, d Dispatch) error {
	return f(ctx, d)
}

// Router performs deterministic dispatch over the closed intent set.
type Router struct {
	handlers    map[Intent]Handler
	deadLetters DeadLetterStore
	clock       func() time.Time
}

// New creates a Router writing unroutable payloads to dls.
func New(dls DeadLetterStore) *Router {
	return &Router{
		handlers:    make(map[Intent]Handler),
		deadLetters: dls,
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	return r
}

// Register binds a handler to an intent. Registration is done at wiring
// time, before Route is called from worker goroutines.
func (r *Router) Register(in Intent, h Handler) {
	r.handlers[in] = h
}

// Route parses and dispatches a raw intent envelope
// {intent, data, source_task_id}. Unknown intents and malformed
// payloads land in the dead-letter table with the raw payload and the
// reason; the caller gets ErrUnroutable.
func (r *Router) Route(ctx context.Context, raw []byte) error {
	var envelope struct {
		Intent       string          `json:"intent"`
		Data         json.RawMessage `json:"data"`
		SourceTaskID string          `json:"source_task_id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return r.deadLetter(ctx, raw, "malformed envelope: "+err.Error())
	}

	in, err := ParseIntent(envelope.Intent)
	if err != nil {
		return r.deadLetter(ctx, raw, err.Error())
	}

	handler, ok := r.handlers[in]
	if !ok {
		return r.deadLetter(ctx, raw, "no handler registered for intent "+string(in))
	}

	return handler.Handle(ctx, Dispatch{
		Intent:       in,
		Data:         envelope.Data,
		SourceTaskID: envelope.SourceTaskID,
	})
}

func (r *Router) deadLetter(ctx context.Context, raw []byte, reason string) error {
	dl := NewDeadLetter(raw, reason, r.clock().UTC())
	if err := r.deadLetters.Insert(ctx, dl); err != nil {
		// Losing the dead letter would be a silent failure path.
		return errors.Join(ErrUnroutable, err)
	}
	return ErrUnroutable
}
