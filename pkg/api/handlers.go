package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Castellan-Labs/quorum/core/pkg/audit"
	"github.com/Castellan-Labs/quorum/core/pkg/gate"
	"github.com/Castellan-Labs/quorum/core/pkg/killswitch"
	"github.com/Castellan-Labs/quorum/core/pkg/ledger"
	"github.com/Castellan-Labs/quorum/core/pkg/router"
	"github.com/Castellan-Labs/quorum/core/pkg/throttle"
)

// maxBodyBytes bounds every request body read.
const maxBodyBytes = 1 << 20

// signatureHeader carries the hex HMAC over the raw request body.
const signatureHeader = "X-Signature"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "could not read request body")
		return nil, false
	}
	return body, true
}

type ingestRequest struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Source    string          `json:"source"`
	Actor     string          `json:"actor"`
}

// handleIngestEvent is the signed ingest path: authenticate, admit,
// append. A duplicate event_id is idempotent success with the existing
// record.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	raw, err := s.deps.Gate.Admit(body, r.Header.Get(signatureHeader))
	if err != nil {
		// The rejected payload is never logged or echoed.
		WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "payload signature rejected")
		return
	}

	if !s.deps.Valve.Admit() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordAdmission(r.Context(), false)
		}
		w.Header().Set("Retry-After", "5")
		WriteErrorR(w, r, http.StatusServiceUnavailable, "Admission Throttled",
			"the admission throttle is rejecting new work")
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordAdmission(r.Context(), true)
	}

	var req ingestRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		WriteBadRequest(w, "body is not a valid event envelope")
		return
	}
	if req.EventID == "" || req.EventType == "" || len(req.Payload) == 0 {
		WriteBadRequest(w, "event_id, event_type, and payload are required")
		return
	}

	rec, err := s.deps.Writer.Append(r.Context(), ledger.AppendRequest{
		EventID: req.EventID,
		Type:    req.EventType,
		Payload: req.Payload,
		Source:  req.Source,
		Actor:   req.Actor,
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateEvent):
		s.recordOutcome(true)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordAppend(r.Context(), "duplicate")
		}
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, ledger.ErrChainUnavailable):
		s.recordOutcome(false)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordAppend(r.Context(), "unavailable")
		}
		w.Header().Set("Retry-After", "1")
		WriteErrorR(w, r, http.StatusServiceUnavailable, "Chain Unavailable",
			"the ledger head is contended, retry shortly")
	case err != nil:
		s.recordOutcome(false)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordAppend(r.Context(), "error")
		}
		WriteInternal(w, err)
	default:
		s.recordOutcome(true)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordAppend(r.Context(), "committed")
		}
		s.auditRecord(r, audit.EventMutation, req.Actor, "event.append", "ledger",
			map[string]interface{}{"event_id": rec.EventID, "sequence": rec.Sequence})
		writeJSON(w, http.StatusCreated, rec)
	}
}

// handleIntent routes an intent envelope. Unroutable payloads are
// dead-lettered and acknowledged with 202; they are never dropped.
func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	err := s.deps.Router.Route(r.Context(), body)
	switch {
	case errors.Is(err, router.ErrUnroutable):
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordDeadLetter(r.Context(), "unroutable")
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "dead_lettered"})
	case err != nil:
		s.recordOutcome(false)
		WriteInternal(w, err)
	default:
		s.recordOutcome(true)
		writeJSON(w, http.StatusOK, map[string]string{"status": "routed"})
	}
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Writer.GetByEventID(r.Context(), r.PathValue("event_id"))
	if errors.Is(err, ledger.ErrNotFound) {
		WriteNotFound(w, "no record with that event_id")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func parseRange(r *http.Request) (from, to uint64, err error) {
	from, err = strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	to, err = strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
	return from, to, err
}

func (s *Server) handleGetRange(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		WriteBadRequest(w, "from and to must be unsigned integers")
		return
	}
	records, err := s.deps.Writer.GetRange(r.Context(), from, to)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		WriteBadRequest(w, "from and to must be unsigned integers")
		return
	}
	violations, err := s.deps.Writer.VerifyChain(r.Context(), from, to)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         len(violations) == 0,
		"violations": violations,
	})
}

type killRequest struct {
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
	AuthProof   string `json:"auth_proof"`
}

func (s *Server) handleKillActivate(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "body must be {reason, triggered_by, auth_proof}")
		return
	}

	entry, err := s.deps.Kill.Activate(r.Context(), req.Reason, req.TriggeredBy, req.AuthProof)
	if errors.Is(err, gate.ErrNotAuthenticated) {
		WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "kill-switch proof rejected")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	s.auditRecord(r, audit.EventKill, req.TriggeredBy, "killswitch.activate", "throttle",
		map[string]interface{}{"entry_id": entry.ID, "reason": req.Reason})
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ACTIVATED", "entry": entry})
}

func (s *Server) handleKillResume(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "body must be {reason, triggered_by, auth_proof}")
		return
	}

	entry, err := s.deps.Kill.Resume(r.Context(), req.Reason, req.TriggeredBy, req.AuthProof)
	if errors.Is(err, gate.ErrNotAuthenticated) {
		WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "kill-switch proof rejected")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	s.auditRecord(r, audit.EventKill, req.TriggeredBy, "killswitch.resume", "throttle",
		map[string]interface{}{"entry_id": entry.ID, "reason": req.Reason})
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "RESUMED", "entry": entry})
}

func (s *Server) handleKillAck(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Kill.Acknowledge(r.Context(), r.PathValue("id"))
	if errors.Is(err, killswitch.ErrEntryNotFound) {
		WriteNotFound(w, "no kill-switch entry with that id")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetThrottle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Valve.State())
}

type throttleRequest struct {
	ThrottlePct float64 `json:"throttle_pct"`
	Mode        string  `json:"mode"`
	Reason      string  `json:"reason"`
}

// handlePutThrottle is the authenticated operator override.
func (s *Server) handlePutThrottle(w http.ResponseWriter, r *http.Request) {
	var req throttleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "body must be {throttle_pct, mode, reason}")
		return
	}

	actor := AdminSubject(r.Context())
	var err error
	switch throttle.Mode(req.Mode) {
	case throttle.ModeManual:
		err = s.deps.Valve.SetManual(r.Context(), req.ThrottlePct, actor, req.Reason)
	case throttle.ModeAuto:
		err = s.deps.Valve.Resume(r.Context(), req.ThrottlePct, actor, req.Reason)
	case throttle.ModeLocked:
		err = s.deps.Valve.Lock(r.Context(), actor, req.Reason)
	default:
		WriteBadRequest(w, "mode must be AUTO, MANUAL, or LOCKED")
		return
	}

	if errors.Is(err, throttle.ErrLocked) {
		WriteConflict(w, "throttle is locked by the kill switch; resume it first")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	s.auditRecord(r, audit.EventControl, actor, "throttle.override", "throttle",
		map[string]interface{}{"mode": req.Mode, "throttle_pct": req.ThrottlePct})
	writeJSON(w, http.StatusOK, s.deps.Valve.State())
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.DeadLetters.ListUnresolved(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": pending})
}

func (s *Server) handleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.deps.DeadLetters.Resolve(r.Context(), id)
	if errors.Is(err, router.ErrDeadLetterNotFound) {
		WriteNotFound(w, "no dead letter with that id")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	s.auditRecord(r, audit.EventMutation, AdminSubject(r.Context()), "deadletter.resolve", "deadletters",
		map[string]interface{}{"id": id})
	w.WriteHeader(http.StatusNoContent)
}
