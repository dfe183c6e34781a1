package api

import (
	"log/slog"
	"net/http"

	"github.com/Castellan-Labs/quorum/core/pkg/audit"
	"github.com/Castellan-Labs/quorum/core/pkg/gate"
	"github.com/Castellan-Labs/quorum/core/pkg/killswitch"
	"github.com/Castellan-Labs/quorum/core/pkg/ledger"
	"github.com/Castellan-Labs/quorum/core/pkg/observability"
	"github.com/Castellan-Labs/quorum/core/pkg/observer"
	"github.com/Castellan-Labs/quorum/core/pkg/router"
	"github.com/Castellan-Labs/quorum/core/pkg/throttle"
)

// Deps carries the components the HTTP surface exposes. Optional
// fields (Metrics, Audit, Outcomes) may be nil.
type Deps struct {
	Log         *slog.Logger
	Gate        *gate.Gate
	Writer      *ledger.Writer
	Router      *router.Router
	DeadLetters router.DeadLetterStore
	Valve       *throttle.Gate
	Kill        *killswitch.Switch
	Admin       *AdminValidator
	Outcomes    *observer.OutcomeWindow
	Metrics     *observability.Provider
	Audit       audit.Logger
	RateLimiter *GlobalRateLimiter
}

// Server is the HTTP surface of the orchestration core.
type Server struct {
	deps Deps
	log  *slog.Logger
}

// NewServer builds a Server over its dependencies.
func NewServer(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{deps: deps, log: log}
}

// Routes assembles the mux with the ambient middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/events", s.handleIngestEvent)
	mux.HandleFunc("POST /v1/intents", s.handleIntent)

	mux.HandleFunc("GET /v1/ledger/events/{event_id}", s.handleGetEvent)
	mux.HandleFunc("GET /v1/ledger/range", s.handleGetRange)
	mux.HandleFunc("GET /v1/ledger/verify", s.handleVerify)

	mux.HandleFunc("POST /v1/killswitch/activate", s.handleKillActivate)
	mux.HandleFunc("POST /v1/killswitch/resume", s.handleKillResume)

	mux.HandleFunc("GET /v1/throttle", s.handleGetThrottle)

	admin := RequireAdmin(s.deps.Admin)
	mux.Handle("PUT /v1/throttle", admin(http.HandlerFunc(s.handlePutThrottle)))
	mux.Handle("GET /v1/deadletters", admin(http.HandlerFunc(s.handleListDeadLetters)))
	mux.Handle("POST /v1/deadletters/{id}/resolve", admin(http.HandlerFunc(s.handleResolveDeadLetter)))
	mux.Handle("POST /v1/killswitch/ack/{id}", admin(http.HandlerFunc(s.handleKillAck)))

	var h http.Handler = mux
	if s.deps.RateLimiter != nil {
		h = s.deps.RateLimiter.Middleware(h)
	}
	return RequestID(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) recordOutcome(ok bool) {
	if s.deps.Outcomes != nil {
		s.deps.Outcomes.Record(ok)
	}
}

func (s *Server) auditRecord(r *http.Request, et audit.EventType, actor, action, resource string, meta map[string]interface{}) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Record(r.Context(), et, actor, action, resource, meta); err != nil {
		s.log.Warn("audit record failed", "error", err)
	}
}
