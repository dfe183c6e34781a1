// Command quorumd runs the orchestration core: the event ledger, the
// authentication gate, the intent router, the consensus review gate,
// the admission control loop, and the kill switch, behind one HTTP
// server.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/Castellan-Labs/quorum/core/pkg/alert"
	"github.com/Castellan-Labs/quorum/core/pkg/api"
	"github.com/Castellan-Labs/quorum/core/pkg/audit"
	"github.com/Castellan-Labs/quorum/core/pkg/config"
	"github.com/Castellan-Labs/quorum/core/pkg/consensus"
	"github.com/Castellan-Labs/quorum/core/pkg/controller"
	"github.com/Castellan-Labs/quorum/core/pkg/gate"
	"github.com/Castellan-Labs/quorum/core/pkg/killswitch"
	"github.com/Castellan-Labs/quorum/core/pkg/ledger"
	"github.com/Castellan-Labs/quorum/core/pkg/observability"
	"github.com/Castellan-Labs/quorum/core/pkg/observer"
	"github.com/Castellan-Labs/quorum/core/pkg/router"
	"github.com/Castellan-Labs/quorum/core/pkg/seal"
	"github.com/Castellan-Labs/quorum/core/pkg/throttle"
	"github.com/Castellan-Labs/quorum/core/pkg/util/resiliency"
)

func main() {
	if err := run(); err != nil {
		slog.Error("quorumd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage. Postgres when DATABASE_URL is set, SQLite otherwise.
	var ledgerStore ledger.Store
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("opening postgres: %w", err)
		}
		ledgerStore, err = ledger.NewPostgresStore(db)
	} else {
		db, err = sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening sqlite: %w", err)
		}
		ledgerStore, err = ledger.NewSQLiteStore(db)
	}
	if err != nil {
		return fmt.Errorf("initializing ledger store: %w", err)
	}
	defer func() { _ = db.Close() }()

	// Dead letters, seals, and the kill log share the local SQLite file
	// even when the ledger lives in Postgres.
	localDB, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening local sqlite: %w", err)
	}
	defer func() { _ = localDB.Close() }()

	deadLetters, err := router.NewSQLiteDeadLetterStore(localDB)
	if err != nil {
		return err
	}
	sealStore, err := seal.NewSQLiteStore(localDB)
	if err != nil {
		return err
	}
	killLog, err := killswitch.NewSQLiteLogStore(localDB)
	if err != nil {
		return err
	}

	writer := ledger.NewWriter(ledgerStore, ledger.DefaultChainID)

	auditLog := audit.NewLogger()

	ingestGate, err := gate.New([]byte(cfg.IngestSecret))
	if err != nil {
		return fmt.Errorf("ingest gate: %w", err)
	}
	ingestGate.WithRecorder(audit.NewRejectionRecorder(auditLog))

	killGate, err := gate.New([]byte(cfg.KillSecret))
	if err != nil {
		return fmt.Errorf("kill gate: %w", err)
	}

	binder, err := seal.NewBinder([]byte(cfg.SealSecret), sealStore)
	if err != nil {
		return fmt.Errorf("seal binder: %w", err)
	}

	// Admission valve, optionally shared through Redis.
	valve := throttle.NewGate(settings.Throttle.InitialPct)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := valve.WithStore(ctx, throttle.NewRedisStateStore(rdb)); err != nil {
			return fmt.Errorf("restoring throttle state: %w", err)
		}
	}

	// Consensus reviewers.
	reviewers := make([]consensus.Reviewer, 0, len(settings.Reviewers))
	for _, r := range settings.Reviewers {
		client := resiliency.NewClient("reviewer-"+r.Name, time.Duration(settings.Consensus.TimeoutSeconds)*time.Second)
		reviewers = append(reviewers, consensus.NewHTTPReviewer(r.Name, r.URL, client))
	}
	review := consensus.NewGate(reviewers...).
		WithMergeThreshold(settings.Consensus.MergeThreshold).
		WithTimeout(time.Duration(settings.Consensus.TimeoutSeconds) * time.Second)
	review.SetDissentThreshold(settings.Consensus.DissentThreshold)

	// Observer: error window, chain audits, dead-letter backlog.
	outcomes := observer.NewOutcomeWindow(time.Minute)
	auditor := observer.NewChainAuditor(writer)
	obs := observer.New(outcomes, auditor, func(ctx context.Context) (int, error) {
		pending, err := deadLetters.ListUnresolved(ctx)
		if err != nil {
			return 0, err
		}
		return len(pending), nil
	})

	ctrl := controller.New(controller.Config{
		GainThrottle:  settings.Controller.GainThrottle,
		GainThreshold: settings.Controller.GainThreshold,
		RefRisk:       settings.Controller.RefRisk,
		RefQueue:      settings.Controller.RefQueue,
	}, obs, valve, writer, log).
		WithDissentTuner(review, settings.Consensus.DissentThreshold).
		WithPeriod(time.Duration(settings.Controller.PeriodSeconds) * time.Second)

	// Alert channels; the log channel is always present.
	channels := []alert.Channel{alert.NewLogChannel(log)}
	for _, a := range settings.Alerts {
		channels = append(channels, alert.NewWebhookChannel(a.Name, a.URL))
	}

	kill := killswitch.New(killGate, valve, killLog, channels, log).WithRecommender(ctrl)
	if settings.KillSwitch.SecondaryContact != "" {
		kill.WithAckWatcher(
			alert.NewWebhookChannel("secondary", settings.KillSwitch.SecondaryContact),
			time.Duration(settings.KillSwitch.AckDelaySeconds)*time.Second)
	}
	defer kill.Close()

	// Metrics.
	metrics, err := observability.New(ctx, &observability.Config{
		ServiceName:    "quorum-core",
		ServiceVersion: "1.0.0",
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		ExportInterval: 15 * time.Second,
		Enabled:        cfg.MetricsEnabled && cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	rt := newRouter(deadLetters, writer, review, binder, kill, outcomes, metrics, log)

	srv := api.NewServer(api.Deps{
		Log:         log,
		Gate:        ingestGate,
		Writer:      writer,
		Router:      rt,
		DeadLetters: deadLetters,
		Valve:       valve,
		Kill:        kill,
		Admin:       api.NewAdminValidator([]byte(cfg.AdminSecret)),
		Outcomes:    outcomes,
		Metrics:     metrics,
		Audit:       auditLog,
		RateLimiter: api.NewGlobalRateLimiter(50, 100),
	})

	// Background loops: control, chain audit.
	go ctrl.Run(ctx)
	go runAuditLoop(ctx, auditor, metrics, valve, obs, log)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("quorumd listening", "port", cfg.Port, "reviewers", len(reviewers))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// newRouter registers the intent handlers over the closed enum.
func newRouter(
	deadLetters router.DeadLetterStore,
	writer *ledger.Writer,
	review *consensus.Gate,
	binder *seal.Binder,
	kill *killswitch.Switch,
	outcomes *observer.OutcomeWindow,
	metrics *observability.Provider,
	log *slog.Logger,
) *router.Router {
	rt := router.New(deadLetters)

	rt.Register(router.IntentIngest, router.HandlerFunc(func(ctx context.Context, d router.Dispatch) error {
		var ev struct {
			EventID   string          `json:"event_id"`
			EventType string          `json:"event_type"`
			Payload   json.RawMessage `json:"payload"`
			Source    string          `json:"source"`
			Actor     string          `json:"actor"`
		}
		if err := json.Unmarshal(d.Data, &ev); err != nil {
			return fmt.Errorf("decoding ingest data: %w", err)
		}
		_, err := writer.Append(ctx, ledger.AppendRequest{
			EventID: ev.EventID,
			Type:    ev.EventType,
			Payload: ev.Payload,
			Source:  ev.Source,
			Actor:   ev.Actor,
		})
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return nil
		}
		outcomes.Record(err == nil)
		return err
	}))

	rt.Register(router.IntentReview, router.HandlerFunc(func(ctx context.Context, d router.Dispatch) error {
		var req struct {
			Subject string `json:"subject"`
		}
		if err := json.Unmarshal(d.Data, &req); err != nil {
			return fmt.Errorf("decoding review data: %w", err)
		}

		start := time.Now()
		result, err := review.Review(ctx, req.Subject)
		if err != nil {
			return err
		}
		metrics.RecordReviewDuration(ctx, time.Since(start), string(result.Action))

		payload, err := json.Marshal(map[string]interface{}{
			"source_task_id": d.SourceTaskID,
			"subject":        req.Subject,
			"result":         result,
		})
		if err != nil {
			return err
		}
		_, err = writer.Append(ctx, ledger.AppendRequest{
			EventID: uuid.NewString(),
			Type:    "review.decision",
			Payload: payload,
			Source:  "consensus",
			Actor:   "system",
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateEvent) {
			return err
		}
		if result.Action == consensus.ActionAlert {
			log.Warn("reviewer dissent above threshold",
				"task", d.SourceTaskID, "variance", result.Variance)
		}
		return nil
	}))

	rt.Register(router.IntentSeal, router.HandlerFunc(func(ctx context.Context, d router.Dispatch) error {
		var req seal.Request
		if err := json.Unmarshal(d.Data, &req); err != nil {
			return fmt.Errorf("decoding seal data: %w", err)
		}
		if req.SourceTaskID == "" {
			req.SourceTaskID = d.SourceTaskID
		}
		_, err := binder.Seal(ctx, req)
		if errors.Is(err, seal.ErrAlreadySealed) {
			// Write-once achieved; the repeat is not a routing failure.
			return nil
		}
		return err
	}))

	haltHandler := func(activate bool) router.HandlerFunc {
		return func(ctx context.Context, d router.Dispatch) error {
			var req struct {
				Reason      string `json:"reason"`
				TriggeredBy string `json:"triggered_by"`
				AuthProof   string `json:"auth_proof"`
			}
			if err := json.Unmarshal(d.Data, &req); err != nil {
				return fmt.Errorf("decoding kill data: %w", err)
			}
			var err error
			if activate {
				_, err = kill.Activate(ctx, req.Reason, req.TriggeredBy, req.AuthProof)
			} else {
				_, err = kill.Resume(ctx, req.Reason, req.TriggeredBy, req.AuthProof)
			}
			return err
		}
	}
	rt.Register(router.IntentHalt, haltHandler(true))
	rt.Register(router.IntentResume, haltHandler(false))

	return rt
}

// runAuditLoop verifies the chain tail periodically and publishes the
// control state to metrics.
func runAuditLoop(ctx context.Context, auditor *observer.ChainAuditor, metrics *observability.Provider, valve *throttle.Gate, obs *observer.Observer, log *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			violations, err := auditor.Audit(ctx)
			if err != nil {
				log.Warn("chain audit failed", "error", err)
				continue
			}
			if len(violations) > 0 {
				log.Error("chain integrity violations detected", "count", len(violations))
			}
			if v, err := obs.Observe(ctx); err == nil {
				metrics.RecordControlState(ctx, v.Risk(), valve.State().ThrottlePct)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func envName() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
