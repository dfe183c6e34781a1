package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Castellan-Labs/quorum/core/pkg/api"
	"github.com/Castellan-Labs/quorum/core/pkg/audit"
	"github.com/Castellan-Labs/quorum/core/pkg/gate"
	"github.com/Castellan-Labs/quorum/core/pkg/killswitch"
	"github.com/Castellan-Labs/quorum/core/pkg/ledger"
	"github.com/Castellan-Labs/quorum/core/pkg/router"
	"github.com/Castellan-Labs/quorum/core/pkg/throttle"
)

type testEnv struct {
	server  *api.Server
	handler http.Handler
	ingest  *gate.Gate
	kill    *killswitch.Switch
	valve   *throttle.Gate
	writer  *ledger.Writer
	dls     *router.MemoryDeadLetterStore
	admin   *api.AdminValidator
	audit   *bytes.Buffer
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	ingest, err := gate.New([]byte("ingest-secret"))
	require.NoError(t, err)
	killAuth, err := gate.New([]byte("kill-secret"))
	require.NoError(t, err)

	valve := throttle.NewGate(100)
	writer := ledger.NewWriter(ledger.NewMemoryStore(), "main")
	dls := router.NewMemoryDeadLetterStore()
	rt := router.New(dls)
	rt.Register(router.IntentIngest, router.HandlerFunc(func(ctx context.Context, d router.Dispatch) error {
		return nil
	}))

	kill := killswitch.New(killAuth, valve, killswitch.NewMemoryLogStore(), nil, nil)
	t.Cleanup(kill.Close)

	admin := api.NewAdminValidator([]byte("admin-secret"))
	var auditBuf bytes.Buffer

	srv := api.NewServer(api.Deps{
		Gate:        ingest,
		Writer:      writer,
		Router:      rt,
		DeadLetters: dls,
		Valve:       valve,
		Kill:        kill,
		Admin:       admin,
		Audit:       audit.NewLoggerWithWriter(&auditBuf),
	})
	return &testEnv{
		server:  srv,
		handler: srv.Routes(),
		ingest:  ingest,
		kill:    kill,
		valve:   valve,
		writer:  writer,
		dls:     dls,
		admin:   admin,
		audit:   &auditBuf,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func eventBody(t *testing.T, eventID string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"event_id":   eventID,
		"event_type": "task.created",
		"payload":    map[string]string{"k": "v"},
		"source":     "agent-7",
		"actor":      "svc",
	})
	require.NoError(t, err)
	return b
}

func TestIngest_SignedEventIsCommitted(t *testing.T) {
	e := newEnv(t)
	body := eventBody(t, "evt-1")

	w := e.do(t, http.MethodPost, "/v1/events", body, func(r *http.Request) {
		r.Header.Set("X-Signature", e.ingest.Sign(body))
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var rec ledger.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "evt-1", rec.EventID)
	assert.Equal(t, uint64(1), rec.Sequence)
}

func TestIngest_BadSignatureIs401AndPayloadNeverLogged(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"event_id":"evt-x","payload":{"api_key":"sk-top-secret"}}`)

	w := e.do(t, http.MethodPost, "/v1/events", body, func(r *http.Request) {
		r.Header.Set("X-Signature", "deadbeef")
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.NotContains(t, w.Body.String(), "sk-top-secret")
	assert.NotContains(t, e.audit.String(), "sk-top-secret")

	depth, err := e.writer.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), depth)
}

func TestIngest_DuplicateEventIDIsIdempotent200(t *testing.T) {
	e := newEnv(t)
	body := eventBody(t, "evt-dup")
	sign := func(r *http.Request) { r.Header.Set("X-Signature", e.ingest.Sign(body)) }

	first := e.do(t, http.MethodPost, "/v1/events", body, sign)
	require.Equal(t, http.StatusCreated, first.Code)

	second := e.do(t, http.MethodPost, "/v1/events", body, sign)
	require.Equal(t, http.StatusOK, second.Code)

	var rec ledger.Record
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &rec))
	assert.Equal(t, uint64(1), rec.Sequence)

	depth, err := e.writer.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), depth)
}

func TestIngest_ThrottledIs503WithRetryAfter(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.valve.SetManual(context.Background(), 0, "op", "test"))

	body := eventBody(t, "evt-2")
	w := e.do(t, http.MethodPost, "/v1/events", body, func(r *http.Request) {
		r.Header.Set("X-Signature", e.ingest.Sign(body))
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestIntent_UnknownIntentIsDeadLettered202(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"intent":"workflow.compile","data":{},"source_task_id":"t1"}`)

	w := e.do(t, http.MethodPost, "/v1/intents", body, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "dead_lettered")

	pending, err := e.dls.ListUnresolved(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestIntent_KnownIntentIsRouted200(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"intent":"event.ingest","data":{"k":"v"},"source_task_id":"t1"}`)

	w := e.do(t, http.MethodPost, "/v1/intents", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLedgerQueries(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"evt-a", "evt-b", "evt-c"} {
		body := eventBody(t, id)
		w := e.do(t, http.MethodPost, "/v1/events", body, func(r *http.Request) {
			r.Header.Set("X-Signature", e.ingest.Sign(body))
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := e.do(t, http.MethodGet, "/v1/ledger/events/evt-b", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/v1/ledger/events/evt-missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/v1/ledger/range?from=1&to=3", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rangeResp struct {
		Records []ledger.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rangeResp))
	assert.Len(t, rangeResp.Records, 3)

	w = e.do(t, http.MethodGet, "/v1/ledger/verify?from=1&to=3", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var verifyResp struct {
		OK         bool               `json:"ok"`
		Violations []ledger.Violation `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verifyResp))
	assert.True(t, verifyResp.OK)

	w = e.do(t, http.MethodGet, "/v1/ledger/range?from=x&to=3", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func killBody(t *testing.T, e *testEnv, reason, by string) []byte {
	t.Helper()
	sig, err := e.kill.SignRequest(reason, by)
	require.NoError(t, err)
	b, err := json.Marshal(map[string]string{
		"reason": reason, "triggered_by": by, "auth_proof": sig,
	})
	require.NoError(t, err)
	return b
}

func TestKillSwitch_ActivateAndResume(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/v1/killswitch/activate", killBody(t, e, "runaway", "alice"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ACTIVATED")
	assert.Equal(t, throttle.ModeLocked, e.valve.State().Mode)

	w = e.do(t, http.MethodPost, "/v1/killswitch/resume", killBody(t, e, "resolved", "alice"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "RESUMED")
	assert.Equal(t, throttle.ModeAuto, e.valve.State().Mode)
}

func TestKillSwitch_BadProofIs401(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"reason":"x","triggered_by":"mallory","auth_proof":"deadbeef"}`)

	w := e.do(t, http.MethodPost, "/v1/killswitch/activate", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, throttle.ModeAuto, e.valve.State().Mode)
}

func adminHeader(t *testing.T, e *testEnv) func(*http.Request) {
	t.Helper()
	token, err := e.admin.MintAdminToken("operator@example.com", time.Minute)
	require.NoError(t, err)
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

func TestThrottle_GetAndAdminPut(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/v1/throttle", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st throttle.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 100.0, st.ThrottlePct)

	body := []byte(`{"throttle_pct":20,"mode":"MANUAL","reason":"load shed"}`)
	w = e.do(t, http.MethodPut, "/v1/throttle", body, adminHeader(t, e))
	require.Equal(t, http.StatusOK, w.Code)

	st = e.valve.State()
	assert.Equal(t, throttle.ModeManual, st.Mode)
	assert.Equal(t, 20.0, st.ThrottlePct)
	assert.Equal(t, "operator@example.com", st.UpdatedBy)
}

func TestThrottle_PutWithoutTokenIs401(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"throttle_pct":20,"mode":"MANUAL","reason":"x"}`)

	w := e.do(t, http.MethodPut, "/v1/throttle", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestThrottle_PutWhileLockedIs409(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.valve.Lock(context.Background(), "killswitch", "incident"))

	body := []byte(`{"throttle_pct":50,"mode":"MANUAL","reason":"x"}`)
	w := e.do(t, http.MethodPut, "/v1/throttle", body, adminHeader(t, e))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeadLetters_AdminListAndResolve(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"intent":"not.real","data":{},"source_task_id":"t1"}`)
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/v1/intents", body, nil).Code)

	w := e.do(t, http.MethodGet, "/v1/deadletters", nil, adminHeader(t, e))
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		DeadLetters []router.DeadLetter `json:"dead_letters"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.DeadLetters, 1)

	id := listResp.DeadLetters[0].ID
	w = e.do(t, http.MethodPost, "/v1/deadletters/"+id+"/resolve", nil, adminHeader(t, e))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, http.MethodPost, "/v1/deadletters/missing/resolve", nil, adminHeader(t, e))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_NonAdminRoleIs403(t *testing.T) {
	e := newEnv(t)

	// Correctly signed token, but without the admin role.
	claims := api.AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "viewer",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Role: "viewer",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("admin-secret"))
	require.NoError(t, err)

	body := []byte(`{"throttle_pct":20,"mode":"MANUAL","reason":"x"}`)
	w := e.do(t, http.MethodPut, "/v1/throttle", body, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
