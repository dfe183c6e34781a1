package alert_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Castellan-Labs/quorum/core/pkg/alert"
)

type flakyChannel struct {
	name string
	err  error
	hits atomic.Int32
}

func (f *flakyChannel) Name() string { return f.name }

func (f *flakyChannel) Notify(ctx context.Context, n alert.Notification) error {
	f.hits.Add(1)
	return f.err
}

func TestBroadcast_AllChannelsReceive(t *testing.T) {
	a := &flakyChannel{name: "a"}
	b := &flakyChannel{name: "b"}

	failed := alert.Broadcast(context.Background(), []alert.Channel{a, b}, alert.Notification{
		Severity: alert.SeverityCritical,
		Title:    "kill switch activated",
	})

	assert.Empty(t, failed)
	assert.Equal(t, int32(1), a.hits.Load())
	assert.Equal(t, int32(1), b.hits.Load())
}

func TestBroadcast_ReportsFailuresPerChannel(t *testing.T) {
	ok := &flakyChannel{name: "ok"}
	bad := &flakyChannel{name: "bad", err: assert.AnError}

	failed := alert.Broadcast(context.Background(), []alert.Channel{ok, bad}, alert.Notification{})
	require.Len(t, failed, 1)
	assert.Contains(t, failed, "bad")
	assert.Equal(t, int32(1), ok.hits.Load())
}

func TestWebhookChannel_Delivers(t *testing.T) {
	var got alert.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := alert.NewWebhookChannel("pager", srv.URL)
	err := ch.Notify(context.Background(), alert.Notification{
		Severity:  alert.SeverityCritical,
		Title:     "halt",
		Body:      "runaway agent",
		Source:    "killswitch",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "halt", got.Title)
	assert.Equal(t, alert.SeverityCritical, got.Severity)
}

func TestWebhookChannel_RejectionIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ch := alert.NewWebhookChannel("pager", srv.URL)
	err := ch.Notify(context.Background(), alert.Notification{Title: "halt"})
	assert.Error(t, err)
}

func TestLogChannel_NeverFails(t *testing.T) {
	ch := alert.NewLogChannel(nil)
	assert.NoError(t, ch.Notify(context.Background(), alert.Notification{Title: "x"}))
}
