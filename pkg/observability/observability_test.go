package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Castellan-Labs/quorum/core/pkg/observability"
)

func TestNew_DisabledIsInert(t *testing.T) {
	p, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	// Every recording path must be a safe no-op when disabled.
	ctx := context.Background()
	p.RecordAdmission(ctx, true)
	p.RecordAppend(ctx, "committed")
	p.RecordDeadLetter(ctx, "unknown_intent")
	p.RecordControlState(ctx, 0.4, 55)
	p.RecordReviewDuration(ctx, time.Second, "MERGE")
	done := p.TrackOperation(ctx)
	done()

	assert.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := observability.DefaultConfig()
	assert.Equal(t, "quorum-core", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, 15*time.Second, cfg.ExportInterval)
}
