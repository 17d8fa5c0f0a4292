package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestor-io/verdict/pkg/contracts"
)

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	// Every sink method must be callable without a collector behind it.
	p.RecordDecision(context.Background(), contracts.VerdictAllow, 3*time.Millisecond)
	p.RecordLedgerAppend(context.Background(), time.Millisecond)
	p.RecordBackpressure(context.Background())
	p.RecordIntegrityFailure(context.Background(), "ledger_append")

	ctx, finish := p.TrackOperation(context.Background(), "decide")
	require.NotNil(t, ctx)
	finish(errors.New("boom"))

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	for _, lv := range []string{"debug", "info", "warn", "warning", "error", "unknown"} {
		require.NotNil(t, NewLogger(lv))
	}
	assert.True(t, NewLogger("debug").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, NewLogger("error").Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, NewLogger("unknown").Enabled(context.Background(), slog.LevelInfo))
}
