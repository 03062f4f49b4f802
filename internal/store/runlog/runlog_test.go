package runlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveGetRecent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "runs", "runs.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	run := Run{ID: "run-1", Source: "cli", Timeframe: "1h", Start: 1, End: 2, Policy: "best-effort", Status: StatusRunning, StartedAt: started}
	require.NoError(t, s.Save(ctx, run))

	finished := started.Add(time.Minute)
	run.Status = StatusPartial
	run.Rows = 10
	run.FinishedAt = &finished
	run.Results = []SymbolResult{{Symbol: "BTC/USDT", Rows: 10, File: "BTC_USDT-1h.csv"}, {Symbol: "NOPE/USDT", Error: "invalid symbol"}}
	require.NoError(t, s.Save(ctx, run))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, got.Status)
	assert.Equal(t, 10, got.Rows)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "invalid symbol", got.Results[1].Error)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))

	require.NoError(t, s.Save(ctx, Run{ID: "run-2", Source: "api", Status: StatusDone, StartedAt: started.Add(time.Hour)}))
	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "run-2", recent[0].ID)
	assert.Empty(t, recent[0].Results)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}
