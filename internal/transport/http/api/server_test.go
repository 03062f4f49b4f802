package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klines/internal/exchange"
	"klines/internal/exchange/fake"
	"klines/internal/jobs"
	"klines/internal/store/archive"
	"klines/internal/store/runlog"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *jobs.Service) {
	t.Helper()
	dir := t.TempDir()
	arc, err := archive.Open(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	runs, err := runlog.Open(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	tr := fake.New().Generate("BTC/USDT", "1h", base, base.Add(6*time.Hour), nil)
	svc, err := jobs.NewService(jobs.Config{
		Adapter:       exchange.NewClient(tr, exchange.Options{RetryLimit: 1}),
		Archive:       arc,
		Runs:          runs,
		Source:        "binance-spot",
		MaxConcurrent: 1,
		Tuning:        jobs.Tuning{MaxRows: 4, MaxConcurrency: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = svc.Close()
		_ = arc.Close()
		_ = runs.Close()
	})
	srv, err := NewServer(Config{Svc: svc})
	require.NoError(t, err)
	return srv, svc
}

func do(t *testing.T, h http.Handler, method, target string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]json.RawMessage{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func submit(t *testing.T, srv *Server, svc *jobs.Service) jobs.Job {
	t.Helper()
	rec, out := do(t, srv.Handler(), http.MethodPost, "/api/fetch", map[string]any{
		"symbol":    "BTCUSDT",
		"timeframe": "1h",
		"start":     "2024-01-01 00:00:00",
		"end":       "2024-01-01 06:00:00",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job jobs.Job
	require.NoError(t, json.Unmarshal(out["job"], &job))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := svc.Wait(ctx, job.ID)
	require.NoError(t, err)
	return job
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, _ := do(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFetchLifecycle(t *testing.T) {
	srv, svc := newTestServer(t)
	job := submit(t, srv, svc)
	assert.Equal(t, jobs.StatusDone, job.Status)
	assert.Equal(t, 6, job.Rows)

	rec, out := do(t, srv.Handler(), http.MethodGet, "/api/fetch/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got jobs.Job
	require.NoError(t, json.Unmarshal(out["job"], &got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, []string{"BTC/USDT"}, got.Params.Symbols)

	rec, out = do(t, srv.Handler(), http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []jobs.Job
	require.NoError(t, json.Unmarshal(out["jobs"], &list))
	assert.Len(t, list, 1)

	rec, out = do(t, srv.Handler(), http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []runlog.Run
	require.NoError(t, json.Unmarshal(out["runs"], &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, job.ID, runs[0].ID)

	rec, _ = do(t, srv.Handler(), http.MethodGet, "/api/runs/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, srv.Handler(), http.MethodGet, "/api/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCandlesEndpoint(t *testing.T) {
	srv, svc := newTestServer(t)
	submit(t, srv, svc)

	target := "/api/candles?symbol=BTC_USDT&timeframe=1h&start=2024-01-01+01:00:00&end=" +
		"2024-01-01+04:00:00"
	rec, out := do(t, srv.Handler(), http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var candles []struct {
		OpenTime int64  `json:"open_time"`
		Close    string `json:"close"`
	}
	require.NoError(t, json.Unmarshal(out["candles"], &candles))
	require.Len(t, candles, 3)
	assert.Equal(t, base.Add(time.Hour).UnixMilli(), candles[0].OpenTime)

	rec, _ = do(t, srv.Handler(), http.MethodGet, "/api/candles?symbol=BTC_USDT&timeframe=1h&limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, srv.Handler(), http.MethodGet, "/api/candles?symbol=BTC_USDT", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = do(t, srv.Handler(), http.MethodGet, "/api/data?symbol=BTC/USDT&timeframe=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var m archive.Manifest
	require.NoError(t, json.Unmarshal(out["manifest"], &m))
	assert.EqualValues(t, 6, m.Rows)
}

func TestFetchRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t)
	cases := map[string]map[string]any{
		"missing timeframe": {"symbol": "BTCUSDT", "start": "2024-01-01"},
		"missing start":     {"symbol": "BTCUSDT", "timeframe": "1h"},
		"bad date":          {"symbol": "BTCUSDT", "timeframe": "1h", "start": "01/01/2024"},
		"bad timeframe":     {"symbol": "BTCUSDT", "timeframe": "9h", "start": "2024-01-01"},
		"no symbols":        {"timeframe": "1h", "start": "2024-01-01"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, out := do(t, srv.Handler(), http.MethodPost, "/api/fetch", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, out, "error")
		})
	}
}

func TestCancelUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, _ := do(t, srv.Handler(), http.MethodDelete, "/api/fetch/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, srv.Handler(), http.MethodGet, "/api/fetch/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTimeframes(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, out := do(t, srv.Handler(), http.MethodGet, "/api/timeframes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tfs []struct {
		Key        string `json:"key"`
		DurationMs int64  `json:"duration_ms"`
	}
	require.NoError(t, json.Unmarshal(out["timeframes"], &tfs))
	require.NotEmpty(t, tfs)
	assert.Equal(t, "1m", tfs[0].Key)
	assert.EqualValues(t, 60_000, tfs[0].DurationMs)
}

func TestStartStopsOnCancel(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not stop")
	}
}
