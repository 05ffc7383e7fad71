package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowbot/config"
	"flowbot/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	state, err := store.OpenState(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	history, err := store.OpenHistory(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	return NewServer(config.Default(), nil, nil, state, history, 0)
}

func doGet(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := testServer(t)
	w := doGet(s, "/api/health")

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestDailyEmpty(t *testing.T) {
	s := testServer(t)
	w := doGet(s, "/api/daily")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "{}", w.Body.String())
}

func TestDailyWithCounters(t *testing.T) {
	s := testServer(t)
	require.NoError(t, s.state.Update(func(x *store.State) {
		x.BumpSkip(time.Now(), "cooldown")
		x.RecordClosedTrade(time.Now(), 12.5, 1.4, false)
	}))

	w := doGet(s, "/api/daily")
	require.Equal(t, http.StatusOK, w.Code)

	var daily store.DailyStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &daily))
	assert.Equal(t, 1, daily.Wins)
	assert.Equal(t, 1, daily.SkipReasons["cooldown"])
}

func TestRecentTrades(t *testing.T) {
	s := testServer(t)
	require.NoError(t, s.history.InsertClosedTrade(&store.ClosedTrade{
		Symbol: "SOLUSDT", Side: "long", Qty: 2,
		EntryPrice: 100, ExitPrice: 103,
		EntryTime: time.Now().Add(-time.Hour), ExitTime: time.Now(),
		PnL: 6, RR: 1.5, Reason: "tp", Profile: "neutral",
	}))

	w := doGet(s, "/api/trades?limit=10")
	require.Equal(t, http.StatusOK, w.Code)

	var trades []store.ClosedTrade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "SOLUSDT", trades[0].Symbol)
}

func TestTapeUnavailableWithoutEngine(t *testing.T) {
	s := testServer(t)
	w := doGet(s, "/api/tape")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRecentTradesBadLimit(t *testing.T) {
	s := testServer(t)
	w := doGet(s, "/api/trades?limit=-3")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
