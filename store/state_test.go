package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := OpenState(path)
	require.NoError(t, err)

	opened := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	err = s.Update(func(st *State) {
		st.Positions = append(st.Positions, Position{
			ID: "p1", Symbol: "SOLUSDT", Side: "long", Qty: 2,
			EntryPrice: 100, SLPrice: 99, TPPrice: 102, RiskDist: 1,
			Profile: "neutral", OpenedAt: opened,
		})
		st.LastKlineStart = 1_700_000_000_000
		st.PushATR(1.5, 0)
	})
	require.NoError(t, err)

	reopened, err := OpenState(path)
	require.NoError(t, err)
	got := reopened.Snapshot()
	require.Len(t, got.Positions, 1)
	assert.Equal(t, "p1", got.Positions[0].ID)
	assert.True(t, got.Positions[0].OpenedAt.Equal(opened))
	assert.Equal(t, int64(1_700_000_000_000), got.LastKlineStart)
	assert.Equal(t, []float64{1.5}, got.ATRHist)
}

func TestStateOpenMissingFileStartsEmpty(t *testing.T) {
	s, err := OpenState(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot().Positions)
}

func TestStateOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := OpenState(path)
	assert.Error(t, err)
}

func TestNetSide(t *testing.T) {
	tests := []struct {
		name      string
		positions []Position
		want      string
	}{
		{"empty", nil, "flat"},
		{"long only", []Position{{Side: "long", Qty: 1}}, "long"},
		{"short only", []Position{{Side: "short", Qty: 1}}, "short"},
		{"both sides", []Position{{Side: "long", Qty: 1}, {Side: "short", Qty: 2}}, "conflict"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := State{Positions: tt.positions}
			assert.Equal(t, tt.want, st.NetSide())
		})
	}
}

func TestRemoveSide(t *testing.T) {
	st := State{Positions: []Position{
		{ID: "a", Side: "long"},
		{ID: "b", Side: "short"},
		{ID: "c", Side: "long"},
	}}
	st.RemoveSide("long")
	require.Len(t, st.Positions, 1)
	assert.Equal(t, "b", st.Positions[0].ID)
}

func TestATRHistBounded(t *testing.T) {
	var st State
	for i := 0; i < atrHistCap+50; i++ {
		st.PushATR(float64(i), 0)
	}
	assert.Len(t, st.ATRHist, atrHistCap)
	assert.Equal(t, float64(atrHistCap+49), st.ATRHist[len(st.ATRHist)-1])
}

func TestATRHistCustomCap(t *testing.T) {
	var st State
	for i := 0; i < 100; i++ {
		st.PushATR(float64(i), 96)
	}
	assert.Len(t, st.ATRHist, 96)
	assert.Equal(t, 4.0, st.ATRHist[0])
	assert.Equal(t, 99.0, st.ATRHist[len(st.ATRHist)-1])
}

func TestOBPersistRollingMean(t *testing.T) {
	var st State
	assert.Zero(t, st.OBPersist(10))
	st.PushOB(1.0)
	st.PushOB(2.0)
	st.PushOB(3.0)
	assert.InDelta(t, 2.0, st.OBPersist(10), 1e-9)
	assert.InDelta(t, 2.5, st.OBPersist(2), 1e-9)
}

func TestDailyRollsAtMidnightUTC(t *testing.T) {
	var st State
	day1 := time.Date(2026, 8, 1, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 2, 1, 0, 0, 0, time.UTC)

	st.BumpSkip(day1, "cooldown")
	st.BumpSkip(day1, "cooldown")
	assert.Equal(t, 2, st.Daily.SkipReasons["cooldown"])

	st.BumpSkip(day2, "guard")
	assert.Equal(t, "2026-08-02", st.Daily.Date)
	assert.Zero(t, st.Daily.SkipReasons["cooldown"], "new day starts clean")
}

func TestRecordClosedTradeStreaks(t *testing.T) {
	var st State
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	st.RecordClosedTrade(now, -5, -1.0, false)
	st.RecordClosedTrade(now, -3, -1.0, false)
	assert.Equal(t, 2, st.Daily.LosingStreak)

	st.RecordClosedTrade(now, 10, 2.0, true)
	assert.Zero(t, st.Daily.LosingStreak)
	assert.Equal(t, 1, st.Daily.Flips)
	assert.Equal(t, 3, st.Daily.Trades)
	assert.Equal(t, 1, st.Daily.Wins)
	assert.Equal(t, 2, st.Daily.Losses)
}

func TestNeutralHourlyBudget(t *testing.T) {
	var st State
	now := time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC)

	assert.True(t, st.NeutralTradeAllowed(now, 2))
	st.CountNeutralTrade(now)
	assert.True(t, st.NeutralTradeAllowed(now, 2))
	st.CountNeutralTrade(now)
	assert.False(t, st.NeutralTradeAllowed(now, 2))

	// budget resets in the next hour
	later := now.Add(time.Hour)
	assert.True(t, st.NeutralTradeAllowed(later, 2))

	// zero budget disables the limit
	assert.True(t, st.NeutralTradeAllowed(now, 0))
}
