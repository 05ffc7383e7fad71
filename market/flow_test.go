package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseMs = int64(1_700_000_000_000)

func TestFlowBucketsGroupsBySecond(t *testing.T) {
	f := NewFlowBuckets(60, 6)
	f.AddTrade(baseMs, true, 2)
	f.AddTrade(baseMs+300, true, 3)
	f.AddTrade(baseMs+700, false, 1)
	f.AddTrade(baseMs+1000, true, 4)

	series := f.Series()
	require.Len(t, series, 2)
	assert.Equal(t, 4.0, series[0], "2+3 buys minus 1 sell in the first second")
	assert.Equal(t, 4.0, series[1])
}

func TestFlowBucketsPrunesWindow(t *testing.T) {
	f := NewFlowBuckets(10, 6)
	f.AddTrade(baseMs, true, 1)
	f.AddTrade(baseMs+15_000, true, 1)

	series := f.Series()
	require.Len(t, series, 1, "bucket older than the window is gone")
}

func TestFlowBucketsIgnoresNonPositiveQty(t *testing.T) {
	f := NewFlowBuckets(60, 6)
	f.AddTrade(baseMs, true, 0)
	f.AddTrade(baseMs, true, -5)
	assert.Empty(t, f.Series())
}

func TestFlowBucketsZScoreNeedsSamples(t *testing.T) {
	f := NewFlowBuckets(60, 6)
	for i := 0; i < 4; i++ {
		f.AddTrade(baseMs+int64(i)*1000, true, 1)
	}
	assert.Equal(t, 0.0, f.ZScore())
}

func TestFlowBucketsZScoreBurst(t *testing.T) {
	f := NewFlowBuckets(120, 6)
	// alternating +1/-1 background, then a large buy burst
	for i := 0; i < 20; i++ {
		f.AddTrade(baseMs+int64(i)*1000, i%2 == 0, 1)
	}
	f.AddTrade(baseMs+20_000, true, 50)

	z := f.ZScore()
	assert.Greater(t, z, 3.0)
	assert.LessOrEqual(t, z, 6.0, "clipped at the configured limit")
}

func TestCVDTrackerSeqCountersMutuallyExclusive(t *testing.T) {
	c := NewCVDTracker(20)
	c.OnTrade(baseMs, true, 1)
	c.OnTrade(baseMs+100, true, 1)
	c.OnTrade(baseMs+200, true, 1)
	assert.Equal(t, 3, c.SeqBuys)
	assert.Equal(t, 0, c.SeqSells)

	c.OnTrade(baseMs+300, false, 1)
	assert.Equal(t, 0, c.SeqBuys)
	assert.Equal(t, 1, c.SeqSells)
}

func TestCVDTrackerCountersResetEachSecond(t *testing.T) {
	c := NewCVDTracker(20)
	c.OnTrade(baseMs, true, 1)
	c.OnTrade(baseMs+500, true, 1)
	assert.Equal(t, 2, c.SeqBuys)

	c.OnTrade(baseMs+1000, true, 1)
	assert.Equal(t, 1, c.SeqBuys, "new second starts a fresh run")
}

func TestCVDTrackerEMA(t *testing.T) {
	c := NewCVDTracker(20)
	c.OnTrade(baseMs, true, 10)
	assert.Equal(t, 10.0, c.Value)
	assert.Equal(t, 10.0, c.EMA, "EMA seeds at first value")
	assert.False(t, c.SlopePositive(), "value equals EMA at seed")

	c.OnTrade(baseMs+100, true, 10)
	assert.Equal(t, 20.0, c.Value)
	assert.True(t, c.SlopePositive())

	c.OnTrade(baseMs+200, false, 40)
	assert.Equal(t, -20.0, c.Value)
	assert.False(t, c.SlopePositive())
}
