package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowbot/config"
	"flowbot/market"
)

func strongReversalDown() *market.MetricsSnapshot {
	return &market.MetricsSnapshot{OFIZ: -3.5, SeqSells: 8, CVDSlopeZ: -2.5}
}

func TestFlipGatePassesWhenFlat(t *testing.T) {
	cfg := config.DefaultStrategy()
	g := NewFlipGate(&cfg)

	d := g.OppositeEntry(market.SignalShort, "flat", nil, nil, time.Time{}, time.Time{}, time.Now())
	assert.True(t, d.Allowed)
	assert.False(t, d.Flip)
}

func TestFlipGatePassesSameSide(t *testing.T) {
	cfg := config.DefaultStrategy()
	g := NewFlipGate(&cfg)

	d := g.OppositeEntry(market.SignalLong, "long", nil, nil, time.Time{}, time.Time{}, time.Now())
	assert.True(t, d.Allowed)
	assert.False(t, d.Flip)
}

func TestFlipGateBlocksOppositeByDefault(t *testing.T) {
	cfg := config.DefaultStrategy()
	require.False(t, cfg.AllowAtomicFlip)
	g := NewFlipGate(&cfg)

	d := g.OppositeEntry(market.SignalShort, "long", strongReversalDown(), nil, time.Time{}, time.Time{}, time.Now())
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "opposite position")
}

func TestFlipGateAllowsStrongReversal(t *testing.T) {
	cfg := config.DefaultStrategy()
	cfg.AllowAtomicFlip = true
	g := NewFlipGate(&cfg)

	now := time.Now()
	d := g.OppositeEntry(market.SignalShort, "long", strongReversalDown(), nil,
		now.Add(-20*time.Minute), now.Add(-30*time.Minute), now)
	require.True(t, d.Allowed, "reason: %s", d.Reason)
	assert.True(t, d.Flip)
	assert.GreaterOrEqual(t, d.Votes, cfg.FlipVotesNeeded)
}

func TestFlipGateHonorsMinHold(t *testing.T) {
	cfg := config.DefaultStrategy()
	cfg.AllowAtomicFlip = true
	g := NewFlipGate(&cfg)

	now := time.Now()
	d := g.OppositeEntry(market.SignalShort, "long", strongReversalDown(), nil,
		now.Add(-1*time.Minute), time.Time{}, now)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "min hold")
}

func TestFlipGateHonorsFlipInterval(t *testing.T) {
	cfg := config.DefaultStrategy()
	cfg.AllowAtomicFlip = true
	g := NewFlipGate(&cfg)

	now := time.Now()
	d := g.OppositeEntry(market.SignalShort, "long", strongReversalDown(), nil,
		now.Add(-20*time.Minute), now.Add(-2*time.Minute), now)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "flip interval")
}

func TestFlipGateRejectsWeakReversal(t *testing.T) {
	cfg := config.DefaultStrategy()
	cfg.AllowAtomicFlip = true
	g := NewFlipGate(&cfg)

	weak := &market.MetricsSnapshot{OFIZ: -1.0, SeqSells: 1, CVDSlopeZ: -0.2}
	now := time.Now()
	d := g.OppositeEntry(market.SignalShort, "long", weak, nil,
		now.Add(-20*time.Minute), now.Add(-30*time.Minute), now)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "flip votes")
}

func TestFlipGateSuspectOFINeedsTwoVotes(t *testing.T) {
	cfg := config.DefaultStrategy()
	cfg.AllowAtomicFlip = true
	cfg.FlipVotesNeeded = 1
	g := NewFlipGate(&cfg)

	// OFI far beyond the clip is suspect and must not carry the flip alone
	suspect := &market.MetricsSnapshot{OFIZ: -20.0}
	now := time.Now()
	d := g.OppositeEntry(market.SignalShort, "long", suspect, nil,
		now.Add(-20*time.Minute), now.Add(-30*time.Minute), now)
	assert.False(t, d.Allowed)
}

func TestFlipGateSMABreakVote(t *testing.T) {
	cfg := config.DefaultStrategy()
	cfg.AllowAtomicFlip = true
	cfg.FlipVotesNeeded = 3
	g := NewFlipGate(&cfg)

	// two flow votes only: OFI and consecutive sells
	snap := &market.MetricsSnapshot{OFIZ: -3.5, SeqSells: 8, CVDSlopeZ: 0.0}
	now := time.Now()
	d := g.OppositeEntry(market.SignalShort, "long", snap, nil,
		now.Add(-20*time.Minute), now.Add(-30*time.Minute), now)
	require.False(t, d.Allowed, "two votes must not clear a three-vote bar")

	// price below the fast MA supplies the third vote
	ctx := &Context{Price: 99.0, SMAFast: 100.0}
	d = g.OppositeEntry(market.SignalShort, "long", snap, ctx,
		now.Add(-20*time.Minute), now.Add(-30*time.Minute), now)
	require.True(t, d.Allowed, "reason: %s", d.Reason)
	assert.Equal(t, 3, d.Votes)

	// price above the fast MA is no break for a short
	ctx.Price = 101.0
	d = g.OppositeEntry(market.SignalShort, "long", snap, ctx,
		now.Add(-20*time.Minute), now.Add(-30*time.Minute), now)
	assert.False(t, d.Allowed)
}

func TestFlipGateBlocksStaleMetrics(t *testing.T) {
	cfg := config.DefaultStrategy()
	cfg.AllowAtomicFlip = true
	g := NewFlipGate(&cfg)

	now := time.Now()
	snap := strongReversalDown()
	snap.UpdatedAt = now.Add(-5 * time.Minute)
	d := g.OppositeEntry(market.SignalShort, "long", snap, nil,
		now.Add(-20*time.Minute), now.Add(-30*time.Minute), now)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "stale")

	// a fresh snapshot passes the same gate
	snap.UpdatedAt = now.Add(-2 * time.Second)
	d = g.OppositeEntry(market.SignalShort, "long", snap, nil,
		now.Add(-20*time.Minute), now.Add(-30*time.Minute), now)
	assert.True(t, d.Allowed, "reason: %s", d.Reason)
}

func TestFlipGateDisabledForbidPassesThrough(t *testing.T) {
	cfg := config.DefaultStrategy()
	cfg.ForbidOppositeEntry = false
	g := NewFlipGate(&cfg)

	d := g.OppositeEntry(market.SignalShort, "long", nil, nil, time.Time{}, time.Time{}, time.Now())
	assert.True(t, d.Allowed)
}
