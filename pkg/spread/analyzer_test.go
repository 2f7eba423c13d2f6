package spread

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/xarbitrage/xarb/pkg/xtypes"
)

func bbo(bid, ask float64) xtypes.BBO {
	return xtypes.BBO{BestBid: decimal.NewFromFloat(bid), BestAsk: decimal.NewFromFloat(ask)}
}

func TestAnalyzer_WarmupGate(t *testing.T) {
	a := New(Config{WarmupSamples: 3, LongThreshold: decimal.NewFromInt(10), ShortThreshold: decimal.NewFromInt(10)})

	for i := 0; i < 2; i++ {
		a.Update(bbo(30000, 30010), bbo(30030, 30035))
		_, ok := a.Signal()
		assert.False(t, ok, "signal must stay closed before warm-up")
	}

	a.Update(bbo(30000, 30010), bbo(30050, 30055))
	_, ok := a.Signal()
	assert.True(t, ok, "signal should fire once warmed up and threshold exceeded")
}

func TestAnalyzer_S1Scenario(t *testing.T) {
	a := New(Config{WarmupSamples: 3, LongThreshold: decimal.NewFromInt(10), ShortThreshold: decimal.NewFromInt(10)})

	// diff_long samples {5, 6, 7}
	a.Update(bbo(0, 100), bbo(105, 110))
	a.Update(bbo(0, 100), bbo(106, 111))
	a.Update(bbo(0, 100), bbo(107, 112))
	assert.True(t, a.WarmedUp())
	assert.InDelta(t, 6.0, a.AvgLong().InexactFloat64(), 0.0001)

	s := a.Update(bbo(30000, 30010), bbo(30030, 30035))
	assert.True(t, s.DiffLong.Equal(decimal.NewFromInt(20)))

	dir, ok := a.Signal()
	assert.True(t, ok)
	assert.Equal(t, xtypes.DirectionLongM, dir)
}

func TestAnalyzer_TieBreakPrefersLongM(t *testing.T) {
	// diff_long = diff_short = -1 against floors of max(-1-1, -10) = -2, so
	// both predicates hold on the same tick.
	a := New(Config{WarmupSamples: 1, LongThreshold: decimal.NewFromInt(-1), ShortThreshold: decimal.NewFromInt(-1), MinSpread: decimal.NewFromInt(-10)})
	a.Update(bbo(100, 101), bbo(100, 101))
	dir, ok := a.Signal()
	assert.True(t, ok)
	assert.Equal(t, xtypes.DirectionLongM, dir)
}

func TestAnalyzer_WindowBounded(t *testing.T) {
	a := New(Config{WindowSize: 5, WarmupSamples: 1})
	for i := 0; i < 50; i++ {
		a.Update(bbo(100, 101), bbo(100, 101))
	}
	assert.LessOrEqual(t, a.WindowLen(), 5)
}

func TestAnalyzer_MinSpreadFloor(t *testing.T) {
	a := New(Config{WarmupSamples: 1, LongThreshold: decimal.NewFromInt(-100), MinSpread: decimal.NewFromInt(50)})
	a.Update(bbo(0, 100), bbo(130, 140)) // diff_long = 30, below MinSpread floor of 50
	_, ok := a.Signal()
	assert.False(t, ok)
}
