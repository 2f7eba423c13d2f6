package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/xarbitrage/xarb/pkg/xtypes"
)

func newTestLedger() *Ledger {
	return New(Config{OrderQty: decimal.NewFromFloat(0.001), MaxPosition: decimal.NewFromFloat(0.01)})
}

func TestLedger_RecordArbTradeZeroSum(t *testing.T) {
	l := newTestLedger()
	qty := decimal.NewFromFloat(0.001)
	l.RecordArbTrade(xtypes.DirectionLongM, qty)

	assert.True(t, l.MPosition().Equal(qty))
	assert.True(t, l.TPosition().Equal(qty.Neg()))
	assert.True(t, l.MPosition().Add(l.TPosition()).IsZero())
}

func TestLedger_MaxPositionGate(t *testing.T) {
	l := newTestLedger()
	l.SetPositions(decimal.NewFromFloat(0.01), decimal.Zero)
	assert.False(t, l.CanLongM())
	assert.True(t, l.CanShortM())
}

func TestLedger_RiskThresholds(t *testing.T) {
	l := newTestLedger()

	l.SetPositions(decimal.NewFromFloat(0.002), decimal.Zero) // sum = 2*qty
	assert.True(t, l.CheckRisk())
	assert.False(t, l.Diverged())

	l.SetPositions(decimal.NewFromFloat(0.0031), decimal.Zero) // sum > 3*qty
	assert.False(t, l.CheckRisk())
	assert.True(t, l.Diverged())
}

func TestLedger_UpdateMOnHedgeFailure(t *testing.T) {
	l := newTestLedger()
	l.UpdateM(xtypes.SideBuy, decimal.NewFromFloat(0.001))
	assert.True(t, l.MPosition().Equal(decimal.NewFromFloat(0.001)))
	assert.True(t, l.TPosition().IsZero())
}
