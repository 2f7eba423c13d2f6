package orderctl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xarbitrage/xarb/pkg/ledger"
	"github.com/xarbitrage/xarb/pkg/venue/venuetest"
	"github.com/xarbitrage/xarb/pkg/xtypes"
)

type fakeAlerter struct {
	trades        int
	hedgeFailures int
}

func (f *fakeAlerter) NotifyTrade(xtypes.Direction, decimal.Decimal, decimal.Decimal, decimal.Decimal, decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	f.trades++
}
func (f *fakeAlerter) AlertHedgeFailure(xtypes.Direction, error) { f.hedgeFailures++ }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func newController(maker, taker *venuetest.Adapter, pos *ledger.Ledger, alert Alerter) *Controller {
	cfg := Config{
		Symbol: "BTC", OrderSize: decimal.NewFromFloat(0.001), TickSize: decimal.NewFromInt(10),
		FillTimeout: 50 * time.Millisecond, PollGrace: 5 * time.Millisecond, PollInterval: 5 * time.Millisecond,
	}
	return New(cfg, maker, taker, pos, alert, testLog())
}

func bboD(bid, ask float64) xtypes.BBO {
	return xtypes.BBO{BestBid: decimal.NewFromFloat(bid), BestAsk: decimal.NewFromFloat(ask)}
}

// S1 — maker fills, hedge succeeds.
func TestController_S1_MakerFillsHedgeSucceeds(t *testing.T) {
	maker := venuetest.New("M")
	maker.OpenOrderSets = []map[string]struct{}{{}} // immediately absent => filled
	taker := venuetest.New("T")
	alert := &fakeAlerter{}
	pos := ledger.New(ledger.Config{OrderQty: decimal.NewFromFloat(0.001), MaxPosition: decimal.NewFromFloat(0.01)})

	c := newController(maker, taker, pos, alert)
	res := c.Execute(context.Background(), xtypes.DirectionLongM, bboD(30000, 30010), bboD(30030, 30035))

	assert.True(t, res.Completed)
	assert.True(t, pos.MPosition().Equal(decimal.NewFromFloat(0.001)))
	assert.True(t, pos.TPosition().Equal(decimal.NewFromFloat(-0.001)))
	assert.Equal(t, 1, alert.trades)
	assert.True(t, res.SpreadCaptured.Equal(decimal.NewFromInt(30)))
}

// S2 — maker times out, cancel returns CANCELLED.
func TestController_S2_MakerTimesOut(t *testing.T) {
	maker := venuetest.New("M")
	maker.OpenOrderSets = []map[string]struct{}{{"M-1": {}}} // stays open for every poll
	maker.CancelOutcome = xtypes.CancelOutcomeCancelled
	taker := venuetest.New("T")
	pos := ledger.New(ledger.Config{OrderQty: decimal.NewFromFloat(0.001), MaxPosition: decimal.NewFromFloat(0.01)})

	c := newController(maker, taker, pos, nil)
	res := c.Execute(context.Background(), xtypes.DirectionLongM, bboD(30000, 30010), bboD(30030, 30035))

	assert.False(t, res.Completed)
	assert.True(t, pos.MPosition().IsZero())
	assert.True(t, pos.TPosition().IsZero())
	assert.Equal(t, xtypes.OrderStatusCancelled, res.MakerOrder.Status)
	assert.Empty(t, taker.PlacedOrders)
}

// S3 — cancel race: cancel returns NOT_FOUND, treated as fill.
func TestController_S3_CancelRaceTreatedAsFill(t *testing.T) {
	maker := venuetest.New("M")
	maker.OpenOrderSets = []map[string]struct{}{{"M-1": {}}}
	maker.CancelOutcome = xtypes.CancelOutcomeNotFound
	taker := venuetest.New("T")
	pos := ledger.New(ledger.Config{OrderQty: decimal.NewFromFloat(0.001), MaxPosition: decimal.NewFromFloat(0.01)})

	c := newController(maker, taker, pos, nil)
	res := c.Execute(context.Background(), xtypes.DirectionLongM, bboD(30000, 30010), bboD(30030, 30035))

	assert.True(t, res.Completed)
	assert.True(t, pos.MPosition().Add(pos.TPosition()).IsZero())
	assert.Len(t, taker.PlacedOrders, 1)
}

// S4 — hedge fails after maker fill.
func TestController_S4_HedgeFailsAfterFill(t *testing.T) {
	maker := venuetest.New("M")
	maker.OpenOrderSets = []map[string]struct{}{{}}
	taker := venuetest.New("T")
	taker.PlaceOrderErr = errors.New("taker rejected")
	alert := &fakeAlerter{}
	pos := ledger.New(ledger.Config{OrderQty: decimal.NewFromFloat(0.001), MaxPosition: decimal.NewFromFloat(0.01)})

	c := newController(maker, taker, pos, alert)
	res := c.Execute(context.Background(), xtypes.DirectionLongM, bboD(30000, 30010), bboD(30030, 30035))

	assert.False(t, res.Completed)
	assert.True(t, pos.MPosition().Equal(decimal.NewFromFloat(0.001)))
	assert.True(t, pos.TPosition().IsZero())
	assert.Equal(t, 1, alert.hedgeFailures)
}

// Every order must be truncated to its own venue's tick/step precision,
// fetched once from Market() at construction, not the raw config values.
func TestController_TruncatesToVenuePrecision(t *testing.T) {
	maker := venuetest.New("M")
	maker.MarketInfo = xtypes.Market{TickSize: decimal.NewFromInt(7), StepSize: decimal.NewFromFloat(0.0005)}
	maker.OpenOrderSets = []map[string]struct{}{{}}
	taker := venuetest.New("T")
	taker.MarketInfo = xtypes.Market{TickSize: decimal.NewFromInt(1), StepSize: decimal.NewFromFloat(0.0001)}

	cfg := Config{
		Symbol: "BTC", OrderSize: decimal.NewFromFloat(0.0017), TickSize: decimal.NewFromInt(10),
		FillTimeout: 50 * time.Millisecond, PollGrace: 5 * time.Millisecond, PollInterval: 5 * time.Millisecond,
	}
	pos := ledger.New(ledger.Config{OrderQty: decimal.NewFromFloat(0.0017), MaxPosition: decimal.NewFromFloat(0.01)})

	c := New(cfg, maker, taker, pos, nil, testLog())
	res := c.Execute(context.Background(), xtypes.DirectionLongM, bboD(30000, 30010), bboD(30030, 30035))

	assert.True(t, res.Completed)
	require.Len(t, maker.PlacedOrders, 1)
	assert.True(t, maker.PlacedOrders[0].Price.Equal(decimal.NewFromInt(29995)), "got %s", maker.PlacedOrders[0].Price)
	assert.True(t, maker.PlacedOrders[0].Size.Equal(decimal.NewFromFloat(0.0015)), "got %s", maker.PlacedOrders[0].Size)
}

// Invariant 5: a leg detected FILLED via open-orders absence is never
// subsequently cancelled.
func TestController_FilledLegNeverCancelled(t *testing.T) {
	maker := venuetest.New("M")
	maker.OpenOrderSets = []map[string]struct{}{{}}
	taker := venuetest.New("T")
	pos := ledger.New(ledger.Config{OrderQty: decimal.NewFromFloat(0.001), MaxPosition: decimal.NewFromFloat(0.01)})

	c := newController(maker, taker, pos, nil)
	c.Execute(context.Background(), xtypes.DirectionLongM, bboD(30000, 30010), bboD(30030, 30035))

	assert.Empty(t, maker.CancelCalls)
}
