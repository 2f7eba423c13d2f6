package supervisor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xarbitrage/xarb/pkg/book"
	"github.com/xarbitrage/xarb/pkg/ledger"
	"github.com/xarbitrage/xarb/pkg/spread"
	"github.com/xarbitrage/xarb/pkg/venue/venuetest"
	"github.com/xarbitrage/xarb/pkg/xtypes"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// S6 — on shutdown, M reports its position authoritatively while T's
// authoritative read fails and the ledger's own record is used as the
// fallback; both sides get reduce-only closes and, once actually
// flattened, the final verification read reports zero rather than the
// larger pre-close magnitude.
func TestSupervisor_S6_ShutdownReconciliation(t *testing.T) {
	qty := decimal.NewFromFloat(0.002)

	maker := venuetest.New("maker")
	maker.Position = qty
	maker.ClosePositionFn = func(symbol string, size decimal.Decimal) error {
		assert.Equal(t, "BTC", symbol)
		assert.True(t, size.Equal(qty))
		maker.Position = decimal.Zero
		return nil
	}

	taker := venuetest.New("taker")
	taker.PositionErr = errors.New("authoritative read unavailable")
	taker.ClosePositionFn = func(symbol string, size decimal.Decimal) error {
		assert.True(t, size.Equal(qty.Neg()))
		taker.Position = decimal.Zero
		taker.PositionErr = nil
		return nil
	}

	pos := ledger.New(ledger.Config{OrderQty: qty, MaxPosition: decimal.NewFromFloat(0.01)})
	pos.SetPositions(qty, qty.Neg())

	sup := New(Config{Symbol: "BTC", OrderQty: qty}, maker, taker, nil, nil, pos, nil, nil, nil, testLogger())

	start := time.Now()
	mResidual, tResidual, err := sup.reconcileAndClose(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, mResidual.IsZero(), "maker residual should be zero after close, got %s", mResidual)
	assert.True(t, tResidual.IsZero(), "taker residual should be zero after close, got %s", tResidual)

	assert.Len(t, maker.ClosedSizes, 1)
	assert.Len(t, taker.ClosedSizes, 1)

	assert.True(t, elapsed < 7*time.Second, "expected reconciliation to converge after a single 3s wait, took %s", elapsed)
}

// When authoritative position reads never clear (a venue is persistently
// unreachable), reconcileAndClose exhausts its 3 attempts and returns the
// best information it has, without blocking shutdown indefinitely.
func TestSupervisor_ReconcileAndClose_ExhaustsAttempts(t *testing.T) {
	qty := decimal.NewFromFloat(0.002)

	maker := venuetest.New("maker")
	maker.Position = qty
	maker.PositionErr = errors.New("maker unreachable")

	taker := venuetest.New("taker")
	taker.Position = qty.Neg()
	taker.PositionErr = errors.New("taker unreachable")

	pos := ledger.New(ledger.Config{OrderQty: qty, MaxPosition: decimal.NewFromFloat(0.01)})
	pos.SetPositions(qty, qty.Neg())

	sup := New(Config{Symbol: "BTC", OrderQty: qty}, maker, taker, nil, nil, pos, nil, nil, nil, testLogger())

	mResidual, tResidual, err := sup.reconcileAndClose(context.Background())

	assert.Error(t, err)
	assert.True(t, mResidual.Equal(qty))
	assert.True(t, tResidual.Equal(qty.Neg()))
}

// tick must check Diverged() (3x order_qty) before the CheckRisk() pause
// gate (2x order_qty): since Diverged() can only be true when CheckRisk()
// is already false, checking risk first would make the divergence branch
// unreachable and leave a diverged ledger "paused" forever instead of
// requesting a shutdown.
func TestSupervisor_Tick_DivergenceTakesPriorityOverRiskPause(t *testing.T) {
	qty := decimal.NewFromFloat(0.01)

	maker := venuetest.New("maker")
	maker.BBOByCall = []xtypes.BBO{{BestBid: decimal.NewFromInt(99), BestAsk: decimal.NewFromInt(101)}}
	taker := venuetest.New("taker")
	taker.BBOByCall = []xtypes.BBO{{BestBid: decimal.NewFromInt(99), BestAsk: decimal.NewFromInt(101)}}

	pos := ledger.New(ledger.Config{OrderQty: qty, MaxPosition: decimal.NewFromFloat(10)})
	// m + t = 3.5*qty, comfortably past the 3x divergence tripwire and
	// therefore also past the 2x risk-pause threshold.
	pos.SetPositions(qty.Mul(decimal.NewFromFloat(2)), qty.Mul(decimal.NewFromFloat(1.5)))
	require.False(t, pos.CheckRisk())
	require.True(t, pos.Diverged())

	an := spread.New(spread.Config{
		WarmupSamples: 0, LongThreshold: decimal.NewFromInt(10), ShortThreshold: decimal.NewFromInt(10),
	})

	sup := New(Config{Symbol: "BTC"}, maker, taker, book.New(), an, pos, nil, nil, nil, testLogger())

	sup.tick(context.Background())

	reason, stopping := sup.stopRequested()
	assert.True(t, stopping, "diverged ledger must request a stop")
	assert.Equal(t, "divergence", reason)
}

// RequestStop latches only the first reason; repeated calls during
// shutdown (e.g. a second SIGINT) must not change it.
func TestSupervisor_RequestStop_Idempotent(t *testing.T) {
	maker := venuetest.New("maker")
	taker := venuetest.New("taker")
	pos := ledger.New(ledger.Config{OrderQty: decimal.NewFromFloat(0.002), MaxPosition: decimal.NewFromFloat(0.01)})

	sup := New(Config{Symbol: "BTC"}, maker, taker, nil, nil, pos, nil, nil, nil, testLogger())

	sup.RequestStop("divergence")
	sup.RequestStop("interrupt")

	reason, stopping := sup.stopRequested()
	assert.True(t, stopping)
	assert.Equal(t, "divergence", reason)
}
