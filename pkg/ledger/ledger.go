// Package ledger is the local mirror of inventory on both venues: it
// tracks signed position per side, the risk predicates that gate new
// trades, and the divergence tripwire that forces a shutdown.
package ledger

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/xarbitrage/xarb/pkg/xtypes"
)

// Config carries the order size and position cap the risk predicates are
// measured against.
type Config struct {
	OrderQty    decimal.Decimal
	MaxPosition decimal.Decimal
}

// Ledger is the PositionLedger of the spec: signed m/t positions plus
// trade counters, guarded by a mutex so every read and update is atomic.
type Ledger struct {
	mu sync.Mutex

	cfg Config

	mPosition decimal.Decimal
	tPosition decimal.Decimal

	longTrades  uint64
	shortTrades uint64
}

func New(cfg Config) *Ledger {
	return &Ledger{cfg: cfg}
}

func signedDelta(side xtypes.Side, qty decimal.Decimal) decimal.Decimal {
	if side == xtypes.SideSell {
		return qty.Neg()
	}
	return qty
}

// UpdateM applies a fill on the maker venue to m_position.
func (l *Ledger) UpdateM(side xtypes.Side, qty decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mPosition = l.mPosition.Add(signedDelta(side, qty))
}

// UpdateT applies a fill on the taker venue to t_position.
func (l *Ledger) UpdateT(side xtypes.Side, qty decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tPosition = l.tPosition.Add(signedDelta(side, qty))
}

// RecordArbTrade atomically applies both legs of a completed arbitrage
// trade: m_position moves by the maker side, t_position by its opposite,
// by construction summing to zero for this trade.
func (l *Ledger) RecordArbTrade(direction xtypes.Direction, qty decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mPosition = l.mPosition.Add(signedDelta(direction.MakerSide(), qty))
	l.tPosition = l.tPosition.Add(signedDelta(direction.TakerSide(), qty))
	if direction == xtypes.DirectionLongM {
		l.longTrades++
	} else {
		l.shortTrades++
	}
}

func (l *Ledger) MPosition() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mPosition
}

func (l *Ledger) TPosition() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tPosition
}

func (l *Ledger) Counts() (long, short uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.longTrades, l.shortTrades
}

func (l *Ledger) CanLongM() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mPosition.LessThan(l.cfg.MaxPosition)
}

func (l *Ledger) CanShortM() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mPosition.GreaterThan(l.cfg.MaxPosition.Neg())
}

// sumAbs returns |m_position + t_position| under the held lock.
func (l *Ledger) sumAbs() decimal.Decimal {
	return l.mPosition.Add(l.tPosition).Abs()
}

// CheckRisk returns false once the net exposure exceeds 2*order_qty,
// pausing new trades without yet tripping a shutdown.
func (l *Ledger) CheckRisk() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	threshold := l.cfg.OrderQty.Mul(decimal.NewFromInt(2))
	return l.sumAbs().LessThanOrEqual(threshold)
}

// Diverged reports whether net exposure has crossed the 3x tripwire that
// should force an immediate shutdown request.
func (l *Ledger) Diverged() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	threshold := l.cfg.OrderQty.Mul(decimal.NewFromInt(3))
	return l.sumAbs().GreaterThan(threshold)
}

// SetPositions is used only during shutdown reconciliation, to force the
// ledger to the authoritative (or conservative-max) venue readings.
func (l *Ledger) SetPositions(m, t decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mPosition = m
	l.tPosition = t
}
