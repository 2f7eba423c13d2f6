// Package xtypes holds the value types shared across the arbitrage engine:
// venue-neutral sides, directions, BBOs, order records, session state and
// per-symbol market metadata. Every price or size that can reach an order
// is a decimal.Decimal — float64 never touches the order path.
package xtypes

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the exchange-facing direction of an individual order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) String() string { return string(s) }

// Opposite returns the other side, used when hedging a leg.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Direction names an arbitrage leg by the side it takes on the maker venue.
type Direction string

const (
	DirectionLongM  Direction = "LONG_M"
	DirectionShortM Direction = "SHORT_M"
)

func (d Direction) String() string { return string(d) }

// MakerSide is the order side posted on M for this direction.
func (d Direction) MakerSide() Side {
	if d == DirectionLongM {
		return SideBuy
	}
	return SideSell
}

// TakerSide is the hedge order side sent on T for this direction.
func (d Direction) TakerSide() Side {
	return d.MakerSide().Opposite()
}

// OrderType is the venue-facing order type requested at placement.
type OrderType string

const (
	OrderTypePostOnly OrderType = "POST_ONLY"
	OrderTypeIOC      OrderType = "IOC"
	OrderTypeLimitGTT OrderType = "LIMIT_GTT"
)

// OrderStatus is the local lifecycle state of a maker OrderRecord.
// The only legal transitions are POSTING -> OPEN -> (FILLED | CANCELLED);
// no status is ever revisited.
type OrderStatus string

const (
	OrderStatusPosting   OrderStatus = "POSTING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// CancelOutcome is the explicit three-valued result of a cancel call, so
// that "order already filled" never has to be inferred by matching error
// text at the core. NotFound is the positive fill signal.
type CancelOutcome int

const (
	CancelOutcomeCancelled CancelOutcome = iota
	CancelOutcomeNotFound
	CancelOutcomeError
)

func (c CancelOutcome) String() string {
	switch c {
	case CancelOutcomeCancelled:
		return "CANCELLED"
	case CancelOutcomeNotFound:
		return "NOT_FOUND"
	default:
		return "ERROR"
	}
}

// BBO is a best-bid/best-ask snapshot for one venue/symbol, with a
// monotonic update timestamp used to gauge staleness.
type BBO struct {
	BestBid     decimal.Decimal
	BestBidSize decimal.Decimal
	BestAsk     decimal.Decimal
	BestAskSize decimal.Decimal
	UpdatedAt   time.Time
}

// Complete reports whether both sides of the book are populated and the
// book is not crossed (best bid below best ask).
func (b BBO) Complete() bool {
	return !b.BestBid.IsZero() && !b.BestAsk.IsZero() && b.BestBid.LessThan(b.BestAsk)
}

func (b BBO) Age(now time.Time) time.Duration {
	if b.UpdatedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(b.UpdatedAt)
}

// OrderRecord is the local record of a maker-side order, kept because M
// offers no push telemetry of its own fills.
type OrderRecord struct {
	OrderID     string
	Symbol      string
	Side        Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	Status      OrderStatus
	CreatedAt   time.Time
	FilledAt    time.Time
	CancelledAt time.Time
}

// PlacedOrder is what a venue adapter returns from PlaceOrder: the opaque
// order id plus whatever immediate fill information the venue reports.
type PlacedOrder struct {
	OrderID       string
	ImmediateFill bool
	FilledPrice   decimal.Decimal
	FilledSize    decimal.Decimal
}

// SessionState tracks credential/session lifetime for venues that require
// periodic renewal (M). Renew whenever elapsed >= Duration-RenewBefore.
type SessionState struct {
	CreatedAt   time.Time
	Duration    time.Duration
	RenewBefore time.Duration
}

func (s SessionState) NeedsRenewal(now time.Time) bool {
	if s.CreatedAt.IsZero() {
		return true
	}
	elapsed := now.Sub(s.CreatedAt)
	return elapsed >= s.Duration-s.RenewBefore
}

// Market carries the per-symbol precision and notional metadata needed to
// truncate prices and sizes to venue-legal increments before an order is
// submitted.
type Market struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
	MinQuantity decimal.Decimal
}

// TruncatePrice rounds price down to the nearest TickSize (toward zero
// penalty for the side that benefits the book, i.e. always floor).
func (m Market) TruncatePrice(price decimal.Decimal) decimal.Decimal {
	return truncateToStep(price, m.TickSize)
}

// TruncateSize rounds size down to the nearest StepSize.
func (m Market) TruncateSize(size decimal.Decimal) decimal.Decimal {
	return truncateToStep(size, m.StepSize)
}

func truncateToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	units := value.Div(step).Truncate(0)
	return units.Mul(step)
}

// ArbError wraps a venue/adapter failure with the calling operation, so
// logs identify where in the leg the failure occurred without depending on
// string-matched error text.
type ArbError struct {
	Op  string
	Err error
}

func (e *ArbError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ArbError) Unwrap() error { return e.Err }
