// Package venue defines the narrow contract every exchange adapter (maker
// or taker) must satisfy, grounded on the adapter boundary shape used
// throughout the example exchange clients: a handful of verbs, no wire
// detail, errors that never degrade into false zero readings.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xarbitrage/xarb/pkg/xtypes"
)

// Adapter is the full surface a venue must expose to the core. Wire
// framing, signing and session transport are the adapter's concern; the
// core only ever sees these operations and xtypes values.
type Adapter interface {
	// Connect performs login/session setup and loads market metadata.
	// Idempotent on repeated calls only after a matching Disconnect.
	Connect(ctx context.Context) error

	// Disconnect tears down the connection and any background readers.
	Disconnect(ctx context.Context) error

	// GetBBO is a non-blocking snapshot read for push-fed venues, or a
	// synchronous fetch for pull-only venues.
	GetBBO(ctx context.Context, symbol string) (xtypes.BBO, error)

	PlaceOrder(ctx context.Context, symbol string, side xtypes.Side, price, size decimal.Decimal, typ xtypes.OrderType, reduceOnly bool) (xtypes.PlacedOrder, error)

	CancelOrder(ctx context.Context, symbol, orderID string) (xtypes.CancelOutcome, error)

	// ListOpenOrders is non-destructive: it must not cancel or probe the
	// order, only report whether it is still resting.
	ListOpenOrders(ctx context.Context, symbol string) (map[string]struct{}, error)

	GetPosition(ctx context.Context, symbol string) (decimal.Decimal, error)

	GetBalance(ctx context.Context) (decimal.Decimal, error)

	CancelAll(ctx context.Context, symbol string) error

	// ClosePosition sends a reduce-only IOC of magnitude |signedSize| in
	// the sign-closing direction.
	ClosePosition(ctx context.Context, symbol string, signedSize decimal.Decimal) error

	// Market returns the cached per-symbol precision metadata loaded at
	// Connect time.
	Market(symbol string) (xtypes.Market, error)

	// LastUpdateAge reports how long since the push-fed cache last
	// updated. Pull-only adapters return zero (always fresh by
	// construction, since every read is synchronous).
	LastUpdateAge() (age time.Duration, ok bool)

	// IsStale is true when LastUpdateAge exceeds the venue's configured
	// staleness threshold. Pull-only adapters are never stale.
	IsStale() bool
}
