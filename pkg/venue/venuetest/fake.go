// Package venuetest is a scripted, in-memory venue.Adapter used to drive
// the order controller and supervisor through the scenarios that would
// otherwise require a live exchange: timed fills, cancel races, stale
// feeds and authoritative-read failures.
package venuetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xarbitrage/xarb/pkg/venue"
	"github.com/xarbitrage/xarb/pkg/xtypes"
)

// Adapter is a fully scripted fake satisfying venue.Adapter. Tests mutate
// its exported fields/queues directly. New sets only two defaults:
// MarketInfo (tick 1, step 0.0001) and LastUpdateAt (now).
type Adapter struct {
	mu sync.Mutex

	Name string

	BBOByCall []xtypes.BBO // GetBBO returns these in order, repeating the last entry once exhausted
	bboCalls  int

	OpenOrderSets []map[string]struct{} // ListOpenOrders returns these in order
	openCalls     int

	PlaceOrderErr   error
	PlaceOrderFn    func(symbol string, side xtypes.Side, price, size decimal.Decimal, typ xtypes.OrderType, reduceOnly bool) (xtypes.PlacedOrder, error)
	nextOrderID     int
	PlacedOrders    []PlacedCall
	CancelOutcome   xtypes.CancelOutcome
	CancelErr       error
	CancelCalls     []string

	Position    decimal.Decimal
	PositionErr error

	Balance    decimal.Decimal
	BalanceErr error

	MarketInfo xtypes.Market

	ConnectErr error
	Connected  bool

	StaleFlag    bool
	LastUpdateAt time.Time

	CancelAllErr    error
	ClosePositionFn func(symbol string, signedSize decimal.Decimal) error
	ClosedSizes     []decimal.Decimal
}

// PlacedCall records one PlaceOrder invocation for assertions.
type PlacedCall struct {
	Symbol     string
	Side       xtypes.Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Type       xtypes.OrderType
	ReduceOnly bool
}

func New(name string) *Adapter {
	return &Adapter{Name: name, LastUpdateAt: time.Now(), MarketInfo: xtypes.Market{
		TickSize: decimal.NewFromInt(1), StepSize: decimal.NewFromFloat(0.0001),
	}}
}

func (a *Adapter) Connect(ctx context.Context) error {
	if a.ConnectErr != nil {
		return a.ConnectErr
	}
	a.Connected = true
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.Connected = false
	return nil
}

func (a *Adapter) GetBBO(ctx context.Context, symbol string) (xtypes.BBO, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.BBOByCall) == 0 {
		return xtypes.BBO{}, nil
	}
	idx := a.bboCalls
	if idx >= len(a.BBOByCall) {
		idx = len(a.BBOByCall) - 1
	}
	a.bboCalls++
	return a.BBOByCall[idx], nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, symbol string, side xtypes.Side, price, size decimal.Decimal, typ xtypes.OrderType, reduceOnly bool) (xtypes.PlacedOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.PlacedOrders = append(a.PlacedOrders, PlacedCall{symbol, side, price, size, typ, reduceOnly})
	if a.PlaceOrderErr != nil {
		return xtypes.PlacedOrder{}, a.PlaceOrderErr
	}
	if a.PlaceOrderFn != nil {
		return a.PlaceOrderFn(symbol, side, price, size, typ, reduceOnly)
	}
	a.nextOrderID++
	return xtypes.PlacedOrder{OrderID: fmt.Sprintf("%s-%d", a.Name, a.nextOrderID)}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) (xtypes.CancelOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CancelCalls = append(a.CancelCalls, orderID)
	return a.CancelOutcome, a.CancelErr
}

func (a *Adapter) ListOpenOrders(ctx context.Context, symbol string) (map[string]struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.OpenOrderSets) == 0 {
		return map[string]struct{}{}, nil
	}
	idx := a.openCalls
	if idx >= len(a.OpenOrderSets) {
		idx = len(a.OpenOrderSets) - 1
	}
	a.openCalls++
	return a.OpenOrderSets[idx], nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if a.PositionErr != nil {
		return decimal.Decimal{}, a.PositionErr
	}
	return a.Position, nil
}

func (a *Adapter) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if a.BalanceErr != nil {
		return decimal.Decimal{}, a.BalanceErr
	}
	return a.Balance, nil
}

func (a *Adapter) CancelAll(ctx context.Context, symbol string) error {
	return a.CancelAllErr
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string, signedSize decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ClosedSizes = append(a.ClosedSizes, signedSize)
	if a.ClosePositionFn != nil {
		return a.ClosePositionFn(symbol, signedSize)
	}
	return nil
}

func (a *Adapter) Market(symbol string) (xtypes.Market, error) {
	return a.MarketInfo, nil
}

func (a *Adapter) LastUpdateAge() (time.Duration, bool) {
	return time.Since(a.LastUpdateAt), true
}

func (a *Adapter) IsStale() bool {
	return a.StaleFlag
}

var _ venue.Adapter = (*Adapter)(nil)
