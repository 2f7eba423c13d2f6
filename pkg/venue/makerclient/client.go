// Package makerclient is the pull-only adapter for the maker venue (M):
// every read is a synchronous bounded-retry REST call, and session
// renewal is tracked locally and forced at the start of shutdown.
package makerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/valyala/fastjson"

	"github.com/xarbitrage/xarb/pkg/venue"
	"github.com/xarbitrage/xarb/pkg/xtypes"
)

// Config carries the maker venue's connection and session parameters.
// Wire signing/framing live behind doRequest; the spec treats them as
// opaque.
type Config struct {
	BaseURL        string
	PrivateKey     string
	Symbol         string
	SessionTTL     time.Duration // default 23h
	RenewBefore    time.Duration // default 1h
	TickSize       decimal.Decimal
	StepSize       decimal.Decimal
	MinNotional    decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.SessionTTL == 0 {
		c.SessionTTL = 23 * time.Hour
	}
	if c.RenewBefore == 0 {
		c.RenewBefore = 1 * time.Hour
	}
	return c
}

// Client is the maker venue adapter. Every call is a synchronous REST
// round-trip through a bounded-retry HTTP client. Response bodies are
// parsed with fastjson rather than encoding/json: none of this venue's
// replies round-trip through a Go struct anywhere else in the program,
// so there is nothing to gain from reflection-based decoding, and the
// hot GetBBO poll benefits from fastjson's allocation-free parsing.
type Client struct {
	cfg        Config
	http       *retryablehttp.Client
	parserPool fastjson.ParserPool
	mu         sync.Mutex
	market     xtypes.Market
	session    xtypes.SessionState
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	return &Client{cfg: cfg, http: rc}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = xtypes.SessionState{CreatedAt: time.Now(), Duration: c.cfg.SessionTTL, RenewBefore: c.cfg.RenewBefore}
	c.market = xtypes.Market{
		Symbol: c.cfg.Symbol, TickSize: c.cfg.TickSize, StepSize: c.cfg.StepSize, MinNotional: c.cfg.MinNotional,
	}
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	return nil
}

// Renew forcibly re-establishes the session; safe to call concurrently
// with the session-renewal watchdog and during shutdown.
func (c *Client) Renew(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = xtypes.SessionState{CreatedAt: time.Now(), Duration: c.cfg.SessionTTL, RenewBefore: c.cfg.RenewBefore}
	return nil
}

func (c *Client) NeedsRenewal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.NeedsRenewal(time.Now())
}

func (c *Client) GetBBO(ctx context.Context, symbol string) (xtypes.BBO, error) {
	data, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/bbo/%s", symbol), nil)
	if err != nil {
		return xtypes.BBO{}, &xtypes.ArbError{Op: "maker.GetBBO", Err: err}
	}
	v, err := c.parse(data)
	if err != nil {
		return xtypes.BBO{}, &xtypes.ArbError{Op: "maker.GetBBO", Err: err}
	}
	defer c.parserPool.Put(v.parser)
	bid, _ := decimal.NewFromString(string(v.GetStringBytes("bid")))
	ask, _ := decimal.NewFromString(string(v.GetStringBytes("ask")))
	bidSize, _ := decimal.NewFromString(string(v.GetStringBytes("bid_size")))
	askSize, _ := decimal.NewFromString(string(v.GetStringBytes("ask_size")))
	return xtypes.BBO{BestBid: bid, BestBidSize: bidSize, BestAsk: ask, BestAskSize: askSize, UpdatedAt: time.Now()}, nil
}

type placeOrderRequest struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	Type       string `json:"type"`
	ReduceOnly bool   `json:"reduce_only"`
}

func (c *Client) PlaceOrder(ctx context.Context, symbol string, side xtypes.Side, price, size decimal.Decimal, typ xtypes.OrderType, reduceOnly bool) (xtypes.PlacedOrder, error) {
	req := placeOrderRequest{Symbol: symbol, Side: string(side), Price: price.String(), Size: size.String(), Type: string(typ), ReduceOnly: reduceOnly}
	data, err := c.doRequest(ctx, http.MethodPost, "/v1/orders", req)
	if err != nil {
		return xtypes.PlacedOrder{}, &xtypes.ArbError{Op: "maker.PlaceOrder", Err: err}
	}
	v, err := c.parse(data)
	if err != nil {
		return xtypes.PlacedOrder{}, &xtypes.ArbError{Op: "maker.PlaceOrder", Err: err}
	}
	defer c.parserPool.Put(v.parser)
	return xtypes.PlacedOrder{OrderID: string(v.GetStringBytes("order_id"))}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (xtypes.CancelOutcome, error) {
	data, err := c.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/v1/orders/%s", orderID), nil)
	if err != nil {
		return xtypes.CancelOutcomeError, &xtypes.ArbError{Op: "maker.CancelOrder", Err: err}
	}
	v, err := c.parse(data)
	if err != nil {
		return xtypes.CancelOutcomeError, &xtypes.ArbError{Op: "maker.CancelOrder", Err: err}
	}
	defer c.parserPool.Put(v.parser)
	if string(v.GetStringBytes("status")) == "NOT_FOUND" {
		return xtypes.CancelOutcomeNotFound, nil
	}
	return xtypes.CancelOutcomeCancelled, nil
}

func (c *Client) ListOpenOrders(ctx context.Context, symbol string) (map[string]struct{}, error) {
	data, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/orders/open/%s", symbol), nil)
	if err != nil {
		return nil, &xtypes.ArbError{Op: "maker.ListOpenOrders", Err: err}
	}
	v, err := c.parse(data)
	if err != nil {
		return nil, &xtypes.ArbError{Op: "maker.ListOpenOrders", Err: err}
	}
	defer c.parserPool.Put(v.parser)
	ids := v.GetArray("order_ids")
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if sb, err := id.StringBytes(); err == nil {
			out[string(sb)] = struct{}{}
		}
	}
	return out, nil
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (decimal.Decimal, error) {
	data, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/positions/%s", symbol), nil)
	if err != nil {
		return decimal.Decimal{}, &xtypes.ArbError{Op: "maker.GetPosition", Err: err}
	}
	v, err := c.parse(data)
	if err != nil {
		return decimal.Decimal{}, &xtypes.ArbError{Op: "maker.GetPosition", Err: err}
	}
	defer c.parserPool.Put(v.parser)
	pos, err := decimal.NewFromString(string(v.GetStringBytes("position")))
	if err != nil {
		return decimal.Decimal{}, &xtypes.ArbError{Op: "maker.GetPosition", Err: err}
	}
	return pos, nil
}

func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/balance", nil)
	if err != nil {
		return decimal.Decimal{}, &xtypes.ArbError{Op: "maker.GetBalance", Err: err}
	}
	v, err := c.parse(data)
	if err != nil {
		return decimal.Decimal{}, &xtypes.ArbError{Op: "maker.GetBalance", Err: err}
	}
	defer c.parserPool.Put(v.parser)
	bal, err := decimal.NewFromString(string(v.GetStringBytes("free")))
	if err != nil {
		return decimal.Decimal{}, &xtypes.ArbError{Op: "maker.GetBalance", Err: err}
	}
	return bal, nil
}

func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	if _, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/orders/cancel-all/%s", symbol), nil); err != nil {
		return &xtypes.ArbError{Op: "maker.CancelAll", Err: err}
	}
	return nil
}

func (c *Client) ClosePosition(ctx context.Context, symbol string, signedSize decimal.Decimal) error {
	side := xtypes.SideSell
	if signedSize.IsNegative() {
		side = xtypes.SideBuy
	}
	_, err := c.PlaceOrder(ctx, symbol, side, decimal.Zero, signedSize.Abs(), xtypes.OrderTypeIOC, true)
	return err
}

func (c *Client) Market(symbol string) (xtypes.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.market, nil
}

func (c *Client) LastUpdateAge() (time.Duration, bool) { return 0, true }
func (c *Client) IsStale() bool                          { return false }

// pooledValue pairs a parsed fastjson.Value with the parser that owns its
// backing buffer, so callers can return the parser to the pool once they
// are done reading fields from the value.
type pooledValue struct {
	*fastjson.Value
	parser *fastjson.Parser
}

// parse parses body with a pooled fastjson.Parser. Callers must
// c.parserPool.Put(v.parser) once they are done reading fields; the
// returned Value (and any sub-values) are invalid afterwards.
func (c *Client) parse(body []byte) (pooledValue, error) {
	p := c.parserPool.Get()
	v, err := p.ParseBytes(body)
	if err != nil {
		c.parserPool.Put(p)
		return pooledValue{}, err
	}
	return pooledValue{Value: v, parser: p}, nil
}

// doRequest marshals body (if non-nil) with encoding/json, since fastjson
// is parse-only, and returns the raw response bytes for the caller to
// parse. An empty response (e.g. CancelAll) returns an empty slice.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("maker venue http %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

var _ venue.Adapter = (*Client)(nil)
