// Package takerclient is the push-fed adapter for the taker venue (T): a
// websocket stream maintains an in-process BBO cache with GetBBO reading
// it non-blockingly, while GetPosition/GetBalance never use the cache and
// always read authoritatively over REST.
package takerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/valyala/fastjson"

	"github.com/xarbitrage/xarb/pkg/venue"
	"github.com/xarbitrage/xarb/pkg/xtypes"
)

const StaleThreshold = 30 * time.Second

type Config struct {
	WSURL          string
	RESTBaseURL    string
	APIKey         string
	AccountIndex   string
	APIKeyIndex    string
	Symbol         string
	TickSize       decimal.Decimal
	StepSize       decimal.Decimal
	ReconnectDelay time.Duration // initial reconnect backoff, default 3s, growing exponentially to 30s
}

// Client is the taker venue adapter. GetBBO is a cache read maintained by
// a background stream reader; position/balance reads always go to REST.
// Every wire message, both the REST replies and the websocket ticker
// frames, is parsed with fastjson rather than encoding/json: the ticker
// frame in particular arrives many times a second and none of these
// payloads need struct-tag reflection, only a handful of fields pulled
// straight off the wire.
type Client struct {
	cfg        Config
	rest       *retryablehttp.Client
	parserPool fastjson.ParserPool

	mu        sync.RWMutex
	bbo       xtypes.BBO
	lastWrite time.Time
	market    xtypes.Market

	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Client {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &Client{cfg: cfg, rest: rc}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.market = xtypes.Market{Symbol: c.cfg.Symbol, TickSize: c.cfg.TickSize, StepSize: c.cfg.StepSize}
	c.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.runStream(streamCtx)
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return nil
}

// runStream owns the websocket connection for the stream's lifetime,
// reconnecting with exponential backoff (capped) whenever the connection
// drops or the staleness watchdog tears it down.
func (c *Client) runStream(ctx context.Context) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectDelay
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // never give up backing off

	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, nil)
		if err != nil {
			select {
			case <-time.After(b.NextBackOff()):
				continue
			case <-ctx.Done():
				return
			}
		}
		b.Reset()

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.readLoop(ctx, conn)

		conn.Close()
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		p := c.parserPool.Get()
		v, err := p.ParseBytes(data)
		if err != nil {
			c.parserPool.Put(p)
			continue
		}
		bid, _ := decimal.NewFromString(string(v.GetStringBytes("bid")))
		ask, _ := decimal.NewFromString(string(v.GetStringBytes("ask")))
		bidSize, _ := decimal.NewFromString(string(v.GetStringBytes("bid_size")))
		askSize, _ := decimal.NewFromString(string(v.GetStringBytes("ask_size")))
		c.parserPool.Put(p)

		c.mu.Lock()
		c.bbo = xtypes.BBO{BestBid: bid, BestBidSize: bidSize, BestAsk: ask, BestAskSize: askSize, UpdatedAt: time.Now()}
		c.lastWrite = time.Now()
		c.mu.Unlock()
	}
}

// ForceReconnect tears down the live connection so runStream reconnects;
// used by the stream-staleness watchdog.
func (c *Client) ForceReconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) GetBBO(ctx context.Context, symbol string) (xtypes.BBO, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bbo, nil
}

func (c *Client) LastUpdateAge() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastWrite.IsZero() {
		return 0, false
	}
	return time.Since(c.lastWrite), true
}

func (c *Client) IsStale() bool {
	age, ok := c.LastUpdateAge()
	return !ok || age > StaleThreshold
}

func (c *Client) PlaceOrder(ctx context.Context, symbol string, side xtypes.Side, price, size decimal.Decimal, typ xtypes.OrderType, reduceOnly bool) (xtypes.PlacedOrder, error) {
	body := map[string]interface{}{
		"symbol": symbol, "side": string(side), "price": price.String(), "size": size.String(),
		"type": string(typ), "reduce_only": reduceOnly,
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/v1/orders", body)
	if err != nil {
		return xtypes.PlacedOrder{}, &xtypes.ArbError{Op: "taker.PlaceOrder", Err: err}
	}
	v, err := c.parse(data)
	if err != nil {
		return xtypes.PlacedOrder{}, &xtypes.ArbError{Op: "taker.PlaceOrder", Err: err}
	}
	defer c.parserPool.Put(v.parser)
	return xtypes.PlacedOrder{OrderID: string(v.GetStringBytes("order_id"))}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (xtypes.CancelOutcome, error) {
	data, err := c.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/v1/orders/%s", orderID), nil)
	if err != nil {
		return xtypes.CancelOutcomeError, &xtypes.ArbError{Op: "taker.CancelOrder", Err: err}
	}
	v, err := c.parse(data)
	if err != nil {
		return xtypes.CancelOutcomeError, &xtypes.ArbError{Op: "taker.CancelOrder", Err: err}
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
		return nil, &xtypes.ArbError{Op: "taker.ListOpenOrders", Err: err}
	}
	v, err := c.parse(data)
	if err != nil {
		return nil, &xtypes.ArbError{Op: "taker.ListOpenOrders", Err: err}
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

// GetPosition bypasses the push cache (there is none for positions) and
// always performs an authoritative read; on failure it returns the error
// rather than a false zero.
func (c *Client) GetPosition(ctx context.Context, symbol string) (decimal.Decimal, error) {
	data, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/positions/%s", symbol), nil)
	if err != nil {
		return decimal.Decimal{}, &xtypes.ArbError{Op: "taker.GetPosition", Err: err}
	}
	v, err := c.parse(data)
	if err != nil {
		return decimal.Decimal{}, &xtypes.ArbError{Op: "taker.GetPosition", Err: err}
	}
	defer c.parserPool.Put(v.parser)
	pos, err := decimal.NewFromString(string(v.GetStringBytes("position")))
	if err != nil {
		return decimal.Decimal{}, &xtypes.ArbError{Op: "taker.GetPosition", Err: err}
	}
	return pos, nil
}

func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/balance", nil)
	if err != nil {
		return decimal.Decimal{}, &xtypes.ArbError{Op: "taker.GetBalance", Err: err}
	}
	v, err := c.parse(data)
	if err != nil {
		return decimal.Decimal{}, &xtypes.ArbError{Op: "taker.GetBalance", Err: err}
	}
	defer c.parserPool.Put(v.parser)
	bal, err := decimal.NewFromString(string(v.GetStringBytes("free")))
	if err != nil {
		return decimal.Decimal{}, &xtypes.ArbError{Op: "taker.GetBalance", Err: err}
	}
	return bal, nil
}

// CancelAll issues the narrower per-symbol sweep only; there is no
// account-wide fallback if that endpoint fails.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	if _, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/orders/cancel-all/%s", symbol), nil); err != nil {
		return &xtypes.ArbError{Op: "taker.CancelAll", Err: err}
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
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.market, nil
}

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
	var b []byte
	if body != nil {
		var err error
		b, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.cfg.RESTBaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.rest.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("taker venue http %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

var _ venue.Adapter = (*Client)(nil)
