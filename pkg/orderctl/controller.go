// Package orderctl implements the arbitrage leg state machine: maker
// price choice, POST_ONLY post, non-destructive fill poll, timeout/cancel
// resolution, taker hedge and the resulting ledger commit.
package orderctl

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/xarbitrage/xarb/pkg/ledger"
	"github.com/xarbitrage/xarb/pkg/venue"
	"github.com/xarbitrage/xarb/pkg/xtypes"
)

// Config carries the leg-execution tunables.
type Config struct {
	Symbol          string
	OrderSize       decimal.Decimal
	TickSize        decimal.Decimal
	FillTimeout     time.Duration // default 5s
	PollGrace       time.Duration // default 1s
	PollInterval    time.Duration // default 500ms
	HedgeSlip       decimal.Decimal
	ShutdownHedgeSlip decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.FillTimeout == 0 {
		c.FillTimeout = 5 * time.Second
	}
	if c.PollGrace == 0 {
		c.PollGrace = 1 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HedgeSlip.IsZero() {
		c.HedgeSlip = decimal.NewFromFloat(0.002)
	}
	if c.ShutdownHedgeSlip.IsZero() {
		c.ShutdownHedgeSlip = decimal.NewFromFloat(0.005)
	}
	return c
}

// Alerter is the minimal notification surface the controller needs; it is
// satisfied by pkg/notify.Notifier.
type Alerter interface {
	NotifyTrade(direction xtypes.Direction, makerPrice, takerPrice, size, spread decimal.Decimal, mPos, tPos decimal.Decimal)
	AlertHedgeFailure(direction xtypes.Direction, err error)
}

// Result is what a completed (or aborted) leg reports, for logging and
// the samples/trades CSV sinks.
type Result struct {
	Direction      xtypes.Direction
	Completed      bool
	MakerOrder     xtypes.OrderRecord
	TakerPrice     decimal.Decimal
	SpreadCaptured decimal.Decimal
}

// Controller executes one leg at a time. executing is a plain bool: the
// Supervisor never issues overlapping signals, so no lock is needed (§5).
type Controller struct {
	cfg Config

	maker venue.Adapter
	taker venue.Adapter
	pos   *ledger.Ledger
	alert Alerter
	log   *logrus.Entry

	// makerMarket/takerMarket are fetched once at construction and used to
	// truncate every order this controller places to venue-legal tick/step
	// increments; neither venue is expected to change precision mid-run.
	makerMarket xtypes.Market
	takerMarket xtypes.Market

	// hedgeErrLimiter throttles how often a hedge failure is alerted when
	// the taker venue is repeatedly rejecting orders, so a stuck venue
	// doesn't flood the notifier. The error log line is written every time.
	hedgeErrLimiter *rate.Limiter

	executing bool
}

func New(cfg Config, maker, taker venue.Adapter, pos *ledger.Ledger, alert Alerter, log *logrus.Entry) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg: cfg, maker: maker, taker: taker, pos: pos, alert: alert, log: log,
		hedgeErrLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
	if m, err := maker.Market(cfg.Symbol); err == nil {
		c.makerMarket = m
	} else {
		log.WithError(err).Warn("maker market metadata unavailable, orders will not be truncated")
	}
	if m, err := taker.Market(cfg.Symbol); err == nil {
		c.takerMarket = m
	} else {
		log.WithError(err).Warn("taker market metadata unavailable, orders will not be truncated")
	}
	return c
}

func (c *Controller) Busy() bool { return c.executing }

// Execute runs a full leg for direction and reports the outcome. Callers
// (the Supervisor) must only call this when Busy() is false.
func (c *Controller) Execute(ctx context.Context, direction xtypes.Direction, makerBBO, takerBBOSnapshot xtypes.BBO) Result {
	c.executing = true
	defer func() { c.executing = false }()

	correlationID := uuid.NewString()
	side := direction.MakerSide()
	price := c.makerPrice(direction, makerBBO)
	size := c.makerMarket.TruncateSize(c.cfg.OrderSize)

	order, err := c.maker.PlaceOrder(ctx, c.cfg.Symbol, side, price, size, xtypes.OrderTypePostOnly, false)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"direction": direction, "correlation_id": correlationID}).Warn("maker post rejected, leg aborted")
		return Result{Direction: direction, Completed: false}
	}

	record := xtypes.OrderRecord{
		OrderID: order.OrderID, Symbol: c.cfg.Symbol, Side: side,
		Price: price, Size: size, Status: xtypes.OrderStatusOpen, CreatedAt: time.Now(),
	}
	c.log.WithFields(logrus.Fields{"order_id": record.OrderID, "correlation_id": correlationID}).Debug("maker order posted")

	filled := c.pollForFill(ctx, record.OrderID)
	if !filled {
		outcome, cancelErr := c.maker.CancelOrder(ctx, c.cfg.Symbol, record.OrderID)
		switch outcome {
		case xtypes.CancelOutcomeCancelled:
			record.Status = xtypes.OrderStatusCancelled
			record.CancelledAt = time.Now()
			c.log.WithField("order_id", record.OrderID).Info("maker order cancelled on timeout, no hedge")
			return Result{Direction: direction, Completed: false, MakerOrder: record}
		case xtypes.CancelOutcomeNotFound:
			filled = true
		default:
			if cancelErr != nil {
				c.log.WithError(cancelErr).Warn("cancel returned ERROR, treating conservatively as cancelled")
			}
			record.Status = xtypes.OrderStatusCancelled
			record.CancelledAt = time.Now()
			return Result{Direction: direction, Completed: false, MakerOrder: record}
		}
	}

	record.Status = xtypes.OrderStatusFilled
	record.FilledAt = time.Now()

	return c.hedge(ctx, direction, record, takerBBOSnapshot)
}

func (c *Controller) makerPrice(direction xtypes.Direction, m xtypes.BBO) decimal.Decimal {
	var price decimal.Decimal
	if direction == xtypes.DirectionLongM {
		price = m.BestAsk.Sub(c.cfg.TickSize)
	} else {
		price = m.BestBid.Add(c.cfg.TickSize)
	}
	return c.makerMarket.TruncatePrice(price)
}

// pollForFill waits the initial grace period, then polls ListOpenOrders
// non-destructively until orderID is absent (filled) or FillTimeout
// elapses (timeout).
func (c *Controller) pollForFill(ctx context.Context, orderID string) bool {
	deadline := time.Now().Add(c.cfg.FillTimeout)

	select {
	case <-time.After(c.cfg.PollGrace):
	case <-ctx.Done():
		return false
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		open, err := c.maker.ListOpenOrders(ctx, c.cfg.Symbol)
		if err == nil {
			if _, stillOpen := open[orderID]; !stillOpen {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// hedge sends the IOC taker leg and commits the outcome to the ledger.
// takerSnapshot is the BBO captured before the hedge is sent; the spread
// is always accounted against this snapshot, never the IOC limit price.
func (c *Controller) hedge(ctx context.Context, direction xtypes.Direction, maker xtypes.OrderRecord, takerSnapshot xtypes.BBO) Result {
	takerSide := direction.TakerSide()
	slip := c.cfg.HedgeSlip

	var limit, estimated decimal.Decimal
	if takerSide == xtypes.SideBuy {
		limit = takerSnapshot.BestAsk.Mul(decimal.NewFromInt(1).Add(slip))
		estimated = takerSnapshot.BestAsk
	} else {
		limit = takerSnapshot.BestBid.Mul(decimal.NewFromInt(1).Sub(slip))
		estimated = takerSnapshot.BestBid
	}
	limit = c.takerMarket.TruncatePrice(limit)
	size := c.takerMarket.TruncateSize(maker.Size)

	_, err := c.taker.PlaceOrder(ctx, c.cfg.Symbol, takerSide, limit, size, xtypes.OrderTypeIOC, false)
	if err != nil {
		c.pos.UpdateM(maker.Side, maker.Size)
		if c.alert != nil && c.hedgeErrLimiter.Allow() {
			c.alert.AlertHedgeFailure(direction, errors.Wrap(err, "taker hedge failed after maker fill"))
		}
		c.log.WithError(err).WithField("direction", direction).Error("hedge failed after maker fill, ledger is M-only")
		return Result{Direction: direction, Completed: false, MakerOrder: maker}
	}

	c.pos.RecordArbTrade(direction, maker.Size)

	var spread decimal.Decimal
	if direction == xtypes.DirectionLongM {
		spread = estimated.Sub(maker.Price)
	} else {
		spread = maker.Price.Sub(estimated)
	}

	if c.alert != nil {
		c.alert.NotifyTrade(direction, maker.Price, estimated, maker.Size, spread, c.pos.MPosition(), c.pos.TPosition())
	}

	return Result{Direction: direction, Completed: true, MakerOrder: maker, TakerPrice: estimated, SpreadCaptured: spread}
}
