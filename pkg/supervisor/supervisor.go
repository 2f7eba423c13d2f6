// Package supervisor ties the venue adapters, spread analyzer, order
// controller and position ledger into the 1 Hz main loop, plus the
// cooperative watchdogs and the graceful shutdown/reconciliation
// sequence.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/xarbitrage/xarb/pkg/book"
	"github.com/xarbitrage/xarb/pkg/datalog"
	"github.com/xarbitrage/xarb/pkg/ledger"
	"github.com/xarbitrage/xarb/pkg/metrics"
	"github.com/xarbitrage/xarb/pkg/notify"
	"github.com/xarbitrage/xarb/pkg/orderctl"
	"github.com/xarbitrage/xarb/pkg/spread"
	"github.com/xarbitrage/xarb/pkg/venue"
	"github.com/xarbitrage/xarb/pkg/xtypes"
)

const (
	heartbeatInterval   = 300 * time.Second
	balanceCheckInterval = 10 * time.Second
	tickInterval         = 1 * time.Second
)

// Sessioner is implemented by adapters that require periodic credential
// renewal (the maker venue). Adapters that don't need it simply aren't
// passed a non-nil Sessioner.
type Sessioner interface {
	Renew(ctx context.Context) error
	NeedsRenewal() bool
}

// Reconnecter is implemented by push-fed adapters so the staleness
// watchdog can force a reconnect.
type Reconnecter interface {
	ForceReconnect()
}

// Config carries the Supervisor's tunables, independent of the leg
// execution config owned by orderctl.
type Config struct {
	Symbol         string
	OrderQty       decimal.Decimal
	MinBalance     decimal.Decimal
	LockDir        string
	StaleThreshold time.Duration
}

// Supervisor is the single cooperative task that owns the main loop; its
// watchdogs are independent cooperative tasks coordinated only through
// the shared BookCache, ledger and a single stop signal.
type Supervisor struct {
	cfg Config

	maker venue.Adapter
	taker venue.Adapter

	makerSession Sessioner
	takerStream  Reconnecter

	book     *book.Cache
	analyzer *spread.Analyzer
	pos      *ledger.Ledger
	ctrl     *orderctl.Controller
	notifier notify.Notifier
	store    *datalog.Store
	log      *logrus.Entry

	fileLock *flock.Flock

	stopOnce   sync.Once
	stopReason atomic.Value // string

	lastHeartbeat time.Time
	lastBalance   time.Time
	belowBalance  bool

	startedAt time.Time
}

func New(cfg Config, maker, taker venue.Adapter, bk *book.Cache, an *spread.Analyzer, pos *ledger.Ledger, ctrl *orderctl.Controller, notifier notify.Notifier, store *datalog.Store, log *logrus.Entry) *Supervisor {
	s := &Supervisor{
		cfg: cfg, maker: maker, taker: taker, book: bk, analyzer: an, pos: pos,
		ctrl: ctrl, notifier: notifier, store: store, log: log,
	}
	if sess, ok := maker.(Sessioner); ok {
		s.makerSession = sess
	}
	if rc, ok := taker.(Reconnecter); ok {
		s.takerStream = rc
	}
	return s
}

// RequestStop is idempotent: the first call latches the reason, every
// subsequent call (including from repeated interrupts during shutdown)
// is a no-op.
func (s *Supervisor) RequestStop(reason string) {
	s.stopOnce.Do(func() {
		s.stopReason.Store(reason)
		s.log.WithField("reason", reason).Warn("stop requested")
	})
}

func (s *Supervisor) stopRequested() (string, bool) {
	v := s.stopReason.Load()
	if v == nil {
		return "", false
	}
	return v.(string), true
}

// Run acquires the per-symbol lock, connects both adapters, then runs the
// main loop alongside the watchdogs under a single errgroup until a stop
// is requested or ctx is cancelled, finishing with graceful shutdown.
func (s *Supervisor) Run(ctx context.Context) (exitCode int, err error) {
	if s.cfg.LockDir != "" {
		s.fileLock = flock.New(fmt.Sprintf("%s/%s.lock", s.cfg.LockDir, s.cfg.Symbol))
		locked, lerr := s.fileLock.TryLock()
		if lerr != nil || !locked {
			return 1, fmt.Errorf("another instance is already trading %s", s.cfg.Symbol)
		}
		defer s.fileLock.Unlock()
	}

	if err := s.maker.Connect(ctx); err != nil {
		return 1, fmt.Errorf("connect maker: %w", err)
	}
	if err := s.taker.Connect(ctx); err != nil {
		return 1, fmt.Errorf("connect taker: %w", err)
	}

	s.startedAt = time.Now()
	s.lastHeartbeat = s.startedAt
	if s.notifier != nil {
		s.notifier.NotifyStart(s.cfg.Symbol)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.mainLoop(gctx, cancel) })
	if s.makerSession != nil {
		g.Go(func() error { return s.sessionWatchdog(gctx) })
	}
	if s.takerStream != nil {
		g.Go(func() error { return s.staleWatchdog(gctx) })
	}

	runErr := g.Wait()
	if runErr != nil && runErr != context.Canceled {
		s.log.WithError(runErr).Error("main loop exited with error")
	}

	reason, _ := s.stopRequested()
	shutdownErr := s.shutdown(context.Background(), reason)

	switch reason {
	case "divergence", "insufficient funds":
		return 2, shutdownErr
	case "":
		return 0, shutdownErr
	default:
		return 0, shutdownErr
	}
}

// mainLoop runs one tick per second: refresh, sample, signal, heartbeat,
// balance check, divergence check, risk check, execute. Divergence is
// checked before the risk pause because a diverged ledger always fails
// the risk check too.
func (s *Supervisor) mainLoop(ctx context.Context, cancel context.CancelFunc) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, stopping := s.stopRequested(); stopping {
			cancel()
			return nil
		}

		s.tick(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	mBBO, mErr := s.maker.GetBBO(ctx, s.cfg.Symbol)
	tBBO, tErr := s.taker.GetBBO(ctx, s.cfg.Symbol)
	if mErr != nil || tErr != nil {
		s.log.WithError(multierr.Combine(mErr, tErr)).Warn("BBO refresh failed, skipping tick")
		return
	}
	s.book.Set("maker", s.cfg.Symbol, mBBO)
	s.book.Set("taker", s.cfg.Symbol, tBBO)

	if !mBBO.Complete() || !tBBO.Complete() {
		s.log.Debug("book incomplete, skipping tick")
		return
	}

	sample := s.analyzer.Update(mBBO, tBBO)
	sig, hasSig := s.analyzer.Signal()

	metrics.SetDiffs(sample.DiffLong.InexactFloat64(), sample.DiffShort.InexactFloat64())
	metrics.SetPositions(s.pos.MPosition().InexactFloat64(), s.pos.TPosition().InexactFloat64())

	signalStr := ""
	if hasSig {
		signalStr = string(sig)
	}
	if s.store != nil {
		if err := s.store.LogSample(mBBO, tBBO, sample.DiffLong, sample.DiffShort, s.analyzer.AvgLong(), s.analyzer.AvgShort(), signalStr); err != nil {
			s.log.WithError(err).Warn("failed to write sample row")
		}
	}

	now := time.Now()
	if now.Sub(s.lastHeartbeat) >= heartbeatInterval {
		s.lastHeartbeat = now
		if s.notifier != nil {
			s.notifier.NotifyHeartbeat(sample.DiffLong, sample.DiffShort, s.analyzer.AvgLong(), s.analyzer.AvgShort(), s.pos.MPosition(), s.pos.TPosition())
		}
	}

	if !s.analyzer.WarmedUp() {
		return
	}

	if now.Sub(s.lastBalance) >= balanceCheckInterval {
		s.lastBalance = now
		s.checkBalances(ctx)
	}

	if s.pos.Diverged() {
		if s.notifier != nil {
			s.notifier.AlertDivergence(s.pos.MPosition(), s.pos.TPosition())
		}
		s.RequestStop("divergence")
		return
	}

	if !s.pos.CheckRisk() {
		return
	}

	if hasSig && !s.ctrl.Busy() {
		if (sig == xtypes.DirectionLongM && s.pos.CanLongM()) || (sig == xtypes.DirectionShortM && s.pos.CanShortM()) {
			res := s.ctrl.Execute(ctx, sig, mBBO, tBBO)
			if res.Completed && s.store != nil {
				if err := s.store.LogTrade(sig, sig.MakerSide(), sig.TakerSide(), res.MakerOrder.Price, res.MakerOrder.Size, res.TakerPrice, res.MakerOrder.Size, res.SpreadCaptured, s.pos.MPosition(), s.pos.TPosition()); err != nil {
					s.log.WithError(err).Warn("failed to write trade row")
				}
				metrics.IncTrade(string(sig))
			} else if !res.Completed && res.MakerOrder.Status == xtypes.OrderStatusFilled {
				metrics.IncHedgeFailure()
			}
		}
	}
}

// checkBalances implements the two-strikes policy: a single query
// failure is silently skipped; only the second consecutive below-floor
// reading, 3s apart, trips shutdown.
func (s *Supervisor) checkBalances(ctx context.Context) {
	mBal, mErr := s.maker.GetBalance(ctx)
	tBal, tErr := s.taker.GetBalance(ctx)
	if mErr != nil || tErr != nil {
		return
	}
	below := mBal.LessThan(s.cfg.MinBalance) || tBal.LessThan(s.cfg.MinBalance)
	if !below {
		s.belowBalance = false
		return
	}
	if !s.belowBalance {
		s.belowBalance = true
		time.Sleep(3 * time.Second)
		mBal2, mErr2 := s.maker.GetBalance(ctx)
		tBal2, tErr2 := s.taker.GetBalance(ctx)
		if mErr2 != nil || tErr2 != nil {
			return
		}
		if mBal2.LessThan(s.cfg.MinBalance) || tBal2.LessThan(s.cfg.MinBalance) {
			s.RequestStop("insufficient funds")
		} else {
			s.belowBalance = false
		}
		return
	}
	s.RequestStop("insufficient funds")
}

func (s *Supervisor) sessionWatchdog(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc("@every 5s", func() {
		if s.makerSession.NeedsRenewal() {
			if err := s.makerSession.Renew(ctx); err != nil {
				s.log.WithError(err).Warn("session renewal failed")
			}
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	c.Stop()
	return ctx.Err()
}

func (s *Supervisor) staleWatchdog(ctx context.Context) error {
	threshold := s.cfg.StaleThreshold
	if threshold == 0 {
		threshold = 30 * time.Second
	}
	select {
	case <-time.After(threshold):
	case <-ctx.Done():
		return ctx.Err()
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.taker.IsStale() {
				s.log.Warn("taker stream stale, forcing reconnect")
				s.takerStream.ForceReconnect()
			}
		}
	}
}

// shutdown implements the six-step graceful sequence of §4.5.
func (s *Supervisor) shutdown(ctx context.Context, reason string) error {
	s.log.WithField("reason", reason).Info("beginning graceful shutdown")
	var errs error

	if s.makerSession != nil {
		stepCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := s.makerSession.Renew(stepCtx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("force session renewal: %w", err))
		}
		cancel()
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := s.maker.CancelAll(cancelCtx, s.cfg.Symbol); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("cancel-all maker: %w", err))
	}
	if err := s.taker.CancelAll(cancelCtx, s.cfg.Symbol); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("cancel-all taker: %w", err))
	}
	cancel()

	time.Sleep(1 * time.Second)

	mResidual, tResidual, recErr := s.reconcileAndClose(ctx)
	if recErr != nil {
		errs = multierr.Append(errs, recErr)
	}

	orderQtyFloor := s.cfg.OrderQty.Div(decimal.NewFromInt(10))
	if mResidual.Abs().GreaterThanOrEqual(orderQtyFloor) || tResidual.Abs().GreaterThanOrEqual(orderQtyFloor) {
		s.log.WithFields(logrus.Fields{"m_residual": mResidual, "t_residual": tResidual}).Error("shutdown close failed to fully flatten positions")
		if s.notifier != nil {
			s.notifier.AlertShutdownResidual(mResidual, tResidual)
		}
	}

	disconnectCtx, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	if err := s.maker.Disconnect(disconnectCtx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := s.taker.Disconnect(disconnectCtx); err != nil {
		errs = multierr.Append(errs, err)
	}
	cancel2()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if s.notifier != nil {
		long, short := s.pos.Counts()
		s.notifier.NotifyStop(reason, time.Since(s.startedAt).Hours(), long+short)
	}

	return errs
}

// reconcileAndClose runs up to 3 attempts of authoritative-read (falling
// back to the ledger), conservative max-magnitude pick, and reduce-only
// close. The attempts decide how much to close; the residual returned to
// the caller comes from a final, unblended verification read (§4.5 step
// 5), so a position actually flattened by the last attempt isn't
// reported as still open just because an earlier attempt saw it larger.
func (s *Supervisor) reconcileAndClose(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	var errs error
	floor := s.cfg.OrderQty.Div(decimal.NewFromInt(10))

	mPos, tPos := s.pos.MPosition(), s.pos.TPosition()

	for attempt := 0; attempt < 3; attempt++ {
		readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		mAuth, mErr := s.maker.GetPosition(readCtx, s.cfg.Symbol)
		tAuth, tErr := s.taker.GetPosition(readCtx, s.cfg.Symbol)
		cancel()

		if mErr == nil && mAuth.Abs().GreaterThan(mPos.Abs()) {
			mPos = mAuth
		} else if mErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("reconcile maker read: %w", mErr))
		}
		if tErr == nil && tAuth.Abs().GreaterThan(tPos.Abs()) {
			tPos = tAuth
		} else if tErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("reconcile taker read: %w", tErr))
		}
		s.pos.SetPositions(mPos, tPos)

		if mPos.Abs().LessThan(floor) && tPos.Abs().LessThan(floor) {
			break
		}

		closeCtx, cancel2 := context.WithTimeout(ctx, 10*time.Second)
		if mPos.Abs().GreaterThanOrEqual(floor) {
			if err := s.maker.ClosePosition(closeCtx, s.cfg.Symbol, mPos); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("close maker: %w", err))
			}
		}
		if tPos.Abs().GreaterThanOrEqual(floor) {
			if err := s.taker.ClosePosition(closeCtx, s.cfg.Symbol, tPos); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("close taker: %w", err))
			}
		}
		cancel2()

		time.Sleep(3 * time.Second)
	}

	finalCtx, cancel4 := context.WithTimeout(ctx, 10*time.Second)
	if v, err := s.maker.GetPosition(finalCtx, s.cfg.Symbol); err == nil {
		mPos = v
	} else {
		errs = multierr.Append(errs, fmt.Errorf("final verification maker read: %w", err))
	}
	if v, err := s.taker.GetPosition(finalCtx, s.cfg.Symbol); err == nil {
		tPos = v
	} else {
		errs = multierr.Append(errs, fmt.Errorf("final verification taker read: %w", err))
	}
	cancel4()
	s.pos.SetPositions(mPos, tPos)

	return mPos, tPos, errs
}
