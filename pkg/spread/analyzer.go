// Package spread implements the rolling-window differential engine: two
// bounded windows of the long/short spread, incremental means, a warm-up
// latch and the signal predicate that triggers an arbitrage leg.
package spread

import (
	"github.com/shopspring/decimal"

	"github.com/xarbitrage/xarb/pkg/xtypes"
)

const DefaultWindowSize = 500

// Config carries the analyzer's tunable thresholds.
type Config struct {
	WindowSize     int
	WarmupSamples  int
	LongThreshold  decimal.Decimal
	ShortThreshold decimal.Decimal
	MinSpread      decimal.Decimal
}

// window is a fixed-capacity ring buffer of decimals with a running sum,
// so the mean is recomputed in O(1) per update rather than O(n).
type window struct {
	buf   []decimal.Decimal
	cap   int
	next  int
	count int
	sum   decimal.Decimal
}

func newWindow(capacity int) *window {
	return &window{buf: make([]decimal.Decimal, capacity), cap: capacity, sum: decimal.Zero}
}

// push appends v, evicting the oldest sample once the window is full, and
// returns the post-eviction mean.
func (w *window) push(v decimal.Decimal) decimal.Decimal {
	if w.count < w.cap {
		w.buf[w.next] = v
		w.sum = w.sum.Add(v)
		w.count++
	} else {
		evicted := w.buf[w.next]
		w.buf[w.next] = v
		w.sum = w.sum.Sub(evicted).Add(v)
	}
	w.next = (w.next + 1) % w.cap
	return w.mean()
}

func (w *window) mean() decimal.Decimal {
	if w.count == 0 {
		return decimal.Zero
	}
	return w.sum.Div(decimal.NewFromInt(int64(w.count)))
}

// Sample is the per-tick diff_long/diff_short pair derived from both BBOs.
type Sample struct {
	DiffLong  decimal.Decimal
	DiffShort decimal.Decimal
}

// Analyzer holds the long/short windows and their state machine.
type Analyzer struct {
	cfg Config

	longWindow  *window
	shortWindow *window

	avgLong  decimal.Decimal
	avgShort decimal.Decimal

	sampleCount int
	warmedUp    bool

	last Sample
}

func New(cfg Config) *Analyzer {
	size := cfg.WindowSize
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Analyzer{
		cfg:         cfg,
		longWindow:  newWindow(size),
		shortWindow: newWindow(size),
	}
}

// Update computes diff_long/diff_short from the two BBOs, appends them to
// their windows, recomputes the means and latches warmed_up once
// sampleCount reaches warmup_samples.
func (a *Analyzer) Update(m, t xtypes.BBO) Sample {
	s := Sample{
		DiffLong:  t.BestBid.Sub(m.BestAsk),
		DiffShort: m.BestBid.Sub(t.BestAsk),
	}
	a.avgLong = a.longWindow.push(s.DiffLong)
	a.avgShort = a.shortWindow.push(s.DiffShort)
	a.sampleCount++
	if !a.warmedUp && a.sampleCount >= a.cfg.WarmupSamples {
		a.warmedUp = true
	}
	a.last = s
	return s
}

// Signal returns the triggered direction for the most recent Update, or
// false if warm-up hasn't latched or no threshold is exceeded. LONG_M is
// checked first and wins any simultaneous trigger (tie-break).
func (a *Analyzer) Signal() (xtypes.Direction, bool) {
	if !a.warmedUp {
		return "", false
	}
	longFloor := decimal.Max(a.avgLong.Add(a.cfg.LongThreshold), a.cfg.MinSpread)
	if a.last.DiffLong.GreaterThan(longFloor) {
		return xtypes.DirectionLongM, true
	}
	shortFloor := decimal.Max(a.avgShort.Add(a.cfg.ShortThreshold), a.cfg.MinSpread)
	if a.last.DiffShort.GreaterThan(shortFloor) {
		return xtypes.DirectionShortM, true
	}
	return "", false
}

func (a *Analyzer) WarmedUp() bool          { return a.warmedUp }
func (a *Analyzer) SampleCount() int        { return a.sampleCount }
func (a *Analyzer) AvgLong() decimal.Decimal  { return a.avgLong }
func (a *Analyzer) AvgShort() decimal.Decimal { return a.avgShort }
func (a *Analyzer) Last() Sample              { return a.last }

// WindowLen reports the current occupied length of the long window
// (both windows are always kept in lock-step), used by the bounded-window
// invariant check.
func (a *Analyzer) WindowLen() int { return a.longWindow.count }
