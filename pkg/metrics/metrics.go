// Package metrics exposes the engine's Prometheus gauges and a /healthz
// endpoint. Observability is carried regardless of any feature Non-goal:
// it is ambient, not a strategy feature.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mPositionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xarb_m_position", Help: "signed position on the maker venue",
	})
	tPositionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xarb_t_position", Help: "signed position on the taker venue",
	})
	diffLongGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xarb_diff_long", Help: "current long spread differential",
	})
	diffShortGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xarb_diff_short", Help: "current short spread differential",
	})
	tradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xarb_trades_total", Help: "completed arbitrage trades",
	}, []string{"direction"})
	hedgeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xarb_hedge_failures_total", Help: "taker hedge failures after a maker fill",
	})
)

func init() {
	prometheus.MustRegister(mPositionGauge, tPositionGauge, diffLongGauge, diffShortGauge, tradesTotal, hedgeFailuresTotal)
}

func SetPositions(m, t float64) {
	mPositionGauge.Set(m)
	tPositionGauge.Set(t)
}

func SetDiffs(diffLong, diffShort float64) {
	diffLongGauge.Set(diffLong)
	diffShortGauge.Set(diffShort)
}

func IncTrade(direction string) {
	tradesTotal.WithLabelValues(direction).Inc()
}

func IncHedgeFailure() {
	hedgeFailuresTotal.Inc()
}

// Server hosts /metrics and /healthz on addr. healthFn reports readiness
// (e.g. both venues connected, not mid-shutdown).
type Server struct {
	srv *http.Server
}

func NewServer(addr string, healthFn func() error) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := healthFn(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
