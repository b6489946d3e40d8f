// Package metrics exposes the engine's operational counters and gauges via
// prometheus. All methods are safe on a nil receiver so components can run
// without a metrics sink in tests.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	fillsMatched       prometheus.Counter
	ordersResting      prometheus.Gauge
	betsPlaced         prometheus.Counter
	positionsOpened    prometheus.Counter
	liquidationsByTier *prometheus.CounterVec
	fundingSweeps      prometheus.Counter
	insuranceBalance   prometheus.Gauge
	snapshotWrites     prometheus.Counter
	effectsDispatched  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		fillsMatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "hedgemark_fills_matched_total",
			Help: "Order-book fills matched.",
		}),
		ordersResting: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hedgemark_orders_resting",
			Help: "Limit orders currently resting across all books.",
		}),
		betsPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "hedgemark_bets_placed_total",
			Help: "LMSR curve buys executed.",
		}),
		positionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "hedgemark_positions_opened_total",
			Help: "Perpetual positions opened.",
		}),
		liquidationsByTier: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedgemark_liquidations_total",
			Help: "Liquidation log records by tier.",
		}, []string{"tier"}),
		fundingSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "hedgemark_funding_sweeps_total",
			Help: "Funding settlement intervals applied.",
		}),
		insuranceBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hedgemark_insurance_fund_balance_tinybar",
			Help: "Insurance fund balance in tinybars.",
		}),
		snapshotWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "hedgemark_snapshot_writes_total",
			Help: "State snapshots written to disk.",
		}),
		effectsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedgemark_ledger_effects_total",
			Help: "Ledger effects dispatched, by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FillMatched() {
	if m != nil {
		m.fillsMatched.Inc()
	}
}

func (m *Metrics) SetOrdersResting(n int) {
	if m != nil {
		m.ordersResting.Set(float64(n))
	}
}

func (m *Metrics) BetPlaced() {
	if m != nil {
		m.betsPlaced.Inc()
	}
}

func (m *Metrics) PositionOpened() {
	if m != nil {
		m.positionsOpened.Inc()
	}
}

func (m *Metrics) Liquidation(tier int) {
	if m != nil {
		m.liquidationsByTier.WithLabelValues(strconv.Itoa(tier)).Inc()
	}
}

func (m *Metrics) FundingSweep() {
	if m != nil {
		m.fundingSweeps.Inc()
	}
}

func (m *Metrics) SetInsuranceBalance(tinybar int64) {
	if m != nil {
		m.insuranceBalance.Set(float64(tinybar))
	}
}

func (m *Metrics) SnapshotWritten() {
	if m != nil {
		m.snapshotWrites.Inc()
	}
}

func (m *Metrics) EffectDispatched(outcome string) {
	if m != nil {
		m.effectsDispatched.WithLabelValues(outcome).Inc()
	}
}
