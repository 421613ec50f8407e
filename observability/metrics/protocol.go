package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ProtocolMetrics struct {
	positionsOpened   *prometheus.CounterVec
	positionsAdjusted *prometheus.CounterVec
	positionsClosed   *prometheus.CounterVec
	liquidatedDebt    *prometheus.CounterVec
	redeemedDebt      *prometheus.CounterVec
	interestCharged   *prometheus.CounterVec
	totalDebt         *prometheus.GaugeVec
	totalCollateral   *prometheus.GaugeVec
	poolDeposits      *prometheus.GaugeVec
	panicMode         *prometheus.GaugeVec
	requestDuration   *prometheus.HistogramVec
}

var (
	protocolOnce     sync.Once
	protocolRegistry *ProtocolMetrics
)

func Protocol() *ProtocolMetrics {
	protocolOnce.Do(func() {
		protocolRegistry = &ProtocolMetrics{
			positionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nusd_positions_opened_total",
				Help: "Count of opened positions by collateral type.",
			}, []string{"collateral"}),
			positionsAdjusted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nusd_positions_adjusted_total",
				Help: "Count of position adjustments by collateral type.",
			}, []string{"collateral"}),
			positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nusd_positions_closed_total",
				Help: "Count of closed positions by collateral type.",
			}, []string{"collateral"}),
			liquidatedDebt: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nusd_liquidated_debt_total",
				Help: "Cumulative debt cleared through liquidation by collateral type.",
			}, []string{"collateral"}),
			redeemedDebt: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nusd_redeemed_debt_total",
				Help: "Cumulative debt retired through redemption by collateral type.",
			}, []string{"collateral"}),
			interestCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nusd_interest_charged_total",
				Help: "Cumulative interest charged by sweeps per collateral type.",
			}, []string{"collateral"}),
			totalDebt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "nusd_total_debt",
				Help: "Outstanding stablecoin debt per collateral type.",
			}, []string{"collateral"}),
			totalCollateral: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "nusd_total_collateral",
				Help: "Locked collateral per collateral type.",
			}, []string{"collateral"}),
			poolDeposits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "nusd_pool_deposits",
				Help: "Stability pool stablecoin deposits per collateral type.",
			}, []string{"collateral"}),
			panicMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "nusd_pool_panic_mode",
				Help: "Whether the stability pool is refusing absorptions (1) or accepting them (0).",
			}, []string{"collateral"}),
			requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "nusd_http_request_duration_seconds",
				Help:    "HTTP request latency by route and status code.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			protocolRegistry.positionsOpened,
			protocolRegistry.positionsAdjusted,
			protocolRegistry.positionsClosed,
			protocolRegistry.liquidatedDebt,
			protocolRegistry.redeemedDebt,
			protocolRegistry.interestCharged,
			protocolRegistry.totalDebt,
			protocolRegistry.totalCollateral,
			protocolRegistry.poolDeposits,
			protocolRegistry.panicMode,
			protocolRegistry.requestDuration,
		)
	})
	return protocolRegistry
}

func (m *ProtocolMetrics) ObservePositionOpened(symbol string) {
	if m == nil {
		return
	}
	m.positionsOpened.WithLabelValues(symbol).Inc()
}

func (m *ProtocolMetrics) ObservePositionAdjusted(symbol string) {
	if m == nil {
		return
	}
	m.positionsAdjusted.WithLabelValues(symbol).Inc()
}

func (m *ProtocolMetrics) ObservePositionClosed(symbol string) {
	if m == nil {
		return
	}
	m.positionsClosed.WithLabelValues(symbol).Inc()
}

func (m *ProtocolMetrics) ObserveLiquidatedDebt(symbol string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.liquidatedDebt.WithLabelValues(symbol).Add(amount)
}

func (m *ProtocolMetrics) ObserveRedeemedDebt(symbol string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.redeemedDebt.WithLabelValues(symbol).Add(amount)
}

func (m *ProtocolMetrics) ObserveInterestCharged(symbol string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.interestCharged.WithLabelValues(symbol).Add(amount)
}

func (m *ProtocolMetrics) SetTotals(symbol string, debt, collateral float64) {
	if m == nil {
		return
	}
	m.totalDebt.WithLabelValues(symbol).Set(debt)
	m.totalCollateral.WithLabelValues(symbol).Set(collateral)
}

func (m *ProtocolMetrics) SetPoolDeposits(symbol string, deposits float64) {
	if m == nil {
		return
	}
	m.poolDeposits.WithLabelValues(symbol).Set(deposits)
}

func (m *ProtocolMetrics) SetPanicMode(symbol string, active bool) {
	if m == nil {
		return
	}
	value := 0.0
	if active {
		value = 1
	}
	m.panicMode.WithLabelValues(symbol).Set(value)
}

func (m *ProtocolMetrics) ObserveRequest(route, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, status).Observe(took.Seconds())
}
