// Prometheus metrics for observability.
//
// Primary series the bot updates during operation:
//   - bot_net_pnl_points          - current net PnL in index points (gauge)
//   - bot_realized_pnl_points     - realized PnL in index points (gauge)
//   - bot_unrealized_pnl_points   - unrealized PnL in index points (gauge)
//   - bot_min_net_pnl_points      - session minimum net PnL (gauge)
//   - bot_max_net_pnl_points      - session maximum net PnL (gauge)
//   - bot_active_flies            - flies currently on the book (gauge)
//   - bot_closed_flies            - flies closed this session (gauge)
//   - bot_cycles_total            - monitoring cycles completed (counter)
//   - bot_exit_reasons_total{reason} - closes split by reason (counter)
//   - bot_save_failures_total     - snapshot saves that failed (counter)
//
// Registered in init() and served at /metrics in the Prometheus text
// exposition format.
package dashboard

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meetsang/spx-bot/internal/models"
	"github.com/meetsang/spx-bot/internal/pnl"
)

var (
	mtxNetPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_net_pnl_points",
		Help: "Current net PnL in index points",
	})

	mtxRealizedPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_realized_pnl_points",
		Help: "Realized PnL in index points",
	})

	mtxUnrealizedPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_unrealized_pnl_points",
		Help: "Unrealized PnL of active flies in index points",
	})

	mtxMinNetPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_min_net_pnl_points",
		Help: "Session minimum of net PnL in index points",
	})

	mtxMaxNetPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_max_net_pnl_points",
		Help: "Session maximum of net PnL in index points",
	})

	mtxActiveFlies = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_active_flies",
		Help: "Flies currently on the book",
	})

	mtxClosedFlies = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_closed_flies",
		Help: "Flies closed this session",
	})

	mtxCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_cycles_total",
		Help: "Monitoring cycles completed",
	})

	mtxExitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exit_reasons_total",
			Help: "Fly closes split by reason",
		},
		[]string{"reason"},
	)

	mtxSaveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_save_failures_total",
		Help: "Snapshot saves that failed",
	})
)

func init() {
	prometheus.MustRegister(mtxNetPnL, mtxRealizedPnL, mtxUnrealizedPnL, mtxMinNetPnL, mtxMaxNetPnL)
	prometheus.MustRegister(mtxActiveFlies, mtxClosedFlies)
	prometheus.MustRegister(mtxCycles, mtxExitReasons, mtxSaveFailures)
}

// ObserveCycle publishes one valuation pass to the gauges.
func ObserveCycle(res pnl.Result, state *models.StrategyState) {
	mtxCycles.Inc()
	mtxNetPnL.Set(res.Net.InexactFloat64())
	mtxRealizedPnL.Set(res.Realized.InexactFloat64())
	mtxUnrealizedPnL.Set(res.Unrealized.InexactFloat64())
	mtxMinNetPnL.Set(state.MinNetPnL.InexactFloat64())
	mtxMaxNetPnL.Set(state.MaxNetPnL.InexactFloat64())
	mtxActiveFlies.Set(float64(len(state.ActiveFlies)))
	mtxClosedFlies.Set(float64(len(state.ClosedFlies)))
}

// IncExitReason counts one fly close by reason.
func IncExitReason(reason string) { mtxExitReasons.WithLabelValues(reason).Inc() }

// IncSaveFailure counts one failed snapshot save.
func IncSaveFailure() { mtxSaveFailures.Inc() }
