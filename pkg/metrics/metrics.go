// 文件: pkg/metrics/metrics.go
// Prometheus 指标
//
// 全进程一份注册表，第一次调用 Default() 时注册。
// 所有方法对 nil 接收者安全，未启用指标时直接传 nil。

package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics 引擎与清算指标
type Metrics struct {
	commands        *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	drawnIndex      *prometheus.GaugeVec
	drawnRate       *prometheus.GaugeVec
	liquidity       *prometheus.GaugeVec
	liquidations    *prometheus.CounterVec
	debtRepaid      *prometheus.CounterVec
	accountsByLevel *prometheus.GaugeVec
	checkpoints     *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	defaultReg  *Metrics
)

// New 创建指标并注册到 reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubspoke_commands_total",
			Help: "Commands processed by the sequencer, by type and result.",
		}, []string{"type", "result"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hubspoke_command_duration_seconds",
			Help:    "Time spent applying a command on the sequencer loop.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"type"}),
		drawnIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hubspoke_drawn_index",
			Help: "Hub drawn index per asset (ray scaled to 1.0).",
		}, []string{"asset"}),
		drawnRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hubspoke_drawn_rate",
			Help: "Hub annual drawn rate per asset.",
		}, []string{"asset"}),
		liquidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hubspoke_available_liquidity",
			Help: "Hub idle liquidity per asset in token units.",
		}, []string{"asset"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubspoke_liquidations_total",
			Help: "Liquidation attempts by spoke and result.",
		}, []string{"spoke", "result"}),
		debtRepaid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubspoke_liquidation_debt_repaid",
			Help: "Debt repaid by liquidations in token units, by spoke and reserve.",
		}, []string{"spoke", "reserve"}),
		accountsByLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hubspoke_accounts_by_risk_level",
			Help: "Monitored accounts per risk level.",
		}, []string{"level"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubspoke_checkpoints_total",
			Help: "State checkpoints written, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.commands,
			m.commandLatency,
			m.drawnIndex,
			m.drawnRate,
			m.liquidity,
			m.liquidations,
			m.debtRepaid,
			m.accountsByLevel,
			m.checkpoints,
		)
	}
	return m
}

// Default 注册到 prometheus 默认注册表的单例
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultReg = New(prometheus.DefaultRegisterer)
	})
	return defaultReg
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveCommand 记录一条命令
func (m *Metrics) ObserveCommand(typ string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(typ, result(err)).Inc()
	m.commandLatency.WithLabelValues(typ).Observe(d.Seconds())
}

// SetAsset 刷新资产的指数、利率和流动性
func (m *Metrics) SetAsset(assetID uint32, decimals uint8, index, rate, liquidity *uint256.Int) {
	if m == nil {
		return
	}
	label := fmt.Sprintf("%d", assetID)
	m.drawnIndex.WithLabelValues(label).Set(Scale(index, 27))
	m.drawnRate.WithLabelValues(label).Set(Scale(rate, 27))
	m.liquidity.WithLabelValues(label).Set(Scale(liquidity, int32(decimals)))
}

// ObserveLiquidation 记录一次清算尝试
func (m *Metrics) ObserveLiquidation(spoke string, reserve uint32, decimals uint8, repaid *uint256.Int, err error) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(spoke, result(err)).Inc()
	if err == nil && repaid != nil {
		m.debtRepaid.WithLabelValues(spoke, fmt.Sprintf("%d", reserve)).Add(Scale(repaid, int32(decimals)))
	}
}

// SetAccountsByLevel 风险等级分布
func (m *Metrics) SetAccountsByLevel(level string, n int) {
	if m == nil {
		return
	}
	m.accountsByLevel.WithLabelValues(level).Set(float64(n))
}

// ObserveCheckpoint 记录一次状态落盘
func (m *Metrics) ObserveCheckpoint(err error) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(result(err)).Inc()
}

// Scale 定点数 -> float64，x / 10^decimals
func Scale(x *uint256.Int, decimals int32) float64 {
	if x == nil {
		return 0
	}
	return decimal.NewFromBigInt(x.ToBig(), -decimals).InexactFloat64()
}
