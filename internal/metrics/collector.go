// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/dbflow/internal/database"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 事务指标
	txTotal    *prometheus.CounterVec
	txDuration *prometheus.HistogramVec
	txActive   *prometheus.GaugeVec
	txRetries  *prometheus.CounterVec

	// 连接池指标
	poolOpen  *prometheus.GaugeVec
	poolInUse *prometheus.GaugeVec
	poolIdle  *prometheus.GaugeVec

	// 健康巡检指标
	healthScore         *prometheus.GaugeVec
	healthProbeDuration *prometheus.HistogramVec

	// 注册表指标
	registeredApps prometheus.Gauge
	sharedHandles  prometheus.Gauge

	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewCollector 创建指标收集器。使用独立的 prometheus.Registry，
// 避免同进程内多个 dbflow 实例的指标冲突。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	factory := func(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
		v := prometheus.NewCounterVec(opts, labels)
		reg.MustRegister(v)
		return v
	}

	c.txTotal = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Total transactions by tenant and final status.",
	}, []string{"tenant", "status"})

	c.txRetries = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transaction_retries_total",
		Help:      "Transaction attempts beyond the first, by tenant.",
	}, []string{"tenant"})

	c.txDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transaction_duration_seconds",
		Help:      "Transaction wall time from begin to final status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tenant", "status"})
	reg.MustRegister(c.txDuration)

	c.txActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transactions_active",
		Help:      "Currently active transactions by tenant.",
	}, []string{"tenant"})
	reg.MustRegister(c.txActive)

	c.poolOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_open_connections",
		Help:      "Open connections in the underlying pool.",
	}, []string{"tenant"})
	reg.MustRegister(c.poolOpen)

	c.poolInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_in_use_connections",
		Help:      "In-use connections in the underlying pool.",
	}, []string{"tenant"})
	reg.MustRegister(c.poolInUse)

	c.poolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_idle_connections",
		Help:      "Idle connections in the underlying pool.",
	}, []string{"tenant"})
	reg.MustRegister(c.poolIdle)

	c.healthScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "health_score",
		Help:      "Latest weighted health score (0-100) per tenant.",
	}, []string{"tenant"})
	reg.MustRegister(c.healthScore)

	c.healthProbeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "health_probe_duration_seconds",
		Help:      "Health probe round-trip latency per tenant.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"tenant"})
	reg.MustRegister(c.healthProbeDuration)

	c.registeredApps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registered_apps",
		Help:      "Number of registered applications.",
	})
	reg.MustRegister(c.registeredApps)

	c.sharedHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "shared_handles",
		Help:      "Number of live shared connection handles.",
	})
	reg.MustRegister(c.sharedHandles)

	return c
}

// Registry exposes the underlying prometheus registry for scraping.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// =============================================================================
// 🎯 记录方法
// =============================================================================

// ObserveTransaction records one finished transaction.
func (c *Collector) ObserveTransaction(tenant, status string, duration time.Duration, attempts int) {
	c.txTotal.WithLabelValues(tenant, status).Inc()
	c.txDuration.WithLabelValues(tenant, status).Observe(duration.Seconds())
	if attempts > 1 {
		c.txRetries.WithLabelValues(tenant).Add(float64(attempts - 1))
	}
}

// SetActiveTransactions updates the active-transaction gauge.
func (c *Collector) SetActiveTransactions(tenant string, n int) {
	c.txActive.WithLabelValues(tenant).Set(float64(n))
}

// ObservePool snapshots pool statistics into the pool gauges.
func (c *Collector) ObservePool(tenant string, stats database.PoolStats) {
	c.poolOpen.WithLabelValues(tenant).Set(float64(stats.OpenConnections))
	c.poolInUse.WithLabelValues(tenant).Set(float64(stats.InUse))
	c.poolIdle.WithLabelValues(tenant).Set(float64(stats.Idle))
}

// ObserveHealth records a health probe outcome.
func (c *Collector) ObserveHealth(tenant string, score int, latency time.Duration) {
	c.healthScore.WithLabelValues(tenant).Set(float64(score))
	c.healthProbeDuration.WithLabelValues(tenant).Observe(latency.Seconds())
}

// SetRegisteredApps updates the registered-application gauge.
func (c *Collector) SetRegisteredApps(n int) {
	c.registeredApps.Set(float64(n))
}

// SetSharedHandles updates the live shared-handle gauge.
func (c *Collector) SetSharedHandles(n int) {
	c.sharedHandles.Set(float64(n))
}

// DropTenant removes all per-tenant series after unregistration.
func (c *Collector) DropTenant(tenant string) {
	labels := prometheus.Labels{"tenant": tenant}
	c.txActive.Delete(labels)
	c.poolOpen.Delete(labels)
	c.poolInUse.Delete(labels)
	c.poolIdle.Delete(labels)
	c.healthScore.Delete(labels)
}
