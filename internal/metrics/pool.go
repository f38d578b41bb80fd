package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a point-in-time view of a snapshot store's connection pool.
// Max is zero when the pool size is unknown.
type PoolStats struct {
	InUse int
	Idle  int
	Total int
	Max   int
}

// PgxPoolStats adapts a pgx pool to [RegisterPoolMetrics].
func PgxPoolStats(pool *pgxpool.Pool) func() PoolStats {
	return func() PoolStats {
		stat := pool.Stat()
		return PoolStats{
			InUse: int(stat.AcquiredConns()),
			Idle:  int(stat.IdleConns()),
			Total: int(stat.TotalConns()),
			Max:   int(stat.MaxConns()),
		}
	}
}

var (
	poolInUseDesc = prometheus.NewDesc("splitsdk_snapshot_pool_in_use", "Snapshot store connections currently in use.", []string{"store"}, nil)
	poolIdleDesc  = prometheus.NewDesc("splitsdk_snapshot_pool_idle", "Idle snapshot store connections.", []string{"store"}, nil)
	poolTotalDesc = prometheus.NewDesc("splitsdk_snapshot_pool_total", "Open snapshot store connections.", []string{"store"}, nil)
	poolMaxDesc   = prometheus.NewDesc("splitsdk_snapshot_pool_max", "Configured snapshot store pool size.", []string{"store"}, nil)
)

// poolCollector samples pool statistics on scrape.
type poolCollector struct {
	store string
	stats func() PoolStats
}

// RegisterPoolMetrics exposes connection statistics for the snapshot store
// named store. stats runs on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, store string, stats func() PoolStats) error {
	return reg.Register(&poolCollector{store: store, stats: stats})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolInUseDesc
	ch <- poolIdleDesc
	ch <- poolTotalDesc
	ch <- poolMaxDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(poolInUseDesc, prometheus.GaugeValue, float64(s.InUse), c.store)
	ch <- prometheus.MustNewConstMetric(poolIdleDesc, prometheus.GaugeValue, float64(s.Idle), c.store)
	ch <- prometheus.MustNewConstMetric(poolTotalDesc, prometheus.GaugeValue, float64(s.Total), c.store)
	if s.Max > 0 {
		ch <- prometheus.MustNewConstMetric(poolMaxDesc, prometheus.GaugeValue, float64(s.Max), c.store)
	}
}
