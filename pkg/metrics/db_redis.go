package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	DbPoolOpen      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_open", Help: "Current open DB connections"})
	DbPoolIdle      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_idle"})
	DbPoolInuse     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_inuse"})
	DbPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_wait_count"})

	RedisPoolTotal = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_total"})
	RedisPoolIdle  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_idle"})
	RedisTimeouts  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_timeouts"})
)

// CollectPools 周期性把连接池状态写到 gauge，rdb 可以为 nil
func CollectPools(ctx context.Context, db *sql.DB, rdb *redis.Client, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		Snapshot(db, rdb)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func Snapshot(db *sql.DB, rdb *redis.Client) {
	if db != nil {
		s := db.Stats()
		DbPoolOpen.Set(float64(s.OpenConnections))
		DbPoolIdle.Set(float64(s.Idle))
		DbPoolInuse.Set(float64(s.InUse))
		DbPoolWaitCount.Set(float64(s.WaitCount))
	}
	if rdb != nil {
		s := rdb.PoolStats()
		RedisPoolTotal.Set(float64(s.TotalConns))
		RedisPoolIdle.Set(float64(s.IdleConns))
		RedisTimeouts.Set(float64(s.Timeouts))
	}
}
