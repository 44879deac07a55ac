package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	redisRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_requests_total",
			Help:      "Total number of Redis requests.",
		},
		[]string{"operation"}, // get, set, delete, lock
	)

	redisCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_cache_hits_total",
			Help:      "Total number of communication view cache hits.",
		},
	)

	redisCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_cache_misses_total",
			Help:      "Total number of communication view cache misses.",
		},
	)

	redisErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_errors_total",
			Help:      "Total number of Redis errors.",
		},
		[]string{"operation"},
	)

	redisRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redis_request_duration_seconds",
			Help:      "Redis request duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"operation"},
	)

	redisCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redis_used_memory_bytes",
			Help:      "Redis used_memory as reported by INFO memory.",
		},
	)
)

// registerRedisMetrics is called from Register.
func registerRedisMetrics() {
	prometheus.MustRegister(
		redisRequestsTotal,
		redisCacheHitsTotal,
		redisCacheMissesTotal,
		redisErrorsTotal,
		redisRequestDuration,
		redisCacheSize,
	)
}

// ObserveRedis records one Redis call that began at start.
func ObserveRedis(op string, start time.Time, err error) {
	redisRequestsTotal.WithLabelValues(op).Inc()
	redisRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		redisErrorsTotal.WithLabelValues(op).Inc()
	}
}

func IncRedisError(op string) {
	redisErrorsTotal.WithLabelValues(op).Inc()
}

func IncRedisHit()  { redisCacheHitsTotal.Inc() }
func IncRedisMiss() { redisCacheMissesTotal.Inc() }

func SetRedisUsedMemory(n int64) {
	redisCacheSize.Set(float64(max(n, 0)))
}
