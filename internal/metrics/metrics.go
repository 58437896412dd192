// Package metrics holds the Prometheus collectors of the trust substrate.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trust_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_ledger_appends_total",
		Help: "Total ledger rows appended through the gate, by chain.",
	}, []string{"chain"})

	chainConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_chain_conflicts_total",
		Help: "Total chain tail conflicts seen by audited writes, by chain.",
	}, []string{"chain"})

	chainVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_chain_verifications_total",
		Help: "Total chain verification runs by chain and verdict.",
	}, []string{"chain", "result"})

	isolationScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trust_isolation_score",
		Help: "Score of the most recent isolation certification run (0-100).",
	})

	sealsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trust_seals_total",
		Help: "Total evidence seals issued.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records a ledger row appended to chain.
func RecordAppend(chain string) {
	ledgerAppendsTotal.WithLabelValues(chain).Inc()
}

// RecordConflict records a lost race for the tail of chain.
func RecordConflict(chain string) {
	chainConflictsTotal.WithLabelValues(chain).Inc()
}

// RecordVerification records the verdict of one verifier run.
func RecordVerification(chain string, intact bool) {
	if intact {
		chainVerificationsTotal.WithLabelValues(chain, "intact").Inc()
	} else {
		chainVerificationsTotal.WithLabelValues(chain, "broken").Inc()
	}
}

// SetIsolationScore publishes the latest isolation score.
func SetIsolationScore(score float64) {
	isolationScore.Set(score)
}

// RecordSeal records an issued evidence seal.
func RecordSeal() {
	sealsTotal.Inc()
}
