// Package metrics provides Prometheus instrumentation for the agent.
package metrics

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts dashboard HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridagent",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gridagent",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActionsTotal counts game actions by character, action, and outcome.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridagent",
			Name:      "actions_total",
			Help:      "Total game API actions by character, action, and outcome.",
		},
		[]string{"char", "action", "outcome"},
	)

	// CooldownSeconds observes the cooldown each action imposed.
	CooldownSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gridagent",
			Name:      "cooldown_seconds",
			Help:      "Cooldown seconds returned per action.",
			Buckets:   []float64{1, 3, 5, 10, 20, 30, 60, 120},
		},
		[]string{"action"},
	)

	// RoutineRunsTotal counts routine executions by routine and outcome.
	RoutineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridagent",
			Name:      "routine_runs_total",
			Help:      "Total routine executions by routine name and outcome.",
		},
		[]string{"routine", "outcome"},
	)

	// OrdersFulfilledTotal counts order-board fulfillments.
	OrdersFulfilledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gridagent",
		Name:      "orders_fulfilled_total",
		Help:      "Total orders driven to remaining quantity zero.",
	})

	// OrderDepositsTotal counts deposit-hook contributions by kind.
	OrderDepositsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridagent",
			Name:      "order_deposits_total",
			Help:      "Total deposit-hook contributions, claimed vs opportunistic.",
		},
		[]string{"kind"},
	)

	// BankWithdrawalsTotal counts withdraw batch outcomes.
	BankWithdrawalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridagent",
			Name:      "bank_withdrawals_total",
			Help:      "Total bank withdraw lines by outcome.",
		},
		[]string{"outcome"},
	)

	// BankReservations tracks currently held bank reservations.
	BankReservations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridagent",
		Name:      "bank_reservations",
		Help:      "Number of currently held bank reservations.",
	})

	// BankRefreshesTotal counts bank cache refresh fetches.
	BankRefreshesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gridagent",
		Name:      "bank_refreshes_total",
		Help:      "Total bank cache refresh fetches issued.",
	})

	// ActiveWebSocketClients tracks connected dashboard WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridagent",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// SnapshotPublishesTotal counts status-bus snapshot publishes.
	SnapshotPublishesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gridagent",
		Name:      "snapshot_publishes_total",
		Help:      "Total status snapshots published to the bus.",
	})

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridagent", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActionsTotal,
		CooldownSeconds,
		RoutineRunsTotal,
		OrdersFulfilledTotal,
		OrderDepositsTotal,
		BankWithdrawalsTotal,
		BankReservations,
		BankRefreshesTotal,
		ActiveWebSocketClients,
		SnapshotPublishesTotal,
		GoroutineCount,
	)
}

// StartRuntimeCollector samples the goroutine count into its gauge.
// Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// statusBucket collapses status codes to their class to bound cardinality.
func statusBucket(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
