// Package metrics registers the control plane's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the control plane.
type Metrics struct {
	// Gateway
	GatewayRequests *prometheus.CounterVec   // capability, status
	GatewayLatency  *prometheus.HistogramVec // capability
	RateLimited     *prometheus.CounterVec   // capability
	BreakerTrips    *prometheus.CounterVec   // instance
	SpendingBlocks  *prometheus.CounterVec   // scope

	// Meter pipeline
	MeterEmitted  prometheus.Counter
	MeterFlushed  prometheus.Counter
	MeterRetries  prometheus.Counter
	MeterDLQ      prometheus.Counter
	MeterBuffered prometheus.Gauge

	// Ledger
	LedgerWrites *prometheus.CounterVec // type, outcome

	// Fleet
	NodesByStatus    *prometheus.GaugeVec   // status
	CommandsSent     *prometheus.CounterVec // type, outcome
	RecoveryOutcomes *prometheus.CounterVec // status
	MigrationTime    prometheus.Histogram
}

// New creates and registers the metric set on the default registry.
func New() *Metrics {
	return &Metrics{
		GatewayRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Gateway requests by capability and HTTP status",
			},
			[]string{"capability", "status"},
		),
		GatewayLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Gateway end-to-end request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"capability"},
		),
		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Requests rejected by the capability rate limiter",
			},
			[]string{"capability"},
		),
		BreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_breaker_trips_total",
				Help: "Circuit breaker trips by instance",
			},
			[]string{"instance"},
		),
		SpendingBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_spending_blocks_total",
				Help: "Requests blocked by a spending hard cap",
			},
			[]string{"scope"},
		),
		MeterEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meter_events_emitted_total",
			Help: "Meter events accepted by the emitter",
		}),
		MeterFlushed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meter_events_flushed_total",
			Help: "Meter events committed to the database",
		}),
		MeterRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meter_flush_retries_total",
			Help: "Meter batch insert retries",
		}),
		MeterDLQ: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meter_events_dead_lettered_total",
			Help: "Meter events moved to the dead-letter queue",
		}),
		MeterBuffered: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meter_buffer_depth",
			Help: "Meter events currently buffered in memory",
		}),
		LedgerWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_writes_total",
				Help: "Ledger transactions by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		NodesByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_nodes",
				Help: "Worker nodes by status",
			},
			[]string{"status"},
		),
		CommandsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_commands_total",
				Help: "Node commands by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		RecoveryOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_recovery_items_total",
				Help: "Recovery items by final status",
			},
			[]string{"status"},
		),
		MigrationTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_migration_downtime_seconds",
			Help:    "Bot downtime during migration (stop to inspect)",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
}
