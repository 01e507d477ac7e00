package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	ClansTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clanmanager_clans_total",
			Help: "Total number of managed clans",
		},
	)

	MembersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clanmanager_members_total",
			Help: "Persisted members per clan",
		},
		[]string{"clan"},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clanmanager_reconciliation_duration_seconds",
			Help:    "Time to complete one reconciliation pass, including action execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"trigger"},
	)

	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clanmanager_reconciliations_total",
			Help: "Reconciliation passes by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	DriftActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clanmanager_drift_actions_total",
			Help: "Corrective actions emitted by the reconciler by type",
		},
		[]string{"type"},
	)

	// Executor metrics
	ActionsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clanmanager_actions_applied_total",
			Help: "Corrective actions applied by type and result",
		},
		[]string{"type", "result"},
	)

	CommandRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clanmanager_platform_command_retries_total",
			Help: "Platform command retries after transient failures",
		},
		[]string{"command"},
	)

	// Lock metrics
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clanmanager_clan_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a clan lock",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		},
	)

	LockTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clanmanager_clan_lock_timeouts_total",
			Help: "Clan lock acquisitions that timed out",
		},
	)

	// Event metrics
	EventsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clanmanager_platform_events_received_total",
			Help: "Raw platform events received from the event stream",
		},
	)

	EventsNormalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clanmanager_events_normalized_total",
			Help: "Raw events that mapped to a domain event, by type",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clanmanager_events_dropped_total",
			Help: "Raw or domain events dropped, by reason",
		},
		[]string{"reason"},
	)

	// Scheduler metrics
	ScheduledJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clanmanager_scheduled_jobs",
			Help: "Recurring jobs currently registered with the scheduler",
		},
	)

	ScheduledSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clanmanager_scheduled_skips_total",
			Help: "Scheduled firings skipped, by reason",
		},
		[]string{"reason"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clanmanager_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clanmanager_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ClansTotal)
	prometheus.MustRegister(MembersTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationsTotal)
	prometheus.MustRegister(DriftActionsTotal)
	prometheus.MustRegister(ActionsAppliedTotal)
	prometheus.MustRegister(CommandRetriesTotal)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockTimeoutsTotal)
	prometheus.MustRegister(EventsReceivedTotal)
	prometheus.MustRegister(EventsNormalizedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(ScheduledJobs)
	prometheus.MustRegister(ScheduledSkipsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
