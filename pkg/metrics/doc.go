/*
Package metrics provides Prometheus metrics and component health tracking
for clanmanager.

All collectors are registered against the default registry in init() and
exposed through Handler(). Metrics fall into a few groups:

	Inventory:       clanmanager_clans_total, clanmanager_members_total{clan}
	Reconciliation:  clanmanager_reconciliation_duration_seconds{trigger},
	                 clanmanager_reconciliations_total{trigger,result},
	                 clanmanager_drift_actions_total{type}
	Execution:       clanmanager_actions_applied_total{type,result},
	                 clanmanager_platform_command_retries_total{command}
	Locking:         clanmanager_clan_lock_wait_seconds,
	                 clanmanager_clan_lock_timeouts_total
	Events:          clanmanager_platform_events_received_total,
	                 clanmanager_events_normalized_total{type},
	                 clanmanager_events_dropped_total{reason}
	Scheduling:      clanmanager_scheduled_jobs,
	                 clanmanager_scheduled_skips_total{reason}
	API:             clanmanager_api_requests_total{method,status},
	                 clanmanager_api_request_duration_seconds{method}

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconciliationDuration, "scheduled")

# Health

The health registry tracks named components (store, platform, scheduler).
Readiness requires every critical component to be registered and healthy.
Callers can subscribe to transitions with OnChange; the gRPC health service
uses this to mirror component state.

# Inventory gauges

Collector polls a StateSource (normally the clan repository) on an interval
and publishes clan and member counts.
*/
package metrics
