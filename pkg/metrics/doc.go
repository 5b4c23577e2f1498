/*
Package metrics provides Prometheus metrics and component health for
cyberrange.

All collectors are package-level variables registered with the default
registry in init(), so any package can record a measurement by importing
metrics and touching a variable. The package also owns the health model
behind /health, /ready and the gRPC health service.

# Architecture

	┌──────────────────── METRICS SYSTEM ────────────────────┐
	│                                                          │
	│  jobs / deploy / artifact / events / runtime / api       │
	│      │  counters, histograms, gauges (direct writes)     │
	│      ▼                                                   │
	│  ┌──────────────────────┐    ┌───────────────────────┐   │
	│  │ Prometheus default   │◀───│ Collector (15s)       │   │
	│  │ registry             │    │ store → inventory     │   │
	│  └──────────┬───────────┘    │ gauges by status      │   │
	│             │                └───────────────────────┘   │
	│             ▼                                            │
	│        GET /metrics                                      │
	│                                                          │
	│  RegisterComponent / UpdateComponent                     │
	│      │                                                   │
	│      ▼                                                   │
	│  HealthChecker ──▶ /health /ready /live                  │
	│      └──────────▶ OnComponentChange watchers (gRPC)      │
	└──────────────────────────────────────────────────────────┘

# Metrics

Inventory (sampled by Collector from the store):

  - cyberrange_ranges_total{status}
  - cyberrange_vms_total{status}
  - cyberrange_jobs_total{state}
  - cyberrange_artifacts_total{status}

Job engine:

  - cyberrange_jobs_submitted_total{kind}
  - cyberrange_jobs_deduplicated_total{kind}: submits answered with an active job
  - cyberrange_jobs_finished_total{kind,state}
  - cyberrange_jobs_running{pool}
  - cyberrange_job_duration_seconds{kind}
  - cyberrange_job_progress_regressions_total{kind}: reports that would have
    moved progress backwards and were clamped
  - cyberrange_jobs_collected_total

Events:

  - cyberrange_events_published_total{type}
  - cyberrange_events_dropped_total: deliveries lost to a full subscriber
    buffer or relay queue
  - cyberrange_event_subscribers

Runtime and artifacts:

  - cyberrange_runtime_calls_total{operation,result}
  - cyberrange_runtime_call_duration_seconds{operation}
  - cyberrange_runtime_slots_in_use
  - cyberrange_artifact_bytes_total{kind}

Deployment, maintenance and API:

  - cyberrange_deploy_duration_seconds
  - cyberrange_reconciliation_duration_seconds
  - cyberrange_reconciliation_cycles_total
  - cyberrange_api_requests_total{method,status}
  - cyberrange_api_request_duration_seconds{method}

# Timing Operations

	timer := metrics.NewTimer()
	err := rt.PullImage(ctx, ref, onProgress)
	timer.ObserveDurationVec(metrics.RuntimeCallDuration, "pull_image")

# Component Health

Components report their state by name:

	metrics.RegisterComponent(metrics.ComponentStore, true, "ok")
	metrics.UpdateComponent(metrics.ComponentRuntime, false, "daemon unreachable")

Readiness requires every critical component (store and runtime by default)
to be registered and healthy; /ready answers 503 otherwise and names the
failing components. /health reports the same components without gating and
/live only proves the process serves HTTP.

Watchers registered with OnComponentChange run after every update. The API's
gRPC health server uses one to flip between SERVING and NOT_SERVING.
*/
package metrics
