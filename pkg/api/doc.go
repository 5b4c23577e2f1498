/*
Package api implements the cyberrange REST API, the live event channels and
the gRPC health service.

The REST API is the only way clients (the CLI, a web UI) change state. It is
a thin layer: requests are decoded, handed to the orchestrator, job engine or
artifact manager, and their errors mapped to status codes. Nothing in this
package talks to the container runtime.

# Architecture

	┌──────────── CLIENT (CLI / UI) ─────────────┐
	│  REST calls          event stream          │
	└──────┬───────────────────────▲─────────────┘
	       │ HTTP :8080            │ SSE / WebSocket
	┌──────▼───────────────────────┴─────────────┐
	│              api.Server (chi)              │
	│  middleware: request id, recoverer,        │
	│              metrics + access log          │
	└──┬──────────────┬──────────────┬───────────┘
	   │              │              │
	   ▼              ▼              ▼
	deploy.       jobs.Engine   events.Broadcaster
	Orchestrator  (status,      (history, live
	(ranges, VMs) cancel)        subscriptions)

# Asynchronous Operations

Every operation that touches the runtime answers 202 Accepted with a job
reference:

	POST /ranges/{id}/deploy
	→ 202 {"job_id": "…", "state": "queued"}

The outcome is observed by polling GET /jobs/{id}, which returns the same
shape for deployment and artifact jobs:

	{"state": "running", "progress_percent": 42.5,
	 "bytes_transferred": 1234, "bytes_total": 2900, "error": null}

progress_percent and bytes_total are null while the total is unknown.

# Routes

	GET    /ranges                      list ranges
	POST   /ranges                      create a draft from a declaration
	GET    /ranges/{id}                 range with networks and VMs
	DELETE /ranges/{id}                 delete (no live resources or active jobs)
	PUT    /ranges/{id}/status          set draft or archived
	POST   /ranges/{id}/validate        check the stored declaration
	POST   /ranges/{id}/deploy|retry|start|stop|teardown

	GET    /vms/{id}                    VM with snapshots
	POST   /vms/{id}/start|stop|restart|retry|snapshot

	GET    /templates  POST /templates  GET|DELETE /templates/{id}

	GET    /jobs?state=&kind=&range_id=&parent_id=&target=
	GET    /jobs/{id}
	POST   /jobs/{id}/cancel

	GET    /events/{range}?since=&type=&vm_id=&limit=
	GET    /events/{range}/stream       Server-Sent Events
	GET    /events/{range}/ws           WebSocket

	GET    /artifacts  POST /artifacts  GET|DELETE /artifacts/{kind}/{name}

	GET    /health /ready /live /metrics

# Errors

Failed requests return {"error": "…"} with:

  - 400 for validation failures and malformed bodies
  - 404 for unknown ranges, VMs, templates, jobs and artifacts
  - 409 for conflicts with an active job or live resources, and for
    cancelling a finished job
  - 503 once the job engine has stopped
  - 500 otherwise

# Live Events

Both stream endpoints subscribe to the range before replaying the durable log
after ?since=, so a reconnecting client misses nothing; entries already sent
during replay are skipped by ID. Progress ticks are live-only and never
replayed. Streams end when the range is deleted or the server shuts down.

# gRPC Health

HealthGRPC serves grpc.health.v1 on its own port. Its status follows
readiness: NOT_SERVING while the store or the container runtime is
unhealthy. The reconciler's runtime pings drive the runtime component.
*/
package api
