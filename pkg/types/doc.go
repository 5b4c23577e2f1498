/*
Package types defines the records shared by every cyberrange package.

Types here are plain data: JSON-tagged structs persisted by storage, returned
by the API and passed between the orchestrator, the job engine and the
artifact manager. Behavior lives elsewhere; the few methods here are pure
helpers (Terminal, Percent, Key, Matches).

# Records

Range topology:

  - Range: a declared training environment and its aggregate status
  - Network: an isolated subnet within one range, with an IsolationLevel
  - VM: a container standing in for a machine, pinned to one network and IP
  - Template: image, command, resources and health check VMs are built from
  - Snapshot: a committed image of a VM, usable as a clone source

Work tracking:

  - Job: one unit of asynchronous work on a Target, with Progress
  - EventLogEntry: one entry in a range's append-only event log
  - Artifact: a cache record for an image or disk image, keyed by ArtifactRef

# Lifecycles

	Range    draft → deploying → running ⇄ stopped
	                     │          │
	                     ▼          ▼
	                   error ──▶ (teardown) ──▶ draft ──▶ archived

	Network  absent → creating → created
	                      └────▶ error

	VM       pending → creating → running ⇄ stopped
	                      └────▶ error

	Job      queued → running → succeeded | failed | cancelled
	           └──────────────▶ cancelled

Range, network and VM statuses are derived from the jobs that act on them
and are never set by clients, except that a range may be moved between
draft and archived while nothing is deployed. A range keeps the outcome of
its last range-level job in LastOutcome, so its status can be recomputed
after job retention has removed the job itself.

# Targets and Idempotency

A Job names what it acts on with a Target ("range/<id>", "vm/<id>",
"artifact/image:alpine:3.20"). At most one non-terminal job exists per
(kind, target) pair; ActiveKey is the store key enforcing that.

# Progress

Progress counts Current against Total in bytes (transfers) or steps
(deployments). Total is zero while unknown, in which case Percent reports
false and the API renders progress as null rather than a guess.
*/
package types
