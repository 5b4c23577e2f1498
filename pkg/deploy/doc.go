/*
Package deploy orchestrates cyber ranges: isolated sets of networks and
container VMs deployed, operated and torn down as a unit.

Every change to a range, network or VM happens inside a job run by the
jobs engine. Public methods validate the request, check for conflicting
jobs and submit; the work itself runs in the engine's pools.

# Architecture

	┌──────────────────── RANGE ORCHESTRATION ─────────────────────┐
	│                                                               │
	│   Deploy / Retry                                              │
	│        │                                                      │
	│        ▼                                                      │
	│   range_deploy (coordinator pool)                             │
	│        │                                                      │
	│        ├──► network_create ×N   (all networks in parallel)    │
	│        │         │                                            │
	│        │         └──► vm_create ×M  (bounded by              │
	│        │                   │         VMConcurrency)           │
	│        │                   ├── Ensure artifacts (shared job)  │
	│        │                   ├── create + start container       │
	│        │                   ├── config script   (warning)      │
	│        │                   └── health probe    (warning)      │
	│        ▼                                                      │
	│   Aggregate(last outcome, networks, VMs) → range status       │
	│                                                               │
	└───────────────────────────────────────────────────────────────┘

A VM job starts as soon as its own network is ready; it never waits for
unrelated networks. A VM whose network failed is marked error without a
job being spent on it.

# Range Status

Range status is derived, never set by a job directly:

  - draft: never deployed, or fully torn down
  - deploying: a range_deploy job is active
  - running: at least MinRunningVMs VMs are running
  - stopped: enough VMs exist but fewer are running
  - error: a deploy failed outright, too few VMs are usable, or teardown
    left runtime resources behind
  - archived: set by the client, ignored by recomputation

# Conflicts

At most one range-level job runs per range. Teardown is the exception: it
cancels any other job on the range and waits for it to roll back before
removing resources. VM jobs conflict with each other unless they are the
same kind, in which case the active job is returned.

# Cancellation

Cancelling a range job cancels its children. A vm_create cancelled after
its container exists removes the container before ending, so a cancelled
VM never holds runtime resources.

# Restart

After a crash the engine settles leftover jobs through the checkers this
package registers. Checkers inspect the runtime by recorded ID, falling
back to the deterministic names from ContainerName and NetworkName, and
repair VM and network records to match. Resync then recomputes every
range's status.
*/
package deploy
