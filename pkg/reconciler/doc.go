/*
Package reconciler restores consistent state after a restart and performs
periodic maintenance while the server runs.

# Startup Recovery

Jobs are persisted before they run, so a crash can leave records in queued
or running state with no worker behind them. Recover settles them before the
API opens:

	┌────────────── STARTUP ──────────────┐
	│                                      │
	│  jobs.Engine.Reconcile               │
	│    cancel requested → cancelled      │
	│    queued           → failed         │
	│    running          → kind checker   │
	│                       inspects the   │
	│                       runtime        │
	│          │                           │
	│          ▼                           │
	│  deploy.Orchestrator.Resync          │
	│    recompute every range's status    │
	│                                      │
	└──────────────────────────────────────┘

Child jobs settle before their parents, so a range-level checker sees the
final state of the VMs it was coordinating.

# Maintenance Loop

Every Interval (30s by default) a cycle:

  - pings the container runtime and records the result as the "runtime"
    health component, which drives /ready and the gRPC health service
  - removes terminal jobs older than the engine's retention
  - prunes event log entries older than EventRetention, when set

# Usage

	rec := reconciler.NewReconciler(engine, orchestrator, rt, eventLog, reconciler.Config{
		Interval:       30 * time.Second,
		EventRetention: 0,
	})
	if err := rec.Recover(ctx); err != nil {
		return err
	}
	rec.Start()
	defer rec.Stop()
*/
package reconciler
