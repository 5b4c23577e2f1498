/*
Package jobs runs every long operation of the system as a tracked,
cancellable, progress-reporting job.

	Submit(spec) ──► CreateJobIfAbsent ──► queued ──► pool slot ──► running
	                       │                                          │
	         active (kind, target) exists:                 work(ctx, reporter)
	         return that job instead                                  │
	                                              ┌───────────┬───────┴──────┐
	                                              ▼           ▼              ▼
	                                          succeeded     failed       cancelled
	                                                     (error, panic) (request, timeout)

# Single writer

Only the goroutine executing a job writes its record. Cancel stores a request
beside the record and signals the worker's context; the worker observes the
cancellation, rolls back its own side effects and writes the terminal state.
State changes are compare-and-swap, so a second writer is detected and the
job aborts instead of overwriting.

# Pools

Jobs run in three scheduling classes. Range-level jobs (coordinator) wait on
network and VM jobs (lifecycle), which wait on image pulls and downloads
(transfer). A waiting job holds a slot in its own class only.

# Progress

The Reporter rejects updates that move progress backwards and throttles
persistence with a rate limiter. The terminal write always carries the
final progress.

# Restart

Stop leaves interrupted jobs non-terminal. On the next start Reconcile settles
them: a running job's side effect is checked through the Checker registered
for its kind; queued jobs are failed.
*/
package jobs
