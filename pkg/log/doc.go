/*
Package log provides structured logging for cyberrange using zerolog.

The package holds one global zerolog.Logger, configured once at startup with
Init, and hands out child loggers tagged with the component or the record a
line concerns. Every package logs through it; nothing writes to stdout
directly.

# Architecture

	┌──────────────────── LOGGING SYSTEM ────────────────────┐
	│                                                          │
	│   log.Init(Config)                                       │
	│     - Level: debug / info / warn / error                 │
	│     - JSONOutput: JSON lines or console                  │
	│     - Output: any io.Writer (stdout by default)          │
	│                         │                                │
	│                         ▼                                │
	│                  Global Logger                           │
	│                         │                                │
	│   ┌─────────────┬───────┴──────┬───────────────┐         │
	│   ▼             ▼              ▼               ▼         │
	│ WithComponent WithRangeID   WithVMID       WithJobID     │
	│ ("jobs")      ("r-…")       ("vm-…")       ("job-…")     │
	└──────────────────────────────────────────────────────────┘

# Usage

Initializing from configuration:

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

Component loggers are created once per long-lived object:

	type Engine struct {
		logger zerolog.Logger
	}

	e := &Engine{logger: log.WithComponent("jobs")}
	e.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Msg("Job submitted")

Record loggers suit short-lived work:

	logger := log.WithRangeID(rangeID)
	logger.Warn().Err(err).Msg("Teardown left resources behind")

# Fields

Field names are shared across packages so log lines can be joined on them:

  - component: emitting subsystem (api, jobs, deploy, artifact, events, reconciler)
  - range_id, vm_id, network_id, job_id: record identifiers
  - kind, state: job kind and state
  - error: set by Err(err)

# Levels

  - debug: per-request access lines, progress flushes, runtime calls
  - info: job transitions, range status changes, startup and shutdown
  - warn: best-effort failures that did not stop an operation
  - error: failed operations and server errors

ParseLevel accepts the config spelling (including "warning") and falls back
to info for anything it does not recognise.

# Output

Console output (the default) is meant for a terminal:

	2026-05-01T10:30:00Z INF Job succeeded component=jobs job_id=… kind=range_deploy

JSON output is one object per line for log shippers:

	{"level":"info","component":"jobs","job_id":"…","time":"…","message":"Job succeeded"}
*/
package log
