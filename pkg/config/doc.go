/*
Package config loads the cyberrange server configuration.

Settings come, in increasing precedence, from built-in defaults, a
cyberrange.yaml file, CYBERRANGE_* environment variables and command-line
flags bound by the server command:

	data_dir: /var/lib/cyberrange
	api:
	  addr: ":8080"
	runtime:
	  backend: containerd
	jobs:
	  workers:
	    transfer: 2
	events:
	  backend: sqlite
	  redis_addr: localhost:6379

Nested keys map to environment variables with dots replaced by underscores:
jobs.workers.transfer is CYBERRANGE_JOBS_WORKERS_TRANSFER.

Config translates into the settings types of the packages it configures
(Engine, Orchestrator, S3, Reconcile, Logging) so the server command wires
components without knowing key names.
*/
package config
