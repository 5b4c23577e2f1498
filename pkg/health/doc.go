/*
Package health provides the probes run against a VM after it is created.

Templates may declare a health check of one of three types. The checker runs
after the post-create configuration script; a VM that never passes its probe
stays running and the deploy records a warning event instead of an error.

	┌──────────────────────────────────────────────┐
	│                Checker Interface              │
	│  • Check(ctx) Result                          │
	│  • Type() CheckType                           │
	└────────┬──────────────────────────────────────┘
	         │
	    ┌────┴──────┬───────────┐
	    ▼           ▼           ▼
	┌────────┐  ┌────────┐  ┌────────┐
	│  HTTP  │  │  TCP   │  │  Exec  │
	│ VM IP  │  │ VM IP  │  │runtime │
	│ + path │  │ + port │  │  exec  │
	└────────┘  └────────┘  └────────┘

Exec checks run inside the container through the runtime adapter, so they
work on both the Docker and containerd backends. HTTP and TCP checks dial
the VM's declared address and require the host to route to the range
network.

# Usage

	checker, cfg, err := health.ForVM(tmpl.HealthCheck, rt, vm.RuntimeContainerID, vm.IP)
	if err != nil {
		return err
	}
	result := health.Probe(ctx, checker, cfg)
	if !result.Healthy {
		// emit a warning, keep the VM running
	}

Probe retries up to Config.Retries consecutive failures, waiting
Config.Interval between attempts. Each attempt is bounded by Config.Timeout.
*/
package health
