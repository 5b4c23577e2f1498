/*
Package runtime is the boundary between cyberrange and the container engine
that hosts range VMs.

The rest of the server only sees the Runtime interface: networks, images,
containers, exec, commit and stats. Two backends implement it, and Limited
wraps either one with a call limiter.

# Architecture

	┌────────── deploy / artifact / health / reconciler ──────────┐
	└──────────────────────────────┬───────────────────────────────┘
	                               │ Runtime
	                    ┌──────────▼──────────┐
	                    │      Limited        │  max in-flight calls,
	                    │  (semaphore slots)  │  per-operation metrics
	                    └──────────┬──────────┘
	             ┌─────────────────┴─────────────────┐
	   ┌─────────▼─────────┐               ┌─────────▼──────────┐
	   │  DockerRuntime    │               │ ContainerdRuntime  │
	   │  Docker Engine API│               │ namespace          │
	   │  bridge networks  │               │ "cyberrange" +     │
	   │                   │               │ network.Bridge-    │
	   │                   │               │ Manager (netlink,  │
	   │                   │               │ iptables, netns)   │
	   └───────────────────┘               └────────────────────┘

# Backends

DockerRuntime talks to the Docker Engine API (client.FromEnv, or the
runtime.docker_host setting). Range networks are user-defined bridge
networks; isolation maps onto them as:

  - complete: internal network, no route off the bridge
  - controlled: routed but not masqueraded
  - open: default bridge with NAT egress

Commit, Stats and exposed ports are native. Pull progress is reported per
layer from the JSON message stream; the artifact manager sums the layers.

ContainerdRuntime uses containerd directly in the "cyberrange" namespace.
containerd has no networking of its own, so each range network is a Linux
bridge managed by network.BridgeManager and each container gets a named
network namespace attached to it with a veth pair. Commit is not available
and returns ErrUnsupported, which makes snapshots fail cleanly on this
backend.

# Labels

Every object the server creates carries labels so leftovers can be found
after a crash:

	io.cyberrange.managed = "true"
	io.cyberrange.range   = <range id>
	io.cyberrange.network = <network id>
	io.cyberrange.vm      = <vm id>

# Call Limiting

Runtime daemons degrade badly under unbounded concurrent calls. Limited
holds a semaphore slot only for the duration of each call:

	rt = runtime.NewLimited(docker, cfg.RuntimeSlots())

A job waiting for another job never holds a slot. Acquiring a slot honours
the call's context, so cancelled jobs stop waiting immediately.

# Errors

Backends translate engine errors onto ErrNotFound and ErrConflict:

	if err := rt.RemoveContainer(ctx, id); err != nil && !runtime.IsNotFound(err) {
		return err
	}

Teardown treats ErrNotFound as already done, which keeps it idempotent.

# Testing

Package runtimetest provides an in-memory Runtime with failure injection
and blocking hooks for the job, deploy and artifact tests.
*/
package runtime
