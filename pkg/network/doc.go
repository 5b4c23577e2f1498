/*
Package network builds range networks on the host for the containerd
backend.

Docker brings its own bridge networks; containerd does not. BridgeManager
fills the gap with netlink, network namespaces and iptables: one Linux
bridge per range network, one named namespace per container, a veth pair
between them.

# Layout

	          host
	┌──────────────────────────────────────────────┐
	│  crbr-<net>  (bridge, gateway address)        │
	│     │              │                          │
	│  crv-<c1>       crv-<c2>      host ends       │
	└─────┼──────────────┼──────────────────────────┘
	      │              │
	┌─────▼─────┐  ┌─────▼─────┐
	│ netns c1  │  │ netns c2  │   eth0 = VM IP/prefix,
	│ eth0      │  │ eth0      │   default route via gateway
	└───────────┘  └───────────┘

Interface names are derived from record ids and kept within the kernel's
15-character limit. Namespaces are bind-mounted under /var/run/netns so the
containerd runtime can join them by path.

# Isolation

IsolationRules lists the iptables rules for a bridge. Traffic between
members of one network is always accepted; beyond that:

	complete    FORWARD drop in and out of the bridge, INPUT drop from it
	controlled  FORWARD accept, no masquerade
	open        FORWARD accept, nat POSTROUTING MASQUERADE for the subnet

EnsureBridge adds only missing rules, inserting DROP rules at the top of
their chain. DeleteBridge removes the rules of every level, so changing a
network's isolation between deployments leaves nothing behind.

# Usage

	bridges, err := network.NewBridgeManager()
	if err != nil {
		return err
	}
	name := network.BridgeName(netRecord.ID)
	if err := bridges.EnsureBridge(name, "10.10.1.0/24", "10.10.1.1", types.IsolationComplete); err != nil {
		return err
	}
	nsPath, err := bridges.Attach(name, containerID, "10.10.1.10", 24, "10.10.1.1")

Attach returns the namespace path to pass into the container's OCI spec;
Detach removes the veth and the namespace.

# Requirements

The server needs CAP_NET_ADMIN (in practice root) and iptables on the host.
*/
package network
