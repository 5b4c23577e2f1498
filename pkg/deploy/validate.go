package deploy

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/cuemby/cyberrange/pkg/types"
)

// ValidationError lists every problem found in a range declaration
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid range: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Lookup resolves the records a range declaration references
type Lookup struct {
	Template func(id string) (*types.Template, bool)
	Snapshot func(id string) (*types.Snapshot, bool)
}

// Validate checks a range's networks and VMs before any job is submitted.
// It returns a *ValidationError, or nil when the declaration is sound.
func Validate(networks []*types.Network, vms []*types.VM, lookup Lookup) error {
	verr := &ValidationError{}

	type netInfo struct {
		prefix  netip.Prefix
		gateway netip.Addr
		ok      bool
	}
	nets := make(map[string]netInfo, len(networks))
	names := make(map[string]bool, len(networks))

	for _, n := range networks {
		label := n.Name
		if label == "" {
			label = n.ID
			verr.add("network %s has no name", n.ID)
		}
		if names[strings.ToLower(n.Name)] && n.Name != "" {
			verr.add("duplicate network name %q", n.Name)
		}
		names[strings.ToLower(n.Name)] = true

		switch n.Isolation {
		case types.IsolationComplete, types.IsolationControlled, types.IsolationOpen:
		default:
			verr.add("network %s: unknown isolation level %q", label, n.Isolation)
		}

		prefix, err := netip.ParsePrefix(n.Subnet)
		if err != nil {
			verr.add("network %s: invalid subnet %q", label, n.Subnet)
			nets[n.ID] = netInfo{}
			continue
		}
		if prefix.Masked() != prefix {
			verr.add("network %s: subnet %s has host bits set", label, n.Subnet)
			prefix = prefix.Masked()
		}

		info := netInfo{prefix: prefix, ok: true}
		if n.Gateway != "" {
			gw, err := netip.ParseAddr(n.Gateway)
			switch {
			case err != nil:
				verr.add("network %s: invalid gateway %q", label, n.Gateway)
			case !prefix.Contains(gw):
				verr.add("network %s: gateway %s is outside %s", label, gw, prefix)
			case gw == prefix.Addr() || gw == broadcast(prefix):
				verr.add("network %s: gateway %s is not a host address", label, gw)
			default:
				info.gateway = gw
			}
		}
		nets[n.ID] = info

		for _, other := range networks {
			if other.ID == n.ID {
				break
			}
			if op, ok := nets[other.ID]; ok && op.ok && op.prefix.Overlaps(prefix) {
				verr.add("network %s: subnet %s overlaps network %s", label, prefix, other.Name)
			}
		}
	}

	ips := make(map[netip.Addr]string, len(vms))
	hostnames := make(map[string]bool, len(vms))

	for _, vm := range vms {
		label := vm.Hostname
		if label == "" {
			label = vm.ID
			verr.add("vm %s has no hostname", vm.ID)
		} else if hostnames[strings.ToLower(vm.Hostname)] {
			verr.add("duplicate hostname %q", vm.Hostname)
		}
		hostnames[strings.ToLower(vm.Hostname)] = true

		var tmpl *types.Template
		if lookup.Template != nil {
			t, ok := lookup.Template(vm.TemplateID)
			if !ok {
				verr.add("vm %s: unknown template %q", label, vm.TemplateID)
			}
			tmpl = t
		}
		if vm.SnapshotID != "" && lookup.Snapshot != nil {
			s, ok := lookup.Snapshot(vm.SnapshotID)
			switch {
			case !ok:
				verr.add("vm %s: unknown snapshot %q", label, vm.SnapshotID)
			case s.RuntimeImageID == "":
				verr.add("vm %s: snapshot %s has no image", label, s.Name)
			}
		}

		res := EffectiveResources(vm, tmpl)
		if res.CPUs <= 0 || res.MemoryMB <= 0 || res.DiskGB < 0 {
			verr.add("vm %s: resources must be positive (cpus=%g memory_mb=%d)", label, res.CPUs, res.MemoryMB)
		}

		info, known := nets[vm.NetworkID]
		if !known {
			verr.add("vm %s: unknown network %q", label, vm.NetworkID)
			continue
		}

		ip, err := netip.ParseAddr(vm.IP)
		if err != nil {
			verr.add("vm %s: invalid ip %q", label, vm.IP)
			continue
		}
		if !info.ok {
			continue
		}
		switch {
		case !info.prefix.Contains(ip):
			verr.add("vm %s: ip %s is outside %s", label, ip, info.prefix)
		case ip == info.prefix.Addr():
			verr.add("vm %s: ip %s is the network address", label, ip)
		case ip == broadcast(info.prefix):
			verr.add("vm %s: ip %s is the broadcast address", label, ip)
		case info.gateway.IsValid() && ip == info.gateway:
			verr.add("vm %s: ip %s is the gateway", label, ip)
		}
		if other, dup := ips[ip]; dup {
			verr.add("vm %s: ip %s already used by %s", label, ip, other)
		} else {
			ips[ip] = label
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

// EffectiveResources returns the VM's declared resources, filled from the
// template where the VM leaves a value unset
func EffectiveResources(vm *types.VM, tmpl *types.Template) types.Resources {
	res := vm.Resources
	if tmpl == nil {
		return res
	}
	if res.CPUs == 0 {
		res.CPUs = tmpl.Resources.CPUs
	}
	if res.MemoryMB == 0 {
		res.MemoryMB = tmpl.Resources.MemoryMB
	}
	if res.DiskGB == 0 {
		res.DiskGB = tmpl.Resources.DiskGB
	}
	return res
}

// DefaultGateway returns the first host address of subnet
func DefaultGateway(subnet string) (string, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return "", err
	}
	return prefix.Masked().Addr().Next().String(), nil
}

// broadcast returns the last address of an IPv4 prefix. IPv6 has no
// broadcast address, so the zero Addr is returned.
func broadcast(p netip.Prefix) netip.Addr {
	if !p.Addr().Is4() {
		return netip.Addr{}
	}
	a := p.Masked().Addr().As4()
	v := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	v |= ^uint32(0) >> uint(p.Bits())
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
