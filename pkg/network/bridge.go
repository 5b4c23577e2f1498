package network

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"github.com/vishvananda/netns"

	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/types"
)

const (
	bridgePrefix = "crbr-"
	vethPrefix   = "crv-"
	netnsDir     = "/var/run/netns"
	maxIfName    = 15
)

// ErrInvalidAddress is returned when a subnet or address cannot be parsed
var ErrInvalidAddress = errors.New("invalid address")

// Rule is one iptables rule owned by a bridge
type Rule struct {
	Table string
	Chain string
	Spec  []string
}

func (r Rule) String() string {
	return r.Table + "/" + r.Chain + " " + strings.Join(r.Spec, " ")
}

// BridgeManager creates Linux bridges for range networks and attaches
// container network namespaces to them with veth pairs. Egress policy for
// each isolation level is enforced with iptables.
type BridgeManager struct {
	mu     sync.Mutex
	ipt    *iptables.IPTables
	logger zerolog.Logger
}

// NewBridgeManager creates a bridge manager using the host's iptables
func NewBridgeManager() (*BridgeManager, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}
	return &BridgeManager{
		ipt:    ipt,
		logger: log.WithComponent("network"),
	}, nil
}

// BridgeName derives a bridge interface name from a network ID
func BridgeName(networkID string) string {
	return ifName(bridgePrefix, networkID)
}

// NamespaceName derives a network namespace name from a container ID
func NamespaceName(containerID string) string {
	return "cr-" + sanitize(containerID)
}

// NamespacePath returns the bind-mounted path of a named namespace
func NamespacePath(name string) string {
	return filepath.Join(netnsDir, name)
}

func ifName(prefix, id string) string {
	name := prefix + sanitize(id)
	if len(name) > maxIfName {
		name = name[:maxIfName]
	}
	return name
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return -1
	}, id)
}

// IsolationRules returns the iptables rules enforcing an isolation level on a bridge
func IsolationRules(bridge, subnet string, level types.IsolationLevel) []Rule {
	// Traffic between members of the same network is always allowed
	rules := []Rule{
		{Table: "filter", Chain: "FORWARD", Spec: []string{"-i", bridge, "-o", bridge, "-j", "ACCEPT"}},
	}

	switch level {
	case types.IsolationComplete:
		rules = append(rules,
			Rule{Table: "filter", Chain: "FORWARD", Spec: []string{"-i", bridge, "!", "-o", bridge, "-j", "DROP"}},
			Rule{Table: "filter", Chain: "FORWARD", Spec: []string{"-o", bridge, "!", "-i", bridge, "-j", "DROP"}},
			Rule{Table: "filter", Chain: "INPUT", Spec: []string{"-i", bridge, "-j", "DROP"}},
		)
	case types.IsolationControlled:
		rules = append(rules,
			Rule{Table: "filter", Chain: "FORWARD", Spec: []string{"-i", bridge, "-j", "ACCEPT"}},
			Rule{Table: "filter", Chain: "FORWARD", Spec: []string{"-o", bridge, "-j", "ACCEPT"}},
		)
	default:
		rules = append(rules,
			Rule{Table: "filter", Chain: "FORWARD", Spec: []string{"-i", bridge, "-j", "ACCEPT"}},
			Rule{Table: "filter", Chain: "FORWARD", Spec: []string{"-o", bridge, "-j", "ACCEPT"}},
			Rule{Table: "nat", Chain: "POSTROUTING", Spec: []string{"-s", subnet, "!", "-o", bridge, "-j", "MASQUERADE"}},
		)
	}
	return rules
}

// EnsureBridge creates the bridge if needed, assigns the gateway address and
// applies the isolation rules
func (m *BridgeManager) EnsureBridge(name, subnet, gateway string, level types.IsolationLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return fmt.Errorf("%w: subnet %s: %v", ErrInvalidAddress, subnet, err)
	}
	gw, err := netip.ParseAddr(gateway)
	if err != nil {
		return fmt.Errorf("%w: gateway %s: %v", ErrInvalidAddress, gateway, err)
	}

	br, err := ensureBridgeLink(name)
	if err != nil {
		return err
	}
	if err := ensureAddr(br, gw, prefix.Bits()); err != nil {
		return err
	}

	for _, rule := range IsolationRules(name, prefix.Masked().String(), level) {
		exists, err := m.ipt.Exists(rule.Table, rule.Chain, rule.Spec...)
		if err != nil {
			return fmt.Errorf("failed to check rule %s: %w", rule, err)
		}
		if exists {
			continue
		}
		// DROP rules go first so they win over broad host ACCEPT rules
		if rule.Spec[len(rule.Spec)-1] == "DROP" {
			err = m.ipt.Insert(rule.Table, rule.Chain, 1, rule.Spec...)
		} else {
			err = m.ipt.Append(rule.Table, rule.Chain, rule.Spec...)
		}
		if err != nil {
			return fmt.Errorf("failed to add rule %s: %w", rule, err)
		}
	}

	m.logger.Debug().Str("bridge", name).Str("subnet", subnet).Str("isolation", string(level)).Msg("Bridge ready")
	return nil
}

// DeleteBridge removes the bridge and every rule any isolation level may have added
func (m *BridgeManager) DeleteBridge(name, subnet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if prefix, err := netip.ParsePrefix(subnet); err == nil {
		seen := map[string]bool{}
		for _, level := range []types.IsolationLevel{types.IsolationComplete, types.IsolationControlled, types.IsolationOpen} {
			for _, rule := range IsolationRules(name, prefix.Masked().String(), level) {
				if seen[rule.String()] {
					continue
				}
				seen[rule.String()] = true
				if err := m.ipt.DeleteIfExists(rule.Table, rule.Chain, rule.Spec...); err != nil {
					errs = append(errs, fmt.Errorf("failed to delete rule %s: %w", rule, err))
				}
			}
		}
	}

	link, err := netlink.LinkByName(name)
	if err == nil {
		if err := netlink.LinkDel(link); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete bridge %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// BridgeExists reports whether the bridge link is present
func (m *BridgeManager) BridgeExists(name string) bool {
	_, err := netlink.LinkByName(name)
	return err == nil
}

// BridgeAddress returns the bridge's gateway address and prefix length
func (m *BridgeManager) BridgeAddress(name string) (string, int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return "", 0, fmt.Errorf("bridge %s not found: %w", name, err)
	}
	addrs, err := netlink.AddrList(link, nl.FAMILY_V4)
	if err != nil {
		return "", 0, fmt.Errorf("failed to list addresses for %s: %w", name, err)
	}
	if len(addrs) == 0 {
		return "", 0, fmt.Errorf("bridge %s has no address", name)
	}
	bits, _ := addrs[0].IPNet.Mask.Size()
	return addrs[0].IPNet.IP.String(), bits, nil
}

// InterfaceStats returns bytes received and sent by a container's interface
func (m *BridgeManager) InterfaceStats(containerID string) (rx, tx uint64, err error) {
	link, err := netlink.LinkByName(ifName(vethPrefix, containerID))
	if err != nil {
		return 0, 0, fmt.Errorf("veth for %s not found: %w", containerID, err)
	}
	st := link.Attrs().Statistics
	if st == nil {
		return 0, 0, nil
	}
	// The host end counts the container's transmit as receive
	return st.TxBytes, st.RxBytes, nil
}

// Attach creates a named network namespace for a container, wires it to the
// bridge with a veth pair and configures its address and default route.
// It returns the namespace path for the container spec.
func (m *BridgeManager) Attach(bridge, containerID, address string, prefixLen int, gateway string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ip := net.ParseIP(address)
	if ip == nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}

	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return "", fmt.Errorf("bridge %s not found: %w", bridge, err)
	}

	nsName := NamespaceName(containerID)
	ns, err := newNamedNamespace(nsName)
	if err != nil {
		return "", err
	}
	defer ns.Close()

	hostEnd := ifName(vethPrefix, containerID)
	peerEnd := hostEnd + "p"
	if len(peerEnd) > maxIfName {
		peerEnd = hostEnd[:maxIfName-1] + "p"
	}

	la := netlink.NewLinkAttrs()
	la.Name = hostEnd
	la.MasterIndex = br.Attrs().Index
	veth := &netlink.Veth{LinkAttrs: la, PeerName: peerEnd}
	if err := netlink.LinkAdd(veth); err != nil {
		_ = netns.DeleteNamed(nsName)
		return "", fmt.Errorf("failed to create veth %s: %w", hostEnd, err)
	}

	cleanup := func() {
		if l, err := netlink.LinkByName(hostEnd); err == nil {
			_ = netlink.LinkDel(l)
		}
		_ = netns.DeleteNamed(nsName)
	}

	if err := netlink.LinkSetUp(veth); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to set %s up: %w", hostEnd, err)
	}

	peer, err := netlink.LinkByName(peerEnd)
	if err != nil {
		cleanup()
		return "", fmt.Errorf("veth peer %s missing: %w", peerEnd, err)
	}
	if err := netlink.LinkSetNsFd(peer, int(ns)); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to move %s into namespace: %w", peerEnd, err)
	}

	if err := configureNamespace(ns, peerEnd, ip, prefixLen, net.ParseIP(gateway)); err != nil {
		cleanup()
		return "", err
	}

	return NamespacePath(nsName), nil
}

// Detach removes a container's namespace; the kernel drops its veth pair with it
func (m *BridgeManager) Detach(containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, err := netlink.LinkByName(ifName(vethPrefix, containerID)); err == nil {
		_ = netlink.LinkDel(l)
	}
	err := netns.DeleteNamed(NamespaceName(containerID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete namespace for %s: %w", containerID, err)
	}
	return nil
}

func ensureBridgeLink(name string) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err == nil {
		br, ok := link.(*netlink.Bridge)
		if !ok {
			return nil, fmt.Errorf("link %s exists but is not a bridge", name)
		}
		if err := netlink.LinkSetUp(br); err != nil {
			return nil, fmt.Errorf("failed to set bridge %s up: %w", name, err)
		}
		return br, nil
	}

	la := netlink.NewLinkAttrs()
	la.Name = name
	br := &netlink.Bridge{LinkAttrs: la}
	if err := netlink.LinkAdd(br); err != nil {
		return nil, fmt.Errorf("failed to create bridge %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(br); err != nil {
		return nil, fmt.Errorf("failed to set bridge %s up: %w", name, err)
	}
	return br, nil
}

func ensureAddr(link netlink.Link, gw netip.Addr, bits int) error {
	want := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(gw.AsSlice()),
		Mask: net.CIDRMask(bits, gw.BitLen()),
	}}

	addrs, err := netlink.AddrList(link, nl.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("failed to list addresses for %s: %w", link.Attrs().Name, err)
	}
	for _, a := range addrs {
		if a.IPNet.String() == want.IPNet.String() {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, want); err != nil {
		return fmt.Errorf("failed to add address %s to %s: %w", want, link.Attrs().Name, err)
	}
	return nil
}

// newNamedNamespace creates a persistent namespace without leaving the calling
// thread inside it
func newNamedNamespace(name string) (netns.NsHandle, error) {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return netns.None(), fmt.Errorf("failed to get current namespace: %w", err)
	}
	defer origin.Close()

	if existing, err := netns.GetFromName(name); err == nil {
		return existing, nil
	}

	ns, err := netns.NewNamed(name)
	if err != nil {
		_ = netns.Set(origin)
		return netns.None(), fmt.Errorf("failed to create namespace %s: %w", name, err)
	}
	if err := netns.Set(origin); err != nil {
		ns.Close()
		return netns.None(), fmt.Errorf("failed to restore namespace: %w", err)
	}
	return ns, nil
}

func configureNamespace(ns netns.NsHandle, ifname string, ip net.IP, prefixLen int, gateway net.IP) error {
	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("failed to open namespace handle: %w", err)
	}
	defer h.Close()

	link, err := h.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("interface %s missing in namespace: %w", ifname, err)
	}
	if err := h.LinkSetName(link, "eth0"); err != nil {
		return fmt.Errorf("failed to rename %s: %w", ifname, err)
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(prefixLen, 32)}}
	if err := h.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to assign %s: %w", addr, err)
	}
	if err := h.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to set eth0 up: %w", err)
	}
	if lo, err := h.LinkByName("lo"); err == nil {
		_ = h.LinkSetUp(lo)
	}
	if gateway != nil {
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Gw: gateway}
		if err := h.RouteAdd(route); err != nil {
			return fmt.Errorf("failed to add default route via %s: %w", gateway, err)
		}
	}
	return nil
}
