package network

import (
	"strings"
	"testing"

	"github.com/cuemby/cyberrange/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestBridgeName(t *testing.T) {
	tests := []struct {
		name      string
		networkID string
		want      string
	}{
		{name: "short id", networkID: "abc", want: "crbr-abc"},
		{name: "uuid truncated", networkID: "5F0E6C1A-7B2D-4E9A-8C3F-000000000000", want: "crbr-5f0e6c1a7b"},
		{name: "punctuation dropped", networkID: "net_1.a", want: "crbr-net1a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BridgeName(tt.networkID)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), maxIfName)
		})
	}
}

func TestNamespacePath(t *testing.T) {
	assert.Equal(t, "/var/run/netns/cr-abc123", NamespacePath(NamespaceName("ABC-123")))
}

func TestIsolationRules(t *testing.T) {
	hasMasquerade := func(rules []Rule) bool {
		for _, r := range rules {
			if r.Table == "nat" && strings.Contains(strings.Join(r.Spec, " "), "MASQUERADE") {
				return true
			}
		}
		return false
	}
	countDrops := func(rules []Rule) int {
		n := 0
		for _, r := range rules {
			if r.Spec[len(r.Spec)-1] == "DROP" {
				n++
			}
		}
		return n
	}

	tests := []struct {
		level          types.IsolationLevel
		wantMasquerade bool
		wantDrops      int
	}{
		{level: types.IsolationComplete, wantMasquerade: false, wantDrops: 3},
		{level: types.IsolationControlled, wantMasquerade: false, wantDrops: 0},
		{level: types.IsolationOpen, wantMasquerade: true, wantDrops: 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			rules := IsolationRules("crbr-x", "10.10.1.0/24", tt.level)
			assert.Equal(t, tt.wantMasquerade, hasMasquerade(rules))
			assert.Equal(t, tt.wantDrops, countDrops(rules))
			// Intra-network traffic is allowed at every level
			assert.Equal(t, []string{"-i", "crbr-x", "-o", "crbr-x", "-j", "ACCEPT"}, rules[0].Spec)
		})
	}
}
