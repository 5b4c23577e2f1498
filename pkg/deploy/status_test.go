package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/cyberrange/pkg/types"
)

func vmsWith(statuses ...types.VMStatus) []*types.VM {
	out := make([]*types.VM, len(statuses))
	for i, s := range statuses {
		vm := &types.VM{Status: s}
		if s == types.VMStatusRunning || s == types.VMStatusStopped {
			vm.RuntimeContainerID = "ctr"
		}
		out[i] = vm
	}
	return out
}

func TestAggregate(t *testing.T) {
	deployOK := Outcome{Kind: types.JobKindRangeDeploy, State: types.JobStateSucceeded}
	deployFailed := Outcome{Kind: types.JobKindRangeDeploy, State: types.JobStateFailed, Error: "range has no networks"}
	teardownDone := Outcome{Kind: types.JobKindRangeTeardown, State: types.JobStateSucceeded}

	tests := []struct {
		name       string
		last       Outcome
		networks   []*types.Network
		vms        []*types.VM
		minRunning int
		want       types.RangeStatus
		wantError  string
	}{
		{
			name: "never deployed",
			vms:  vmsWith(types.VMStatusPending),
			want: types.RangeStatusDraft,
		},
		{
			name: "deploy in flight",
			last: Outcome{Kind: types.JobKindRangeDeploy, State: types.JobStateRunning},
			vms:  vmsWith(types.VMStatusRunning),
			want: types.RangeStatusDeploying,
		},
		{
			name: "all running",
			last: deployOK,
			vms:  vmsWith(types.VMStatusRunning, types.VMStatusRunning),
			want: types.RangeStatusRunning,
		},
		{
			name: "partial failure above minimum",
			last: deployOK,
			vms:  vmsWith(types.VMStatusRunning, types.VMStatusError),
			want: types.RangeStatusRunning,
		},
		{
			name:       "below raised minimum",
			last:       deployOK,
			vms:        vmsWith(types.VMStatusRunning, types.VMStatusError),
			minRunning: 2,
			want:       types.RangeStatusError,
			wantError:  "1 of 2 VMs running, 2 required",
		},
		{
			name: "all stopped",
			last: Outcome{Kind: types.JobKindRangeStop, State: types.JobStateSucceeded},
			vms:  vmsWith(types.VMStatusStopped, types.VMStatusStopped),
			want: types.RangeStatusStopped,
		},
		{
			name:      "deploy failed outright",
			last:      deployFailed,
			vms:       vmsWith(types.VMStatusPending),
			want:      types.RangeStatusError,
			wantError: "range has no networks",
		},
		{
			name:      "nothing usable",
			last:      deployOK,
			vms:       vmsWith(types.VMStatusError, types.VMStatusError),
			want:      types.RangeStatusError,
			wantError: "0 of 2 VMs running, 1 required",
		},
		{
			name: "teardown complete",
			last: teardownDone,
			vms:  vmsWith(types.VMStatusPending),
			want: types.RangeStatusDraft,
		},
		{
			name:      "teardown left resources",
			last:      teardownDone,
			networks:  []*types.Network{{RuntimeNetworkID: "net"}},
			vms:       vmsWith(types.VMStatusRunning),
			want:      types.RangeStatusError,
			wantError: "teardown incomplete: 2 runtime resources remain",
		},
		{
			name: "teardown in flight counts children",
			last: Outcome{Kind: types.JobKindRangeTeardown, State: types.JobStateRunning},
			vms:  vmsWith(types.VMStatusRunning),
			want: types.RangeStatusRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, msg := Aggregate(tt.last, tt.networks, tt.vms, tt.minRunning)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantError, msg)
		})
	}
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, Outcome{}, OutcomeOf(nil))

	job := &types.Job{Kind: types.JobKindRangeStart, State: types.JobStateFailed, Error: "boom"}
	assert.Equal(t, Outcome{Kind: types.JobKindRangeStart, State: types.JobStateFailed, Error: "boom"}, OutcomeOf(job))
}
