package deploy

import (
	"context"
	"fmt"

	"github.com/cuemby/cyberrange/pkg/health"
	"github.com/cuemby/cyberrange/pkg/runtime"
	"github.com/cuemby/cyberrange/pkg/types"
)

// registerCheckers installs the restart checkers for every job kind the
// orchestrator submits. Snapshot jobs have none; an interrupted commit is
// failed and its record removed by Resync.
func (o *Orchestrator) registerCheckers() {
	o.engine.RegisterChecker(types.JobKindNetworkCreate, o.checkNetwork)
	o.engine.RegisterChecker(types.JobKindVMCreate, o.checkVMCreate)
	o.engine.RegisterChecker(types.JobKindVMStart, o.checkVMState(runtime.ContainerRunning))
	o.engine.RegisterChecker(types.JobKindVMRestart, o.checkVMState(runtime.ContainerRunning))
	o.engine.RegisterChecker(types.JobKindVMStop, o.checkVMState(runtime.ContainerExited))
	o.engine.RegisterChecker(types.JobKindRangeDeploy, o.checkRangeRunning)
	o.engine.RegisterChecker(types.JobKindRangeStart, o.checkRangeRunning)
	o.engine.RegisterChecker(types.JobKindRangeStop, o.checkRangeStopped)
	o.engine.RegisterChecker(types.JobKindRangeTeardown, o.checkTeardown)
}

func (o *Orchestrator) checkNetwork(ctx context.Context, job *types.Job) (bool, error) {
	n, err := o.store.GetNetwork(job.Target.ID)
	if err != nil {
		return false, err
	}

	ids := []string{NetworkName(n.ID)}
	if n.RuntimeNetworkID != "" {
		ids = append([]string{n.RuntimeNetworkID}, ids...)
	}
	for _, id := range ids {
		info, err := o.rt.InspectNetwork(ctx, id)
		if err != nil || info.Labels[runtime.LabelNetwork] != n.ID {
			continue
		}
		o.setNetworkStatus(n, types.NetworkStatusCreated, info.ID, "")
		return true, nil
	}

	o.setNetworkStatus(n, types.NetworkStatusError, "", "interrupted by restart")
	return false, nil
}

// findContainer looks a VM's container up by recorded ID, then by name
func (o *Orchestrator) findContainer(ctx context.Context, vm *types.VM) (*runtime.ContainerInfo, error) {
	if vm.RuntimeContainerID != "" {
		info, err := o.rt.InspectContainer(ctx, vm.RuntimeContainerID)
		if err == nil || !runtime.IsNotFound(err) {
			return info, err
		}
	}
	return o.rt.InspectContainer(ctx, ContainerName(vm.ID))
}

func (o *Orchestrator) checkVMCreate(ctx context.Context, job *types.Job) (bool, error) {
	vm, err := o.store.GetVM(job.Target.ID)
	if err != nil {
		return false, err
	}

	info, err := o.findContainer(ctx, vm)
	if err != nil && !runtime.IsNotFound(err) {
		return false, err
	}
	if err == nil && info.State == runtime.ContainerRunning && o.healthyAfterRestart(ctx, vm, info.ID) {
		o.setVMStatus(vm, types.VMStatusRunning, info.ID, "")
		return true, nil
	}

	if info != nil {
		if rerr := o.rt.RemoveContainer(ctx, info.ID); rerr != nil && !runtime.IsNotFound(rerr) {
			o.setVMStatus(vm, types.VMStatusError, info.ID, "interrupted by restart; cleanup failed: "+rerr.Error())
			return false, nil
		}
	}
	o.setVMStatus(vm, types.VMStatusError, "", "interrupted by restart")
	return false, nil
}

func (o *Orchestrator) healthyAfterRestart(ctx context.Context, vm *types.VM, cid string) bool {
	tmpl, err := o.store.GetTemplate(vm.TemplateID)
	if err != nil || tmpl.HealthCheck == nil {
		return true
	}
	checker, cfg, err := health.ForVM(tmpl.HealthCheck, o.rt, cid, vm.IP)
	if err != nil {
		return true
	}
	return health.Probe(ctx, checker, cfg).Healthy
}

func (o *Orchestrator) checkVMState(want runtime.ContainerState) func(ctx context.Context, job *types.Job) (bool, error) {
	return func(ctx context.Context, job *types.Job) (bool, error) {
		vm, err := o.store.GetVM(job.Target.ID)
		if err != nil {
			return false, err
		}
		if vm.RuntimeContainerID == "" {
			return false, nil
		}
		o.syncFromRuntime(ctx, vm)
		info, err := o.rt.InspectContainer(ctx, vm.RuntimeContainerID)
		if err != nil {
			return false, nil
		}
		if want == runtime.ContainerRunning {
			return info.State == runtime.ContainerRunning, nil
		}
		return info.State != runtime.ContainerRunning, nil
	}
}

func (o *Orchestrator) rangeVMs(rangeID string) (running, total int, err error) {
	vms, err := o.store.ListVMsByRange(rangeID)
	if err != nil {
		return 0, 0, err
	}
	for _, vm := range vms {
		if vm.Status == types.VMStatusRunning {
			running++
		}
	}
	return running, len(vms), nil
}

func (o *Orchestrator) checkRangeRunning(_ context.Context, job *types.Job) (bool, error) {
	running, _, err := o.rangeVMs(job.Target.ID)
	if err != nil {
		return false, err
	}
	return running >= o.cfg.MinRunningVMs, nil
}

func (o *Orchestrator) checkRangeStopped(_ context.Context, job *types.Job) (bool, error) {
	running, _, err := o.rangeVMs(job.Target.ID)
	if err != nil {
		return false, err
	}
	return running == 0, nil
}

func (o *Orchestrator) checkTeardown(ctx context.Context, job *types.Job) (bool, error) {
	rangeID := job.Target.ID
	leftovers, err := o.rt.ListContainers(ctx, map[string]string{runtime.LabelRange: rangeID})
	if err != nil {
		return false, fmt.Errorf("failed to list range containers: %w", err)
	}
	if len(leftovers) > 0 {
		return false, nil
	}
	networks, err := o.store.ListNetworksByRange(rangeID)
	if err != nil {
		return false, err
	}
	for _, n := range networks {
		if n.RuntimeNetworkID != "" {
			return false, nil
		}
	}
	vms, err := o.store.ListVMsByRange(rangeID)
	if err != nil {
		return false, err
	}
	for _, vm := range vms {
		if vm.RuntimeContainerID != "" {
			o.setVMStatus(vm, types.VMStatusPending, "", "")
		}
	}
	return true, nil
}
