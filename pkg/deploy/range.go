package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/metrics"
	"github.com/cuemby/cyberrange/pkg/runtime"
	"github.com/cuemby/cyberrange/pkg/types"
)

// rangeWork wraps the body of a range-level job so the range records the job
// and has its status recomputed from the job's outcome
func (o *Orchestrator) rangeWork(rangeID string, kind types.JobKind, body func(ctx context.Context, rep *jobs.Reporter) error) jobs.Work {
	return func(ctx context.Context, rep *jobs.Reporter) error {
		_ = o.updateRange(rangeID, func(r *types.Range) (bool, error) {
			r.LastJobID = rep.JobID()
			return true, nil
		})
		_, _ = o.refreshRange(rangeID, &Outcome{Kind: kind, State: types.JobStateRunning, job: rep.JobID()})

		err := body(ctx, rep)

		out := Outcome{Kind: kind, State: types.JobStateSucceeded, job: rep.JobID()}
		switch {
		case ctx.Err() != nil:
			out.State = types.JobStateCancelled
			if err == nil {
				err = context.Cause(ctx)
			}
		case err != nil:
			out.State = types.JobStateFailed
			out.Error = err.Error()
		}
		if _, rerr := o.refreshRange(rangeID, &out); rerr != nil {
			o.logger.Warn().Err(rerr).Str("range_id", rangeID).Msg("Failed to update range status")
		}
		return err
	}
}

func (o *Orchestrator) deployWork(rangeID string, onlyFailed bool) jobs.Work {
	return o.rangeWork(rangeID, types.JobKindRangeDeploy, func(ctx context.Context, rep *jobs.Reporter) error {
		timer := metrics.NewTimer()
		defer timer.ObserveDuration(metrics.DeployDuration)

		logger := o.logger.With().Str("range_id", rangeID).Str("job_id", rep.JobID()).Logger()

		networks, err := o.store.ListNetworksByRange(rangeID)
		if err != nil {
			return err
		}
		vms, err := o.store.ListVMsByRange(rangeID)
		if err != nil {
			return err
		}
		if len(networks) == 0 {
			return errors.New("range has no networks")
		}

		selected := make(map[string][]*types.VM)
		count := 0
		for _, vm := range vms {
			if wantsCreate(vm, onlyFailed) {
				selected[vm.NetworkID] = append(selected[vm.NetworkID], vm)
				count++
			}
		}
		var todo []*types.Network
		for _, n := range networks {
			if !onlyFailed || len(selected[n.ID]) > 0 {
				todo = append(todo, n)
			}
		}
		rep.SetTotal(int64(len(todo) + count))
		logger.Info().Int("networks", len(todo)).Int("vms", count).Msg("Deploying range")

		var vmGroup errgroup.Group
		vmGroup.SetLimit(o.cfg.VMConcurrency)
		var netGroup errgroup.Group

		for _, n := range todo {
			n := n
			netGroup.Go(func() error {
				ready, reason := o.ensureNetwork(ctx, rep, n)
				rep.Step(fmt.Sprintf("network %s %s", n.Name, readyWord(ready)))

				for _, vm := range selected[n.ID] {
					vm := vm
					if !ready {
						// No job is spent on a VM whose network is unusable
						o.setVMStatus(vm, types.VMStatusError, vm.RuntimeContainerID, fmt.Sprintf("network %s failed: %s", n.Name, reason))
						rep.Step(fmt.Sprintf("vm %s skipped", vm.Hostname))
						continue
					}
					vmGroup.Go(func() error {
						o.createChildVM(ctx, rep, vm)
						rep.Step(fmt.Sprintf("vm %s done", vm.Hostname))
						return nil
					})
				}
				return nil
			})
		}
		_ = netGroup.Wait()
		_ = vmGroup.Wait()

		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		vms, err = o.store.ListVMsByRange(rangeID)
		if err != nil {
			return err
		}
		running := 0
		for _, vm := range vms {
			if vm.Status == types.VMStatusRunning {
				running++
			}
		}
		logger.Info().Int("running", running).Int("total", len(vms)).Msg("Deploy finished")
		if running < o.cfg.MinRunningVMs {
			return errors.New(shortfall(running, len(vms), o.cfg.MinRunningVMs))
		}
		return nil
	})
}

func wantsCreate(vm *types.VM, onlyFailed bool) bool {
	if onlyFailed {
		return vm.Status == types.VMStatusError
	}
	return vm.Status == types.VMStatusPending || vm.Status == types.VMStatusError
}

func readyWord(ready bool) string {
	if ready {
		return "ready"
	}
	return "failed"
}

// ensureNetwork makes sure a network exists in the runtime, creating it
// through a network_create child job when needed
func (o *Orchestrator) ensureNetwork(ctx context.Context, parent *jobs.Reporter, n *types.Network) (bool, string) {
	if n.Status == types.NetworkStatusCreated && n.RuntimeNetworkID != "" {
		if _, err := o.rt.InspectNetwork(ctx, n.RuntimeNetworkID); err == nil {
			return true, ""
		}
	}

	job, _, err := o.engine.Submit(jobs.Spec{
		Kind:     types.JobKindNetworkCreate,
		Target:   networkTarget(n.ID),
		RangeID:  n.RangeID,
		ParentID: parent.JobID(),
		Unit:     types.ProgressSteps,
		Work:     o.createNetworkWork(n.ID),
	})
	if err != nil {
		return false, err.Error()
	}
	final, err := o.awaitChild(ctx, job.ID)
	if err != nil {
		return false, err.Error()
	}
	if final.State != types.JobStateSucceeded {
		return false, final.Error
	}
	return true, ""
}

func (o *Orchestrator) createChildVM(ctx context.Context, parent *jobs.Reporter, vm *types.VM) {
	spec, err := o.createSpec(vm)
	if err != nil {
		o.setVMStatus(vm, types.VMStatusError, vm.RuntimeContainerID, err.Error())
		return
	}
	spec.ParentID = parent.JobID()

	job, _, err := o.submitVMJob(vm, spec)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			o.warn(vm.RangeID, vm.ID, fmt.Sprintf("VM %s skipped: %v", vm.Hostname, err))
			return
		}
		o.setVMStatus(vm, types.VMStatusError, vm.RuntimeContainerID, err.Error())
		return
	}
	_, _ = o.awaitChild(ctx, job.ID)
}

func (o *Orchestrator) startRangeWork(rangeID string) jobs.Work {
	return o.rangeWork(rangeID, types.JobKindRangeStart, func(ctx context.Context, rep *jobs.Reporter) error {
		vms, err := o.store.ListVMsByRange(rangeID)
		if err != nil {
			return err
		}

		var ids []string
		for _, vm := range vms {
			if vm.RuntimeContainerID == "" || vm.Status == types.VMStatusRunning {
				continue
			}
			job, _, err := o.submitVMJob(vm, jobs.Spec{
				Kind:     types.JobKindVMStart,
				ParentID: rep.JobID(),
				Work:     o.lifecycleWork(vm.ID, types.JobKindVMStart),
			})
			if err != nil {
				o.warn(rangeID, vm.ID, fmt.Sprintf("VM %s not started: %v", vm.Hostname, err))
				continue
			}
			ids = append(ids, job.ID)
		}
		rep.SetTotal(int64(len(ids)))
		o.awaitAll(ctx, rep, ids)
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		vms, err = o.store.ListVMsByRange(rangeID)
		if err != nil {
			return err
		}
		running := 0
		for _, vm := range vms {
			if vm.Status == types.VMStatusRunning {
				running++
			}
		}
		if running < o.cfg.MinRunningVMs {
			return errors.New(shortfall(running, len(vms), o.cfg.MinRunningVMs))
		}
		return nil
	})
}

func (o *Orchestrator) stopRangeWork(rangeID string) jobs.Work {
	return o.rangeWork(rangeID, types.JobKindRangeStop, func(ctx context.Context, rep *jobs.Reporter) error {
		vms, err := o.store.ListVMsByRange(rangeID)
		if err != nil {
			return err
		}

		var ids []string
		for _, vm := range vms {
			if vm.RuntimeContainerID == "" || vm.Status != types.VMStatusRunning {
				continue
			}
			job, _, err := o.submitVMJob(vm, jobs.Spec{
				Kind:     types.JobKindVMStop,
				ParentID: rep.JobID(),
				Work:     o.lifecycleWork(vm.ID, types.JobKindVMStop),
			})
			if err != nil {
				o.warn(rangeID, vm.ID, fmt.Sprintf("VM %s not stopped: %v", vm.Hostname, err))
				continue
			}
			ids = append(ids, job.ID)
		}
		rep.SetTotal(int64(len(ids)))
		failed := o.awaitAll(ctx, rep, ids)
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		if failed > 0 {
			return fmt.Errorf("failed to stop %d VMs", failed)
		}
		return nil
	})
}

// awaitAll waits for child jobs and returns how many did not succeed
func (o *Orchestrator) awaitAll(ctx context.Context, rep *jobs.Reporter, ids []string) int {
	failed := 0
	for _, id := range ids {
		final, err := o.awaitChild(ctx, id)
		if err != nil || final == nil || final.State != types.JobStateSucceeded {
			failed++
		}
		rep.Step("")
	}
	return failed
}

func (o *Orchestrator) teardownWork(rangeID string) jobs.Work {
	return o.rangeWork(rangeID, types.JobKindRangeTeardown, func(ctx context.Context, rep *jobs.Reporter) error {
		logger := o.logger.With().Str("range_id", rangeID).Str("job_id", rep.JobID()).Logger()

		if err := o.cancelRangeJobs(ctx, rangeID, rep.JobID()); err != nil {
			return err
		}

		networks, err := o.store.ListNetworksByRange(rangeID)
		if err != nil {
			return err
		}
		vms, err := o.store.ListVMsByRange(rangeID)
		if err != nil {
			return err
		}
		rep.SetTotal(int64(len(vms) + len(networks)))

		var mu sync.Mutex
		blocked := make(map[string]bool)
		known := make(map[string]bool)

		var g errgroup.Group
		g.SetLimit(o.cfg.VMConcurrency)
		for _, vm := range vms {
			vm := vm
			if vm.RuntimeContainerID != "" {
				known[vm.RuntimeContainerID] = true
			}
			g.Go(func() error {
				if err := o.removeVM(ctx, vm); err != nil {
					mu.Lock()
					blocked[vm.NetworkID] = true
					mu.Unlock()
				}
				rep.Step(fmt.Sprintf("vm %s processed", vm.Hostname))
				return nil
			})
		}
		_ = g.Wait()

		// Containers the records lost track of, e.g. after a crash mid-create
		leftovers, err := o.rt.ListContainers(ctx, map[string]string{runtime.LabelRange: rangeID})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to list range containers")
		}
		for _, c := range leftovers {
			if known[c.ID] {
				continue
			}
			if err := o.rt.RemoveContainer(ctx, c.ID); err != nil && !runtime.IsNotFound(err) {
				o.teardownFailed(rangeID, c.Labels[runtime.LabelVM], "container "+c.Name, err)
				if netID := c.Labels[runtime.LabelNetwork]; netID != "" {
					blocked[netID] = true
				}
			}
		}

		for _, n := range networks {
			if blocked[n.ID] {
				o.teardownFailed(rangeID, "", "network "+n.Name, errors.New("member VMs could not be removed"))
			} else {
				_ = o.removeNetwork(ctx, n)
			}
			rep.Step(fmt.Sprintf("network %s processed", n.Name))
		}

		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		logger.Info().Msg("Teardown finished")
		return nil
	})
}

// cancelRangeJobs cancels every other active job on the range and waits for
// them to roll back
func (o *Orchestrator) cancelRangeJobs(ctx context.Context, rangeID, self string) error {
	all, err := o.engine.List(jobs.Filter{RangeID: rangeID})
	if err != nil {
		return err
	}
	var pending []string
	for _, j := range all {
		if j.ID == self || j.State.Terminal() {
			continue
		}
		if _, err := o.engine.Cancel(j.ID); err != nil && !errors.Is(err, jobs.ErrAlreadyTerminal) {
			o.logger.Warn().Err(err).Str("job_id", j.ID).Msg("Failed to cancel job before teardown")
		}
		pending = append(pending, j.ID)
	}
	for _, id := range pending {
		if _, err := o.engine.Wait(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// removeVM stops and removes a VM's container. A missing container counts as
// removed.
func (o *Orchestrator) removeVM(ctx context.Context, vm *types.VM) error {
	id := vm.RuntimeContainerID
	if id == "" {
		id = ContainerName(vm.ID)
	}

	if err := o.rt.StopContainer(ctx, id, o.cfg.StopTimeout); err != nil && !runtime.IsNotFound(err) {
		o.logger.Debug().Err(err).Str("vm_id", vm.ID).Msg("Stop before removal failed, forcing removal")
	}
	if err := o.rt.RemoveContainer(ctx, id); err != nil && !runtime.IsNotFound(err) {
		o.teardownFailed(vm.RangeID, vm.ID, "container of "+vm.Hostname, err)
		if vm.RuntimeContainerID != "" {
			o.setVMStatus(vm, types.VMStatusError, vm.RuntimeContainerID, "teardown failed: "+err.Error())
		}
		return err
	}

	if vm.Status != types.VMStatusPending || vm.RuntimeContainerID != "" || vm.Error != "" {
		o.setVMStatus(vm, types.VMStatusPending, "", "")
	}
	return nil
}

func (o *Orchestrator) removeNetwork(ctx context.Context, n *types.Network) error {
	id := n.RuntimeNetworkID
	if id == "" {
		id = NetworkName(n.ID)
	}
	if err := o.rt.RemoveNetwork(ctx, id); err != nil && !runtime.IsNotFound(err) {
		o.teardownFailed(n.RangeID, "", "network "+n.Name, err)
		return err
	}
	if n.Status != types.NetworkStatusAbsent || n.RuntimeNetworkID != "" || n.Error != "" {
		o.setNetworkStatus(n, types.NetworkStatusAbsent, "", "")
	}
	return nil
}

func (o *Orchestrator) teardownFailed(rangeID, vmID, resource string, err error) {
	o.publish(&types.EventLogEntry{
		RangeID: rangeID,
		VMID:    vmID,
		Type:    types.EventTeardownFailed,
		Message: fmt.Sprintf("Failed to remove %s: %v", resource, err),
		Data:    map[string]string{"resource": resource, "error": err.Error()},
	})
	o.logger.Warn().Err(err).Str("range_id", rangeID).Str("resource", resource).Msg("Teardown step failed")
}
