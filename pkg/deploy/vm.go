package deploy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/cyberrange/pkg/health"
	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/runtime"
	"github.com/cuemby/cyberrange/pkg/types"
)

const (
	diskMountDir   = "/mnt/disk"
	maxScriptTrail = 512
)

// createSpec builds the vm_create job for a VM. The job holds the
// template's artifacts so they cannot be deleted underneath it.
func (o *Orchestrator) createSpec(vm *types.VM) (jobs.Spec, error) {
	tmpl, err := o.store.GetTemplate(vm.TemplateID)
	if err != nil {
		return jobs.Spec{}, fmt.Errorf("template %s: %w", vm.TemplateID, err)
	}
	var refs []string
	if vm.SnapshotID == "" {
		refs = append(refs, imageRef(tmpl).Key())
	}
	if tmpl.Disk != nil {
		refs = append(refs, tmpl.Disk.Key())
	}

	attempt := 1
	if prev, err := o.engine.List(jobs.Filter{Kind: types.JobKindVMCreate, Target: vmTarget(vm.ID)}); err == nil {
		attempt += len(prev)
	}

	return jobs.Spec{
		Kind:    types.JobKindVMCreate,
		Refs:    refs,
		Unit:    types.ProgressSteps,
		Attempt: attempt,
		Work:    o.createVMWork(vm.ID),
	}, nil
}

func imageRef(tmpl *types.Template) types.ArtifactRef {
	return types.ArtifactRef{Kind: types.ArtifactImage, Name: tmpl.Image}
}

// RetryVM re-submits creation of a single VM that ended in error
func (o *Orchestrator) RetryVM(vmID string) (*types.Job, error) {
	vm, err := o.store.GetVM(vmID)
	if err != nil {
		return nil, err
	}
	if vm.Status != types.VMStatusError && vm.Status != types.VMStatusPending {
		return nil, fmt.Errorf("%w: vm %s is %s", ErrConflict, vm.Hostname, vm.Status)
	}
	n, err := o.store.GetNetwork(vm.NetworkID)
	if err != nil {
		return nil, err
	}
	if n.Status != types.NetworkStatusCreated {
		return nil, fmt.Errorf("%w: network %s is %s, retry the range instead", ErrConflict, n.Name, n.Status)
	}

	spec, err := o.createSpec(vm)
	if err != nil {
		return nil, err
	}
	job, _, err := o.submitVMJob(vm, spec)
	return job, err
}

func (o *Orchestrator) createVMWork(vmID string) jobs.Work {
	return func(ctx context.Context, rep *jobs.Reporter) error {
		vm, err := o.store.GetVM(vmID)
		if err != nil {
			return fmt.Errorf("failed to load vm: %w", err)
		}
		defer func() { _, _ = o.refreshRange(vm.RangeID, nil) }()

		logger := o.logger.With().
			Str("vm_id", vm.ID).
			Str("hostname", vm.Hostname).
			Str("job_id", rep.JobID()).
			Logger()

		fail := func(err error) error {
			msg := err.Error()
			if ctx.Err() != nil {
				msg = "creation " + cancelMessage(ctx)
			}
			o.setVMStatus(vm, types.VMStatusError, "", msg)
			logger.Warn().Err(err).Msg("VM creation failed")
			return err
		}

		tmpl, err := o.store.GetTemplate(vm.TemplateID)
		if err != nil {
			return fail(fmt.Errorf("template %s: %w", vm.TemplateID, err))
		}
		n, err := o.store.GetNetwork(vm.NetworkID)
		if err != nil {
			return fail(fmt.Errorf("network %s: %w", vm.NetworkID, err))
		}

		rep.SetTotal(5)
		stale := vm.RuntimeContainerID
		o.setVMStatus(vm, types.VMStatusCreating, "", "")

		// A failed earlier attempt may have left its container behind
		if stale == "" {
			stale = ContainerName(vm.ID)
		}
		if err := o.rt.RemoveContainer(ctx, stale); err != nil && !runtime.IsNotFound(err) {
			return fail(fmt.Errorf("failed to remove previous container: %w", err))
		}

		image, mounts, err := o.prepareArtifacts(ctx, rep, vm, tmpl)
		if err != nil {
			return fail(err)
		}
		rep.Step("artifacts ready")

		if n.Status != types.NetworkStatusCreated || n.RuntimeNetworkID == "" {
			return fail(fmt.Errorf("network %s is %s", n.Name, n.Status))
		}

		res := EffectiveResources(vm, tmpl)
		cid, err := o.rt.CreateContainer(ctx, runtime.ContainerSpec{
			Name:      ContainerName(vm.ID),
			Image:     image,
			Hostname:  vm.Hostname,
			NetworkID: n.RuntimeNetworkID,
			IP:        vm.IP,
			Cmd:       tmpl.Command,
			Env:       tmpl.Env,
			Ports:     tmpl.Ports,
			Mounts:    mounts,
			CPUs:      res.CPUs,
			MemoryMB:  res.MemoryMB,
			Labels: runtime.ManagedLabels(vm.RangeID, map[string]string{
				runtime.LabelVM:      vm.ID,
				runtime.LabelNetwork: n.ID,
			}),
		})
		if err != nil {
			if ctx.Err() != nil {
				// The daemon may have finished the create after the call gave up
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
				rerr := o.rt.RemoveContainer(rctx, ContainerName(vm.ID))
				cancel()
				if rerr != nil && !runtime.IsNotFound(rerr) {
					logger.Error().Err(rerr).Msg("Failed to remove container after cancelled create")
				}
			}
			return fail(fmt.Errorf("failed to create container: %w", err))
		}
		rep.Step("container created")

		rollback := func(cause error) error {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
			defer cancel()
			msg := cause.Error()
			if ctx.Err() != nil {
				msg = "creation " + cancelMessage(ctx)
			}
			if rerr := o.rt.RemoveContainer(rctx, cid); rerr != nil && !runtime.IsNotFound(rerr) {
				logger.Error().Err(rerr).Str("container_id", cid).Msg("Failed to roll back container")
				o.setVMStatus(vm, types.VMStatusError, cid, msg+"; rollback failed: "+rerr.Error())
				return cause
			}
			o.setVMStatus(vm, types.VMStatusError, "", msg)
			logger.Warn().Err(cause).Msg("VM creation rolled back")
			return cause
		}

		if err := o.rt.StartContainer(ctx, cid); err != nil {
			return rollback(fmt.Errorf("failed to start container: %w", err))
		}
		rep.Step("container started")

		if tmpl.ConfigScript != "" {
			o.configure(ctx, vm, cid, tmpl.ConfigScript)
		}
		if ctx.Err() != nil {
			return rollback(context.Cause(ctx))
		}
		rep.Step("configured")

		if tmpl.HealthCheck != nil {
			o.probe(ctx, vm, tmpl.HealthCheck, cid)
		}
		if ctx.Err() != nil {
			return rollback(context.Cause(ctx))
		}

		o.setVMStatus(vm, types.VMStatusRunning, cid, "")
		rep.Step("running")
		logger.Info().Str("container_id", cid).Str("ip", vm.IP).Msg("VM running")
		return nil
	}
}

// prepareArtifacts resolves the image a VM runs and the disk images it
// mounts, waiting on cache jobs as needed
func (o *Orchestrator) prepareArtifacts(ctx context.Context, rep *jobs.Reporter, vm *types.VM, tmpl *types.Template) (string, []runtime.Mount, error) {
	var image string
	if vm.SnapshotID != "" {
		snap, err := o.store.GetSnapshot(vm.SnapshotID)
		if err != nil {
			return "", nil, fmt.Errorf("snapshot %s: %w", vm.SnapshotID, err)
		}
		if snap.RuntimeImageID == "" {
			return "", nil, fmt.Errorf("snapshot %s has no image", snap.Name)
		}
		if _, err := o.rt.InspectImage(ctx, snap.RuntimeImageID); err != nil {
			return "", nil, fmt.Errorf("snapshot image of %s: %w", snap.Name, err)
		}
		image = snap.RuntimeImageID
	} else {
		image = tmpl.Image
		if err := o.awaitArtifact(ctx, rep, imageRef(tmpl)); err != nil {
			return "", nil, err
		}
	}

	var mounts []runtime.Mount
	if tmpl.Disk != nil {
		if err := o.awaitArtifact(ctx, rep, *tmpl.Disk); err != nil {
			return "", nil, err
		}
		path, err := o.artifacts.Path(*tmpl.Disk)
		if err != nil {
			return "", nil, err
		}
		mounts = append(mounts, runtime.Mount{
			Source:   path,
			Target:   filepath.Join(diskMountDir, filepath.Base(path)),
			ReadOnly: true,
		})
	}
	return image, mounts, nil
}

// awaitArtifact ensures ref is cached. The caller's cancellation stops the
// wait but never the shared transfer.
func (o *Orchestrator) awaitArtifact(ctx context.Context, rep *jobs.Reporter, ref types.ArtifactRef) error {
	job, err := o.artifacts.Ensure(ctx, ref)
	if err != nil {
		return fmt.Errorf("artifact %s: %w", ref.Key(), err)
	}
	if !job.State.Terminal() {
		rep.SetMessage(fmt.Sprintf("waiting for %s (job %s)", ref.Key(), job.ID))
		job, err = o.engine.Wait(ctx, job.ID)
		if err != nil {
			return err
		}
	}
	if job.State != types.JobStateSucceeded {
		return fmt.Errorf("artifact %s %s: %s", ref.Key(), job.State, job.Error)
	}
	return nil
}

// configure runs the template's post-create script. Failure is a warning:
// the VM is still usable.
func (o *Orchestrator) configure(ctx context.Context, vm *types.VM, cid, script string) {
	res, err := o.rt.Exec(ctx, cid, []string{"/bin/sh", "-c", script})
	switch {
	case ctx.Err() != nil:
	case err != nil:
		o.warn(vm.RangeID, vm.ID, fmt.Sprintf("Config script on %s failed: %v", vm.Hostname, err))
	case res.ExitCode != 0:
		out := res.Output
		if len(out) > maxScriptTrail {
			out = out[len(out)-maxScriptTrail:]
		}
		o.warn(vm.RangeID, vm.ID, fmt.Sprintf("Config script on %s exited %d: %s", vm.Hostname, res.ExitCode, out))
	}
}

func (o *Orchestrator) probe(ctx context.Context, vm *types.VM, hc *types.HealthCheck, cid string) bool {
	checker, cfg, err := health.ForVM(hc, o.rt, cid, vm.IP)
	if err != nil {
		o.warn(vm.RangeID, vm.ID, fmt.Sprintf("Health check on %s not run: %v", vm.Hostname, err))
		return false
	}
	res := health.Probe(ctx, checker, cfg)
	if !res.Healthy && ctx.Err() == nil {
		o.warn(vm.RangeID, vm.ID, fmt.Sprintf("Health check on %s failed: %s", vm.Hostname, res.Message))
	}
	return res.Healthy
}

// StartVM starts a deployed VM's container
func (o *Orchestrator) StartVM(vmID string) (*types.Job, error) {
	return o.lifecycle(vmID, types.JobKindVMStart)
}

// StopVM stops a deployed VM's container
func (o *Orchestrator) StopVM(vmID string) (*types.Job, error) {
	return o.lifecycle(vmID, types.JobKindVMStop)
}

// RestartVM stops and starts a deployed VM's container
func (o *Orchestrator) RestartVM(vmID string) (*types.Job, error) {
	return o.lifecycle(vmID, types.JobKindVMRestart)
}

func (o *Orchestrator) lifecycle(vmID string, kind types.JobKind) (*types.Job, error) {
	vm, err := o.store.GetVM(vmID)
	if err != nil {
		return nil, err
	}
	if vm.RuntimeContainerID == "" {
		return nil, fmt.Errorf("%w: vm %s has no container, deploy it first", ErrConflict, vm.Hostname)
	}
	job, _, err := o.submitVMJob(vm, jobs.Spec{Kind: kind, Work: o.lifecycleWork(vmID, kind)})
	return job, err
}

func (o *Orchestrator) lifecycleWork(vmID string, kind types.JobKind) jobs.Work {
	return func(ctx context.Context, rep *jobs.Reporter) error {
		vm, err := o.store.GetVM(vmID)
		if err != nil {
			return fmt.Errorf("failed to load vm: %w", err)
		}
		defer func() { _, _ = o.refreshRange(vm.RangeID, nil) }()
		cid := vm.RuntimeContainerID
		if cid == "" {
			return fmt.Errorf("vm %s has no container", vm.Hostname)
		}

		want := types.VMStatusRunning
		switch kind {
		case types.JobKindVMStart:
			rep.SetTotal(1)
			err = o.rt.StartContainer(ctx, cid)
		case types.JobKindVMStop:
			rep.SetTotal(1)
			want = types.VMStatusStopped
			err = o.rt.StopContainer(ctx, cid, o.cfg.StopTimeout)
		case types.JobKindVMRestart:
			rep.SetTotal(2)
			if err = o.rt.StopContainer(ctx, cid, o.cfg.StopTimeout); err == nil {
				rep.Step("stopped")
				err = o.rt.StartContainer(ctx, cid)
			}
		default:
			return fmt.Errorf("unknown lifecycle job kind %s", kind)
		}

		if err != nil {
			if runtime.IsNotFound(err) {
				o.setVMStatus(vm, types.VMStatusError, "", "container no longer exists")
				return err
			}
			if ctx.Err() != nil {
				// Leave the VM as the runtime actually has it
				o.syncFromRuntime(context.WithoutCancel(ctx), vm)
				return context.Cause(ctx)
			}
			o.setVMStatus(vm, types.VMStatusError, cid, err.Error())
			return err
		}

		o.setVMStatus(vm, want, cid, "")
		rep.Step(string(want))
		return nil
	}
}

// syncFromRuntime sets a deployed VM's status from its container state
func (o *Orchestrator) syncFromRuntime(ctx context.Context, vm *types.VM) {
	info, err := o.rt.InspectContainer(ctx, vm.RuntimeContainerID)
	switch {
	case err != nil && runtime.IsNotFound(err):
		o.setVMStatus(vm, types.VMStatusError, "", "container no longer exists")
	case err != nil:
		o.setVMStatus(vm, types.VMStatusError, vm.RuntimeContainerID, err.Error())
	case info.State == runtime.ContainerRunning:
		o.setVMStatus(vm, types.VMStatusRunning, info.ID, "")
	default:
		o.setVMStatus(vm, types.VMStatusStopped, info.ID, "")
	}
}

// SnapshotVM commits a deployed VM's container to an image. The snapshot
// record is returned at once; its image ID is filled in by the job.
func (o *Orchestrator) SnapshotVM(vmID, name string) (*types.Job, *types.Snapshot, error) {
	vm, err := o.store.GetVM(vmID)
	if err != nil {
		return nil, nil, err
	}
	if vm.RuntimeContainerID == "" {
		return nil, nil, fmt.Errorf("%w: vm %s has no container", ErrConflict, vm.Hostname)
	}
	if name == "" {
		name = fmt.Sprintf("%s-%s", vm.Hostname, time.Now().UTC().Format("20060102-150405"))
	}

	snap := &types.Snapshot{
		ID:        uuid.New().String(),
		VMID:      vm.ID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := o.store.CreateSnapshot(snap); err != nil {
		return nil, nil, fmt.Errorf("failed to create snapshot: %w", err)
	}

	job, created, err := o.submitVMJob(vm, jobs.Spec{
		Kind:    types.JobKindVMSnapshot,
		Message: "snapshot " + snap.ID,
		Work:    o.snapshotWork(vm.ID, snap.ID),
	})
	if err != nil || !created {
		_ = o.store.DeleteSnapshot(snap.ID)
		return job, nil, err
	}
	return job, snap, nil
}

// SnapshotImage is the image reference a snapshot is committed to
func SnapshotImage(snapshotID string) string {
	return "cyberrange/snapshot:" + snapshotID
}

func (o *Orchestrator) snapshotWork(vmID, snapID string) jobs.Work {
	return func(ctx context.Context, rep *jobs.Reporter) error {
		vm, err := o.store.GetVM(vmID)
		if err != nil {
			return fmt.Errorf("failed to load vm: %w", err)
		}
		snap, err := o.store.GetSnapshot(snapID)
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		rep.SetTotal(1)

		imageID, err := o.rt.Commit(ctx, vm.RuntimeContainerID, SnapshotImage(snap.ID))
		if err == nil && ctx.Err() != nil {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
			defer cancel()
			_ = o.rt.RemoveImage(rctx, SnapshotImage(snap.ID))
			err = context.Cause(ctx)
		}
		if err != nil {
			_ = o.store.DeleteSnapshot(snap.ID)
			if errors.Is(err, runtime.ErrUnsupported) {
				o.warn(vm.RangeID, vm.ID, fmt.Sprintf("Snapshot of %s is not supported by this runtime", vm.Hostname))
			}
			return fmt.Errorf("failed to snapshot %s: %w", vm.Hostname, err)
		}

		snap.RuntimeImageID = imageID
		if err := o.store.UpdateSnapshot(snap); err != nil {
			return fmt.Errorf("failed to record snapshot: %w", err)
		}
		o.publish(&types.EventLogEntry{
			RangeID: vm.RangeID,
			VMID:    vm.ID,
			Type:    types.EventSnapshot,
			Message: fmt.Sprintf("Snapshot %s of %s created", snap.Name, vm.Hostname),
			Data:    map[string]string{"snapshot_id": snap.ID, "image_id": imageID},
		})
		rep.Step("committed")
		return nil
	}
}
