package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/runtime"
	"github.com/cuemby/cyberrange/pkg/storage"
	"github.com/cuemby/cyberrange/pkg/types"
)

// ErrConflict is returned when an operation would race another job on the
// same range or VM, or when the range is in a state that forbids it
var ErrConflict = errors.New("conflict")

const (
	// DefaultVMConcurrency bounds concurrent VM creations per deploy
	DefaultVMConcurrency = 4

	// DefaultStopTimeout is the grace period before a VM is killed
	DefaultStopTimeout = 10 * time.Second

	rollbackTimeout = 30 * time.Second
	drainTimeout    = time.Minute
)

// Artifacts ensures the images and disk images VMs are created from
type Artifacts interface {
	Ensure(ctx context.Context, ref types.ArtifactRef) (*types.Job, error)
	Path(ref types.ArtifactRef) (string, error)
}

// Publisher persists and fans out events
type Publisher interface {
	Publish(entry *types.EventLogEntry) error
}

// Config holds orchestrator configuration
type Config struct {
	VMConcurrency int
	MinRunningVMs int
	StopTimeout   time.Duration
}

// Orchestrator drives ranges through deployment, lifecycle and teardown.
// Every status change it makes happens inside a job.
type Orchestrator struct {
	store     storage.Store
	engine    *jobs.Engine
	rt        runtime.Runtime
	artifacts Artifacts
	pub       Publisher
	cfg       Config
	logger    zerolog.Logger

	// submitMu makes conflict checks and submission one step
	submitMu sync.Mutex

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewOrchestrator creates an orchestrator and registers its restart
// checkers with the engine
func NewOrchestrator(store storage.Store, engine *jobs.Engine, rt runtime.Runtime, artifacts Artifacts, pub Publisher, cfg Config) *Orchestrator {
	if cfg.VMConcurrency <= 0 {
		cfg.VMConcurrency = DefaultVMConcurrency
	}
	if cfg.MinRunningVMs <= 0 {
		cfg.MinRunningVMs = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	o := &Orchestrator{
		store:     store,
		engine:    engine,
		rt:        rt,
		artifacts: artifacts,
		pub:       pub,
		cfg:       cfg,
		logger:    log.WithComponent("deploy"),
		locks:     make(map[string]*sync.Mutex),
	}
	o.registerCheckers()
	return o
}

func (o *Orchestrator) rangeLock(id string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	mu, ok := o.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[id] = mu
	}
	return mu
}

// ContainerName is the runtime name of a VM's container
func ContainerName(vmID string) string {
	return "cyberrange-" + vmID
}

// NetworkName is the runtime name of a network
func NetworkName(networkID string) string {
	return "cyberrange-net-" + networkID
}

func rangeTarget(id string) types.Target {
	return types.Target{Type: types.TargetRange, ID: id}
}

func vmTarget(id string) types.Target {
	return types.Target{Type: types.TargetVM, ID: id}
}

func networkTarget(id string) types.Target {
	return types.Target{Type: types.TargetNetwork, ID: id}
}

var (
	rangeKinds = []types.JobKind{
		types.JobKindRangeDeploy,
		types.JobKindRangeStart,
		types.JobKindRangeStop,
		types.JobKindRangeTeardown,
	}
	vmKinds = []types.JobKind{
		types.JobKindVMCreate,
		types.JobKindVMStart,
		types.JobKindVMStop,
		types.JobKindVMRestart,
		types.JobKindVMSnapshot,
	}
)

// CreateRange assigns identities and defaults to a declared range and stores
// it as a draft. Declarations that fail Validate are rejected.
func (o *Orchestrator) CreateRange(r *types.Range, networks []*types.Network, vms []*types.VM) (*types.Range, error) {
	if r.Name == "" {
		return nil, &ValidationError{Problems: []string{"range name is required"}}
	}
	now := time.Now()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Status = types.RangeStatusDraft
	r.LastJobID = ""
	r.LastOutcome = nil
	r.Error = ""
	r.CreatedAt = now
	r.UpdatedAt = now

	for i, n := range networks {
		if n.ID == "" {
			n.ID = uuid.New().String()
		}
		n.RangeID = r.ID
		n.Position = i
		n.Status = types.NetworkStatusAbsent
		n.RuntimeNetworkID = ""
		if n.Isolation == "" {
			n.Isolation = types.IsolationComplete
		}
		if n.Gateway == "" {
			if gw, err := DefaultGateway(n.Subnet); err == nil {
				n.Gateway = gw
			}
		}
		n.CreatedAt = now
		n.UpdatedAt = now
	}
	for i, vm := range vms {
		if vm.ID == "" {
			vm.ID = uuid.New().String()
		}
		vm.RangeID = r.ID
		vm.Position = i
		vm.Status = types.VMStatusPending
		vm.RuntimeContainerID = ""
		vm.CreatedAt = now
		vm.UpdatedAt = now
	}

	if err := Validate(networks, vms, o.lookup()); err != nil {
		return nil, err
	}

	if err := o.store.CreateRange(r); err != nil {
		return nil, fmt.Errorf("failed to create range: %w", err)
	}
	cleanup := func(err error) (*types.Range, error) {
		_ = o.store.DeleteRange(r.ID)
		return nil, err
	}
	for _, n := range networks {
		if err := o.store.CreateNetwork(n); err != nil {
			return cleanup(fmt.Errorf("failed to create network %s: %w", n.Name, err))
		}
	}
	for _, vm := range vms {
		if err := o.store.CreateVM(vm); err != nil {
			return cleanup(fmt.Errorf("failed to create vm %s: %w", vm.Hostname, err))
		}
	}

	o.logger.Info().
		Str("range_id", r.ID).
		Str("name", r.Name).
		Int("networks", len(networks)).
		Int("vms", len(vms)).
		Msg("Range created")
	return r, nil
}

func (o *Orchestrator) lookup() Lookup {
	return Lookup{
		Template: func(id string) (*types.Template, bool) {
			t, err := o.store.GetTemplate(id)
			return t, err == nil
		},
		Snapshot: func(id string) (*types.Snapshot, bool) {
			s, err := o.store.GetSnapshot(id)
			return s, err == nil
		},
	}
}

// Validate re-checks a stored range's declaration
func (o *Orchestrator) Validate(rangeID string) error {
	networks, err := o.store.ListNetworksByRange(rangeID)
	if err != nil {
		return err
	}
	vms, err := o.store.ListVMsByRange(rangeID)
	if err != nil {
		return err
	}
	return Validate(networks, vms, o.lookup())
}

// Deploy creates every network and VM of a range that is not already
// deployed. The returned job ends when all child jobs have.
func (o *Orchestrator) Deploy(rangeID string) (*types.Job, error) {
	return o.deploy(rangeID, false)
}

// Retry re-runs deployment for the VMs that ended in error
func (o *Orchestrator) Retry(rangeID string) (*types.Job, error) {
	return o.deploy(rangeID, true)
}

func (o *Orchestrator) deploy(rangeID string, onlyFailed bool) (*types.Job, error) {
	r, err := o.store.GetRange(rangeID)
	if err != nil {
		return nil, err
	}
	if r.Status == types.RangeStatusArchived {
		return nil, fmt.Errorf("%w: range %s is archived", ErrConflict, r.Name)
	}
	if err := o.Validate(rangeID); err != nil {
		return nil, err
	}
	msg := "deploying range"
	if onlyFailed {
		msg = "retrying failed VMs"
	}
	return o.submitRangeJob(r, types.JobKindRangeDeploy, msg, o.deployWork(rangeID, onlyFailed))
}

// StartRange starts every deployed VM that is not running
func (o *Orchestrator) StartRange(rangeID string) (*types.Job, error) {
	r, err := o.deployedRange(rangeID)
	if err != nil {
		return nil, err
	}
	return o.submitRangeJob(r, types.JobKindRangeStart, "starting VMs", o.startRangeWork(rangeID))
}

// StopRange stops every running VM
func (o *Orchestrator) StopRange(rangeID string) (*types.Job, error) {
	r, err := o.deployedRange(rangeID)
	if err != nil {
		return nil, err
	}
	return o.submitRangeJob(r, types.JobKindRangeStop, "stopping VMs", o.stopRangeWork(rangeID))
}

func (o *Orchestrator) deployedRange(rangeID string) (*types.Range, error) {
	r, err := o.store.GetRange(rangeID)
	if err != nil {
		return nil, err
	}
	if r.Status == types.RangeStatusDraft || r.Status == types.RangeStatusArchived {
		return nil, fmt.Errorf("%w: range %s is %s", ErrConflict, r.Name, r.Status)
	}
	return r, nil
}

// Teardown removes every runtime resource of a range. Active jobs on the
// range are cancelled first. Teardown never fails as a whole; individual
// removal failures are reported as events.
func (o *Orchestrator) Teardown(rangeID string) (*types.Job, error) {
	r, err := o.store.GetRange(rangeID)
	if err != nil {
		return nil, err
	}
	return o.submitRangeJob(r, types.JobKindRangeTeardown, "tearing down", o.teardownWork(rangeID))
}

func (o *Orchestrator) submitRangeJob(r *types.Range, kind types.JobKind, msg string, work jobs.Work) (*types.Job, error) {
	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	target := rangeTarget(r.ID)
	for _, k := range rangeKinds {
		if k == kind {
			continue
		}
		active, err := o.engine.Active(k, target)
		if err != nil {
			return nil, err
		}
		if active == nil {
			continue
		}
		if kind == types.JobKindRangeTeardown {
			// Teardown wins; its work cancels the other job
			continue
		}
		return nil, fmt.Errorf("%w: range %s has an active %s job %s", ErrConflict, r.Name, k, active.ID)
	}

	job, _, err := o.engine.Submit(jobs.Spec{
		Kind:    kind,
		Target:  target,
		RangeID: r.ID,
		Unit:    types.ProgressSteps,
		Message: msg,
		Work:    work,
	})
	return job, err
}

// submitVMJob submits a job for one VM unless a different lifecycle job for
// the VM, or a teardown of its range, is in flight
func (o *Orchestrator) submitVMJob(vm *types.VM, spec jobs.Spec) (*types.Job, bool, error) {
	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	teardown, err := o.engine.Active(types.JobKindRangeTeardown, rangeTarget(vm.RangeID))
	if err != nil {
		return nil, false, err
	}
	if teardown != nil {
		return nil, false, fmt.Errorf("%w: range of vm %s is being torn down", ErrConflict, vm.Hostname)
	}

	target := vmTarget(vm.ID)
	for _, k := range vmKinds {
		if k == spec.Kind {
			continue
		}
		active, err := o.engine.Active(k, target)
		if err != nil {
			return nil, false, err
		}
		if active != nil {
			return nil, false, fmt.Errorf("%w: vm %s has an active %s job %s", ErrConflict, vm.Hostname, k, active.ID)
		}
	}

	spec.Target = target
	spec.RangeID = vm.RangeID
	if spec.Unit == "" {
		spec.Unit = types.ProgressSteps
	}
	return o.engine.Submit(spec)
}

// SetRangeStatus applies one of the client-driven statuses, draft or
// archived. Both require a range with no live runtime resources and no
// active jobs.
func (o *Orchestrator) SetRangeStatus(rangeID string, status types.RangeStatus) (*types.Range, error) {
	if status != types.RangeStatusDraft && status != types.RangeStatusArchived {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("status %q cannot be set directly", status)}}
	}
	if err := o.requireIdle(rangeID); err != nil {
		return nil, err
	}

	var out *types.Range
	err := o.updateRange(rangeID, func(r *types.Range) (bool, error) {
		out = r
		if r.Status == status {
			return false, nil
		}
		r.Status = status
		r.Error = ""
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteRange removes a range with its networks, VMs, snapshots and event
// log. Snapshot images are removed from the runtime on a best-effort basis.
func (o *Orchestrator) DeleteRange(ctx context.Context, rangeID string) error {
	if err := o.requireIdle(rangeID); err != nil {
		return err
	}

	vms, err := o.store.ListVMsByRange(rangeID)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		snaps, err := o.store.ListSnapshotsByVM(vm.ID)
		if err != nil {
			continue
		}
		for _, s := range snaps {
			if s.RuntimeImageID == "" {
				continue
			}
			if err := o.rt.RemoveImage(ctx, s.RuntimeImageID); err != nil && !runtime.IsNotFound(err) {
				o.logger.Warn().Err(err).Str("snapshot_id", s.ID).Msg("Failed to remove snapshot image")
			}
		}
	}

	if err := o.store.DeleteRange(rangeID); err != nil {
		return fmt.Errorf("failed to delete range: %w", err)
	}
	if closer, ok := o.pub.(interface{ CloseRange(string) }); ok {
		closer.CloseRange(rangeID)
	}
	o.locksMu.Lock()
	delete(o.locks, rangeID)
	o.locksMu.Unlock()

	o.logger.Info().Str("range_id", rangeID).Msg("Range deleted")
	return nil
}

// requireIdle rejects ranges with active jobs or live runtime resources
func (o *Orchestrator) requireIdle(rangeID string) error {
	r, err := o.store.GetRange(rangeID)
	if err != nil {
		return err
	}
	active, err := o.engine.List(jobs.Filter{RangeID: rangeID})
	if err != nil {
		return err
	}
	for _, j := range active {
		if !j.State.Terminal() {
			return fmt.Errorf("%w: range %s has an active %s job %s", ErrConflict, r.Name, j.Kind, j.ID)
		}
	}

	networks, err := o.store.ListNetworksByRange(rangeID)
	if err != nil {
		return err
	}
	vms, err := o.store.ListVMsByRange(rangeID)
	if err != nil {
		return err
	}
	live := 0
	for _, vm := range vms {
		if vm.RuntimeContainerID != "" {
			live++
		}
	}
	for _, n := range networks {
		if n.RuntimeNetworkID != "" {
			live++
		}
	}
	if live > 0 {
		return fmt.Errorf("%w: range %s has %d live runtime resources, tear it down first", ErrConflict, r.Name, live)
	}
	return nil
}

// Resync recomputes the status of every range. It runs after restart
// reconciliation has settled leftover jobs.
func (o *Orchestrator) Resync() error {
	ranges, err := o.store.ListRanges()
	if err != nil {
		return err
	}
	for _, r := range ranges {
		o.dropUnfinishedSnapshots(r.ID)
		if _, err := o.refreshRange(r.ID, nil); err != nil {
			o.logger.Warn().Err(err).Str("range_id", r.ID).Msg("Failed to resync range status")
		}
	}
	return nil
}

// dropUnfinishedSnapshots removes snapshot records whose commit never
// completed. Only safe while no snapshot job can be running.
func (o *Orchestrator) dropUnfinishedSnapshots(rangeID string) {
	vms, err := o.store.ListVMsByRange(rangeID)
	if err != nil {
		return
	}
	for _, vm := range vms {
		snaps, err := o.store.ListSnapshotsByVM(vm.ID)
		if err != nil {
			continue
		}
		for _, s := range snaps {
			if s.RuntimeImageID != "" {
				continue
			}
			if err := o.store.DeleteSnapshot(s.ID); err == nil {
				o.logger.Info().Str("snapshot_id", s.ID).Str("vm_id", vm.ID).Msg("Removed unfinished snapshot")
			}
		}
	}
}

// awaitChild waits for a child job. When the parent's context ends first
// because it was cancelled or timed out, the child is cancelled and given
// time to roll back before returning.
func (o *Orchestrator) awaitChild(ctx context.Context, id string) (*types.Job, error) {
	final, err := o.engine.Wait(ctx, id)
	if err == nil {
		return final, nil
	}

	cause := context.Cause(ctx)
	if !errors.Is(cause, jobs.ErrCancelled) && !errors.Is(cause, jobs.ErrTimeout) {
		return nil, err
	}
	_, _ = o.engine.Cancel(id)
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if final, werr := o.engine.Wait(dctx, id); werr == nil {
		return final, cause
	}
	return nil, cause
}
