package deploy

import (
	"fmt"
	"time"

	"github.com/cuemby/cyberrange/pkg/types"
)

// Outcome is the state of the last range-level job
type Outcome struct {
	Kind  types.JobKind
	State types.JobState
	Error string

	// job, when set, limits an override to the range's current last job
	job string
}

// outcomeFrom converts the outcome stored on a range
func outcomeFrom(rec *types.JobOutcome) Outcome {
	if rec == nil {
		return Outcome{}
	}
	return Outcome{Kind: rec.Kind, State: rec.State, Error: rec.Error}
}

func (o Outcome) record() *types.JobOutcome {
	if o.Kind == "" {
		return nil
	}
	return &types.JobOutcome{Kind: o.Kind, State: o.State, Error: o.Error}
}

// OutcomeOf returns the outcome of job, or the zero Outcome for nil
func OutcomeOf(job *types.Job) Outcome {
	if job == nil {
		return Outcome{}
	}
	return Outcome{Kind: job.Kind, State: job.State, Error: job.Error}
}

// Aggregate derives a range's status from its children and the outcome of
// its last range-level job. minRunning is the number of running VMs a range
// needs to count as running; values below 1 are treated as 1.
func Aggregate(last Outcome, networks []*types.Network, vms []*types.VM, minRunning int) (types.RangeStatus, string) {
	if minRunning < 1 {
		minRunning = 1
	}
	if last.Kind == "" {
		return types.RangeStatusDraft, ""
	}
	if last.Kind == types.JobKindRangeDeploy && !last.State.Terminal() {
		return types.RangeStatusDeploying, ""
	}

	if last.Kind == types.JobKindRangeTeardown && last.State.Terminal() {
		remaining := 0
		for _, vm := range vms {
			if vm.RuntimeContainerID != "" {
				remaining++
			}
		}
		for _, n := range networks {
			if n.RuntimeNetworkID != "" {
				remaining++
			}
		}
		if remaining == 0 {
			return types.RangeStatusDraft, ""
		}
		return types.RangeStatusError, fmt.Sprintf("teardown incomplete: %d runtime resources remain", remaining)
	}

	var running, stopped int
	for _, vm := range vms {
		switch vm.Status {
		case types.VMStatusRunning:
			running++
		case types.VMStatusStopped:
			stopped++
		}
	}

	switch {
	case running >= minRunning:
		return types.RangeStatusRunning, ""
	case running+stopped >= minRunning:
		return types.RangeStatusStopped, ""
	case last.State == types.JobStateFailed && last.Error != "" && running+stopped == 0:
		return types.RangeStatusError, last.Error
	default:
		return types.RangeStatusError, shortfall(running, len(vms), minRunning)
	}
}

func shortfall(running, total, minRunning int) string {
	return fmt.Sprintf("%d of %d VMs running, %d required", running, total, minRunning)
}

// refreshRange recomputes and stores a range's status. override replaces the
// stored last job outcome while that job is still writing its result.
func (o *Orchestrator) refreshRange(rangeID string, override *Outcome) (types.RangeStatus, error) {
	var status types.RangeStatus
	err := o.updateRange(rangeID, func(r *types.Range) (bool, error) {
		if r.Status == types.RangeStatusArchived {
			status = r.Status
			return false, nil
		}

		var last Outcome
		switch {
		case override != nil && (override.job == "" || override.job == r.LastJobID):
			last = *override
		case r.LastJobID != "":
			if job, err := o.store.GetJob(r.LastJobID); err == nil {
				last = OutcomeOf(job)
			} else {
				// Collected by retention
				last = outcomeFrom(r.LastOutcome)
			}
		}
		recorded := last.record()
		outcomeChanged := !sameOutcome(recorded, r.LastOutcome)
		r.LastOutcome = recorded

		networks, err := o.store.ListNetworksByRange(rangeID)
		if err != nil {
			return false, err
		}
		vms, err := o.store.ListVMsByRange(rangeID)
		if err != nil {
			return false, err
		}

		next, msg := Aggregate(last, networks, vms, o.cfg.MinRunningVMs)
		status = next
		if next == r.Status && msg == r.Error {
			return outcomeChanged, nil
		}
		r.Status = next
		r.Error = msg
		return true, nil
	})
	return status, err
}

func sameOutcome(a, b *types.JobOutcome) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// updateRange applies fn to the stored range under the range's lock and
// writes it back when fn reports a change
func (o *Orchestrator) updateRange(rangeID string, fn func(r *types.Range) (bool, error)) error {
	mu := o.rangeLock(rangeID)
	mu.Lock()
	defer mu.Unlock()

	r, err := o.store.GetRange(rangeID)
	if err != nil {
		return err
	}
	prev := r.Status
	changed, err := fn(r)
	if err != nil || !changed {
		return err
	}
	r.UpdatedAt = time.Now()
	if err := o.store.UpdateRange(r); err != nil {
		return fmt.Errorf("failed to update range: %w", err)
	}
	if r.Status != prev {
		o.publish(&types.EventLogEntry{
			RangeID: r.ID,
			Type:    types.EventRangeStatus,
			Message: fmt.Sprintf("Range %s is %s", r.Name, r.Status),
			Data:    statusData(string(r.Status), r.Error),
		})
		o.logger.Info().Str("range_id", r.ID).Str("status", string(r.Status)).Msg("Range status changed")
	}
	return nil
}

func (o *Orchestrator) setVMStatus(vm *types.VM, status types.VMStatus, containerID, errMsg string) {
	vm.Status = status
	vm.RuntimeContainerID = containerID
	vm.Error = errMsg
	vm.UpdatedAt = time.Now()
	if err := o.store.UpdateVM(vm); err != nil {
		o.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to persist VM status")
	}
	msg := fmt.Sprintf("VM %s is %s", vm.Hostname, status)
	if errMsg != "" {
		msg += ": " + errMsg
	}
	o.publish(&types.EventLogEntry{
		RangeID: vm.RangeID,
		VMID:    vm.ID,
		Type:    types.EventVMStatus,
		Message: msg,
		Data:    statusData(string(status), errMsg),
	})
}

func (o *Orchestrator) setNetworkStatus(n *types.Network, status types.NetworkStatus, runtimeID, errMsg string) {
	n.Status = status
	n.RuntimeNetworkID = runtimeID
	n.Error = errMsg
	n.UpdatedAt = time.Now()
	if err := o.store.UpdateNetwork(n); err != nil {
		o.logger.Error().Err(err).Str("network_id", n.ID).Msg("Failed to persist network status")
	}
	msg := fmt.Sprintf("Network %s is %s", n.Name, status)
	if errMsg != "" {
		msg += ": " + errMsg
	}
	data := statusData(string(status), errMsg)
	data["network_id"] = n.ID
	o.publish(&types.EventLogEntry{
		RangeID: n.RangeID,
		Type:    types.EventNetworkStatus,
		Message: msg,
		Data:    data,
	})
}

func (o *Orchestrator) warn(rangeID, vmID, msg string) {
	o.publish(&types.EventLogEntry{RangeID: rangeID, VMID: vmID, Type: types.EventWarning, Message: msg})
	o.logger.Warn().Str("range_id", rangeID).Str("vm_id", vmID).Msg(msg)
}

func (o *Orchestrator) publish(entry *types.EventLogEntry) {
	if o.pub == nil {
		return
	}
	if err := o.pub.Publish(entry); err != nil {
		o.logger.Warn().Err(err).Str("range_id", entry.RangeID).Msg("Failed to persist event")
	}
}

func statusData(status, errMsg string) map[string]string {
	data := map[string]string{"status": status}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return data
}
