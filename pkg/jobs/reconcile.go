package jobs

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/cyberrange/pkg/types"
)

// Checker inspects the real-world side effect of a job left running by a
// previous process. It returns true when the effect exists and is healthy.
// A checker may repair the target entity's status as part of the check.
type Checker func(ctx context.Context, job *types.Job) (bool, error)

// RegisterChecker installs the restart checker for a job kind
func (e *Engine) RegisterChecker(kind types.JobKind, fn Checker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkers[kind] = fn
}

// ReconcileResult summarizes a reconciliation pass
type ReconcileResult struct {
	Succeeded int
	Failed    int
	Cancelled int
}

// Reconcile settles every non-terminal job that no worker in this process
// owns. Running jobs are resolved by their kind's checker; queued jobs never
// started and are failed, or cancelled if cancellation was requested.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	all, err := e.store.ListJobs()
	if err != nil {
		return res, fmt.Errorf("failed to list jobs: %w", err)
	}
	// Children settle first so a parent's checker sees their outcome
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ParentID != "" && all[j].ParentID == ""
	})

	for _, job := range all {
		if job.State.Terminal() {
			continue
		}
		e.mu.Lock()
		_, owned := e.handles[job.ID]
		checker := e.checkers[job.Kind]
		e.mu.Unlock()
		if owned {
			continue
		}

		logger := e.logger.With().
			Str("job_id", job.ID).
			Str("kind", string(job.Kind)).
			Str("target", job.Target.String()).
			Logger()
		from := job.State

		cancelled, _ := e.store.CancelRequested(job.ID)
		switch {
		case cancelled:
			job.State = types.JobStateCancelled
			job.Error = "cancelled before restart"
			res.Cancelled++
		case from == types.JobStateQueued:
			job.State = types.JobStateFailed
			job.Error = "interrupted by restart before start"
			res.Failed++
		case checker == nil:
			job.State = types.JobStateFailed
			job.Error = "interrupted by restart"
			res.Failed++
		default:
			ok, cerr := checker(ctx, job)
			switch {
			case cerr != nil:
				job.State = types.JobStateFailed
				job.Error = fmt.Sprintf("interrupted by restart: %v", cerr)
				res.Failed++
			case ok:
				job.State = types.JobStateSucceeded
				job.Message = "reconciled after restart"
				if job.Progress.Total > 0 {
					job.Progress.Current = job.Progress.Total
				}
				res.Succeeded++
			default:
				job.State = types.JobStateFailed
				job.Error = "interrupted by restart"
				res.Failed++
			}
		}

		e.finish(job, from, logger)
	}

	if n := res.Succeeded + res.Failed + res.Cancelled; n > 0 {
		e.logger.Info().
			Int("succeeded", res.Succeeded).
			Int("failed", res.Failed).
			Int("cancelled", res.Cancelled).
			Msg("Reconciled jobs left by previous run")
	}
	return res, nil
}
