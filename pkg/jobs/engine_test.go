package jobs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cyberrange/pkg/metrics"
	"github.com/cuemby/cyberrange/pkg/storage"
	"github.com/cuemby/cyberrange/pkg/types"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []*types.EventLogEntry
	notified  []*types.EventLogEntry
}

func (p *recordingPublisher) Publish(e *types.EventLogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, e)
	return nil
}

func (p *recordingPublisher) Notify(e *types.EventLogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notified = append(p.notified, e)
}

func (p *recordingPublisher) states(jobID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.published {
		if e.JobID == jobID && e.Type == types.EventJobState {
			out = append(out, e.Data["state"])
		}
	}
	return out
}

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *storage.BoltStore, *recordingPublisher) {
	t.Helper()
	store := newTestStore(t)
	pub := &recordingPublisher{}
	e := NewEngine(store, pub, cfg)
	t.Cleanup(e.Stop)
	return e, store, pub
}

func waitTerminal(t *testing.T, e *Engine, id string) *types.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func vmTarget(id string) types.Target {
	return types.Target{Type: types.TargetVM, ID: id}
}

func TestSubmitIsIdempotentPerTarget(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})

	var runs int32
	release := make(chan struct{})
	spec := Spec{
		Kind:   types.JobKindImagePull,
		Target: types.Target{Type: types.TargetArtifact, ID: "image:alpine"},
		Work: func(ctx context.Context, r *Reporter) error {
			atomic.AddInt32(&runs, 1)
			<-release
			return nil
		},
	}

	var wg sync.WaitGroup
	ids := make([]string, 10)
	created := make([]bool, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, c, err := e.Submit(spec)
			if !assert.NoError(t, err) {
				return
			}
			ids[i] = job.ID
			created[i] = c
		}(i)
	}
	wg.Wait()
	close(release)

	createdCount := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount)

	job := waitTerminal(t, e, ids[0])
	assert.Equal(t, types.JobStateSucceeded, job.State)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	// Once terminal, the same target accepts a new job
	again, c, err := e.Submit(spec)
	require.NoError(t, err)
	assert.True(t, c)
	assert.NotEqual(t, ids[0], again.ID)
	waitTerminal(t, e, again.ID)
}

func TestJobStateSequence(t *testing.T) {
	e, _, pub := newTestEngine(t, Config{})

	job, _, err := e.Submit(Spec{
		Kind:    types.JobKindVMStart,
		Target:  vmTarget("v1"),
		RangeID: "r1",
		Work:    func(ctx context.Context, r *Reporter) error { return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, job.State)

	final := waitTerminal(t, e, job.ID)
	assert.Equal(t, types.JobStateSucceeded, final.State)
	assert.False(t, final.StartedAt.IsZero())
	assert.False(t, final.FinishedAt.IsZero())
	assert.Equal(t, []string{"queued", "running", "succeeded"}, pub.states(job.ID))
}

func TestProgressIsMonotonic(t *testing.T) {
	e, store, pub := newTestEngine(t, Config{})
	before := testutil.ToFloat64(metrics.ProgressRegressions.WithLabelValues(string(types.JobKindISODownload)))

	var regressionErr error
	job, _, err := e.Submit(Spec{
		Kind:    types.JobKindISODownload,
		Target:  types.Target{Type: types.TargetArtifact, ID: "disk:kali"},
		RangeID: "r1",
		Unit:    types.ProgressBytes,
		Work: func(ctx context.Context, r *Reporter) error {
			assert.NoError(t, r.Update(100, 0))
			assert.NoError(t, r.Update(400, 1000))
			regressionErr = r.Update(200, 1000)
			assert.NoError(t, r.Add(100))
			assert.Equal(t, int64(500), r.Progress().Current)
			return nil
		},
	})
	require.NoError(t, err)

	final := waitTerminal(t, e, job.ID)
	assert.True(t, errors.Is(regressionErr, ErrProgressRegression))
	assert.Equal(t, types.JobStateSucceeded, final.State)
	assert.Equal(t, int64(1000), final.Progress.Current)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ProgressRegressions.WithLabelValues(string(types.JobKindISODownload))))

	// Every observed progress value is non-decreasing
	pub.mu.Lock()
	defer pub.mu.Unlock()
	var last int64 = -1
	for _, n := range pub.notified {
		cur, err := strconv.ParseInt(n.Data["current"], 10, 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cur, last)
		last = cur
	}
	assert.Equal(t, int64(500), last)

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stored.Progress.Total)
}

func TestCancelRunningJobRollsBack(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})

	started := make(chan struct{})
	var rolledBack atomic.Bool
	job, _, err := e.Submit(Spec{
		Kind:   types.JobKindVMCreate,
		Target: vmTarget("v1"),
		Work: func(ctx context.Context, r *Reporter) error {
			close(started)
			<-ctx.Done()
			rolledBack.Store(true)
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	<-started

	_, err = e.Cancel(job.ID)
	require.NoError(t, err)

	final := waitTerminal(t, e, job.ID)
	assert.Equal(t, types.JobStateCancelled, final.State)
	assert.Equal(t, "cancelled", final.Error)
	assert.True(t, rolledBack.Load())

	_, err = e.Cancel(job.ID)
	assert.True(t, errors.Is(err, ErrAlreadyTerminal))

	_, err = e.Cancel("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{Pools: PoolSizes{Lifecycle: 1}})

	release := make(chan struct{})
	defer close(release)
	blockerRunning := make(chan struct{})
	blocker, _, err := e.Submit(Spec{
		Kind:   types.JobKindVMStart,
		Target: vmTarget("a"),
		Work: func(ctx context.Context, r *Reporter) error {
			close(blockerRunning)
			<-release
			return nil
		},
	})
	require.NoError(t, err)
	<-blockerRunning

	var ran atomic.Bool
	queued, _, err := e.Submit(Spec{
		Kind:   types.JobKindVMStart,
		Target: vmTarget("b"),
		Work: func(ctx context.Context, r *Reporter) error {
			ran.Store(true)
			return nil
		},
	})
	require.NoError(t, err)

	_, err = e.Cancel(queued.ID)
	require.NoError(t, err)

	final := waitTerminal(t, e, queued.ID)
	assert.Equal(t, types.JobStateCancelled, final.State)
	assert.False(t, ran.Load())

	current, err := e.Get(blocker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateRunning, current.State)
}

func TestTimeoutCancelsJob(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})

	job, _, err := e.Submit(Spec{
		Kind:    types.JobKindVMCreate,
		Target:  vmTarget("v1"),
		Timeout: 50 * time.Millisecond,
		Work: func(ctx context.Context, r *Reporter) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	final := waitTerminal(t, e, job.ID)
	assert.Equal(t, types.JobStateCancelled, final.State)
	assert.Contains(t, final.Error, "timed out")
}

func TestDefaultTimeoutSkipsCoordinatorJobs(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{DefaultTimeout: time.Minute})

	noop := func(ctx context.Context, r *Reporter) error { return nil }
	vm, _, err := e.Submit(Spec{Kind: types.JobKindVMStart, Target: vmTarget("v1"), Work: noop})
	require.NoError(t, err)
	rng, _, err := e.Submit(Spec{Kind: types.JobKindRangeDeploy, Target: types.Target{Type: types.TargetRange, ID: "r1"}, Work: noop})
	require.NoError(t, err)

	assert.Equal(t, time.Minute, vm.Timeout)
	assert.Zero(t, rng.Timeout)
	waitTerminal(t, e, vm.ID)
	waitTerminal(t, e, rng.ID)
}

func TestWorkFailures(t *testing.T) {
	tests := []struct {
		name      string
		work      Work
		wantError string
	}{
		{
			name:      "error",
			work:      func(ctx context.Context, r *Reporter) error { return errors.New("runtime rejected create") },
			wantError: "runtime rejected create",
		},
		{
			name:      "panic",
			work:      func(ctx context.Context, r *Reporter) error { panic("boom") },
			wantError: "panic: boom",
		},
		{
			name: "broken invariant",
			work: func(ctx context.Context, r *Reporter) error {
				return ErrJobClaimed
			},
			wantError: ErrJobClaimed.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEngine(t, Config{})
			job, _, err := e.Submit(Spec{Kind: types.JobKindVMCreate, Target: vmTarget("v1"), Work: tt.work})
			require.NoError(t, err)

			final := waitTerminal(t, e, job.ID)
			assert.Equal(t, types.JobStateFailed, final.State)
			assert.Equal(t, tt.wantError, final.Error)
		})
	}
}

func TestCancelCascadesToChildren(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})

	childStarted := make(chan string, 1)
	parent, _, err := e.Submit(Spec{
		Kind:   types.JobKindRangeDeploy,
		Target: types.Target{Type: types.TargetRange, ID: "r1"},
		Work: func(ctx context.Context, r *Reporter) error {
			child, _, err := e.Submit(Spec{
				Kind:     types.JobKindVMCreate,
				Target:   vmTarget("v1"),
				ParentID: r.JobID(),
				Work: func(ctx context.Context, r *Reporter) error {
					<-ctx.Done()
					return ctx.Err()
				},
			})
			if err != nil {
				return err
			}
			childStarted <- child.ID
			_, err = e.Wait(context.Background(), child.ID)
			if err != nil {
				return err
			}
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	childID := <-childStarted
	_, err = e.Cancel(parent.ID)
	require.NoError(t, err)

	assert.Equal(t, types.JobStateCancelled, waitTerminal(t, e, childID).State)
	assert.Equal(t, types.JobStateCancelled, waitTerminal(t, e, parent.ID).State)
}

func TestComplete(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	target := types.Target{Type: types.TargetArtifact, ID: "image:alpine"}

	job, err := e.Complete(Spec{Kind: types.JobKindImagePull, Target: target}, "already cached")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateSucceeded, job.State)
	assert.Equal(t, "already cached", job.Message)

	active, err := e.Active(types.JobKindImagePull, target)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestReconcileAfterRestart(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	seed := func(id string, kind types.JobKind, target string, state types.JobState) {
		_, _, err := store.CreateJobIfAbsent(&types.Job{
			ID:        id,
			Kind:      kind,
			Target:    vmTarget(target),
			State:     state,
			Progress:  types.Progress{Unit: types.ProgressSteps, Current: 2, Total: 5},
			CreatedAt: now,
		})
		require.NoError(t, err)
	}
	seed("healthy", types.JobKindVMCreate, "v1", types.JobStateRunning)
	seed("gone", types.JobKindVMCreate, "v2", types.JobStateRunning)
	seed("unchecked", types.JobKindVMSnapshot, "v3", types.JobStateRunning)
	seed("waiting", types.JobKindVMStart, "v4", types.JobStateQueued)
	seed("asked-to-stop", types.JobKindVMStop, "v5", types.JobStateRunning)
	require.NoError(t, store.RequestCancel("asked-to-stop"))

	e := NewEngine(store, nil, Config{})
	defer e.Stop()

	var checked []string
	e.RegisterChecker(types.JobKindVMCreate, func(ctx context.Context, job *types.Job) (bool, error) {
		checked = append(checked, job.ID)
		return job.Target.ID == "v1", nil
	})
	e.RegisterChecker(types.JobKindVMStop, func(ctx context.Context, job *types.Job) (bool, error) {
		t.Error("cancel-requested jobs are not checked")
		return true, nil
	})

	res, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Succeeded: 1, Failed: 3, Cancelled: 1}, res)
	assert.ElementsMatch(t, []string{"healthy", "gone"}, checked)

	want := map[string]types.JobState{
		"healthy":       types.JobStateSucceeded,
		"gone":          types.JobStateFailed,
		"unchecked":     types.JobStateFailed,
		"waiting":       types.JobStateFailed,
		"asked-to-stop": types.JobStateCancelled,
	}
	for id, state := range want {
		job, err := e.Get(id)
		require.NoError(t, err)
		assert.Equal(t, state, job.State, id)
		assert.False(t, job.FinishedAt.IsZero(), id)
	}

	healthy, _ := e.Get("healthy")
	assert.Equal(t, int64(5), healthy.Progress.Current)

	// Keys are released, so the targets accept new jobs
	active, err := e.Active(types.JobKindVMCreate, vmTarget("v2"))
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestStopLeavesJobsForReconcile(t *testing.T) {
	store := newTestStore(t)
	e := NewEngine(store, nil, Config{})

	started := make(chan struct{})
	job, _, err := e.Submit(Spec{
		Kind:   types.JobKindVMCreate,
		Target: vmTarget("v1"),
		Work: func(ctx context.Context, r *Reporter) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	<-started
	e.Stop()

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateRunning, stored.State)

	_, _, err = e.Submit(Spec{Kind: types.JobKindVMStart, Target: vmTarget("v1"), Work: func(context.Context, *Reporter) error { return nil }})
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestCollectGarbage(t *testing.T) {
	e, store, _ := newTestEngine(t, Config{Retention: time.Hour})
	now := time.Now()

	jobs := []*types.Job{
		{ID: "old", Kind: types.JobKindVMStart, Target: vmTarget("a"), State: types.JobStateSucceeded, CreatedAt: now.Add(-3 * time.Hour), FinishedAt: now.Add(-2 * time.Hour)},
		{ID: "recent", Kind: types.JobKindVMStart, Target: vmTarget("b"), State: types.JobStateFailed, CreatedAt: now.Add(-time.Hour), FinishedAt: now.Add(-time.Minute)},
		{ID: "active", Kind: types.JobKindVMStart, Target: vmTarget("c"), State: types.JobStateRunning, CreatedAt: now.Add(-3 * time.Hour)},
	}
	for _, j := range jobs {
		require.NoError(t, store.UpdateJob(j))
	}

	removed, err := e.CollectGarbage(now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = e.Get("old")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = e.Get("recent")
	assert.NoError(t, err)
	_, err = e.Get("active")
	assert.NoError(t, err)
}

func TestListFilters(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	noop := func(context.Context, *Reporter) error { return nil }

	a, _, err := e.Submit(Spec{Kind: types.JobKindVMStart, Target: vmTarget("a"), RangeID: "r1", Work: noop})
	require.NoError(t, err)
	b, _, err := e.Submit(Spec{Kind: types.JobKindVMStop, Target: vmTarget("b"), RangeID: "r2", Work: noop})
	require.NoError(t, err)
	waitTerminal(t, e, a.ID)
	waitTerminal(t, e, b.ID)

	list, err := e.List(Filter{RangeID: "r1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	list, err = e.List(Filter{Kind: types.JobKindVMStop, State: types.JobStateSucceeded})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
}

func TestStatusOf(t *testing.T) {
	unknown := StatusOf(&types.Job{State: types.JobStateRunning, Progress: types.Progress{Unit: types.ProgressBytes, Current: 512}})
	assert.Nil(t, unknown.ProgressPercent)
	assert.Nil(t, unknown.BytesTotal)
	assert.Nil(t, unknown.Error)
	assert.Equal(t, int64(512), unknown.BytesTransferred)

	known := StatusOf(&types.Job{State: types.JobStateFailed, Error: "boom", Progress: types.Progress{Unit: types.ProgressBytes, Current: 250, Total: 1000}})
	require.NotNil(t, known.ProgressPercent)
	assert.InDelta(t, 25.0, *known.ProgressPercent, 0.001)
	require.NotNil(t, known.BytesTotal)
	assert.Equal(t, int64(1000), *known.BytesTotal)
	require.NotNil(t, known.Error)
	assert.Equal(t, "boom", *known.Error)
}

func TestPoolFor(t *testing.T) {
	assert.Equal(t, PoolCoordinator, PoolFor(types.JobKindRangeTeardown))
	assert.Equal(t, PoolTransfer, PoolFor(types.JobKindISODownload))
	assert.Equal(t, PoolLifecycle, PoolFor(types.JobKindNetworkCreate))
	assert.Equal(t, PoolLifecycle, PoolFor(types.JobKindVMSnapshot))
}
