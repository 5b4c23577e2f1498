package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/cyberrange/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newJob(id string, kind types.JobKind, target types.Target) *types.Job {
	return &types.Job{
		ID:        id,
		Kind:      kind,
		Target:    target,
		State:     types.JobStateQueued,
		CreatedAt: time.Now(),
	}
}

func TestCreateJobIfAbsent(t *testing.T) {
	store := newTestStore(t)
	target := types.Target{Type: types.TargetArtifact, ID: "image:alpine:3.19"}

	first, created, err := store.CreateJobIfAbsent(newJob("job-1", types.JobKindImagePull, target))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "job-1", first.ID)

	second, created, err := store.CreateJobIfAbsent(newJob("job-2", types.JobKindImagePull, target))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "job-1", second.ID, "active job should be returned")

	// Different kind on the same target is independent
	_, created, err = store.CreateJobIfAbsent(newJob("job-3", types.JobKindISODownload, target))
	require.NoError(t, err)
	assert.True(t, created)

	// Once terminal the key is released
	first.State = types.JobStateSucceeded
	require.NoError(t, store.UpdateJob(first))

	third, created, err := store.CreateJobIfAbsent(newJob("job-4", types.JobKindImagePull, target))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "job-4", third.ID)

	active, err := store.GetActiveJob(types.JobKindImagePull, target)
	require.NoError(t, err)
	assert.Equal(t, "job-4", active.ID)
}

func TestCreateJobIfAbsentConcurrent(t *testing.T) {
	store := newTestStore(t)
	target := types.Target{Type: types.TargetVM, ID: "vm-1"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, ok, err := store.CreateJobIfAbsent(newJob(string(rune('a'+i)), types.JobKindVMCreate, target))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[job.ID] = true
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func TestTransitionJob(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.CreateJobIfAbsent(newJob("job-1", types.JobKindVMStart, types.Target{Type: types.TargetVM, ID: "vm-1"}))
	require.NoError(t, err)

	job, err := store.TransitionJob("job-1", types.JobStateQueued, types.JobStateRunning)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateRunning, job.State)

	_, err = store.TransitionJob("job-1", types.JobStateQueued, types.JobStateRunning)
	assert.True(t, errors.Is(err, ErrStateConflict))

	_, err = store.TransitionJob("missing", types.JobStateQueued, types.JobStateRunning)
	assert.True(t, IsNotFound(err))
}

func TestCancelRequests(t *testing.T) {
	store := newTestStore(t)
	job := newJob("job-1", types.JobKindVMStop, types.Target{Type: types.TargetVM, ID: "vm-1"})
	_, _, err := store.CreateJobIfAbsent(job)
	require.NoError(t, err)

	requested, err := store.CancelRequested("job-1")
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, store.RequestCancel("job-1"))
	requested, err = store.CancelRequested("job-1")
	require.NoError(t, err)
	assert.True(t, requested)

	// Request does not touch the job record
	stored, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, stored.State)

	assert.True(t, IsNotFound(store.RequestCancel("missing")))

	job.State = types.JobStateCancelled
	require.NoError(t, store.UpdateJob(job))
	requested, err = store.CancelRequested("job-1")
	require.NoError(t, err)
	assert.False(t, requested, "terminal jobs drop their cancel request")
}

func TestDeleteRangeCascades(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.CreateRange(&types.Range{ID: "r1", Name: "red", CreatedAt: now}))
	require.NoError(t, store.CreateRange(&types.Range{ID: "r2", Name: "blue", CreatedAt: now}))
	require.NoError(t, store.CreateNetwork(&types.Network{ID: "n1", RangeID: "r1"}))
	require.NoError(t, store.CreateNetwork(&types.Network{ID: "n2", RangeID: "r2"}))
	require.NoError(t, store.CreateVM(&types.VM{ID: "v1", RangeID: "r1", NetworkID: "n1"}))
	require.NoError(t, store.CreateVM(&types.VM{ID: "v2", RangeID: "r2", NetworkID: "n2"}))
	require.NoError(t, store.CreateSnapshot(&types.Snapshot{ID: "s1", VMID: "v1"}))
	require.NoError(t, store.AppendEvent(&types.EventLogEntry{RangeID: "r1", Type: types.EventRangeStatus, Message: "x"}))
	require.NoError(t, store.AppendEvent(&types.EventLogEntry{RangeID: "r2", Type: types.EventRangeStatus, Message: "y"}))

	require.NoError(t, store.DeleteRange("r1"))

	_, err := store.GetRange("r1")
	assert.True(t, IsNotFound(err))
	_, err = store.GetNetwork("n1")
	assert.True(t, IsNotFound(err))
	_, err = store.GetVM("v1")
	assert.True(t, IsNotFound(err))
	_, err = store.GetSnapshot("s1")
	assert.True(t, IsNotFound(err))

	events, err := store.ListEvents("r1", types.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)

	// Other range untouched
	_, err = store.GetVM("v2")
	assert.NoError(t, err)
	events, err = store.ListEvents("r2", types.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	assert.True(t, IsNotFound(store.DeleteRange("r1")))
}

func TestListOrdering(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateVM(&types.VM{ID: "b", RangeID: "r1", NetworkID: "n1", Position: 1}))
	require.NoError(t, store.CreateVM(&types.VM{ID: "a", RangeID: "r1", NetworkID: "n1", Position: 2}))
	require.NoError(t, store.CreateVM(&types.VM{ID: "c", RangeID: "r1", NetworkID: "n2", Position: 0}))
	require.NoError(t, store.CreateVM(&types.VM{ID: "d", RangeID: "r2", NetworkID: "n3", Position: 0}))

	vms, err := store.ListVMsByRange("r1")
	require.NoError(t, err)
	require.Len(t, vms, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{vms[0].ID, vms[1].ID, vms[2].ID})

	vms, err = store.ListVMsByNetwork("n1")
	require.NoError(t, err)
	assert.Len(t, vms, 2)
}

func TestTemplateByName(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTemplate(&types.Template{ID: "t1", Name: "kali", Image: "kalilinux/kali-rolling"}))

	tpl, err := store.GetTemplateByName("kali")
	require.NoError(t, err)
	assert.Equal(t, "t1", tpl.ID)

	_, err = store.GetTemplateByName("parrot")
	assert.True(t, IsNotFound(err))
}

func eventLogs() map[string]func(t *testing.T) EventLog {
	return map[string]func(t *testing.T) EventLog{
		"bolt": func(t *testing.T) EventLog { return newTestStore(t) },
		"sqlite": func(t *testing.T) EventLog {
			l, err := NewSQLiteEventLog(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { l.Close() })
			return l
		},
	}
}

func TestEventLog(t *testing.T) {
	for name, open := range eventLogs() {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

			entries := []*types.EventLogEntry{
				{RangeID: "r1", Type: types.EventRangeStatus, Message: "deploying", Timestamp: base},
				{RangeID: "r1", VMID: "v1", Type: types.EventVMStatus, Message: "creating", Timestamp: base.Add(time.Second)},
				{RangeID: "r1", VMID: "v2", Type: types.EventVMStatus, Message: "creating", Timestamp: base.Add(2 * time.Second)},
				{RangeID: "r1", VMID: "v1", Type: types.EventWarning, Message: "config script failed", Timestamp: base.Add(3 * time.Second), Data: map[string]string{"exit_code": "1"}},
				{RangeID: "r2", Type: types.EventRangeStatus, Message: "deploying", Timestamp: base},
			}
			for _, e := range entries {
				require.NoError(t, l.AppendEvent(e))
				assert.NotZero(t, e.ID)
			}

			all, err := l.ListEvents("r1", types.EventFilter{})
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, "deploying", all[0].Message)
			assert.Equal(t, "1", all[3].Data["exit_code"])

			since, err := l.ListEvents("r1", types.EventFilter{Since: base.Add(time.Second)})
			require.NoError(t, err)
			assert.Len(t, since, 2)

			vm, err := l.ListEvents("r1", types.EventFilter{VMID: "v1"})
			require.NoError(t, err)
			assert.Len(t, vm, 2)

			typed, err := l.ListEvents("r1", types.EventFilter{Type: types.EventVMStatus, Limit: 1})
			require.NoError(t, err)
			require.Len(t, typed, 1)
			assert.Equal(t, "v1", typed[0].VMID)

			n, err := l.PruneEvents(base.Add(1500 * time.Millisecond))
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			require.NoError(t, l.DeleteEvents("r1"))
			left, err := l.ListEvents("r1", types.EventFilter{})
			require.NoError(t, err)
			assert.Empty(t, left)
		})
	}
}

func TestAppendEventOutOfOrderCommits(t *testing.T) {
	for name, open := range eventLogs() {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			stampedFirst := time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC)

			// Stamped later but committed first, as with two concurrent publishers
			seen := &types.EventLogEntry{RangeID: "r1", Type: types.EventWarning, Message: "b", Timestamp: stampedFirst.Add(time.Millisecond)}
			require.NoError(t, l.AppendEvent(seen))
			late := &types.EventLogEntry{RangeID: "r1", Type: types.EventWarning, Message: "a", Timestamp: stampedFirst}
			require.NoError(t, l.AppendEvent(late))
			tied := &types.EventLogEntry{RangeID: "r1", Type: types.EventWarning, Message: "c", Timestamp: late.Timestamp}
			require.NoError(t, l.AppendEvent(tied))

			assert.True(t, late.Timestamp.After(seen.Timestamp))
			assert.True(t, tied.Timestamp.After(late.Timestamp))

			missed, err := l.ListEvents("r1", types.EventFilter{Since: seen.Timestamp})
			require.NoError(t, err)
			require.Len(t, missed, 2)
			assert.Equal(t, "a", missed[0].Message)
			assert.Equal(t, "c", missed[1].Message)

			// Other ranges keep their own clocks
			other := &types.EventLogEntry{RangeID: "r2", Type: types.EventWarning, Message: "x", Timestamp: stampedFirst}
			require.NoError(t, l.AppendEvent(other))
			assert.True(t, other.Timestamp.Equal(stampedFirst))
		})
	}
}

func TestWithEventLog(t *testing.T) {
	store := newTestStore(t)
	sqlLog, err := NewSQLiteEventLog(t.TempDir())
	require.NoError(t, err)

	split := WithEventLog(store, sqlLog)
	defer split.Close()

	require.NoError(t, split.CreateRange(&types.Range{ID: "r1"}))
	require.NoError(t, split.AppendEvent(&types.EventLogEntry{RangeID: "r1", Type: types.EventWarning, Message: "x"}))

	boltEvents, err := store.ListEvents("r1", types.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, boltEvents)

	require.NoError(t, split.DeleteRange("r1"))
	sqlEvents, err := sqlLog.ListEvents("r1", types.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, sqlEvents)
}
