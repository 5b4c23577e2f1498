package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cyberrange/pkg/api"
	"github.com/cuemby/cyberrange/pkg/artifact"
	"github.com/cuemby/cyberrange/pkg/declare"
	"github.com/cuemby/cyberrange/pkg/deploy"
	"github.com/cuemby/cyberrange/pkg/events"
	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/runtime/runtimetest"
	"github.com/cuemby/cyberrange/pkg/storage"
	"github.com/cuemby/cyberrange/pkg/types"
)

func newTestClient(t *testing.T) (*Client, *events.Broadcaster) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bc := events.NewBroadcaster(store, 0)
	engine := jobs.NewEngine(store, bc, jobs.Config{})
	t.Cleanup(engine.Stop)

	rt := runtimetest.New()
	rt.AddImage("kali:latest", 100)
	mgr, err := artifact.NewManager(store, engine, rt, artifact.Config{CacheDir: t.TempDir()})
	require.NoError(t, err)
	orch := deploy.NewOrchestrator(store, engine, rt, mgr, bc, deploy.Config{})

	srv := api.NewServer(api.Deps{Store: store, Orchestrator: orch, Jobs: engine, Artifacts: mgr, Events: bc})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(bc.Close)

	c, err := NewClient(ts.URL)
	require.NoError(t, err)
	return c, bc
}

func seed(t *testing.T, c *Client) *api.RangeDetail {
	t.Helper()
	_, err := c.CreateTemplate(&types.Template{Name: "kali", Image: "kali:latest", Resources: types.Resources{CPUs: 1, MemoryMB: 256}})
	require.NoError(t, err)

	detail, err := c.CreateRange(&declare.Range{
		Name:     "lab",
		Networks: []declare.Network{{Name: "dmz", Subnet: "10.20.0.0/24"}},
		VMs:      []declare.VM{{Hostname: "box", Network: "dmz", Template: "kali", IP: "10.20.0.10"}},
	})
	require.NoError(t, err)
	return detail
}

func TestNewClientAddresses(t *testing.T) {
	c, err := NewClient("localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/jobs", c.url("/jobs", nil))

	c, err = NewClient("https://range.example.com/api/")
	require.NoError(t, err)
	assert.Equal(t, "https://range.example.com/api/jobs", c.url("/jobs", nil))
}

func TestRangeLifecycle(t *testing.T) {
	c, _ := newTestClient(t)
	detail := seed(t, c)

	found, err := c.FindRange("lab")
	require.NoError(t, err)
	assert.Equal(t, detail.ID, found.ID)

	require.NoError(t, c.ValidateRange(detail.ID))

	accepted, err := c.RangeAction(detail.ID, "deploy")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var updates int
	st, err := c.WaitJob(ctx, accepted.JobID, 10*time.Millisecond, func(*jobs.Status) { updates++ })
	require.NoError(t, err)
	assert.Equal(t, types.JobStateSucceeded, st.State)
	assert.GreaterOrEqual(t, updates, 1)

	got, err := c.GetRange(detail.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RangeStatusRunning, got.Status)

	list, err := c.ListJobs(JobFilter{Kind: types.JobKindVMCreate, RangeID: detail.ID})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	history, err := c.ListEvents(detail.ID, EventQuery{Type: types.EventVMStatus})
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}

func TestErrorsCarryStatus(t *testing.T) {
	c, _ := newTestClient(t)
	detail := seed(t, c)

	_, err := c.GetRange("missing")
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "HTTP 404")

	_, err = c.FindRange("missing")
	assert.True(t, IsNotFound(err))

	_, err = c.CreateTemplate(&types.Template{Name: "kali", Image: "kali:latest"})
	assert.True(t, IsConflict(err))

	_, err = c.VMAction(detail.VMs[0].ID, "stop")
	assert.True(t, IsConflict(err))

	assert.Error(t, c.DeleteArtifact("nokind"))
}

func TestWatchEvents(t *testing.T) {
	c, bc := newTestClient(t)
	detail := seed(t, c)
	require.NoError(t, bc.Publish(&types.EventLogEntry{RangeID: detail.ID, Type: types.EventWarning, Message: "first"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.WatchEvents(ctx, detail.ID, EventQuery{})
	require.NoError(t, err)

	e := <-ch
	require.NotNil(t, e)
	assert.Equal(t, "first", e.Message)

	require.Eventually(t, func() bool { return bc.SubscriberCount(detail.ID) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, bc.Publish(&types.EventLogEntry{RangeID: detail.ID, Type: types.EventWarning, Message: "second"}))
	e = <-ch
	require.NotNil(t, e)
	assert.Equal(t, "second", e.Message)

	cancel()
	for range ch {
	}

	_, err = c.WatchEvents(context.Background(), "missing", EventQuery{})
	assert.True(t, IsNotFound(err))
}
