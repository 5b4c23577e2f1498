package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cyberrange/pkg/api"
	"github.com/cuemby/cyberrange/pkg/artifact"
	"github.com/cuemby/cyberrange/pkg/deploy"
	"github.com/cuemby/cyberrange/pkg/events"
	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/runtime/runtimetest"
	"github.com/cuemby/cyberrange/pkg/storage"
	"github.com/cuemby/cyberrange/pkg/types"
)

const labYAML = `
apiVersion: cyberrange/v1
kind: Template
metadata:
  name: kali
spec:
  image: kali:latest
  resources:
    cpus: 1
    memory_mb: 256
---
apiVersion: cyberrange/v1
kind: Range
metadata:
  name: lab
spec:
  networks:
    - name: dmz
      subnet: 10.30.0.0/24
  vms:
    - hostname: attacker
      network: dmz
      template: kali
      ip: 10.30.0.10
`

func startServer(t *testing.T) string {
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
	return ts.URL
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append(args, "--server", server))
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestApplyDeployAndInspect(t *testing.T) {
	server := startServer(t)
	path := filepath.Join(t.TempDir(), "lab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(labYAML), 0o644))

	out, err := run(t, server, "apply", "-f", path, "--deploy", "--wait")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ Template created: kali")
	assert.Contains(t, out, "✓ Range created: lab")
	assert.Contains(t, out, "✓ Deploy of lab complete")

	out, err = run(t, server, "apply", "-f", path, "--deploy=false")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Template already exists: kali")
	assert.Contains(t, out, "Range already exists: lab")

	out, err = run(t, server, "range", "get", "lab")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Status:  running")
	assert.Contains(t, out, "attacker")
	assert.Contains(t, out, "10.30.0.10")

	out, err = run(t, server, "range", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "lab")

	out, err = run(t, server, "job", "list", "--range", "lab", "--kind", "range_deploy")
	require.NoError(t, err, out)
	assert.Contains(t, out, "range_deploy")
	assert.Contains(t, out, "succeeded")

	out, err = run(t, server, "events", "list", "lab", "--type", "vm.status")
	require.NoError(t, err, out)
	assert.Contains(t, out, "vm.status")

	out, err = run(t, server, "artifact", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "image:kali:latest")
}

func TestRangeLifecycleCommands(t *testing.T) {
	server := startServer(t)
	path := filepath.Join(t.TempDir(), "lab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(labYAML), 0o644))

	_, err := run(t, server, "apply", "-f", path, "--deploy=false", "--wait=false")
	require.NoError(t, err)

	out, err := run(t, server, "range", "validate", "lab")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ Range lab is valid")

	out, err = run(t, server, "range", "deploy", "lab", "--wait")
	require.NoError(t, err, out)
	assert.Contains(t, out, "complete")

	out, err = run(t, server, "range", "delete", "lab")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 409")

	out, err = run(t, server, "range", "teardown", "lab", "--wait")
	require.NoError(t, err, out)

	out, err = run(t, server, "range", "archive", "lab")
	require.NoError(t, err, out)
	assert.Contains(t, out, "is archived")

	out, err = run(t, server, "range", "delete", "lab")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ Range deleted: lab")

	_, err = run(t, server, "range", "get", "lab")
	assert.Error(t, err)
}

func TestProgressLine(t *testing.T) {
	pct := 42.0
	total := int64(3 << 20)
	st := &jobs.Status{
		State:            types.JobStateRunning,
		Unit:             types.ProgressBytes,
		ProgressPercent:  &pct,
		BytesTransferred: 1 << 20,
		BytesTotal:       &total,
		Message:          "pulling",
	}
	assert.Equal(t, "running   42.0%  1.0 MiB/3.0 MiB  pulling", progressLine(st))

	st = &jobs.Status{State: types.JobStateQueued, Unit: types.ProgressBytes, BytesTransferred: 512}
	assert.Equal(t, "queued  512 B", progressLine(st))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", formatBytes(0))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}
