package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cyberrange/pkg/runtime"
	"github.com/cuemby/cyberrange/pkg/runtime/runtimetest"
	"github.com/cuemby/cyberrange/pkg/types"
)

type countingChecker struct {
	failures int32
	calls    int32
}

func (c *countingChecker) Check(ctx context.Context) Result {
	n := atomic.AddInt32(&c.calls, 1)
	return Result{Healthy: n > c.failures, Message: "attempt " + strconv.Itoa(int(n)), CheckedAt: time.Now()}
}

func (c *countingChecker) Type() CheckType { return CheckTypeExec }

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		healthy bool
	}{
		{name: "ok", status: http.StatusOK, healthy: true},
		{name: "created", status: http.StatusCreated, healthy: true},
		{name: "redirect not followed", status: http.StatusFound, healthy: true},
		{name: "server error", status: http.StatusInternalServerError, healthy: false},
		{name: "not found", status: http.StatusNotFound, healthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusFound {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			result := NewHTTPChecker(server.URL).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Equal(t, CheckTypeHTTP, NewHTTPChecker(server.URL).Type())
		})
	}
}

func TestHTTPCheckerHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result := NewHTTPChecker(server.URL).Check(ctx)
	assert.False(t, result.Healthy)
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	result := NewTCPChecker(ln.Addr().String()).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	addr := ln.Addr().String()
	ln.Close()
	result = NewTCPChecker(addr).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestExecChecker(t *testing.T) {
	fake := runtimetest.New()
	fake.AddImage("alpine", 1)
	id, err := fake.CreateContainer(context.Background(), runtime.ContainerSpec{Name: "vm", Image: "alpine"})
	require.NoError(t, err)
	require.NoError(t, fake.StartContainer(context.Background(), id))

	fake.ExecFunc = func(_ string, cmd []string) (*runtime.ExecResult, error) {
		if cmd[0] == "false" {
			return &runtime.ExecResult{ExitCode: 1, Output: "nope"}, nil
		}
		return &runtime.ExecResult{ExitCode: 0, Output: "ready"}, nil
	}

	ok := NewExecChecker(fake, id, []string{"true"}).Check(context.Background())
	assert.True(t, ok.Healthy)
	assert.Contains(t, ok.Message, "ready")

	bad := NewExecChecker(fake, id, []string{"false"}).Check(context.Background())
	assert.False(t, bad.Healthy)
	assert.Contains(t, bad.Message, "exited 1")

	missing := NewExecChecker(fake, "nope", []string{"true"}).Check(context.Background())
	assert.False(t, missing.Healthy)
}

func TestProbeRetriesUntilHealthy(t *testing.T) {
	checker := &countingChecker{failures: 2}
	result := Probe(context.Background(), checker, Config{Interval: time.Millisecond, Retries: 5})
	assert.True(t, result.Healthy)
	assert.Equal(t, int32(3), atomic.LoadInt32(&checker.calls))
}

func TestProbeGivesUpAfterRetries(t *testing.T) {
	checker := &countingChecker{failures: 100}
	result := Probe(context.Background(), checker, Config{Interval: time.Millisecond, Retries: 3})
	assert.False(t, result.Healthy)
	assert.Equal(t, int32(3), atomic.LoadInt32(&checker.calls))
}

func TestProbeStopsOnCancel(t *testing.T) {
	checker := &countingChecker{failures: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Probe(ctx, checker, Config{Interval: time.Hour, Retries: 10})
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "interrupted")
}

func TestForVM(t *testing.T) {
	fake := runtimetest.New()

	tests := []struct {
		name     string
		hc       types.HealthCheck
		wantType CheckType
		wantErr  bool
	}{
		{name: "exec", hc: types.HealthCheck{Type: "exec", Command: []string{"true"}}, wantType: CheckTypeExec},
		{name: "exec without command", hc: types.HealthCheck{Type: "exec"}, wantErr: true},
		{name: "tcp", hc: types.HealthCheck{Type: "tcp", Port: 22}, wantType: CheckTypeTCP},
		{name: "http", hc: types.HealthCheck{Type: "http", Port: 80, Path: "/healthz"}, wantType: CheckTypeHTTP},
		{name: "unknown", hc: types.HealthCheck{Type: "icmp"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker, cfg, err := ForVM(&tt.hc, fake, "ctr-1", "10.0.0.5")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, checker.Type())
			assert.Equal(t, DefaultConfig().Retries, cfg.Retries)
		})
	}

	checker, _, err := ForVM(&types.HealthCheck{Type: "http", Port: 8080, Path: "/up"}, fake, "", "10.0.0.5")
	require.NoError(t, err)
	u, err := url.Parse(checker.(*HTTPChecker).URL)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:8080", u.Host)
	assert.Equal(t, "/up", u.Path)

	_, cfg, err := ForVM(&types.HealthCheck{Type: "tcp", Port: 1, Retries: 9, Interval: time.Second}, fake, "", "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Retries)
	assert.Equal(t, time.Second, cfg.Interval)

}
