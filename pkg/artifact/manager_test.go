package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/runtime/runtimetest"
	"github.com/cuemby/cyberrange/pkg/storage"
	"github.com/cuemby/cyberrange/pkg/types"
)

type fixture struct {
	mgr    *Manager
	engine *jobs.Engine
	store  *storage.BoltStore
	rt     *runtimetest.Runtime
	dir    string
}

func newFixture(t *testing.T, sizer ImageSizer) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := jobs.NewEngine(store, nil, jobs.Config{})
	t.Cleanup(engine.Stop)

	rt := runtimetest.New()
	dir := t.TempDir()
	mgr, err := NewManager(store, engine, rt, Config{CacheDir: dir, Sizer: sizer})
	require.NoError(t, err)
	return &fixture{mgr: mgr, engine: engine, store: store, rt: rt, dir: dir}
}

func (f *fixture) wait(t *testing.T, id string) *types.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := f.engine.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func image(name string) types.ArtifactRef {
	return types.ArtifactRef{Kind: types.ArtifactImage, Name: name}
}

func TestEnsureConcurrentSubmissionsShareOneTransfer(t *testing.T) {
	f := newFixture(t, nil)
	reached, release := f.rt.BlockOn(runtimetest.OpPullImage, "kali:latest")

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := f.mgr.Ensure(context.Background(), image("kali:latest"))
			if assert.NoError(t, err) {
				ids[i] = job.ID
			}
		}(i)
	}
	wg.Wait()
	<-reached
	release()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	job := f.wait(t, ids[0])
	assert.Equal(t, types.JobStateSucceeded, job.State)
	assert.Equal(t, 1, f.rt.PullCount("kali:latest"))

	rec, err := f.mgr.Get("image:kali:latest")
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactCached, rec.Status)
	assert.Equal(t, job.ID, rec.JobID)
}

func TestEnsureCachedImageSucceedsImmediately(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.AddImage("alpine:3.19", 4096)

	job, err := f.mgr.Ensure(context.Background(), image("alpine:3.19"))
	require.NoError(t, err)
	assert.Equal(t, types.JobStateSucceeded, job.State)
	assert.Equal(t, 0, f.rt.PullCount("alpine:3.19"))

	rec, err := f.mgr.Get("image:alpine:3.19")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), rec.Size)
}

func TestImagePullProgress(t *testing.T) {
	t.Run("probed total", func(t *testing.T) {
		f := newFixture(t, func(ctx context.Context, ref string) (int64, error) { return 3000, nil })
		f.rt.SetLayers("ubuntu:22.04", 1000, 2000)

		job, err := f.mgr.Ensure(context.Background(), image("ubuntu:22.04"))
		require.NoError(t, err)
		final := f.wait(t, job.ID)
		assert.Equal(t, types.JobStateSucceeded, final.State)
		assert.Equal(t, types.ProgressBytes, final.Progress.Unit)
		assert.Equal(t, int64(3000), final.Progress.Total)
		assert.Equal(t, int64(3000), final.Progress.Current)
	})

	t.Run("probe fails", func(t *testing.T) {
		f := newFixture(t, func(ctx context.Context, ref string) (int64, error) { return 0, errors.New("registry unreachable") })
		f.rt.SetLayers("ubuntu:22.04", 500)

		job, err := f.mgr.Ensure(context.Background(), image("ubuntu:22.04"))
		require.NoError(t, err)
		final := f.wait(t, job.ID)
		assert.Equal(t, types.JobStateSucceeded, final.State)
		assert.Equal(t, int64(500), final.Progress.Total)
	})
}

func TestCancelImagePullThenRetry(t *testing.T) {
	f := newFixture(t, nil)
	reached, release := f.rt.BlockOn(runtimetest.OpPullImage, "")
	defer release()

	job, err := f.mgr.Ensure(context.Background(), image("kali:latest"))
	require.NoError(t, err)
	<-reached

	_, err = f.engine.Cancel(job.ID)
	require.NoError(t, err)
	final := f.wait(t, job.ID)
	assert.Equal(t, types.JobStateCancelled, final.State)

	rec, err := f.mgr.Get("image:kali:latest")
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactAbsent, rec.Status)

	release()
	retry, err := f.mgr.Ensure(context.Background(), image("kali:latest"))
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retry.ID)
	assert.Equal(t, types.JobStateSucceeded, f.wait(t, retry.ID).State)
}

func diskContent() ([]byte, string) {
	data := []byte(strings.Repeat("disk-block-", 10000))
	sum := sha256.Sum256(data)
	return data, "sha256:" + hex.EncodeToString(sum[:])
}

func TestDiskDownload(t *testing.T) {
	data, digest := diskContent()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	}))
	defer server.Close()

	f := newFixture(t, nil)
	ref := types.ArtifactRef{Kind: types.ArtifactDisk, Name: "kali@2024.1", Source: server.URL + "/kali.qcow2", Digest: digest}

	job, err := f.mgr.Ensure(context.Background(), ref)
	require.NoError(t, err)
	final := f.wait(t, job.ID)
	require.Equal(t, types.JobStateSucceeded, final.State, final.Error)
	assert.Equal(t, int64(len(data)), final.Progress.Current)
	assert.Equal(t, int64(len(data)), final.Progress.Total)

	path, err := f.mgr.Path(ref)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	rec, err := f.mgr.Get(ref.Key())
	require.NoError(t, err)
	assert.Equal(t, digest, rec.Digest)

	again, err := f.mgr.Ensure(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateSucceeded, again.State)
	assert.Equal(t, "already cached", again.Message)
}

func TestDiskDigestMismatchLeavesNothing(t *testing.T) {
	data, _ := diskContent()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	}))
	defer server.Close()

	f := newFixture(t, nil)
	ref := types.ArtifactRef{Kind: types.ArtifactDisk, Name: "bad", Source: server.URL, Digest: "sha256:" + strings.Repeat("0", 64)}

	job, err := f.mgr.Ensure(context.Background(), ref)
	require.NoError(t, err)
	final := f.wait(t, job.ID)
	assert.Equal(t, types.JobStateFailed, final.State)
	assert.Contains(t, final.Error, "digest mismatch")

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	rec, err := f.mgr.Get(ref.Key())
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactFailed, rec.Status)
}

func TestCancelDiskDownloadRemovesPartial(t *testing.T) {
	data, digest := diskContent()
	var mu sync.Mutex
	stall := true
	sent := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		block := stall
		mu.Unlock()
		if !block {
			_, _ = w.Write(data)
			return
		}
		w.Header().Set("Content-Length", "110000")
		_, _ = w.Write(data[:1000])
		w.(http.Flusher).Flush()
		sent <- struct{}{}
		<-r.Context().Done()
	}))
	defer server.Close()

	f := newFixture(t, nil)
	ref := types.ArtifactRef{Kind: types.ArtifactDisk, Name: "kali", Source: server.URL, Digest: digest}

	job, err := f.mgr.Ensure(context.Background(), ref)
	require.NoError(t, err)
	<-sent

	require.Eventually(t, func() bool {
		_, err := os.Stat(f.mgr.disks.PartialPath(ref))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.engine.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCancelled, f.wait(t, job.ID).State)

	_, err = os.Stat(f.mgr.disks.PartialPath(ref))
	assert.True(t, os.IsNotExist(err), "partial file must be removed")
	assert.False(t, f.mgr.disks.Exists(ref))

	mu.Lock()
	stall = false
	mu.Unlock()

	retry, err := f.mgr.Ensure(context.Background(), ref)
	require.NoError(t, err)
	final := f.wait(t, retry.ID)
	require.Equal(t, types.JobStateSucceeded, final.State, final.Error)

	got, err := os.ReadFile(f.mgr.disks.Path(ref))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDeleteRejectedWhileReferenced(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.AddImage("alpine", 1)
	job, err := f.mgr.Ensure(context.Background(), image("alpine"))
	require.NoError(t, err)
	require.Equal(t, types.JobStateSucceeded, job.State)

	release := make(chan struct{})
	holder, _, err := f.engine.Submit(jobs.Spec{
		Kind:   types.JobKindVMCreate,
		Target: types.Target{Type: types.TargetVM, ID: "v1"},
		Refs:   []string{"image:alpine"},
		Work: func(ctx context.Context, r *jobs.Reporter) error {
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	err = f.mgr.Delete(context.Background(), "image:alpine")
	assert.True(t, errors.Is(err, ErrConflict))

	close(release)
	f.wait(t, holder.ID)

	require.NoError(t, f.mgr.Delete(context.Background(), "image:alpine"))
	_, err = f.mgr.Get("image:alpine")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = f.rt.InspectImage(context.Background(), "alpine")
	assert.Error(t, err)

	err = f.mgr.Delete(context.Background(), "image:alpine")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteHoldsBackNewHolders(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.AddImage("alpine", 1)
	job, err := f.mgr.Ensure(context.Background(), image("alpine"))
	require.NoError(t, err)
	require.Equal(t, types.JobStateSucceeded, job.State)

	reached, release := f.rt.BlockOn(runtimetest.OpRemoveImage, "alpine")
	t.Cleanup(release)

	deleted := make(chan error, 1)
	go func() { deleted <- f.mgr.Delete(context.Background(), "image:alpine") }()
	<-reached

	submitted := make(chan *types.Job, 1)
	go func() {
		holder, _, err := f.engine.Submit(jobs.Spec{
			Kind:   types.JobKindVMCreate,
			Target: types.Target{Type: types.TargetVM, ID: "v1"},
			Refs:   []string{"image:alpine"},
			Work:   func(ctx context.Context, r *jobs.Reporter) error { return nil },
		})
		assert.NoError(t, err)
		submitted <- holder
	}()

	assert.Never(t, func() bool { return len(submitted) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	release()
	require.NoError(t, <-deleted)
	holder := <-submitted
	require.NotNil(t, holder)
	f.wait(t, holder.ID)

	_, err = f.mgr.Get("image:alpine")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestValidate(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name    string
		ref     types.ArtifactRef
		wantErr error
	}{
		{name: "image", ref: image("alpine")},
		{name: "empty name", ref: types.ArtifactRef{Kind: types.ArtifactImage}, wantErr: ErrInvalidRef},
		{name: "unknown kind", ref: types.ArtifactRef{Kind: "iso", Name: "x"}, wantErr: ErrInvalidRef},
		{name: "disk without source", ref: types.ArtifactRef{Kind: types.ArtifactDisk, Name: "x"}, wantErr: ErrInvalidRef},
		{name: "disk https", ref: types.ArtifactRef{Kind: types.ArtifactDisk, Name: "x", Source: "https://example.com/x.img"}},
		{name: "disk ftp", ref: types.ArtifactRef{Kind: types.ArtifactDisk, Name: "x", Source: "ftp://example.com/x.img"}, wantErr: ErrUnsupportedSource},
		{name: "disk s3 not configured", ref: types.ArtifactRef{Kind: types.ArtifactDisk, Name: "x", Source: "s3://bucket/x.img"}, wantErr: ErrUnsupportedSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.mgr.Validate(tt.ref)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}
