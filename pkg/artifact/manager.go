package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/metrics"
	"github.com/cuemby/cyberrange/pkg/runtime"
	"github.com/cuemby/cyberrange/pkg/storage"
	"github.com/cuemby/cyberrange/pkg/types"
)

var (
	// ErrNotFound is returned for artifacts with no cache record
	ErrNotFound = errors.New("artifact not found")

	// ErrConflict is returned when deleting an artifact an active job holds
	ErrConflict = errors.New("artifact in use")

	// ErrInvalidRef is returned for malformed artifact references
	ErrInvalidRef = errors.New("invalid artifact reference")
)

// Config holds artifact manager configuration
type Config struct {
	CacheDir string
	// Sources maps URL schemes to disk-image sources. http and https are
	// always available.
	Sources map[string]Source
	// Sizer probes image size before a pull. nil disables the probe.
	Sizer ImageSizer
}

// Manager ensures images and disk images are present in the local cache
// before VMs consume them. Every transfer runs as a job.
type Manager struct {
	store   storage.Store
	engine  *jobs.Engine
	rt      runtime.Runtime
	disks   *DiskCache
	sources map[string]Source
	sizer   ImageSizer
	logger  zerolog.Logger
}

// NewManager creates an artifact manager
func NewManager(store storage.Store, engine *jobs.Engine, rt runtime.Runtime, cfg Config) (*Manager, error) {
	disks, err := NewDiskCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	sources := map[string]Source{
		"http":  &HTTPSource{},
		"https": &HTTPSource{},
	}
	for scheme, src := range cfg.Sources {
		sources[scheme] = src
	}
	return &Manager{
		store:   store,
		engine:  engine,
		rt:      rt,
		disks:   disks,
		sources: sources,
		sizer:   cfg.Sizer,
		logger:  log.WithComponent("artifact"),
	}, nil
}

// Validate checks that ref names a fetchable artifact
func (m *Manager) Validate(ref types.ArtifactRef) error {
	if ref.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRef)
	}
	switch ref.Kind {
	case types.ArtifactImage:
		return nil
	case types.ArtifactDisk:
		u, err := url.Parse(ref.Source)
		if err != nil || ref.Source == "" {
			return fmt.Errorf("%w: disk %s needs a source url", ErrInvalidRef, ref.Name)
		}
		if _, ok := m.sources[u.Scheme]; !ok {
			return fmt.Errorf("%w: %q", ErrUnsupportedSource, u.Scheme)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRef, ref.Kind)
	}
}

func jobKind(ref types.ArtifactRef) types.JobKind {
	if ref.Kind == types.ArtifactDisk {
		return types.JobKindISODownload
	}
	return types.JobKindImagePull
}

// Target returns the job target used for an artifact
func Target(ref types.ArtifactRef) types.Target {
	return types.Target{Type: types.TargetArtifact, ID: ref.Key()}
}

// Ensure returns a job that leaves ref cached. An already cached artifact
// gets an immediately succeeded job; a transfer already in flight is joined.
func (m *Manager) Ensure(ctx context.Context, ref types.ArtifactRef) (*types.Job, error) {
	if err := m.Validate(ref); err != nil {
		return nil, err
	}

	spec := jobs.Spec{
		Kind:   jobKind(ref),
		Target: Target(ref),
		Refs:   []string{ref.Key()},
		Unit:   types.ProgressBytes,
	}

	if active, err := m.engine.Active(spec.Kind, spec.Target); err == nil && active != nil {
		return active, nil
	}

	cached, err := m.isCached(ctx, ref)
	if err != nil {
		return nil, err
	}
	if cached {
		return m.engine.Complete(spec, "already cached")
	}

	switch ref.Kind {
	case types.ArtifactDisk:
		spec.Work = m.downloadDisk(ref)
	default:
		spec.Work = m.pullImage(ref)
	}
	job, _, err := m.engine.Submit(spec)
	return job, err
}

func (m *Manager) isCached(ctx context.Context, ref types.ArtifactRef) (bool, error) {
	if ref.Kind == types.ArtifactDisk {
		rec, err := m.store.GetArtifact(ref.Key())
		if err != nil {
			if storage.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return rec.Status == types.ArtifactCached && m.disks.Exists(ref), nil
	}

	info, err := m.rt.InspectImage(ctx, ref.Name)
	if err != nil {
		if runtime.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", ref.Name, err)
	}

	// Images pulled outside the manager still get a record
	rec, err := m.store.GetArtifact(ref.Key())
	if err != nil || rec.Status != types.ArtifactCached {
		now := time.Now()
		_ = m.store.PutArtifact(&types.Artifact{
			Key:       ref.Key(),
			Ref:       ref,
			Status:    types.ArtifactCached,
			Size:      info.Size,
			Digest:    info.ID,
			CachedAt:  now,
			UpdatedAt: now,
		})
	}
	return true, nil
}

// Path returns the local file of a cached disk image
func (m *Manager) Path(ref types.ArtifactRef) (string, error) {
	if ref.Kind != types.ArtifactDisk {
		return "", fmt.Errorf("%w: %s is not a disk image", ErrInvalidRef, ref.Key())
	}
	if !m.disks.Exists(ref) {
		return "", fmt.Errorf("disk %s: %w", ref.Name, ErrNotFound)
	}
	return m.disks.Path(ref), nil
}

// Get returns the cache record of an artifact
func (m *Manager) Get(key string) (*types.Artifact, error) {
	rec, err := m.store.GetArtifact(key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("artifact %s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

// List returns all artifact records
func (m *Manager) List() ([]*types.Artifact, error) {
	return m.store.ListArtifacts()
}

// Delete removes a cached artifact. It is rejected while any active job
// holds a reference to it; jobs that would hold it are not submitted until
// the removal is done.
func (m *Manager) Delete(ctx context.Context, key string) error {
	rec, err := m.Get(key)
	if err != nil {
		return err
	}

	err = m.engine.ExclusiveRefs(func() error {
		if err := m.checkUnheld(rec); err != nil {
			return err
		}
		switch rec.Ref.Kind {
		case types.ArtifactDisk:
			if err := m.disks.Remove(rec.Ref); err != nil {
				return err
			}
		default:
			if err := m.rt.RemoveImage(ctx, rec.Ref.Name); err != nil && !runtime.IsNotFound(err) {
				return fmt.Errorf("failed to remove image %s: %w", rec.Ref.Name, err)
			}
		}
		return m.store.DeleteArtifact(key)
	})
	if err != nil {
		return err
	}
	m.logger.Info().Str("artifact", key).Msg("Artifact deleted")
	return nil
}

func (m *Manager) checkUnheld(rec *types.Artifact) error {
	active, err := m.engine.List(jobs.Filter{})
	if err != nil {
		return err
	}
	for _, j := range active {
		if j.State.Terminal() {
			continue
		}
		if j.Target == Target(rec.Ref) {
			return fmt.Errorf("%w: %s is being fetched by job %s", ErrConflict, rec.Key, j.ID)
		}
		for _, r := range j.Refs {
			if r == rec.Key {
				return fmt.Errorf("%w: %s is held by %s job %s", ErrConflict, rec.Key, j.Kind, j.ID)
			}
		}
	}
	return nil
}

func (m *Manager) setFetching(ref types.ArtifactRef, jobID string) {
	now := time.Now()
	rec := &types.Artifact{Key: ref.Key(), Ref: ref, Status: types.ArtifactFetching, JobID: jobID, UpdatedAt: now}
	if err := m.store.PutArtifact(rec); err != nil {
		m.logger.Warn().Err(err).Str("artifact", ref.Key()).Msg("Failed to record fetch start")
	}
}

func (m *Manager) setCached(ref types.ArtifactRef, jobID, path, digest string, size int64) {
	now := time.Now()
	rec := &types.Artifact{
		Key:       ref.Key(),
		Ref:       ref,
		Status:    types.ArtifactCached,
		Path:      path,
		Size:      size,
		Digest:    digest,
		JobID:     jobID,
		CachedAt:  now,
		UpdatedAt: now,
	}
	if err := m.store.PutArtifact(rec); err != nil {
		m.logger.Warn().Err(err).Str("artifact", ref.Key()).Msg("Failed to record cached artifact")
	}
}

// setFailed records a failed transfer. A cancelled transfer leaves nothing
// behind, so its record returns to absent.
func (m *Manager) setFailed(ctx context.Context, ref types.ArtifactRef, jobID string, cause error) {
	rec := &types.Artifact{Key: ref.Key(), Ref: ref, Status: types.ArtifactFailed, JobID: jobID, Error: cause.Error(), UpdatedAt: time.Now()}
	if ctx.Err() != nil {
		rec.Status = types.ArtifactAbsent
		rec.Error = ""
	}
	if err := m.store.PutArtifact(rec); err != nil {
		m.logger.Warn().Err(err).Str("artifact", ref.Key()).Msg("Failed to record artifact failure")
	}
}

func (m *Manager) pullImage(ref types.ArtifactRef) jobs.Work {
	return func(ctx context.Context, r *jobs.Reporter) error {
		if info, err := m.rt.InspectImage(ctx, ref.Name); err == nil {
			m.setCached(ref, r.JobID(), "", info.ID, info.Size)
			return nil
		}
		m.setFetching(ref, r.JobID())
		logger := m.logger.With().Str("job_id", r.JobID()).Str("image", ref.Name).Logger()

		probed := false
		if m.sizer != nil {
			if total, err := m.sizer(ctx, ref.Name); err == nil && total > 0 {
				r.SetTotal(total)
				probed = true
			} else if err != nil {
				logger.Debug().Err(err).Msg("Registry size probe failed, progress is indeterminate")
			}
		}

		var mu sync.Mutex
		current := make(map[string]int64)
		totals := make(map[string]int64)
		onProgress := func(p runtime.PullProgress) {
			if p.LayerID == "" {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if p.Total > 0 {
				totals[p.LayerID] = p.Total
			}
			switch {
			case p.Current > current[p.LayerID]:
				current[p.LayerID] = p.Current
			case p.Status == "Pull complete" || p.Status == "Already exists":
				current[p.LayerID] = totals[p.LayerID]
			}
			var done, known int64
			for id, c := range current {
				done += c
				known += totals[id]
			}
			for id, t := range totals {
				if _, ok := current[id]; !ok {
					known += t
				}
			}
			total := int64(0)
			if !probed {
				total = known
			}
			// Layer retries can report lower values; the reporter ignores them
			_ = r.Update(done, total)
		}

		if err := m.rt.PullImage(ctx, ref.Name, onProgress); err != nil {
			m.setFailed(ctx, ref, r.JobID(), err)
			return fmt.Errorf("failed to pull %s: %w", ref.Name, err)
		}

		info, err := m.rt.InspectImage(ctx, ref.Name)
		if err != nil {
			m.setFailed(ctx, ref, r.JobID(), err)
			return fmt.Errorf("pulled image %s is not present: %w", ref.Name, err)
		}
		transferred := r.Progress().Current
		metrics.ArtifactBytes.WithLabelValues(string(types.ArtifactImage)).Add(float64(transferred))
		m.setCached(ref, r.JobID(), "", info.ID, info.Size)
		logger.Info().Int64("bytes", transferred).Msg("Image cached")
		return nil
	}
}

func (m *Manager) downloadDisk(ref types.ArtifactRef) jobs.Work {
	return func(ctx context.Context, r *jobs.Reporter) error {
		m.setFetching(ref, r.JobID())
		logger := m.logger.With().Str("job_id", r.JobID()).Str("disk", ref.Name).Logger()

		u, err := url.Parse(ref.Source)
		if err != nil {
			m.setFailed(ctx, ref, r.JobID(), err)
			return err
		}
		src, ok := m.sources[u.Scheme]
		if !ok {
			err := fmt.Errorf("%w: %q", ErrUnsupportedSource, u.Scheme)
			m.setFailed(ctx, ref, r.JobID(), err)
			return err
		}

		body, size, err := src.Open(ctx, u)
		if err != nil {
			m.setFailed(ctx, ref, r.JobID(), err)
			return err
		}
		defer body.Close()
		if size > 0 {
			r.SetTotal(size)
		}

		written, digest, err := m.disks.Write(ctx, ref, body, func(n int64) {
			_ = r.Update(n, 0)
		})
		if err != nil {
			m.setFailed(ctx, ref, r.JobID(), err)
			return fmt.Errorf("failed to download %s: %w", ref.Name, err)
		}

		metrics.ArtifactBytes.WithLabelValues(string(types.ArtifactDisk)).Add(float64(written))
		m.setCached(ref, r.JobID(), m.disks.Path(ref), digest, written)
		logger.Info().Int64("bytes", written).Str("digest", digest).Msg("Disk image cached")
		return nil
	}
}
