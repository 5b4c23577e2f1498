package runtime

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/cyberrange/pkg/metrics"
)

// DefaultSlots sizes the call limiter from the host's logical CPUs
func DefaultSlots() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = 1
	}
	return n * 2
}

// Limited bounds the number of in-flight calls to the runtime daemon and
// records per-operation metrics. A job holds a slot only for the duration
// of a call, never while it waits on another job.
type Limited struct {
	inner Runtime
	sem   *semaphore.Weighted
	slots int
}

// NewLimited wraps rt with a call limiter. slots <= 0 uses DefaultSlots.
func NewLimited(rt Runtime, slots int) *Limited {
	if slots <= 0 {
		slots = DefaultSlots()
	}
	return &Limited{
		inner: rt,
		sem:   semaphore.NewWeighted(int64(slots)),
		slots: slots,
	}
}

// Slots returns the limiter capacity
func (l *Limited) Slots() int {
	return l.slots
}

// Unwrap returns the underlying runtime
func (l *Limited) Unwrap() Runtime {
	return l.inner
}

func (l *Limited) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	metrics.RuntimeSlotsInUse.Inc()
	defer func() {
		metrics.RuntimeSlotsInUse.Dec()
		l.sem.Release(1)
	}()

	timer := metrics.NewTimer()
	err := fn(ctx)
	timer.ObserveDurationVec(metrics.RuntimeCallDuration, op)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RuntimeCalls.WithLabelValues(op, result).Inc()
	return err
}

func (l *Limited) Ping(ctx context.Context) error {
	return l.call(ctx, "ping", l.inner.Ping)
}

func (l *Limited) CreateNetwork(ctx context.Context, spec NetworkSpec) (id string, err error) {
	err = l.call(ctx, "network_create", func(ctx context.Context) error {
		id, err = l.inner.CreateNetwork(ctx, spec)
		return err
	})
	return id, err
}

func (l *Limited) InspectNetwork(ctx context.Context, id string) (info *NetworkInfo, err error) {
	err = l.call(ctx, "network_inspect", func(ctx context.Context) error {
		info, err = l.inner.InspectNetwork(ctx, id)
		return err
	})
	return info, err
}

func (l *Limited) RemoveNetwork(ctx context.Context, id string) error {
	return l.call(ctx, "network_remove", func(ctx context.Context) error {
		return l.inner.RemoveNetwork(ctx, id)
	})
}

func (l *Limited) InspectImage(ctx context.Context, ref string) (info *ImageInfo, err error) {
	err = l.call(ctx, "image_inspect", func(ctx context.Context) error {
		info, err = l.inner.InspectImage(ctx, ref)
		return err
	})
	return info, err
}

func (l *Limited) PullImage(ctx context.Context, ref string, fn func(PullProgress)) error {
	return l.call(ctx, "image_pull", func(ctx context.Context) error {
		return l.inner.PullImage(ctx, ref, fn)
	})
}

func (l *Limited) RemoveImage(ctx context.Context, ref string) error {
	return l.call(ctx, "image_remove", func(ctx context.Context) error {
		return l.inner.RemoveImage(ctx, ref)
	})
}

func (l *Limited) CreateContainer(ctx context.Context, spec ContainerSpec) (id string, err error) {
	err = l.call(ctx, "container_create", func(ctx context.Context) error {
		id, err = l.inner.CreateContainer(ctx, spec)
		return err
	})
	return id, err
}

func (l *Limited) StartContainer(ctx context.Context, id string) error {
	return l.call(ctx, "container_start", func(ctx context.Context) error {
		return l.inner.StartContainer(ctx, id)
	})
}

func (l *Limited) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return l.call(ctx, "container_stop", func(ctx context.Context) error {
		return l.inner.StopContainer(ctx, id, timeout)
	})
}

func (l *Limited) RemoveContainer(ctx context.Context, id string) error {
	return l.call(ctx, "container_remove", func(ctx context.Context) error {
		return l.inner.RemoveContainer(ctx, id)
	})
}

func (l *Limited) InspectContainer(ctx context.Context, id string) (info *ContainerInfo, err error) {
	err = l.call(ctx, "container_inspect", func(ctx context.Context) error {
		info, err = l.inner.InspectContainer(ctx, id)
		return err
	})
	return info, err
}

func (l *Limited) ListContainers(ctx context.Context, labels map[string]string) (list []ContainerInfo, err error) {
	err = l.call(ctx, "container_list", func(ctx context.Context) error {
		list, err = l.inner.ListContainers(ctx, labels)
		return err
	})
	return list, err
}

func (l *Limited) Exec(ctx context.Context, id string, cmd []string) (res *ExecResult, err error) {
	err = l.call(ctx, "container_exec", func(ctx context.Context) error {
		res, err = l.inner.Exec(ctx, id, cmd)
		return err
	})
	return res, err
}

func (l *Limited) Commit(ctx context.Context, id, ref string) (imageID string, err error) {
	err = l.call(ctx, "container_commit", func(ctx context.Context) error {
		imageID, err = l.inner.Commit(ctx, id, ref)
		return err
	})
	return imageID, err
}

func (l *Limited) Stats(ctx context.Context, id string) (s *Stats, err error) {
	err = l.call(ctx, "container_stats", func(ctx context.Context) error {
		s, err = l.inner.Stats(ctx, id)
		return err
	})
	return s, err
}

func (l *Limited) Close() error {
	return l.inner.Close()
}

var _ Runtime = (*Limited)(nil)
