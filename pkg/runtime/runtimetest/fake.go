// Package runtimetest provides an in-memory runtime.Runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cyberrange/pkg/runtime"
)

// Operation names passed to hooks and recorded in the call log
const (
	OpCreateNetwork    = "network_create"
	OpRemoveNetwork    = "network_remove"
	OpPullImage        = "image_pull"
	OpRemoveImage      = "image_remove"
	OpCreateContainer  = "container_create"
	OpStartContainer   = "container_start"
	OpStopContainer    = "container_stop"
	OpRemoveContainer  = "container_remove"
	OpExec             = "container_exec"
	OpCommit           = "container_commit"
	OpInspectContainer = "container_inspect"
)

// Call is one recorded runtime call
type Call struct {
	Op  string
	Key string // network name, container name/id or image ref
	At  time.Time
}

// Hook runs before an operation. Returning an error fails the call.
type Hook func(ctx context.Context, key string) error

type container struct {
	info runtime.ContainerInfo
	spec runtime.ContainerSpec
}

// Runtime is a goroutine-safe fake runtime
type Runtime struct {
	mu         sync.Mutex
	seq        int
	networks   map[string]runtime.NetworkSpec
	containers map[string]*container
	images     map[string]*runtime.ImageInfo
	layers     map[string][]int64
	pulls      map[string]int
	hooks      map[string][]Hook
	calls      []Call

	createOnError bool

	// ExecFunc overrides command execution; the default exits 0
	ExecFunc func(id string, cmd []string) (*runtime.ExecResult, error)
}

// New returns an empty fake runtime
func New() *Runtime {
	return &Runtime{
		networks:   make(map[string]runtime.NetworkSpec),
		containers: make(map[string]*container),
		images:     make(map[string]*runtime.ImageInfo),
		layers:     make(map[string][]int64),
		pulls:      make(map[string]int),
		hooks:      make(map[string][]Hook),
	}
}

// OnCall installs a hook for an operation
func (f *Runtime) OnCall(op string, hook Hook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[op] = append(f.hooks[op], hook)
}

// FailOn makes op fail with err whenever key matches (empty key matches all)
func (f *Runtime) FailOn(op, key string, err error) {
	f.OnCall(op, func(_ context.Context, k string) error {
		if key == "" || key == k {
			return err
		}
		return nil
	})
}

// CreateOnError makes CreateContainer keep the container when a hook fails
// the call, like a daemon that finishes a create its client gave up on
func (f *Runtime) CreateOnError() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createOnError = true
}

// BlockOn makes op block for key until release is called or the call's
// context ends. reached receives once per blocked call.
func (f *Runtime) BlockOn(op, key string) (reached <-chan struct{}, release func()) {
	hit := make(chan struct{}, 16)
	gate := make(chan struct{})
	var once sync.Once
	f.OnCall(op, func(ctx context.Context, k string) error {
		if key != "" && key != k {
			return nil
		}
		select {
		case hit <- struct{}{}:
		default:
		}
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return hit, func() { once.Do(func() { close(gate) }) }
}

// AddImage marks an image present locally
func (f *Runtime) AddImage(ref string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = &runtime.ImageInfo{ID: "sha256:" + ref, Size: size}
}

// SetLayers configures the layer sizes reported when ref is pulled
func (f *Runtime) SetLayers(ref string, sizes ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.layers[ref] = sizes
}

// Calls returns a copy of the call log
func (f *Runtime) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallIndex returns the position of the first op call for key, or -1
func (f *Runtime) CallIndex(op, key string) int {
	for i, c := range f.Calls() {
		if c.Op == op && c.Key == key {
			return i
		}
	}
	return -1
}

// PullCount returns how many times ref was pulled
func (f *Runtime) PullCount(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls[ref]
}

// ContainerCount returns the number of existing containers
func (f *Runtime) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// NetworkCount returns the number of existing networks
func (f *Runtime) NetworkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.networks)
}

// ContainerSpecFor returns the spec a container was created with
func (f *Runtime) ContainerSpecFor(id string) (runtime.ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(id)
	if !ok {
		return runtime.ContainerSpec{}, false
	}
	return c.spec, true
}

// SetContainerState forces a container's state, for simulating crashes
func (f *Runtime) SetContainerState(id string, state runtime.ContainerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.lookup(id); ok {
		c.info.State = state
	}
}

func (f *Runtime) enter(ctx context.Context, op, key string) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: op, Key: key, At: time.Now()})
	hooks := append([]Hook(nil), f.hooks[op]...)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, h := range hooks {
		if err := h(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (f *Runtime) lookup(id string) (*container, bool) {
	if c, ok := f.containers[id]; ok {
		return c, true
	}
	for _, c := range f.containers {
		if c.info.Name == id {
			return c, true
		}
	}
	return nil, false
}

func (f *Runtime) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%04d", prefix, f.seq)
}

func (f *Runtime) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (f *Runtime) CreateNetwork(ctx context.Context, spec runtime.NetworkSpec) (string, error) {
	if err := f.enter(ctx, OpCreateNetwork, spec.Name); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, n := range f.networks {
		if n.Name == spec.Name {
			return id, fmt.Errorf("network %s: %w", spec.Name, runtime.ErrConflict)
		}
	}
	id := f.nextID("net")
	f.networks[id] = spec
	return id, nil
}

func (f *Runtime) InspectNetwork(ctx context.Context, id string) (*runtime.NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for nid, n := range f.networks {
		if nid == id || n.Name == id {
			return &runtime.NetworkInfo{ID: nid, Name: n.Name, Subnet: n.Subnet, Labels: n.Labels}, nil
		}
	}
	return nil, fmt.Errorf("network %s: %w", id, runtime.ErrNotFound)
}

func (f *Runtime) RemoveNetwork(ctx context.Context, id string) error {
	if err := f.enter(ctx, OpRemoveNetwork, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[id]; !ok {
		return fmt.Errorf("network %s: %w", id, runtime.ErrNotFound)
	}
	for _, c := range f.containers {
		if c.spec.NetworkID == id {
			return fmt.Errorf("network %s has active endpoints", id)
		}
	}
	delete(f.networks, id)
	return nil
}

func (f *Runtime) InspectImage(ctx context.Context, ref string) (*runtime.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[ref]
	if !ok {
		return nil, fmt.Errorf("image %s: %w", ref, runtime.ErrNotFound)
	}
	cp := *img
	return &cp, nil
}

// PullImage reports each configured layer in four increments
func (f *Runtime) PullImage(ctx context.Context, ref string, fn func(runtime.PullProgress)) error {
	if err := f.enter(ctx, OpPullImage, ref); err != nil {
		return err
	}

	f.mu.Lock()
	f.pulls[ref]++
	layers := f.layers[ref]
	f.mu.Unlock()
	if len(layers) == 0 {
		layers = []int64{1000}
	}

	var total int64
	for i, size := range layers {
		total += size
		layerID := fmt.Sprintf("layer%d", i)
		for step := int64(1); step <= 4; step++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if fn != nil {
				fn(runtime.PullProgress{LayerID: layerID, Status: "Downloading", Current: size * step / 4, Total: size})
			}
		}
		if fn != nil {
			fn(runtime.PullProgress{LayerID: layerID, Status: "Pull complete"})
		}
	}

	f.mu.Lock()
	f.images[ref] = &runtime.ImageInfo{ID: "sha256:" + ref, Size: total}
	f.mu.Unlock()
	return nil
}

func (f *Runtime) RemoveImage(ctx context.Context, ref string) error {
	if err := f.enter(ctx, OpRemoveImage, ref); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.images[ref]; !ok {
		return fmt.Errorf("image %s: %w", ref, runtime.ErrNotFound)
	}
	delete(f.images, ref)
	return nil
}

func (f *Runtime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	hookErr := f.enter(ctx, OpCreateContainer, spec.Name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if hookErr != nil {
		if f.createOnError {
			f.addContainer(spec)
		}
		return "", hookErr
	}

	if _, ok := f.images[spec.Image]; !ok {
		return "", fmt.Errorf("image %s: %w", spec.Image, runtime.ErrNotFound)
	}
	if spec.NetworkID != "" {
		if _, ok := f.networks[spec.NetworkID]; !ok {
			return "", fmt.Errorf("network %s: %w", spec.NetworkID, runtime.ErrNotFound)
		}
	}
	if _, ok := f.lookup(spec.Name); ok {
		return "", fmt.Errorf("container %s: %w", spec.Name, runtime.ErrConflict)
	}

	return f.addContainer(spec), nil
}

func (f *Runtime) addContainer(spec runtime.ContainerSpec) string {
	id := f.nextID("ctr")
	f.containers[id] = &container{
		spec: spec,
		info: runtime.ContainerInfo{
			ID:     id,
			Name:   spec.Name,
			Image:  spec.Image,
			State:  runtime.ContainerCreated,
			IP:     spec.IP,
			Labels: spec.Labels,
		},
	}
	return id
}

func (f *Runtime) setState(ctx context.Context, op, id string, state runtime.ContainerState) error {
	if err := f.enter(ctx, op, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(id)
	if !ok {
		return fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	c.info.State = state
	return nil
}

func (f *Runtime) StartContainer(ctx context.Context, id string) error {
	return f.setState(ctx, OpStartContainer, id, runtime.ContainerRunning)
}

func (f *Runtime) StopContainer(ctx context.Context, id string, _ time.Duration) error {
	return f.setState(ctx, OpStopContainer, id, runtime.ContainerExited)
}

func (f *Runtime) RemoveContainer(ctx context.Context, id string) error {
	if err := f.enter(ctx, OpRemoveContainer, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(id)
	if !ok {
		return fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	delete(f.containers, c.info.ID)
	return nil
}

func (f *Runtime) InspectContainer(ctx context.Context, id string) (*runtime.ContainerInfo, error) {
	if err := f.enter(ctx, OpInspectContainer, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(id)
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	info := c.info
	return &info, nil
}

func (f *Runtime) ListContainers(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ContainerInfo
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.info.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, c.info)
		}
	}
	return out, nil
}

func (f *Runtime) Exec(ctx context.Context, id string, cmd []string) (*runtime.ExecResult, error) {
	if err := f.enter(ctx, OpExec, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	c, ok := f.lookup(id)
	running := ok && c.info.State == runtime.ContainerRunning
	exec := f.ExecFunc
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	if !running {
		return nil, fmt.Errorf("container %s is not running", id)
	}
	if exec != nil {
		return exec(id, cmd)
	}
	return &runtime.ExecResult{ExitCode: 0}, nil
}

func (f *Runtime) Commit(ctx context.Context, id, ref string) (string, error) {
	if err := f.enter(ctx, OpCommit, id); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lookup(id); !ok {
		return "", fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	imageID := "sha256:" + f.nextID("img")
	f.images[ref] = &runtime.ImageInfo{ID: imageID}
	f.images[imageID] = &runtime.ImageInfo{ID: imageID}
	return imageID, nil
}

func (f *Runtime) Stats(ctx context.Context, id string) (*runtime.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lookup(id); !ok {
		return nil, fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	return &runtime.Stats{CPUPercent: 1.5, MemoryBytes: 64 << 20, MemoryLimit: 512 << 20, Timestamp: time.Now()}, nil
}

func (f *Runtime) Close() error { return nil }

var _ runtime.Runtime = (*Runtime)(nil)
