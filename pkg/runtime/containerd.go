package runtime

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/network"
)

const (
	// DefaultNamespace is the containerd namespace for range containers
	DefaultNamespace = "cyberrange"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements Runtime on containerd. Containerd has no
// network model, so networks are Linux bridges managed by network.BridgeManager
// and each container gets its own named network namespace.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	bridges   *network.BridgeManager
	logger    zerolog.Logger

	mu       sync.Mutex
	networks map[string]NetworkSpec
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath string, bridges *network.BridgeManager) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
		bridges:   bridges,
		logger:    log.WithComponent("runtime").With().Str("backend", "containerd").Logger(),
		networks:  make(map[string]NetworkSpec),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

func wrapContainerdErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %v", msg, ErrNotFound, err)
	case errdefs.IsAlreadyExists(err):
		return fmt.Errorf("%s: %w: %v", msg, ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

func (r *ContainerdRuntime) Ping(ctx context.Context) error {
	_, err := r.client.Version(r.ctx(ctx))
	return err
}

// CreateNetwork creates a bridge named after the network
func (r *ContainerdRuntime) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	key := spec.Labels[LabelNetwork]
	if key == "" {
		key = spec.Name
	}
	name := network.BridgeName(key)

	if err := r.bridges.EnsureBridge(name, spec.Subnet, spec.Gateway, spec.Isolation); err != nil {
		return "", fmt.Errorf("failed to create network %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	r.networks[name] = spec
	r.mu.Unlock()
	return name, nil
}

func (r *ContainerdRuntime) InspectNetwork(ctx context.Context, id string) (*NetworkInfo, error) {
	if !r.bridges.BridgeExists(id) {
		return nil, fmt.Errorf("network %s: %w", id, ErrNotFound)
	}

	info := &NetworkInfo{ID: id, Name: id}
	r.mu.Lock()
	if spec, ok := r.networks[id]; ok {
		info.Name = spec.Name
		info.Subnet = spec.Subnet
		info.Labels = spec.Labels
	}
	r.mu.Unlock()

	if info.Subnet == "" {
		if subnet, err := r.bridgeSubnet(id); err == nil {
			info.Subnet = subnet
		}
	}
	return info, nil
}

func (r *ContainerdRuntime) bridgeSubnet(id string) (string, error) {
	gw, bits, err := r.bridges.BridgeAddress(id)
	if err != nil {
		return "", err
	}
	addr, err := netip.ParseAddr(gw)
	if err != nil {
		return "", err
	}
	return netip.PrefixFrom(addr, bits).Masked().String(), nil
}

func (r *ContainerdRuntime) RemoveNetwork(ctx context.Context, id string) error {
	if !r.bridges.BridgeExists(id) {
		return fmt.Errorf("network %s: %w", id, ErrNotFound)
	}

	r.mu.Lock()
	subnet := r.networks[id].Subnet
	r.mu.Unlock()
	if subnet == "" {
		subnet, _ = r.bridgeSubnet(id)
	}

	if err := r.bridges.DeleteBridge(id, subnet); err != nil {
		return fmt.Errorf("failed to remove network %s: %w", id, err)
	}

	r.mu.Lock()
	delete(r.networks, id)
	r.mu.Unlock()
	return nil
}

func (r *ContainerdRuntime) InspectImage(ctx context.Context, ref string) (*ImageInfo, error) {
	ctx = r.ctx(ctx)
	img, err := r.client.GetImage(ctx, ref)
	if err != nil {
		return nil, wrapContainerdErr(err, "failed to get image %s", ref)
	}
	size, err := img.Size(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to size image %s: %w", ref, err)
	}
	return &ImageInfo{ID: img.Target().Digest.String(), Size: size}, nil
}

// PullImage pulls and unpacks an image. Containerd does not stream byte
// counts, so each layer is reported when it is dispatched and again when
// the pull completes.
func (r *ContainerdRuntime) PullImage(ctx context.Context, ref string, fn func(PullProgress)) error {
	ctx = r.ctx(ctx)

	var (
		mu     sync.Mutex
		layers []ocispec.Descriptor
	)
	report := images.HandlerFunc(func(ctx context.Context, desc ocispec.Descriptor) ([]ocispec.Descriptor, error) {
		if images.IsLayerType(desc.MediaType) {
			mu.Lock()
			layers = append(layers, desc)
			mu.Unlock()
			if fn != nil {
				fn(PullProgress{LayerID: shortDigest(desc), Status: "Downloading", Total: desc.Size})
			}
		}
		return nil, nil
	})

	if _, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack, containerd.WithImageHandler(report)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return wrapContainerdErr(err, "failed to pull image %s", ref)
	}

	if fn != nil {
		mu.Lock()
		defer mu.Unlock()
		for _, desc := range layers {
			fn(PullProgress{LayerID: shortDigest(desc), Status: "Download complete", Current: desc.Size, Total: desc.Size})
		}
	}
	return nil
}

func shortDigest(desc ocispec.Descriptor) string {
	enc := desc.Digest.Encoded()
	if len(enc) > 12 {
		return enc[:12]
	}
	return enc
}

func (r *ContainerdRuntime) RemoveImage(ctx context.Context, ref string) error {
	err := r.client.ImageService().Delete(r.ctx(ctx), ref, images.SynchronousDelete())
	return wrapContainerdErr(err, "failed to remove image %s", ref)
}

// CreateContainer creates a container whose network namespace is attached to
// the network's bridge at the requested address
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", wrapContainerdErr(err, "failed to get image %s", spec.Image)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if spec.Hostname != "" {
		opts = append(opts, oci.WithHostname(spec.Hostname))
	}
	if len(spec.Cmd) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Cmd...))
	}
	if spec.MemoryMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryMB)*1024*1024))
	}
	if spec.CPUs > 0 {
		const period = 100000
		opts = append(opts, oci.WithCPUCFS(int64(spec.CPUs*period), period))
	}

	var mounts []specs.Mount
	for _, m := range spec.Mounts {
		options := []string{"rbind"}
		if m.ReadOnly {
			options = append(options, "ro")
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.Source,
			Destination: m.Target,
			Type:        "bind",
			Options:     options,
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	attached := false
	if spec.NetworkID != "" {
		gateway, bits, err := r.bridges.BridgeAddress(spec.NetworkID)
		if err != nil {
			return "", fmt.Errorf("network %s: %w: %v", spec.NetworkID, ErrNotFound, err)
		}
		nsPath, err := r.bridges.Attach(spec.NetworkID, spec.Name, spec.IP, bits, gateway)
		if err != nil {
			return "", fmt.Errorf("failed to attach %s to %s: %w", spec.Name, spec.NetworkID, err)
		}
		attached = true
		opts = append(opts, oci.WithLinuxNamespace(specs.LinuxNamespace{
			Type: specs.NetworkNamespace,
			Path: nsPath,
		}))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		if attached {
			_ = r.bridges.Detach(spec.Name)
		}
		return "", wrapContainerdErr(err, "failed to create container %s", spec.Name)
	}

	return container.ID(), nil
}

// StartContainer creates and starts the container's task
func (r *ContainerdRuntime) StartContainer(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return wrapContainerdErr(err, "failed to load container %s", containerID)
	}

	// A stopped task left behind must be cleared before a new one starts
	if task, err := container.Task(ctx, nil); err == nil {
		status, err := task.Status(ctx)
		if err == nil && status.Status == containerd.Running {
			return nil
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
			return fmt.Errorf("failed to clear stale task: %w", err)
		}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// StopContainer stops a running container, escalating to SIGKILL after timeout
func (r *ContainerdRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return wrapContainerdErr(err, "failed to load container %s", containerID)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container is not running
		return nil
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-time.After(timeout):
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// RemoveContainer stops the container, deletes it with its snapshot and
// tears down its network namespace
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return wrapContainerdErr(err, "failed to load container %s", containerID)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			r.logger.Warn().Err(err).Str("container", containerID).Msg("Failed to delete task before removal")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return wrapContainerdErr(err, "failed to delete container %s", containerID)
	}

	if err := r.bridges.Detach(containerID); err != nil {
		r.logger.Warn().Err(err).Str("container", containerID).Msg("Failed to detach network namespace")
	}
	return nil
}

func (r *ContainerdRuntime) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, wrapContainerdErr(err, "failed to load container %s", containerID)
	}
	return r.describe(ctx, container)
}

func (r *ContainerdRuntime) describe(ctx context.Context, container containerd.Container) (*ContainerInfo, error) {
	info, err := container.Info(ctx)
	if err != nil {
		return nil, wrapContainerdErr(err, "failed to read container %s", container.ID())
	}

	out := &ContainerInfo{
		ID:     container.ID(),
		Name:   container.ID(),
		Image:  info.Image,
		State:  ContainerCreated,
		Labels: info.Labels,
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return out, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		out.State = ContainerUnknown
		return out, nil
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		out.State = ContainerRunning
	case containerd.Stopped:
		out.State = ContainerExited
		out.ExitCode = int(status.ExitStatus)
	case containerd.Created:
		out.State = ContainerCreated
	default:
		out.State = ContainerUnknown
	}
	return out, nil
}

// ListContainers returns containers in the namespace carrying all the given labels
func (r *ContainerdRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	ctx = r.ctx(ctx)

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []string
	for _, k := range keys {
		clauses = append(clauses, fmt.Sprintf("labels.%q==%s", k, labels[k]))
	}

	var filters []string
	if len(clauses) > 0 {
		filters = append(filters, strings.Join(clauses, ","))
	}

	containers, err := r.client.Containers(ctx, filters...)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info, err := r.describe(ctx, c)
		if err != nil {
			continue
		}
		out = append(out, *info)
	}
	return out, nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Exec runs cmd inside the container's running task
func (r *ContainerdRuntime) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, wrapContainerdErr(err, "failed to load container %s", containerID)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("container %s is not running: %w", containerID, err)
	}
	spec, err := container.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec: %w", err)
	}

	pspec := *spec.Process
	pspec.Args = cmd
	pspec.Terminal = false

	var out lockedBuffer
	execID := "exec-" + uuid.New().String()[:8]
	proc, err := task.Exec(ctx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, &out, &out)))
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}
	defer func() {
		_, _ = proc.Delete(context.WithoutCancel(ctx), containerd.WithProcessKill)
	}()

	statusC, err := proc.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for exec: %w", err)
	}
	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start exec: %w", err)
	}

	select {
	case st := <-statusC:
		code, _, err := st.Result()
		if err != nil {
			return nil, fmt.Errorf("exec failed: %w", err)
		}
		proc.IO().Wait()
		return &ExecResult{ExitCode: int(code), Output: out.String()}, nil
	case <-ctx.Done():
		_ = proc.Kill(context.WithoutCancel(ctx), syscall.SIGKILL)
		return nil, ctx.Err()
	}
}

// Commit is not available: containerd has no single-call commit
func (r *ContainerdRuntime) Commit(ctx context.Context, containerID, ref string) (string, error) {
	return "", fmt.Errorf("commit %s: %w", containerID, ErrUnsupported)
}

// Stats samples the task's init process through the host's process table
func (r *ContainerdRuntime) Stats(ctx context.Context, containerID string) (*Stats, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, wrapContainerdErr(err, "failed to load container %s", containerID)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("container %s is not running: %w", containerID, err)
	}

	proc, err := process.NewProcessWithContext(ctx, int32(task.Pid()))
	if err != nil {
		return nil, fmt.Errorf("failed to read process for %s: %w", containerID, err)
	}

	out := &Stats{Timestamp: time.Now()}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = cpu
	}
	if mi, err := proc.MemoryInfoWithContext(ctx); err == nil {
		out.MemoryBytes = mi.RSS
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemoryLimit = vm.Total
	}
	if rx, tx, err := r.bridges.InterfaceStats(containerID); err == nil {
		out.NetRxBytes, out.NetTxBytes = rx, tx
	}
	return out, nil
}

var _ Runtime = (*ContainerdRuntime)(nil)
