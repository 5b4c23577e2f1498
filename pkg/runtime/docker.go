package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/types"
)

// Bridge driver option that turns off NAT for a network
const optEnableMasquerade = "com.docker.network.bridge.enable_ip_masquerade"

// DockerRuntime implements Runtime on the Docker Engine API
type DockerRuntime struct {
	client *client.Client
	logger zerolog.Logger
}

// NewDockerRuntime connects to the Docker daemon. An empty host uses DOCKER_HOST
// or the default socket.
func NewDockerRuntime(ctx context.Context, host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to ping docker daemon: %w", err)
	}

	return &DockerRuntime{
		client: cli,
		logger: log.WithComponent("runtime").With().Str("backend", "docker").Logger(),
	}, nil
}

// Close closes the Docker client
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// wrapErr maps daemon errors onto the package sentinels
func wrapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case client.IsErrNotFound(err):
		return fmt.Errorf("%s: %w: %v", msg, ErrNotFound, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%s: %w: %v", msg, ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

// CreateNetwork creates a bridge network. Complete isolation maps to an
// internal network; controlled isolation keeps routing but disables masquerade.
func (d *DockerRuntime) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	opts := network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Driver: "default",
			Config: []network.IPAMConfig{{
				Subnet:  spec.Subnet,
				Gateway: spec.Gateway,
			}},
		},
		Labels:  spec.Labels,
		Options: map[string]string{},
	}

	switch spec.Isolation {
	case types.IsolationComplete:
		opts.Internal = true
	case types.IsolationControlled:
		opts.Options[optEnableMasquerade] = "false"
	}

	resp, err := d.client.NetworkCreate(ctx, spec.Name, opts)
	if err != nil {
		return "", wrapErr(err, "failed to create network %s", spec.Name)
	}
	if resp.Warning != "" {
		d.logger.Warn().Str("network", spec.Name).Msg(resp.Warning)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) InspectNetwork(ctx context.Context, id string) (*NetworkInfo, error) {
	info, err := d.client.NetworkInspect(ctx, id, network.InspectOptions{})
	if err != nil {
		return nil, wrapErr(err, "failed to inspect network %s", id)
	}
	out := &NetworkInfo{ID: info.ID, Name: info.Name, Labels: info.Labels}
	if len(info.IPAM.Config) > 0 {
		out.Subnet = info.IPAM.Config[0].Subnet
	}
	return out, nil
}

func (d *DockerRuntime) RemoveNetwork(ctx context.Context, id string) error {
	return wrapErr(d.client.NetworkRemove(ctx, id), "failed to remove network %s", id)
}

func (d *DockerRuntime) InspectImage(ctx context.Context, ref string) (*ImageInfo, error) {
	info, err := d.client.ImageInspect(ctx, ref)
	if err != nil {
		return nil, wrapErr(err, "failed to inspect image %s", ref)
	}
	return &ImageInfo{ID: info.ID, Size: info.Size}, nil
}

// PullImage decodes the daemon's JSON message stream into progress callbacks
func (d *DockerRuntime) PullImage(ctx context.Context, ref string, fn func(PullProgress)) error {
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return wrapErr(err, "failed to pull image %s", ref)
	}
	defer reader.Close()

	dec := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read pull stream for %s: %w", ref, err)
		}
		if msg.Error != nil {
			return fmt.Errorf("failed to pull image %s: %s", ref, msg.Error.Message)
		}
		if fn == nil || msg.ID == "" {
			continue
		}
		p := PullProgress{LayerID: msg.ID, Status: msg.Status}
		if msg.Progress != nil {
			p.Current = msg.Progress.Current
			p.Total = msg.Progress.Total
		}
		fn(p)
	}
}

func (d *DockerRuntime) RemoveImage(ctx context.Context, ref string) error {
	_, err := d.client.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	return wrapErr(err, "failed to remove image %s", ref)
}

func (d *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	for _, p := range spec.Ports {
		proto, port := nat.SplitProtoPort(p)
		np, err := nat.NewPort(proto, port)
		if err != nil {
			return "", fmt.Errorf("invalid port %q: %w", p, err)
		}
		exposed[np] = struct{}{}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Hostname:     spec.Hostname,
		Env:          spec.Env,
		Cmd:          spec.Cmd,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPUs * 1e9),
			Memory:   spec.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(spec.NetworkID),
	}
	for _, m := range spec.Mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		hostCfg.Binds = append(hostCfg.Binds, bind)
	}

	var netCfg *network.NetworkingConfig
	if spec.NetworkID != "" {
		endpoint := &network.EndpointSettings{NetworkID: spec.NetworkID}
		if spec.IP != "" {
			endpoint.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: spec.IP}
		}
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.NetworkID: endpoint},
		}
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", wrapErr(err, "failed to create container %s", spec.Name)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn().Str("container", spec.Name).Msg(w)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	return wrapErr(d.client.ContainerStart(ctx, id, container.StartOptions{}), "failed to start container %s", id)
}

func (d *DockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return wrapErr(d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}), "failed to stop container %s", id)
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	return wrapErr(err, "failed to remove container %s", id)
}

func (d *DockerRuntime) InspectContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, wrapErr(err, "failed to inspect container %s", id)
	}

	out := &ContainerInfo{
		ID:    info.ID,
		Name:  strings.TrimPrefix(info.Name, "/"),
		State: ContainerUnknown,
	}
	if info.Config != nil {
		out.Image = info.Config.Image
		out.Labels = info.Config.Labels
	}
	if info.State != nil {
		out.State = dockerState(string(info.State.Status))
		out.ExitCode = info.State.ExitCode
	}
	if info.NetworkSettings != nil {
		for _, ep := range info.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" {
				out.IP = ep.IPAddress
				break
			}
		}
	}
	return out, nil
}

func dockerState(s string) ContainerState {
	switch s {
	case "created":
		return ContainerCreated
	case "running", "restarting", "paused":
		return ContainerRunning
	case "exited", "dead", "removing":
		return ContainerExited
	default:
		return ContainerUnknown
	}
}

func (d *DockerRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	list, err := d.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, wrapErr(err, "failed to list containers")
	}

	out := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			State:  dockerState(string(c.State)),
			Labels: c.Labels,
		})
	}
	return out, nil
}

// Exec runs cmd to completion and returns its combined output
func (d *DockerRuntime) Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error) {
	exec, err := d.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, wrapErr(err, "failed to create exec in %s", id)
	}

	resp, err := d.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, wrapErr(err, "failed to attach exec in %s", id)
	}
	defer resp.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, resp.Reader); err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inspect, err := d.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, wrapErr(err, "failed to inspect exec in %s", id)
	}
	return &ExecResult{ExitCode: inspect.ExitCode, Output: out.String()}, nil
}

func (d *DockerRuntime) Commit(ctx context.Context, id, ref string) (string, error) {
	resp, err := d.client.ContainerCommit(ctx, id, container.CommitOptions{Reference: ref, Pause: true})
	if err != nil {
		return "", wrapErr(err, "failed to commit container %s", id)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Stats(ctx context.Context, id string) (*Stats, error) {
	resp, err := d.client.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, wrapErr(err, "failed to read stats for %s", id)
	}
	defer resp.Body.Close()

	var s container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode stats for %s: %w", id, err)
	}

	out := &Stats{
		MemoryBytes: s.MemoryStats.Usage,
		MemoryLimit: s.MemoryStats.Limit,
		Timestamp:   s.Read,
	}

	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(s.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		out.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}
	for _, n := range s.Networks {
		out.NetRxBytes += n.RxBytes
		out.NetTxBytes += n.TxBytes
	}
	return out, nil
}

var _ Runtime = (*DockerRuntime)(nil)
