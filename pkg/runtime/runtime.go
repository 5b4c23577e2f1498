package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/cyberrange/pkg/types"
)

var (
	// ErrNotFound is returned when a container, network or image does not exist
	ErrNotFound = errors.New("runtime object not found")

	// ErrConflict is returned when a name is already taken
	ErrConflict = errors.New("runtime object already exists")

	// ErrUnsupported is returned by backends that lack a capability
	ErrUnsupported = errors.New("operation not supported by runtime backend")
)

// Labels attached to every runtime object the server creates
const (
	LabelManaged = "io.cyberrange.managed"
	LabelRange   = "io.cyberrange.range"
	LabelNetwork = "io.cyberrange.network"
	LabelVM      = "io.cyberrange.vm"
)

// ContainerState is the coarse state of a runtime container
type ContainerState string

const (
	ContainerCreated ContainerState = "created"
	ContainerRunning ContainerState = "running"
	ContainerExited  ContainerState = "exited"
	ContainerUnknown ContainerState = "unknown"
)

// NetworkSpec describes a network to create
type NetworkSpec struct {
	Name      string
	Subnet    string
	Gateway   string
	Isolation types.IsolationLevel
	Labels    map[string]string
}

// NetworkInfo is the observed state of a runtime network
type NetworkInfo struct {
	ID     string
	Name   string
	Subnet string
	Labels map[string]string
}

// Mount binds a host path into a container
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a container to create
type ContainerSpec struct {
	Name      string
	Image     string
	Hostname  string
	NetworkID string
	IP        string
	Cmd       []string
	Env       []string
	Ports     []string // "22/tcp"
	Mounts    []Mount
	CPUs      float64
	MemoryMB  int64
	Labels    map[string]string
}

// ContainerInfo is the observed state of a runtime container
type ContainerInfo struct {
	ID       string
	Name     string
	Image    string
	State    ContainerState
	ExitCode int
	IP       string
	Labels   map[string]string
}

// ImageInfo is the observed state of a local image
type ImageInfo struct {
	ID   string
	Size int64
}

// PullProgress is one layer's transfer state reported during an image pull
type PullProgress struct {
	LayerID string
	Status  string
	Current int64
	Total   int64
}

// ExecResult is the outcome of a command run inside a container
type ExecResult struct {
	ExitCode int
	Output   string
}

// Stats is a resource usage sample of a container
type Stats struct {
	CPUPercent  float64
	MemoryBytes uint64
	MemoryLimit uint64
	NetRxBytes  uint64
	NetTxBytes  uint64
	Timestamp   time.Time
}

// Runtime is the capability surface the server needs from a container runtime
type Runtime interface {
	// Ping checks the runtime endpoint is reachable
	Ping(ctx context.Context) error

	CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error)
	InspectNetwork(ctx context.Context, id string) (*NetworkInfo, error)
	RemoveNetwork(ctx context.Context, id string) error

	InspectImage(ctx context.Context, ref string) (*ImageInfo, error)
	// PullImage blocks until the pull finishes, reporting per-layer progress to fn
	PullImage(ctx context.Context, ref string, fn func(PullProgress)) error
	RemoveImage(ctx context.Context, ref string) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
	Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error)
	// Commit writes the container's filesystem to a new image and returns its ID
	Commit(ctx context.Context, id, ref string) (string, error)
	Stats(ctx context.Context, id string) (*Stats, error)

	Close() error
}

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ManagedLabels returns the label set for an object owned by a range
func ManagedLabels(rangeID string, extra map[string]string) map[string]string {
	labels := map[string]string{
		LabelManaged: "true",
		LabelRange:   rangeID,
	}
	for k, v := range extra {
		labels[k] = v
	}
	return labels
}
