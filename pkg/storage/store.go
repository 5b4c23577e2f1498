package storage

import (
	"errors"
	"time"

	"github.com/cuemby/cyberrange/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// EventLog is the append-only per-range event log
type EventLog interface {
	// AppendEvent assigns the entry an ID and timestamp (if unset) and persists it
	AppendEvent(entry *types.EventLogEntry) error

	// ListEvents returns a range's entries in creation order
	ListEvents(rangeID string, filter types.EventFilter) ([]*types.EventLogEntry, error)

	// DeleteEvents removes a range's entries (range cascade only)
	DeleteEvents(rangeID string) error

	// PruneEvents removes entries older than the cutoff and returns how many were removed
	PruneEvents(before time.Time) (int, error)

	Close() error
}

// Store defines the interface for range, job and artifact state storage
type Store interface {
	// Ranges
	CreateRange(r *types.Range) error
	GetRange(id string) (*types.Range, error)
	ListRanges() ([]*types.Range, error)
	UpdateRange(r *types.Range) error
	// DeleteRange cascades to the range's networks, VMs, snapshots and events
	DeleteRange(id string) error

	// Networks
	CreateNetwork(n *types.Network) error
	GetNetwork(id string) (*types.Network, error)
	ListNetworksByRange(rangeID string) ([]*types.Network, error)
	UpdateNetwork(n *types.Network) error

	// VMs
	CreateVM(vm *types.VM) error
	GetVM(id string) (*types.VM, error)
	ListVMs() ([]*types.VM, error)
	ListVMsByRange(rangeID string) ([]*types.VM, error)
	ListVMsByNetwork(networkID string) ([]*types.VM, error)
	UpdateVM(vm *types.VM) error

	// Templates
	CreateTemplate(t *types.Template) error
	GetTemplate(id string) (*types.Template, error)
	GetTemplateByName(name string) (*types.Template, error)
	ListTemplates() ([]*types.Template, error)
	DeleteTemplate(id string) error

	// Snapshots
	CreateSnapshot(s *types.Snapshot) error
	GetSnapshot(id string) (*types.Snapshot, error)
	ListSnapshotsByVM(vmID string) ([]*types.Snapshot, error)
	UpdateSnapshot(s *types.Snapshot) error
	DeleteSnapshot(id string) error

	// Jobs
	// CreateJobIfAbsent stores job unless a non-terminal job with the same
	// (kind, target) exists, in which case that job is returned and created is false
	CreateJobIfAbsent(job *types.Job) (stored *types.Job, created bool, err error)
	GetJob(id string) (*types.Job, error)
	GetActiveJob(kind types.JobKind, target types.Target) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	// UpdateJob persists job and releases its idempotency key once terminal
	UpdateJob(job *types.Job) error
	// TransitionJob changes a job's state only if it is currently in from
	TransitionJob(id string, from, to types.JobState) (*types.Job, error)
	DeleteJob(id string) error
	RequestCancel(id string) error
	CancelRequested(id string) (bool, error)

	// Artifacts
	PutArtifact(a *types.Artifact) error
	GetArtifact(key string) (*types.Artifact, error)
	ListArtifacts() ([]*types.Artifact, error)
	DeleteArtifact(key string) error

	EventLog

	// Utility
	Close() error
}
