package types

import (
	"time"
)

// RangeStatus represents the aggregate state of a range
type RangeStatus string

const (
	RangeStatusDraft     RangeStatus = "draft"
	RangeStatusDeploying RangeStatus = "deploying"
	RangeStatusRunning   RangeStatus = "running"
	RangeStatusStopped   RangeStatus = "stopped"
	RangeStatusArchived  RangeStatus = "archived"
	RangeStatusError     RangeStatus = "error"
)

// Range is a complete declared training environment
type Range struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	OwnerID     string      `json:"owner_id,omitempty"`
	Status      RangeStatus `json:"status"`
	LastJobID   string      `json:"last_job_id,omitempty"`
	LastOutcome *JobOutcome `json:"last_outcome,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// JobOutcome is the kind, state and error of a range's last range-level job,
// kept on the range so its status survives job retention
type JobOutcome struct {
	Kind  JobKind  `json:"kind"`
	State JobState `json:"state"`
	Error string   `json:"error,omitempty"`
}

// IsolationLevel controls whether a runtime network permits egress
type IsolationLevel string

const (
	// IsolationComplete blocks all traffic leaving the network
	IsolationComplete IsolationLevel = "complete"

	// IsolationControlled routes traffic to the host but does not masquerade it
	IsolationControlled IsolationLevel = "controlled"

	// IsolationOpen gives the network NAT egress
	IsolationOpen IsolationLevel = "open"
)

// NetworkStatus represents the lifecycle state of a network
type NetworkStatus string

const (
	NetworkStatusAbsent   NetworkStatus = "absent"
	NetworkStatusCreating NetworkStatus = "creating"
	NetworkStatusCreated  NetworkStatus = "created"
	NetworkStatusError    NetworkStatus = "error"
)

// Network is an isolated virtual subnet scoped to one range
type Network struct {
	ID               string         `json:"id"`
	RangeID          string         `json:"range_id"`
	Name             string         `json:"name"`
	Subnet           string         `json:"subnet"` // CIDR (e.g., "10.10.1.0/24")
	Gateway          string         `json:"gateway,omitempty"`
	Isolation        IsolationLevel `json:"isolation"`
	Status           NetworkStatus  `json:"status"`
	RuntimeNetworkID string         `json:"runtime_network_id,omitempty"`
	Error            string         `json:"error,omitempty"`
	Position         int            `json:"position"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// VMStatus represents the lifecycle state of a VM
type VMStatus string

const (
	VMStatusPending  VMStatus = "pending"
	VMStatusCreating VMStatus = "creating"
	VMStatusRunning  VMStatus = "running"
	VMStatusStopped  VMStatus = "stopped"
	VMStatusError    VMStatus = "error"
)

// Resources is the resource spec of a VM
type Resources struct {
	CPUs     float64 `json:"cpus" yaml:"cpus"`
	MemoryMB int64   `json:"memory_mb" yaml:"memory_mb"`
	DiskGB   int64   `json:"disk_gb" yaml:"disk_gb"`
}

// VM is a container standing in for a virtual machine
type VM struct {
	ID                 string    `json:"id"`
	RangeID            string    `json:"range_id"`
	NetworkID          string    `json:"network_id"`
	TemplateID         string    `json:"template_id"`
	SnapshotID         string    `json:"snapshot_id,omitempty"` // Clone source, overrides the template image
	Hostname           string    `json:"hostname"`
	IP                 string    `json:"ip"`
	Resources          Resources `json:"resources"`
	Status             VMStatus  `json:"status"`
	RuntimeContainerID string    `json:"runtime_container_id,omitempty"`
	Error              string    `json:"error,omitempty"`
	Position           int       `json:"position"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HealthCheck defines how a VM is probed after creation
type HealthCheck struct {
	Type     string        `json:"type" yaml:"type"` // "exec", "tcp", "http"
	Command  []string      `json:"command,omitempty" yaml:"command,omitempty"`
	Port     int           `json:"port,omitempty" yaml:"port,omitempty"`
	Path     string        `json:"path,omitempty" yaml:"path,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries  int           `json:"retries,omitempty" yaml:"retries,omitempty"`
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// Template describes the base image and customization of a VM
type Template struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Image        string       `json:"image"`                   // Container image reference
	Disk         *ArtifactRef `json:"disk,omitempty"`          // Optional disk image mounted read-only
	Command      []string     `json:"command,omitempty"`       // Keeps the container alive, defaults to the image command
	Env          []string     `json:"env,omitempty"`           // KEY=value
	Ports        []string     `json:"ports,omitempty"`         // e.g. "22/tcp"
	ConfigScript string       `json:"config_script,omitempty"` // Post-create shell script
	HealthCheck  *HealthCheck `json:"health_check,omitempty"`
	Resources    Resources    `json:"resources"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Snapshot is a committed image of a VM's disk state
type Snapshot struct {
	ID             string    `json:"id"`
	VMID           string    `json:"vm_id"`
	Name           string    `json:"name"`
	RuntimeImageID string    `json:"runtime_image_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// JobKind identifies the unit of work a job performs
type JobKind string

const (
	JobKindNetworkCreate JobKind = "network_create"
	JobKindVMCreate      JobKind = "vm_create"
	JobKindVMStart       JobKind = "vm_start"
	JobKindVMStop        JobKind = "vm_stop"
	JobKindVMRestart     JobKind = "vm_restart"
	JobKindVMSnapshot    JobKind = "vm_snapshot"
	JobKindImagePull     JobKind = "image_pull"
	JobKindISODownload   JobKind = "iso_download"
	JobKindRangeDeploy   JobKind = "range_deploy"
	JobKindRangeStart    JobKind = "range_start"
	JobKindRangeStop     JobKind = "range_stop"
	JobKindRangeTeardown JobKind = "range_teardown"
)

// JobState represents the lifecycle state of a job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateCancelled
}

// TargetType names the kind of entity a job acts on
type TargetType string

const (
	TargetRange    TargetType = "range"
	TargetNetwork  TargetType = "network"
	TargetVM       TargetType = "vm"
	TargetArtifact TargetType = "artifact"
)

// Target references the entity a job acts on
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

func (t Target) String() string {
	return string(t.Type) + "/" + t.ID
}

// ProgressUnit describes what a job's progress counters measure
type ProgressUnit string

const (
	ProgressBytes ProgressUnit = "bytes"
	ProgressSteps ProgressUnit = "steps"
)

// Progress tracks monotonically increasing work done. Total is zero when unknown.
type Progress struct {
	Unit    ProgressUnit `json:"unit"`
	Current int64        `json:"current"`
	Total   int64        `json:"total"`
}

// Percent returns completion percentage, or false while the total is unknown
func (p Progress) Percent() (float64, bool) {
	if p.Total <= 0 {
		return 0, false
	}
	pct := float64(p.Current) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// Job is a tracked, cancellable, progress-reporting unit of asynchronous work
type Job struct {
	ID         string        `json:"id"`
	Kind       JobKind       `json:"kind"`
	Target     Target        `json:"target"`
	RangeID    string        `json:"range_id,omitempty"`
	ParentID   string        `json:"parent_id,omitempty"`
	Refs       []string      `json:"refs,omitempty"` // Artifact refs held while active
	State      JobState      `json:"state"`
	Progress   Progress      `json:"progress"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Attempt    int           `json:"attempt"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// ActiveKey is the idempotency key: one non-terminal job per (kind, target)
func (j *Job) ActiveKey() string {
	return ActiveKey(j.Kind, j.Target)
}

// ActiveKey builds the idempotency key for a kind and target
func ActiveKey(kind JobKind, target Target) string {
	return string(kind) + "|" + target.String()
}

// EventType classifies event log entries
type EventType string

const (
	EventRangeStatus    EventType = "range.status"
	EventNetworkStatus  EventType = "network.status"
	EventVMStatus       EventType = "vm.status"
	EventJobState       EventType = "job.state"
	EventJobProgress    EventType = "job.progress"
	EventWarning        EventType = "warning"
	EventTeardownFailed EventType = "teardown.failed"
	EventSnapshot       EventType = "vm.snapshot"
)

// EventLogEntry is an immutable record of a state transition
type EventLogEntry struct {
	ID        uint64            `json:"id"`
	RangeID   string            `json:"range_id"`
	VMID      string            `json:"vm_id,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	Type      EventType         `json:"type"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventFilter narrows an event log query
type EventFilter struct {
	Since time.Time
	Type  EventType
	VMID  string
	Limit int
}

// Matches reports whether an entry passes the filter (Limit is ignored)
func (f EventFilter) Matches(e *EventLogEntry) bool {
	if !f.Since.IsZero() && !e.Timestamp.After(f.Since) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.VMID != "" && e.VMID != f.VMID {
		return false
	}
	return true
}

// ArtifactKind distinguishes container images from disk-image files
type ArtifactKind string

const (
	ArtifactImage ArtifactKind = "image"
	ArtifactDisk  ArtifactKind = "disk"
)

// ArtifactRef names an artifact required to instantiate a VM
type ArtifactRef struct {
	Kind   ArtifactKind `json:"kind" yaml:"kind"`
	Name   string       `json:"name" yaml:"name"`                     // Image reference or disk name@version
	Source string       `json:"source,omitempty" yaml:"source,omitempty"` // Download URL for disks
	Digest string       `json:"digest,omitempty" yaml:"digest,omitempty"` // Optional "sha256:<hex>"
}

// Key returns the canonical artifact identity used in job targets
func (r ArtifactRef) Key() string {
	return string(r.Kind) + ":" + r.Name
}

// ArtifactStatus represents the cache state of an artifact
type ArtifactStatus string

const (
	ArtifactAbsent   ArtifactStatus = "absent"
	ArtifactFetching ArtifactStatus = "fetching"
	ArtifactCached   ArtifactStatus = "cached"
	ArtifactFailed   ArtifactStatus = "failed"
)

// Artifact is the cache record of an image or disk-image
type Artifact struct {
	Key       string         `json:"key"`
	Ref       ArtifactRef    `json:"ref"`
	Status    ArtifactStatus `json:"status"`
	Path      string         `json:"path,omitempty"`
	Size      int64          `json:"size"`
	Digest    string         `json:"digest,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	CachedAt  time.Time      `json:"cached_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}
