package jobs

import (
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/cuemby/cyberrange/pkg/types"
)

// Pool is a scheduling class. A job only ever waits on jobs of a lower
// class, so no class can exhaust its own slots while waiting.
type Pool string

const (
	// PoolCoordinator runs range-level jobs that fan out to lifecycle jobs
	PoolCoordinator Pool = "coordinator"

	// PoolLifecycle runs network and VM jobs, which may wait on transfers
	PoolLifecycle Pool = "lifecycle"

	// PoolTransfer runs image pulls and disk-image downloads
	PoolTransfer Pool = "transfer"
)

// PoolFor returns the scheduling class of a job kind
func PoolFor(kind types.JobKind) Pool {
	switch kind {
	case types.JobKindRangeDeploy, types.JobKindRangeStart, types.JobKindRangeStop, types.JobKindRangeTeardown:
		return PoolCoordinator
	case types.JobKindImagePull, types.JobKindISODownload:
		return PoolTransfer
	default:
		return PoolLifecycle
	}
}

// PoolSizes holds the number of concurrently executing jobs per pool
type PoolSizes struct {
	Coordinator int
	Lifecycle   int
	Transfer    int
}

// DefaultPoolSizes sizes the lifecycle pool from the host's logical CPUs
func DefaultPoolSizes() PoolSizes {
	return PoolSizes{
		Coordinator: 4,
		Lifecycle:   lifecycleDefault(),
		Transfer:    3,
	}
}

func lifecycleDefault() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = 1
	}
	return n * 2
}

func (s PoolSizes) withDefaults() PoolSizes {
	d := DefaultPoolSizes()
	if s.Coordinator <= 0 {
		s.Coordinator = d.Coordinator
	}
	if s.Lifecycle <= 0 {
		s.Lifecycle = d.Lifecycle
	}
	if s.Transfer <= 0 {
		s.Transfer = d.Transfer
	}
	return s
}

func (s PoolSizes) size(p Pool) int {
	switch p {
	case PoolCoordinator:
		return s.Coordinator
	case PoolTransfer:
		return s.Transfer
	default:
		return s.Lifecycle
	}
}
