package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/cyberrange/pkg/runtime"
)

// Execer runs a command inside a container
type Execer interface {
	Exec(ctx context.Context, id string, cmd []string) (*runtime.ExecResult, error)
}

// ExecChecker runs a command in the VM's container; exit code 0 is healthy
type ExecChecker struct {
	runtime     Execer
	containerID string
	command     []string
}

// NewExecChecker creates an exec checker for one container
func NewExecChecker(rt Execer, containerID string, command []string) *ExecChecker {
	return &ExecChecker{runtime: rt, containerID: containerID, command: command}
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := Result{CheckedAt: start}

	res, err := e.runtime.Exec(ctx, e.containerID, e.command)
	result.Duration = time.Since(start)
	if err != nil {
		result.Message = fmt.Sprintf("exec %v: %v", e.command, err)
		return result
	}

	output := strings.TrimSpace(res.Output)
	if len(output) > 100 {
		output = output[:100] + "..."
	}
	if res.ExitCode != 0 {
		result.Message = fmt.Sprintf("exec %v exited %d: %s", e.command, res.ExitCode, output)
		return result
	}

	result.Healthy = true
	result.Message = fmt.Sprintf("exec %v ok", e.command)
	if output != "" {
		result.Message += ": " + output
	}
	return result
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}
