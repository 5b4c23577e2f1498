package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cuemby/cyberrange/pkg/types"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config controls how often and how long a VM is probed
type Config struct {
	// Interval is the time between attempts
	Interval time.Duration

	// Timeout bounds a single attempt
	Timeout time.Duration

	// Retries is the number of consecutive failures before giving up
	Retries int
}

// DefaultConfig returns the probe settings used when a template leaves them unset
func DefaultConfig() Config {
	return Config{
		Interval: 2 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  5,
	}
}

// Status tracks consecutive results of a probe
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	Healthy              bool
}

// Update records a result. The status turns unhealthy once failures reach
// the retry threshold.
func (s *Status) Update(result Result, config Config) {
	s.LastResult = result
	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// Probe runs checker until it succeeds, the retry budget is spent, or ctx
// ends. It returns the last result.
func Probe(ctx context.Context, checker Checker, config Config) Result {
	if config.Retries < 1 {
		config.Retries = 1
	}
	status := &Status{}
	for {
		attemptCtx := ctx
		var cancel context.CancelFunc = func() {}
		if config.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		}
		result := checker.Check(attemptCtx)
		cancel()

		status.Update(result, config)
		if result.Healthy || status.ConsecutiveFailures >= config.Retries {
			return result
		}

		select {
		case <-ctx.Done():
			return Result{
				Healthy:   false,
				Message:   fmt.Sprintf("probe interrupted: %v (last: %s)", ctx.Err(), result.Message),
				CheckedAt: time.Now(),
			}
		case <-time.After(config.Interval):
		}
	}
}

// ForVM builds the checker and probe config declared by a template health
// check for a created VM
func ForVM(hc *types.HealthCheck, execer Execer, containerID, ip string) (Checker, Config, error) {
	config := DefaultConfig()
	if hc.Timeout > 0 {
		config.Timeout = hc.Timeout
	}
	if hc.Retries > 0 {
		config.Retries = hc.Retries
	}
	if hc.Interval > 0 {
		config.Interval = hc.Interval
	}

	switch CheckType(hc.Type) {
	case CheckTypeExec:
		if len(hc.Command) == 0 {
			return nil, config, fmt.Errorf("exec health check requires a command")
		}
		return NewExecChecker(execer, containerID, hc.Command), config, nil
	case CheckTypeTCP:
		if hc.Port <= 0 || ip == "" {
			return nil, config, fmt.Errorf("tcp health check requires a port and VM address")
		}
		return NewTCPChecker(net.JoinHostPort(ip, strconv.Itoa(hc.Port))), config, nil
	case CheckTypeHTTP:
		if hc.Port <= 0 || ip == "" {
			return nil, config, fmt.Errorf("http health check requires a port and VM address")
		}
		path := hc.Path
		if path == "" {
			path = "/"
		}
		url := "http://" + net.JoinHostPort(ip, strconv.Itoa(hc.Port)) + path
		return NewHTTPChecker(url), config, nil
	default:
		return nil, config, fmt.Errorf("unknown health check type %q", hc.Type)
	}
}
