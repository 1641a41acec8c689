package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// BinaryNotFoundError is returned when a managed service's executable cannot
// be resolved on this host.
type BinaryNotFoundError struct {
	Service string
	Binary  string
	Err     error
}

func (e *BinaryNotFoundError) Error() string {
	return fmt.Sprintf("service %s: binary %q not found", e.Service, e.Binary)
}

func (e *BinaryNotFoundError) Unwrap() error { return e.Err }

// PortConflictError is returned when the allocator cannot find a free port
// in its configured range.
type PortConflictError struct {
	RangeStart int
	RangeEnd   int
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.RangeStart, e.RangeEnd)
}

// StartupTimeoutError is returned when a started service never reports
// healthy within the startup budget.
type StartupTimeoutError struct {
	Service string
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("service %s: not healthy within %s", e.Service, e.Timeout)
}

// ServiceUnavailableError is returned when no deployment mode is usable:
// managed is unsupported or its runtime is missing, and no external URL is
// configured.
type ServiceUnavailableError struct{ Service string }

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("service %s: no usable deployment mode", e.Service)
}

// CriticalServiceFailure aggregates every critical-service start failure
// into the single error StartAll surfaces.
type CriticalServiceFailure struct {
	Causes map[string]error
}

func (e *CriticalServiceFailure) Error() string {
	names := make([]string, 0, len(e.Causes))
	for n := range e.Causes {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", n, e.Causes[n]))
	}
	return "critical service failure: " + strings.Join(parts, "; ")
}

// IsCriticalFailure reports whether err is a CriticalServiceFailure.
func IsCriticalFailure(err error) bool {
	var ce *CriticalServiceFailure
	return errors.As(err, &ce)
}

// IsStartupTimeout reports whether err is a StartupTimeoutError.
func IsStartupTimeout(err error) bool {
	var te *StartupTimeoutError
	return errors.As(err, &te)
}
