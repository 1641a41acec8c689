package registry

import (
	"errors"
	"strings"
)

// DuplicateServiceError is returned when a name is registered twice.
type DuplicateServiceError struct{ Name string }

func (e *DuplicateServiceError) Error() string {
	return "service already registered: " + e.Name
}

// CyclicDependencyError reports a dependency cycle. Cycle lists the members
// in path order, with the entry service repeated at the end.
type CyclicDependencyError struct{ Cycle []string }

func (e *CyclicDependencyError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// UnknownDependencyError is returned when a definition depends on a name
// that was never registered.
type UnknownDependencyError struct{ Name string }

func (e *UnknownDependencyError) Error() string {
	return "unknown dependency: " + e.Name
}

// PlatformUnsupportedError marks a service with no usable deployment mode
// on the current platform.
type PlatformUnsupportedError struct{ Name string }

func (e *PlatformUnsupportedError) Error() string {
	return "service not supported on this platform: " + e.Name
}

// IsCyclicDependency reports whether err is a CyclicDependencyError.
func IsCyclicDependency(err error) bool {
	var ce *CyclicDependencyError
	return errors.As(err, &ce)
}

// IsPlatformUnsupported reports whether err is a PlatformUnsupportedError.
func IsPlatformUnsupported(err error) bool {
	var pe *PlatformUnsupportedError
	return errors.As(err, &pe)
}
