package swapproxy

import (
	"errors"
	"fmt"
)

// BackendStartError wraps a failure to spawn or ready a model backend.
type BackendStartError struct {
	ModelID string
	Err     error
}

func (e *BackendStartError) Error() string {
	return fmt.Sprintf("start backend for %s: %v", e.ModelID, e.Err)
}

func (e *BackendStartError) Unwrap() error { return e.Err }

// IsBackendStart reports whether err is a BackendStartError.
func IsBackendStart(err error) bool {
	var e *BackendStartError
	return errors.As(err, &e)
}
