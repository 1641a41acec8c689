package modelscan

import (
	"errors"
	"fmt"
)

// ModelNotFoundError reports a model reference (id or alias) that no
// descriptor in the registry resolves.
type ModelNotFoundError struct {
	Ref string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model not found: %q", e.Ref)
}

// ConfigGenerationError wraps a failure to produce or persist the generated
// backend configuration file.
type ConfigGenerationError struct {
	Path string
	Err  error
}

func (e *ConfigGenerationError) Error() string {
	return fmt.Sprintf("generate backend config %s: %v", e.Path, e.Err)
}

func (e *ConfigGenerationError) Unwrap() error { return e.Err }

// IsModelNotFound reports whether err is a ModelNotFoundError.
func IsModelNotFound(err error) bool {
	var e *ModelNotFoundError
	return errors.As(err, &e)
}
