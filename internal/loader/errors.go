package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownStage indicates a rule names a stage that is not registered
	ErrUnknownStage = errors.New("unknown loader stage")
	// ErrStageExists indicates a stage name is already registered
	ErrStageExists = errors.New("loader stage already registered")
)

// NoLoaderError is returned when no rule matches a file that is not a plain script
type NoLoaderError struct {
	ModulePath string
}

func (e *NoLoaderError) Error() string {
	return fmt.Sprintf("no loader rule matches %q", e.ModulePath)
}

// TransformError is returned when a stage in a rule's chain fails. It is not retried.
type TransformError struct {
	ModulePath string
	StageName  string
	Cause      error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %q failed in stage %q: %v", e.ModulePath, e.StageName, e.Cause)
}

func (e *TransformError) Unwrap() error {
	return e.Cause
}
