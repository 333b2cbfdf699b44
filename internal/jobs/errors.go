package jobs

import (
	"errors"
	"fmt"
)

// ErrInvalidJobDefinition marks a job file that could not be turned into a job
var ErrInvalidJobDefinition = errors.New("invalid job definition")

// LoadError describes why a single job file was rejected
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Warning is a non-fatal remark about a job file, such as an unknown key
type Warning struct {
	Path    string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Path, w.Message)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidJobDefinition, fmt.Sprintf(format, args...))
}
