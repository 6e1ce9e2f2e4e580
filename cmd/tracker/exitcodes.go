package main

import (
	"errors"

	"github.com/helixir/research-tracker/internal/domain"
)

// Exit codes
const (
	ExitSuccess          = 0 // Success, including runs with per-paper failures
	ExitError            = 1 // General error (invalid arguments, runtime failure)
	ExitConfigError      = 2 // Configuration could not be loaded or is unusable
	ExitStoreUnavailable = 3 // Paper store could not be reached
)

// configError marks failures caused by configuration rather than by the run.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }

func (e *configError) Unwrap() error { return e.err }

// exitCodeFor maps a command error to its exit code.
func exitCodeFor(err error) int {
	var cfgErr *configError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.Is(err, domain.ErrStoreUnavailable):
		return ExitStoreUnavailable
	default:
		return ExitError
	}
}
