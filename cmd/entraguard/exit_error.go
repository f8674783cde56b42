package main

import "fmt"

// Process exit codes. Interrupted follows the 128+SIGINT shell
// convention so scripts can tell a canceled run from a failed one.
const (
	exitCodeFailure     = 1
	exitCodeInterrupted = 130
)

// exitError carries the exit code a failed command wants the process to
// return. A silent error has already been reported and only sets the
// code.
type exitError struct {
	code   int
	err    error
	silent bool
}

// failedExit wraps a command failure with the generic failure code.
func failedExit(err error) *exitError {
	return &exitError{code: exitCodeFailure, err: err}
}

// canceledExit marks a context cancellation so the command quits with
// the interrupt code without reporting the error twice.
func canceledExit(err error) *exitError {
	return &exitError{code: exitCodeInterrupted, err: err, silent: true}
}

func (e *exitError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}
