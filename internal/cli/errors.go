package cli

import "errors"

// Exit codes of the wiggum CLI.
const (
	ExitOK     = 0 // board drained, all tasks done
	ExitFailed = 1 // a blocking pipeline halted irrecoverably
	ExitConfig = 2 // environment or configuration error
)

// ErrTasksFailed signals that at least one task ended in failure.
var ErrTasksFailed = errors.New("one or more tasks failed")

// configError marks environment and configuration problems (exit code 2).
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// configErr wraps an error as a configuration failure.
func configErr(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err: err}
}

// ExitCode maps a CLI error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, new(*configError)):
		return ExitConfig
	default:
		return ExitFailed
	}
}
