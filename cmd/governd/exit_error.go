package main

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// exitError carries a process exit code out of a cobra command. silent
// suppresses the final error line, for commands that already reported
// their failure in their own output format.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// exitCodeForError maps a command error to a process exit code, emitting a
// structured error line unless the command asked for silence. Cancellation
// exits 130, matching an interrupted process.
func exitCodeForError(err error, stderr io.Writer) int {
	var ee *exitError
	if errors.As(err, &ee) {
		if !ee.silent {
			emitCommandError(ee.cause(err), "command failed", ee.code, stderr)
		}
		return ee.code
	}

	if errors.Is(err, context.Canceled) {
		emitCommandError(err, "command canceled", 130, stderr)
		return 130
	}

	emitCommandError(err, "command failed", 1, stderr)
	return 1
}

// cause returns the wrapped error, or fallback when the exitError carries
// only a code.
func (e *exitError) cause(fallback error) error {
	if e != nil && e.err != nil {
		return e.err
	}
	return fallback
}
