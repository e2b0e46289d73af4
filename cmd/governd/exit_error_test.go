package main

import (
	"errors"
	"testing"
)

func TestExitError_Message(t *testing.T) {
	t.Parallel()

	withCause := &exitError{code: 2, err: errors.New("bad config")}
	if got := withCause.Error(); got != "bad config" {
		t.Fatalf("Error() = %q, want %q", got, "bad config")
	}

	codeOnly := &exitError{code: 3}
	if got := codeOnly.Error(); got != "exit 3" {
		t.Fatalf("Error() = %q, want %q", got, "exit 3")
	}
}

func TestExitError_Cause(t *testing.T) {
	t.Parallel()

	fallback := errors.New("wrapped")
	cause := errors.New("root cause")

	if got := (&exitError{code: 1, err: cause}).cause(fallback); got != cause {
		t.Fatalf("cause() = %v, want %v", got, cause)
	}
	if got := (&exitError{code: 1}).cause(fallback); got != fallback {
		t.Fatalf("cause() without err = %v, want fallback %v", got, fallback)
	}
}
