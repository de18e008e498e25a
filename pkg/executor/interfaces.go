package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Executor knows how to run a script over SSH (or any transport)
// and return the output as string slices.
type Executor interface {
	Run(ctx context.Context, script string) (stdoutLines, stderrLines []string, err error)
}

// Session describes one remote script invocation with optional streams.
// A nil Stdout is captured and returned by Exec.
type Session struct {
	Script string
	Stdin  io.Reader
	Stdout io.Writer
}

// ErrNonZeroExit is matched by every *ExitError.
var ErrNonZeroExit = errors.New("remote command exited with non-zero status")

// ExitError reports a script that ran but exited non-zero.
type ExitError struct {
	Script string
	Status int
	Stdout string
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("exit status %d", e.Status)
	}
	return fmt.Sprintf("exit status %d: %s", e.Status, msg)
}

func (e *ExitError) Unwrap() error { return ErrNonZeroExit }

// ShellQuote wraps s in single quotes for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
