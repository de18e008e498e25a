package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// SSHExecutor runs scripts on one connected host. Only opening the session is
// retried; a script that started is never run twice.
type SSHExecutor struct {
	client *ResilientSSHClient
}

func NewSSHExecutor(client *ResilientSSHClient) *SSHExecutor {
	return &SSHExecutor{client: client}
}

var _ Executor = (*SSHExecutor)(nil)

func (e *SSHExecutor) Run(ctx context.Context, script string) ([]string, []string, error) {
	var stdout bytes.Buffer
	stderr, err := e.Exec(ctx, Session{Script: script, Stdout: &stdout})
	outLines := scanLines(&stdout)
	errLines := scanLines(strings.NewReader(stderr))
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			exitErr.Stdout = stdout.String()
		}
		return outLines, errLines, err
	}
	return outLines, errLines, nil
}

// Exec runs s and returns captured stderr. A non-zero exit yields *ExitError.
func (e *SSHExecutor) Exec(ctx context.Context, s Session) (string, error) {
	sess, err := e.client.NewSession(ctx)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if s.Stdin != nil {
		sess.Stdin = s.Stdin
	}
	out := s.Stdout
	if out == nil {
		out = io.Discard
	}

	if err := sess.Start(s.Script); err != nil {
		return "", fmt.Errorf("start script: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
	})
	defer stop()

	var errBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(out, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&errBuf, stderr)
		return err
	})
	copyErr := g.Wait()
	waitErr := sess.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return errBuf.String(), fmt.Errorf("script aborted: %w", ctxErr)
	}
	if waitErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			return errBuf.String(), &ExitError{
				Script: s.Script,
				Status: exitErr.ExitStatus(),
				Stderr: errBuf.String(),
			}
		}
		return errBuf.String(), fmt.Errorf("wait: %w", waitErr)
	}
	if copyErr != nil {
		return errBuf.String(), fmt.Errorf("read output: %w", copyErr)
	}
	return errBuf.String(), nil
}

func scanLines(r io.Reader) []string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
