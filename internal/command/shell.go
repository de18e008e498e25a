package command

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/executor"
	rx "github.com/andrej220/logfleet/pkg/executor"
)

const (
	probeYes = "yes"
	probeNo  = "no"
)

var q = rx.ShellQuote

// shell bundles the helpers every command composes.
type shell struct {
	remote executor.RemoteExecutor
	now    func() time.Time
}

func (s shell) run(ctx context.Context, m domain.Machine, cmd string) (string, error) {
	out, err := s.remote.RunCommand(ctx, m, cmd)
	return strings.TrimSpace(out), err
}

// probe evaluates a shell test expression on m.
func (s shell) probe(ctx context.Context, m domain.Machine, cond string) (bool, error) {
	out, err := s.run(ctx, m, fmt.Sprintf("if %s; then echo %s; else echo %s; fi", cond, probeYes, probeNo))
	if err != nil {
		return false, err
	}
	switch out {
	case probeYes:
		return true, nil
	case probeNo:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected probe output %q", out)
	}
}

func (s shell) fileExists(ctx context.Context, m domain.Machine, file string) (bool, error) {
	return s.probe(ctx, m, fmt.Sprintf("[ -f %s ]", q(file)))
}

func (s shell) dirExists(ctx context.Context, m domain.Machine, dir string) (bool, error) {
	return s.probe(ctx, m, fmt.Sprintf("[ -d %s ]", q(dir)))
}

func (s shell) mkdir(ctx context.Context, m domain.Machine, dirs ...string) error {
	quoted := make([]string, len(dirs))
	for i, d := range dirs {
		quoted[i] = q(d)
	}
	if _, err := s.run(ctx, m, "mkdir -p "+strings.Join(quoted, " ")); err != nil {
		return fmt.Errorf("create directory %s: %w", strings.Join(dirs, ", "), err)
	}
	return nil
}

// writeFile replaces target with content: write a temp file next to it,
// check it landed, back up the old target, rename the temp file over the
// target and check the result. A half-written target is never visible.
func (s shell) writeFile(ctx context.Context, m domain.Machine, target, content string) error {
	millis := s.now().UnixMilli()
	tmp := fmt.Sprintf("%s.tmp.%d", target, millis)

	if err := s.mkdir(ctx, m, path.Dir(target)); err != nil {
		return err
	}
	if _, err := s.run(ctx, m, heredoc(tmp, content)); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	ok, err := s.fileExists(ctx, m, tmp)
	if err != nil || !ok {
		s.cleanup(ctx, m, tmp)
		return fmt.Errorf("temp file %s missing after write: %w", tmp, errOrMissing(err))
	}

	backup := BackupName(target, millis)
	if _, err := s.run(ctx, m, fmt.Sprintf("if [ -f %s ]; then cp -p %s %s; fi", q(target), q(target), q(backup))); err != nil {
		s.cleanup(ctx, m, tmp)
		return fmt.Errorf("back up %s: %w", target, err)
	}
	if _, err := s.run(ctx, m, fmt.Sprintf("mv -f %s %s", q(tmp), q(target))); err != nil {
		s.cleanup(ctx, m, tmp)
		return fmt.Errorf("rename %s into place: %w", tmp, err)
	}
	ok, err = s.fileExists(ctx, m, target)
	if err != nil || !ok {
		return fmt.Errorf("%s missing after rename: %w", target, errOrMissing(err))
	}
	return nil
}

func (s shell) cleanup(ctx context.Context, m domain.Machine, file string) {
	_, _ = s.run(ctx, m, "rm -f "+q(file))
}

// readPID returns the pid stored in file, "" when the file is absent or empty.
func (s shell) readPID(ctx context.Context, m domain.Machine, file string) (string, error) {
	out, err := s.run(ctx, m, fmt.Sprintf("if [ -f %s ]; then cat %s; fi", q(file), q(file)))
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", nil
	}
	if _, err := strconv.Atoi(out); err != nil {
		return "", fmt.Errorf("pid file %s holds %q", file, out)
	}
	return out, nil
}

func (s shell) alive(ctx context.Context, m domain.Machine, pid string) (bool, error) {
	return s.probe(ctx, m, fmt.Sprintf("ps -p %s > /dev/null 2>&1", pid))
}

// heredoc writes content to file with a delimiter that no content line matches.
func heredoc(file, content string) string {
	delim := "LOGFLEET_EOF"
	for i := 0; containsLine(content, delim); i++ {
		delim = fmt.Sprintf("LOGFLEET_EOF_%d", i)
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return fmt.Sprintf("cat > %s << '%s'\n%s%s", q(file), delim, content, delim)
}

func containsLine(content, line string) bool {
	for _, l := range strings.Split(content, "\n") {
		if strings.TrimRight(l, "\r") == line {
			return true
		}
	}
	return false
}

func errOrMissing(err error) error {
	if err != nil {
		return err
	}
	return errNotFound
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
