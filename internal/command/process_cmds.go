package command

import (
	"context"
	"fmt"
	"time"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/pkg/lg"
)

type processCommand struct {
	shell
	root      string
	processID int64
	timings   Timings
	pids      PIDRecorder
	logger    lg.Logger
}

func (c *processCommand) recordPID(ctx context.Context, m domain.Machine, pid string) {
	if c.pids == nil {
		return
	}
	if err := c.pids.UpdateInstancePID(ctx, c.processID, m.ID, pid); err != nil {
		c.logger.Warn("record pid failed",
			lg.Int64("process_id", c.processID), lg.Int64("machine_id", m.ID), lg.Err(err))
	}
}

type startCommand struct{ processCommand }

func (c *startCommand) Description() string { return "start process" }

func (c *startCommand) Execute(ctx context.Context, m domain.Machine) error {
	p := NewPaths(c.root, m, c.processID)

	pid, err := c.readPID(ctx, m, p.PIDFile())
	if err != nil {
		return err
	}
	if pid != "" {
		alive, err := c.alive(ctx, m, pid)
		if err != nil {
			return err
		}
		if alive {
			c.logger.Info("process already running", lg.String("machine", m.String()), lg.String("pid", pid))
			c.recordPID(ctx, m, pid)
			return nil
		}
	}

	if err := c.mkdir(ctx, m, p.LogDir(), p.DataDir()); err != nil {
		return err
	}
	// $! must be the pid of logstash itself, so the launch is not part of an && list
	launch := fmt.Sprintf("cd %s || exit 1\nrm -f %s\nnohup %s -f %s --path.settings %s --path.logs %s --path.data %s --config.reload.automatic > %s 2>&1 < /dev/null &\necho $! > %s",
		q(p.Dir), q(p.PIDFile()), q(p.Binary()), q(p.PipelineFile()), q(p.ConfigDir()),
		q(p.LogDir()), q(p.DataDir()), q(p.LogFile()), q(p.PIDFile()))
	if _, err := c.run(ctx, m, launch); err != nil {
		return fmt.Errorf("launch: %w", err)
	}
	if err := sleep(ctx, c.timings.StartWait); err != nil {
		return err
	}
	pid, err = c.readPID(ctx, m, p.PIDFile())
	if err != nil {
		return err
	}
	if pid == "" {
		return fmt.Errorf("pid file %s not written after launch", p.PIDFile())
	}
	c.recordPID(ctx, m, pid)
	return nil
}

// verifyCommand polls for a live pid so a launch that exits immediately is
// reported as a failed step.
type verifyCommand struct{ processCommand }

func (c *verifyCommand) Description() string { return "verify process" }

func (c *verifyCommand) Execute(ctx context.Context, m domain.Machine) error {
	p := NewPaths(c.root, m, c.processID)
	var lastErr error
	for attempt := 1; attempt <= c.timings.VerifyAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, c.timings.VerifyInterval); err != nil {
				return err
			}
		}
		pid, err := c.readPID(ctx, m, p.PIDFile())
		if err != nil {
			lastErr = err
			continue
		}
		if pid == "" {
			lastErr = fmt.Errorf("no pid in %s", p.PIDFile())
			continue
		}
		alive, err := c.alive(ctx, m, pid)
		if err != nil {
			lastErr = err
			continue
		}
		if alive {
			c.recordPID(ctx, m, pid)
			return nil
		}
		lastErr = fmt.Errorf("pid %s: %w", pid, ErrNotRunning)
	}
	tail, _ := c.run(ctx, m, fmt.Sprintf("tail -n 20 %s 2>/dev/null || true", q(p.LogFile())))
	if tail != "" {
		return fmt.Errorf("after %d attempts: %w\n%s", c.timings.VerifyAttempts, lastErr, tail)
	}
	return fmt.Errorf("after %d attempts: %w", c.timings.VerifyAttempts, lastErr)
}

type stopCommand struct{ processCommand }

func (c *stopCommand) Description() string { return "stop process" }

func (c *stopCommand) Execute(ctx context.Context, m domain.Machine) error {
	p := NewPaths(c.root, m, c.processID)
	pid, err := c.readPID(ctx, m, p.PIDFile())
	if err != nil {
		return err
	}
	if pid == "" {
		c.logger.Info("no pid file, treating as stopped", lg.String("machine", m.String()))
		return c.clear(ctx, m, p)
	}

	if _, err := c.run(ctx, m, fmt.Sprintf("kill %s 2>/dev/null || true", pid)); err != nil {
		return fmt.Errorf("kill %s: %w", pid, err)
	}
	stopped, err := c.waitExit(ctx, m, pid, c.timings.StopGracefulTimeout)
	if err != nil {
		return err
	}
	if !stopped {
		c.logger.Warn("graceful stop timed out, sending SIGKILL",
			lg.String("machine", m.String()), lg.String("pid", pid))
		if _, err := c.run(ctx, m, fmt.Sprintf("kill -9 %s 2>/dev/null || true", pid)); err != nil {
			return fmt.Errorf("kill -9 %s: %w", pid, err)
		}
		stopped, err = c.waitExit(ctx, m, pid, c.timings.StopForceTimeout)
		if err != nil {
			return err
		}
		if !stopped {
			return fmt.Errorf("pid %s: %w", pid, ErrStillRunning)
		}
	}
	return c.clear(ctx, m, p)
}

func (c *stopCommand) waitExit(ctx context.Context, m domain.Machine, pid string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		alive, err := c.alive(ctx, m, pid)
		if err != nil {
			return false, err
		}
		if !alive {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := sleep(ctx, c.timings.StopPollInterval); err != nil {
			return false, err
		}
	}
}

func (c *stopCommand) clear(ctx context.Context, m domain.Machine, p Paths) error {
	if _, err := c.run(ctx, m, "rm -f "+q(p.PIDFile())); err != nil {
		return fmt.Errorf("remove pid file: %w", err)
	}
	c.recordPID(ctx, m, "")
	return nil
}
