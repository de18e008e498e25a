// Package command holds the units of remote work run against one machine.
package command

import (
	"context"
	"errors"
	"time"

	"github.com/andrej220/logfleet/internal/domain"
)

// Command is one unit of remote work against one machine. Execute runs its
// remote calls in order and returns nil on success; the error text is the
// diagnostic recorded on the step.
type Command interface {
	Execute(ctx context.Context, m domain.Machine) error
	Description() string
}

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrEmptyContent   = errors.New("config content is empty")
	ErrNotRunning     = errors.New("process is not running")
	ErrStillRunning   = errors.New("process still running after kill -9")
	errNotFound       = errors.New("not found")
)

// PIDRecorder stores the remote pid of an instance. An empty pid clears it.
type PIDRecorder interface {
	UpdateInstancePID(ctx context.Context, processID, machineID int64, pid string) error
}

// ConfigSource resolves the config texts an instance should run with.
type ConfigSource interface {
	EffectiveConfig(ctx context.Context, processID, machineID int64) (domain.ConfigSet, error)
}

// Timings control the waits around starting and stopping a process.
type Timings struct {
	StartWait           time.Duration `yaml:"start_wait" json:"start_wait"`
	VerifyAttempts      int           `yaml:"verify_attempts" json:"verify_attempts"`
	VerifyInterval      time.Duration `yaml:"verify_interval" json:"verify_interval"`
	StopPollInterval    time.Duration `yaml:"stop_poll_interval" json:"stop_poll_interval"`
	StopGracefulTimeout time.Duration `yaml:"stop_graceful_timeout" json:"stop_graceful_timeout"`
	StopForceTimeout    time.Duration `yaml:"stop_force_timeout" json:"stop_force_timeout"`
}

func DefaultTimings() Timings {
	return Timings{
		StartWait:           3 * time.Second,
		VerifyAttempts:      5,
		VerifyInterval:      3 * time.Second,
		StopPollInterval:    3 * time.Second,
		StopGracefulTimeout: 360 * time.Second,
		StopForceTimeout:    180 * time.Second,
	}
}

// withDefaults fills zero fields. A zero start wait or verify interval is kept.
func (t Timings) withDefaults() Timings {
	def := DefaultTimings()
	if t.VerifyAttempts <= 0 {
		t.VerifyAttempts = def.VerifyAttempts
	}
	if t.StopPollInterval <= 0 {
		t.StopPollInterval = def.StopPollInterval
	}
	if t.StopGracefulTimeout <= 0 {
		t.StopGracefulTimeout = def.StopGracefulTimeout
	}
	if t.StopForceTimeout <= 0 {
		t.StopForceTimeout = def.StopForceTimeout
	}
	return t
}
