// Package store declares the persistence the orchestration core depends on.
// Implementations live in memstore, mongostore and pgstore.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/andrej220/logfleet/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// TaskStore persists Tasks and their Step grids.
type TaskStore interface {
	// CreateTask inserts the task and all of its steps atomically.
	CreateTask(ctx context.Context, task domain.Task, steps []domain.Step) error
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	// ListTasks returns the tasks of a process, newest first.
	ListTasks(ctx context.Context, processID int64) ([]domain.Task, error)
	// TransitionTask moves the task to status if the move is monotonic and
	// reports whether it happened. Entering RUNNING stamps the start time
	// once; entering a terminal status stamps the end time.
	TransitionTask(ctx context.Context, taskID string, status domain.TaskStatus, at time.Time) (bool, error)
	SetTaskError(ctx context.Context, taskID, msg string) error
	DeleteTask(ctx context.Context, taskID string) error

	ListSteps(ctx context.Context, taskID string) ([]domain.Step, error)
	// TransitionStep follows the same rules as TransitionTask for one cell.
	TransitionStep(ctx context.Context, key domain.StepKey, status domain.StepStatus, at time.Time) (bool, error)
	SetStepError(ctx context.Context, key domain.StepKey, msg string) error
	DeleteSteps(ctx context.Context, taskID string) error
}

// ProcessStore persists Process and Instance state.
type ProcessStore interface {
	SaveProcess(ctx context.Context, p domain.Process) error
	SaveInstance(ctx context.Context, inst domain.Instance) error
	DeleteInstance(ctx context.Context, processID, machineID int64) error

	GetProcess(ctx context.Context, processID int64) (domain.Process, error)
	UpdateProcessState(ctx context.Context, processID int64, state domain.State) error
	UpdateProcessConfig(ctx context.Context, processID int64, cfg domain.ConfigSet) error

	GetInstance(ctx context.Context, processID, machineID int64) (domain.Instance, error)
	ListInstances(ctx context.Context, processID int64) ([]domain.Instance, error)
	// ListInstancesByState returns the instances of every process whose
	// state is one of states, ordered by process and machine.
	ListInstancesByState(ctx context.Context, states ...domain.State) ([]domain.Instance, error)
	UpdateInstanceState(ctx context.Context, processID, machineID int64, state domain.State) error
	UpdateInstancePID(ctx context.Context, processID, machineID int64, pid string) error
	UpdateInstanceConfig(ctx context.Context, processID, machineID int64, cfg domain.ConfigSet) error
}

// MachineStore resolves machine records referenced by id.
type MachineStore interface {
	SaveMachine(ctx context.Context, m domain.Machine) error
	GetMachine(ctx context.Context, machineID int64) (domain.Machine, error)
}

// Store is everything a backend provides.
type Store interface {
	TaskStore
	ProcessStore
	MachineStore
	Close(ctx context.Context) error
}

// ConfigReader resolves the config an instance runs with: its own override
// where set, otherwise the process text.
type ConfigReader struct {
	Processes ProcessStore
}

func (r ConfigReader) EffectiveConfig(ctx context.Context, processID, machineID int64) (domain.ConfigSet, error) {
	p, err := r.Processes.GetProcess(ctx, processID)
	if err != nil {
		return domain.ConfigSet{}, err
	}
	inst, err := r.Processes.GetInstance(ctx, processID, machineID)
	if errors.Is(err, ErrNotFound) {
		return p.Config, nil
	}
	if err != nil {
		return domain.ConfigSet{}, err
	}
	return inst.Config.Merge(p.Config), nil
}

// MergeConfig returns cur with every non-empty field of update applied.
func MergeConfig(cur, update domain.ConfigSet) domain.ConfigSet {
	return update.Merge(cur)
}
