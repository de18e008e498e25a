// Package deploy is the entry point for fleet operations. Every call checks
// its preconditions, moves the targeted machines into the in-progress state,
// records a Task and hands the work to the background pool. The returned
// Task id is the only handle on the outcome.
package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrej220/logfleet/internal/command"
	"github.com/andrej220/logfleet/internal/configguard"
	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/procstate"
	"github.com/andrej220/logfleet/internal/store"
	"github.com/andrej220/logfleet/internal/tracker"
	"github.com/andrej220/logfleet/pkg/lg"
)

var (
	ErrNoMachines          = errors.New("no machines given")
	ErrNothingToUpdate     = errors.New("no config text to update")
	ErrOperationInProgress = errors.New("another operation is in progress on machine")
	ErrIllegalState        = errors.New("operation not allowed in current state")
)

type Service struct {
	tracker *tracker.Tracker
	manager *procstate.Manager
	guard   *configguard.Guard
	store   store.ProcessStore
	logger  lg.Logger
}

func NewService(tr *tracker.Tracker, mgr *procstate.Manager, guard *configguard.Guard,
	st store.ProcessStore, logger lg.Logger) *Service {
	return &Service{tracker: tr, manager: mgr, guard: guard, store: st, logger: logger}
}

// InitializeProcess records the process and one instance per machine, then
// deploys package and config everywhere.
func (s *Service) InitializeProcess(ctx context.Context, p domain.Process, machines []domain.Machine) (string, error) {
	if err := checkMachines(machines); err != nil {
		return "", err
	}
	if err := s.checkIdle(ctx, p.ID, machines); err != nil {
		return "", err
	}
	if err := s.checkAllowed(ctx, p.ID, machines, domain.OpInitialize); err != nil {
		return "", err
	}
	failed := func() {
		for _, m := range machines {
			_ = s.store.UpdateInstanceState(ctx, p.ID, m.ID, domain.StateInitializeFailed)
		}
		_ = s.store.UpdateProcessState(ctx, p.ID, domain.StateInitializeFailed)
	}
	p.State = domain.StateInitializing
	if err := s.store.SaveProcess(ctx, p); err != nil {
		return "", fmt.Errorf("save process: %w", err)
	}
	for _, m := range machines {
		inst := domain.Instance{ProcessID: p.ID, MachineID: m.ID, State: domain.StateInitializing}
		if err := s.store.SaveInstance(ctx, inst); err != nil {
			failed()
			return "", fmt.Errorf("save instance: %w", err)
		}
	}
	return s.launch(ctx, p.ID, machines, "Initialize "+p.Name, procstate.Initialize(p.Config), failed)
}

func (s *Service) StartProcess(ctx context.Context, processID int64, machines []domain.Machine) (string, error) {
	return s.transition(ctx, processID, machines, domain.StateStarting, true, "Start process", procstate.Start())
}

func (s *Service) StopProcess(ctx context.Context, processID int64, machines []domain.Machine) (string, error) {
	return s.transition(ctx, processID, machines, domain.StateStopping, true, "Stop process", procstate.Stop())
}

func (s *Service) StartMachine(ctx context.Context, processID int64, m domain.Machine) (string, error) {
	return s.transition(ctx, processID, []domain.Machine{m}, domain.StateStarting, false,
		"Start on "+m.String(), procstate.Start().OnMachine())
}

func (s *Service) StopMachine(ctx context.Context, processID int64, m domain.Machine) (string, error) {
	return s.transition(ctx, processID, []domain.Machine{m}, domain.StateStopping, false,
		"Stop on "+m.String(), procstate.Stop().OnMachine())
}

func (s *Service) RestartMachine(ctx context.Context, processID int64, m domain.Machine) (string, error) {
	return s.transition(ctx, processID, []domain.Machine{m}, domain.StateStopping, false,
		"Restart on "+m.String(), procstate.Restart())
}

// UpdateMultipleConfigs writes only the non-empty texts of cfg. When every
// instance of the process is targeted the texts become the process config,
// otherwise they are stored as overrides of the targeted instances.
func (s *Service) UpdateMultipleConfigs(ctx context.Context, processID int64, machines []domain.Machine, cfg domain.ConfigSet) (string, error) {
	if err := checkMachines(machines); err != nil {
		return "", err
	}
	if cfg.IsEmpty() {
		return "", ErrNothingToUpdate
	}
	if _, err := s.store.GetProcess(ctx, processID); err != nil {
		return "", err
	}
	if err := s.checkIdle(ctx, processID, machines); err != nil {
		return "", err
	}
	if err := s.guard.CheckUpdate(ctx, processID, ids(machines), cfg); err != nil {
		return "", err
	}
	if err := s.checkAllowed(ctx, processID, machines, domain.OpConfigUpdate); err != nil {
		return "", err
	}

	all, err := s.coversFleet(ctx, processID, machines)
	if err != nil {
		return "", err
	}
	if all {
		if err := s.store.UpdateProcessConfig(ctx, processID, cfg); err != nil {
			return "", fmt.Errorf("save process config: %w", err)
		}
	}
	for _, m := range machines {
		if err := s.store.UpdateInstanceConfig(ctx, processID, m.ID, cfg); err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("save instance config: %w", err)
		}
	}
	return s.launch(ctx, processID, machines, "Update config", procstate.ConfigUpdate(cfg), nil)
}

// RefreshConfig rewrites the stored config onto the machines.
func (s *Service) RefreshConfig(ctx context.Context, processID int64, machines []domain.Machine) (string, error) {
	if err := checkMachines(machines); err != nil {
		return "", err
	}
	if _, err := s.store.GetProcess(ctx, processID); err != nil {
		return "", err
	}
	if err := s.checkIdle(ctx, processID, machines); err != nil {
		return "", err
	}
	if err := s.guard.Check(ctx, processID, ids(machines)); err != nil {
		return "", err
	}
	if err := s.checkAllowed(ctx, processID, machines, domain.OpConfigRefresh); err != nil {
		return "", err
	}
	return s.launch(ctx, processID, machines, "Refresh config", procstate.Refresh(), nil)
}

// DeleteProcessDirectory removes the process directory from every machine
// and blocks until all are done. It fails if any machine failed; nothing is
// rolled back.
func (s *Service) DeleteProcessDirectory(ctx context.Context, processID int64, machines []domain.Machine) error {
	if err := checkMachines(machines); err != nil {
		return err
	}
	if err := s.checkIdle(ctx, processID, machines); err != nil {
		return err
	}
	if err := s.guard.Check(ctx, processID, ids(machines)); err != nil {
		return err
	}
	err := s.manager.Broadcast(ctx, processID, machines, domain.StepDeleteDirectory, command.Payload{})
	if err != nil {
		s.logger.Error("directory cleanup incomplete", lg.Int64("process_id", processID), lg.Err(err))
		return err
	}
	s.logger.Info("process directory deleted", lg.Int64("process_id", processID), lg.Int("machines", len(machines)))
	return nil
}

// DetachMachine removes one machine from a process: its directory is
// deleted and its instance record dropped. The instance must be idle and
// not possibly live.
func (s *Service) DetachMachine(ctx context.Context, processID int64, m domain.Machine) error {
	inst, err := s.store.GetInstance(ctx, processID, m.ID)
	if err != nil {
		return err
	}
	if inst.State.IsTransitional() {
		return fmt.Errorf("%w %s (%s)", ErrOperationInProgress, m, inst.State)
	}
	if err := s.guard.Check(ctx, processID, []int64{m.ID}); err != nil {
		return err
	}
	if inst.State == domain.StateStopFailed {
		return fmt.Errorf("%w: detach %s (%s)", ErrIllegalState, m, inst.State)
	}
	machines := []domain.Machine{m}
	if err := s.manager.Broadcast(ctx, processID, machines, domain.StepDeleteDirectory, command.Payload{}); err != nil {
		s.logger.Error("detach cleanup failed", lg.Int64("process_id", processID), lg.String("machine", m.String()), lg.Err(err))
		return err
	}
	if err := s.store.DeleteInstance(ctx, processID, m.ID); err != nil {
		return fmt.Errorf("drop instance: %w", err)
	}
	s.logger.Info("machine detached", lg.Int64("process_id", processID), lg.String("machine", m.String()))
	return nil
}

func (s *Service) transition(ctx context.Context, processID int64, machines []domain.Machine,
	running domain.State, wholeProcess bool, name string, op procstate.Operation) (string, error) {
	if err := checkMachines(machines); err != nil {
		return "", err
	}
	p, err := s.store.GetProcess(ctx, processID)
	if err != nil {
		return "", err
	}
	if err := s.checkIdle(ctx, processID, machines); err != nil {
		return "", err
	}

	prev := make(map[int64]domain.State, len(machines))
	for _, m := range machines {
		inst, err := s.store.GetInstance(ctx, processID, m.ID)
		if err != nil {
			return "", fmt.Errorf("machine %s is not attached to process %d: %w", m, processID, err)
		}
		if !inst.State.Allows(op.Type) {
			return "", fmt.Errorf("%w: %s on %s (%s)", ErrIllegalState, op.Type, m, inst.State)
		}
		prev[m.ID] = inst.State
	}

	restore := func() {
		for mid, st := range prev {
			_ = s.store.UpdateInstanceState(ctx, processID, mid, st)
		}
		if wholeProcess {
			_ = s.store.UpdateProcessState(ctx, processID, p.State)
		}
	}
	for _, m := range machines {
		if err := s.store.UpdateInstanceState(ctx, processID, m.ID, running); err != nil {
			restore()
			return "", fmt.Errorf("flip instance state: %w", err)
		}
	}
	if wholeProcess {
		if err := s.store.UpdateProcessState(ctx, processID, running); err != nil {
			restore()
			return "", fmt.Errorf("flip process state: %w", err)
		}
	}
	return s.launch(ctx, processID, machines, name, op, restore)
}

// launch creates the Task and submits the run. If the Task cannot be
// written, restore undoes the state flip and no work is scheduled.
func (s *Service) launch(ctx context.Context, processID int64, machines []domain.Machine,
	name string, op procstate.Operation, restore func()) (string, error) {
	taskID, err := s.tracker.CreateTask(ctx, processID, name, describe(op, machines), op.Type, ids(machines), op.Steps)
	if err != nil {
		if restore != nil {
			restore()
		}
		return "", err
	}
	s.tracker.ExecuteAsync(ctx, taskID, func(ctx context.Context) error {
		return s.manager.Run(ctx, taskID, processID, machines, op)
	}, func() {
		s.logger.Debug("task body returned", lg.String("task_id", taskID))
	})
	return taskID, nil
}

func (s *Service) checkIdle(ctx context.Context, processID int64, machines []domain.Machine) error {
	for _, m := range machines {
		inst, err := s.store.GetInstance(ctx, processID, m.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if inst.State.IsTransitional() {
			return fmt.Errorf("%w %s (%s)", ErrOperationInProgress, m, inst.State)
		}
	}
	return nil
}

// checkAllowed rejects op when a targeted instance's state does not allow
// it. Machines without an instance are not checked.
func (s *Service) checkAllowed(ctx context.Context, processID int64, machines []domain.Machine, op domain.OperationType) error {
	for _, m := range machines {
		inst, err := s.store.GetInstance(ctx, processID, m.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !inst.State.Allows(op) {
			return fmt.Errorf("%w: %s on %s (%s)", ErrIllegalState, op, m, inst.State)
		}
	}
	return nil
}

func checkMachines(machines []domain.Machine) error {
	if len(machines) == 0 {
		return ErrNoMachines
	}
	seen := make(map[int64]bool, len(machines))
	for _, m := range machines {
		if seen[m.ID] {
			return fmt.Errorf("%w: %s", tracker.ErrDuplicateMachine, m)
		}
		seen[m.ID] = true
	}
	return nil
}

func (s *Service) coversFleet(ctx context.Context, processID int64, machines []domain.Machine) (bool, error) {
	instances, err := s.store.ListInstances(ctx, processID)
	if err != nil {
		return false, err
	}
	targeted := make(map[int64]bool, len(machines))
	for _, m := range machines {
		targeted[m.ID] = true
	}
	for _, in := range instances {
		if !targeted[in.MachineID] {
			return false, nil
		}
	}
	return true, nil
}

func ids(machines []domain.Machine) []int64 {
	out := make([]int64, len(machines))
	for i, m := range machines {
		out[i] = m.ID
	}
	return out
}

func describe(op procstate.Operation, machines []domain.Machine) string {
	return fmt.Sprintf("%s on %d machine(s), steps %v", op.Type, len(machines), op.Steps)
}
