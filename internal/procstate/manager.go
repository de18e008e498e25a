// Package procstate drives operations across machines: it runs each
// machine's step sequence in parallel, records every step on the Task grid
// and folds machine outcomes into the process state.
package procstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andrej220/logfleet/internal/command"
	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/metrics"
	"github.com/andrej220/logfleet/internal/store"
	"github.com/andrej220/logfleet/pkg/lg"
	"github.com/andrej220/logfleet/pkg/workerpool"
)

type CommandFactory interface {
	Command(kind domain.StepKind, processID int64, p command.Payload) (command.Command, error)
}

// StepRecorder receives step transitions. Failed writes are the recorder's
// problem; they never stop a machine's sequence.
type StepRecorder interface {
	UpdateStepStatus(ctx context.Context, key domain.StepKey, status domain.StepStatus)
	UpdateStepErrorMessage(ctx context.Context, key domain.StepKey, msg string)
}

type Manager struct {
	factory CommandFactory
	steps   StepRecorder
	states  store.ProcessStore
	pool    *workerpool.Pool[domain.Machine]
	logger  lg.Logger
}

func NewManager(factory CommandFactory, steps StepRecorder, states store.ProcessStore,
	pool *workerpool.Pool[domain.Machine], logger lg.Logger) *Manager {
	return &Manager{
		factory: factory,
		steps:   steps,
		states:  states,
		pool:    pool,
		logger:  logger,
	}
}

type machineResult struct {
	machine  domain.Machine
	failedAt domain.StepKind
	err      error
}

// Run executes op for taskID on every machine and returns an error naming
// each machine that failed. The process state is updated before returning.
func (m *Manager) Run(ctx context.Context, taskID string, processID int64, machines []domain.Machine, op Operation) error {
	logger := lg.FromContext(ctx).With(
		lg.Int64("process_id", processID),
		lg.String("operation", string(op.Type)))
	logger.Info("operation started", lg.Int("machines", len(machines)), lg.Any("steps", op.Steps))

	results := m.fanOut(ctx, machines, func(ctx context.Context, mach domain.Machine) machineResult {
		return m.runMachine(ctx, taskID, processID, mach, op)
	})

	var errs []error
	procFailure := op.Failure
	for _, r := range results {
		outcome := "success"
		if r.err != nil {
			outcome = "failure"
			if len(errs) == 0 {
				procFailure = op.failureAt(r.failedAt)
			}
			errs = append(errs, r.err)
		}
		metrics.MachineOutcomes.WithLabelValues(string(op.Type), outcome).Inc()
		if !op.tracksState() {
			continue
		}
		state := op.Success
		if r.err != nil {
			state = op.failureAt(r.failedAt)
		}
		m.setInstanceState(ctx, processID, r.machine.ID, state)
	}

	if op.tracksState() {
		m.aggregate(ctx, processID, op, len(errs) == 0, procFailure)
	}

	if len(errs) > 0 {
		logger.Warn("operation failed", lg.Int("failed_machines", len(errs)))
		return errors.Join(errs...)
	}
	logger.Info("operation finished")
	return nil
}

// Broadcast runs one untracked command on every machine in parallel and
// succeeds only if all machines succeed.
func (m *Manager) Broadcast(ctx context.Context, processID int64, machines []domain.Machine, kind domain.StepKind, p command.Payload) error {
	cmd, err := m.factory.Command(kind, processID, p)
	if err != nil {
		return err
	}
	results := m.fanOut(ctx, machines, func(ctx context.Context, mach domain.Machine) machineResult {
		return machineResult{machine: mach, failedAt: kind, err: execute(ctx, cmd, mach)}
	})
	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s on %s: %w", kind, r.machine, r.err))
		}
	}
	return errors.Join(errs...)
}

// fanOut runs fn once per machine on the command pool and waits for all.
func (m *Manager) fanOut(ctx context.Context, machines []domain.Machine,
	fn func(context.Context, domain.Machine) machineResult) []machineResult {
	results := make([]machineResult, len(machines))
	var wg sync.WaitGroup
	wg.Add(len(machines))
	for i, mach := range machines {
		results[i] = machineResult{machine: mach, err: errors.New("machine run did not report")}
		m.pool.Submit(workerpool.Job[domain.Machine]{
			Payload: mach,
			Ctx:     ctx,
			Fn: func(ctx context.Context, mach domain.Machine) error {
				results[i] = fn(ctx, mach)
				return results[i].err
			},
			CleanupFunc: wg.Done,
		})
	}
	wg.Wait()
	return results
}

func (m *Manager) runMachine(ctx context.Context, taskID string, processID int64, mach domain.Machine, op Operation) machineResult {
	logger := lg.FromContext(ctx).With(lg.Int64("machine_id", mach.ID))
	for i, kind := range op.Steps {
		key := domain.StepKey{TaskID: taskID, MachineID: mach.ID, Kind: kind}
		m.steps.UpdateStepStatus(ctx, key, domain.StepRunning)
		if s, ok := op.stepStates[kind]; ok && s.entering != "" {
			m.setInstanceState(ctx, processID, mach.ID, s.entering)
		}

		start := time.Now()
		err := m.step(ctx, kind, processID, mach, op.Payload)
		if err != nil {
			metrics.StepDuration.WithLabelValues(string(kind), string(domain.StepFailed)).Observe(time.Since(start).Seconds())
			logger.Warn("step failed", lg.String("step", string(kind)), lg.Err(err))
			m.steps.UpdateStepErrorMessage(ctx, key, err.Error())
			m.steps.UpdateStepStatus(ctx, key, domain.StepFailed)
			for _, rest := range op.Steps[i+1:] {
				m.steps.UpdateStepStatus(ctx, domain.StepKey{TaskID: taskID, MachineID: mach.ID, Kind: rest}, domain.StepSkipped)
			}
			return machineResult{
				machine:  mach,
				failedAt: kind,
				err:      fmt.Errorf("%s on %s: %w", kind, mach, err),
			}
		}
		metrics.StepDuration.WithLabelValues(string(kind), string(domain.StepCompleted)).Observe(time.Since(start).Seconds())
		logger.Debug("step completed", lg.String("step", string(kind)))
		m.steps.UpdateStepStatus(ctx, key, domain.StepCompleted)
	}
	return machineResult{machine: mach}
}

func (m *Manager) step(ctx context.Context, kind domain.StepKind, processID int64, mach domain.Machine, p command.Payload) error {
	cmd, err := m.factory.Command(kind, processID, p)
	if err != nil {
		return err
	}
	return execute(ctx, cmd, mach)
}

func execute(ctx context.Context, cmd command.Command, mach domain.Machine) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", cmd.Description(), r)
		}
	}()
	return cmd.Execute(ctx, mach)
}

func (m *Manager) setInstanceState(ctx context.Context, processID, machineID int64, state domain.State) {
	if err := m.states.UpdateInstanceState(ctx, processID, machineID, state); err != nil {
		m.logger.Error("instance state write failed",
			lg.Int64("process_id", processID),
			lg.Int64("machine_id", machineID),
			lg.String("state", string(state)),
			lg.Err(err))
	}
}

// aggregate is all or nothing: any failing machine puts the process in the
// failure state. After a single-machine success the process only takes the
// success state once every instance is in it.
func (m *Manager) aggregate(ctx context.Context, processID int64, op Operation, allOK bool, failure domain.State) {
	state := op.Success
	if !allOK {
		state = failure
	}
	if allOK && op.SingleMachine {
		instances, err := m.states.ListInstances(ctx, processID)
		if err != nil {
			m.logger.Error("list instances failed", lg.Int64("process_id", processID), lg.Err(err))
			return
		}
		for _, in := range instances {
			if in.State != op.Success {
				m.logger.Debug("process state kept, fleet is mixed",
					lg.Int64("process_id", processID), lg.Int64("machine_id", in.MachineID))
				return
			}
		}
	}
	if err := m.states.UpdateProcessState(ctx, processID, state); err != nil {
		m.logger.Error("process state write failed",
			lg.Int64("process_id", processID), lg.String("state", string(state)), lg.Err(err))
		return
	}
	m.logger.Info("process state updated", lg.Int64("process_id", processID), lg.String("state", string(state)))
}
