// Package tracker records orchestration runs as Tasks with a fixed grid of
// Steps, one per (machine, step kind), and runs Task bodies in the background.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/metrics"
	"github.com/andrej220/logfleet/internal/store"
	"github.com/andrej220/logfleet/pkg/events"
	"github.com/andrej220/logfleet/pkg/lg"
	"github.com/andrej220/logfleet/pkg/workerpool"
)

var (
	ErrEmptyGrid        = errors.New("task needs at least one machine and one step kind")
	ErrDuplicateMachine = errors.New("machine listed more than once")
)

// Action is the body of a Task. A returned error or a panic fails the Task.
type Action func(ctx context.Context) error

type Tracker struct {
	store  store.TaskStore
	pool   *workerpool.Pool[string]
	events events.Publisher
	logger lg.Logger
	now    func() time.Time
	newID  func() string

	mu   sync.Mutex
	meta map[string]taskMeta
}

type taskMeta struct {
	processID int64
	operation domain.OperationType
}

type Option func(*Tracker)

func WithEvents(p events.Publisher) Option { return func(t *Tracker) { t.events = p } }
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }
func WithIDs(newID func() string) Option    { return func(t *Tracker) { t.newID = newID } }

// New builds a Tracker whose background bodies run on pool.
func New(st store.TaskStore, pool *workerpool.Pool[string], logger lg.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:  st,
		pool:   pool,
		events: events.Nop,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
		meta:   make(map[string]taskMeta),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// CreateTask writes a PENDING Task and one PENDING Step per (machine, kind)
// in a single store call. No work may be scheduled if it fails.
func (t *Tracker) CreateTask(ctx context.Context, processID int64, name, description string,
	op domain.OperationType, machineIDs []int64, kinds []domain.StepKind) (string, error) {
	if len(machineIDs) == 0 || len(kinds) == 0 {
		return "", ErrEmptyGrid
	}
	seen := make(map[int64]bool, len(machineIDs))
	for _, mid := range machineIDs {
		if seen[mid] {
			return "", fmt.Errorf("%w: %d", ErrDuplicateMachine, mid)
		}
		seen[mid] = true
	}
	now := t.now()
	task := domain.Task{
		ID:          t.newID(),
		ProcessID:   processID,
		Name:        name,
		Description: description,
		Operation:   op,
		Status:      domain.TaskPending,
		CreatedAt:   now,
	}
	steps := make([]domain.Step, 0, len(machineIDs)*len(kinds))
	for _, mid := range machineIDs {
		for _, k := range kinds {
			steps = append(steps, domain.Step{
				TaskID:    task.ID,
				MachineID: mid,
				Kind:      k,
				Name:      k.Name(),
				Status:    domain.StepPending,
				CreatedAt: now,
			})
		}
	}
	if err := t.store.CreateTask(ctx, task, steps); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	t.mu.Lock()
	t.meta[task.ID] = taskMeta{processID: processID, operation: op}
	t.mu.Unlock()

	metrics.TasksCreated.WithLabelValues(string(op)).Inc()
	t.logger.Info("task created",
		lg.String("task_id", task.ID),
		lg.Int64("process_id", processID),
		lg.String("operation", string(op)),
		lg.Int("machines", len(machineIDs)),
		lg.Int("steps", len(steps)))
	t.publish(ctx, task.ID, 0, "", string(domain.TaskPending))
	return task.ID, nil
}

// ExecuteAsync runs action on the orchestration pool. The Task moves to
// RUNNING before action starts and to exactly one of COMPLETED or FAILED
// after it returns. callback runs once in every case.
func (t *Tracker) ExecuteAsync(ctx context.Context, taskID string, action Action, callback func()) {
	bg := lg.Attach(context.WithoutCancel(ctx), t.logger.With(lg.String("task_id", taskID)))
	t.pool.Submit(workerpool.Job[string]{
		Payload: taskID,
		Ctx:     bg,
		Fn: func(ctx context.Context, taskID string) error {
			t.run(ctx, taskID, action)
			return nil
		},
		CleanupFunc: func() {
			if callback != nil {
				callback()
			}
		},
	})
}

func (t *Tracker) run(ctx context.Context, taskID string, action Action) {
	logger := lg.FromContext(ctx)
	defer t.forget(taskID)
	t.UpdateTaskStatus(ctx, taskID, domain.TaskRunning)

	err := safeCall(ctx, action)
	if err != nil {
		logger.Error("task failed", lg.Err(err))
		t.UpdateTaskErrorMessage(ctx, taskID, err.Error())
		t.UpdateTaskStatus(ctx, taskID, domain.TaskFailed)
		return
	}
	logger.Info("task completed")
	t.UpdateTaskStatus(ctx, taskID, domain.TaskCompleted)
}

func safeCall(ctx context.Context, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return action(ctx)
}

// UpdateTaskStatus moves the Task forward. Backward moves and writes that
// fail are logged and otherwise ignored.
func (t *Tracker) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) {
	applied, err := t.store.TransitionTask(ctx, taskID, status, t.now())
	if err != nil {
		metrics.StatusWriteFailures.Inc()
		t.logger.Error("task status write failed",
			lg.String("task_id", taskID), lg.String("status", string(status)), lg.Err(err))
		return
	}
	if !applied {
		t.logger.Debug("task status unchanged", lg.String("task_id", taskID), lg.String("status", string(status)))
		return
	}

	meta := t.metaFor(ctx, taskID)
	metrics.TaskTransitions.WithLabelValues(string(meta.operation), string(status)).Inc()
	t.publish(ctx, taskID, 0, "", string(status))
	if status.IsTerminal() {
		t.observeDuration(ctx, taskID, meta, status)
		t.forget(taskID)
	}
}

func (t *Tracker) forget(taskID string) {
	t.mu.Lock()
	delete(t.meta, taskID)
	t.mu.Unlock()
}

// pending reports how many tasks still hold cached metadata.
func (t *Tracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.meta)
}

func (t *Tracker) observeDuration(ctx context.Context, taskID string, meta taskMeta, status domain.TaskStatus) {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if d := task.Duration(); d > 0 {
		metrics.TaskDuration.WithLabelValues(string(meta.operation), string(status)).Observe(d.Seconds())
	}
}

func (t *Tracker) UpdateTaskErrorMessage(ctx context.Context, taskID, msg string) {
	if err := t.store.SetTaskError(ctx, taskID, msg); err != nil {
		metrics.StatusWriteFailures.Inc()
		t.logger.Error("task error write failed", lg.String("task_id", taskID), lg.Err(err))
	}
}

// UpdateStepStatus transitions one cell of the grid. Entering RUNNING stamps
// the start time once, entering a terminal status stamps the end time.
func (t *Tracker) UpdateStepStatus(ctx context.Context, key domain.StepKey, status domain.StepStatus) {
	applied, err := t.store.TransitionStep(ctx, key, status, t.now())
	if err != nil {
		metrics.StatusWriteFailures.Inc()
		t.logger.Error("step status write failed",
			lg.String("task_id", key.TaskID),
			lg.Int64("machine_id", key.MachineID),
			lg.String("step", string(key.Kind)),
			lg.String("status", string(status)),
			lg.Err(err))
		return
	}
	if applied {
		t.publish(ctx, key.TaskID, key.MachineID, string(key.Kind), string(status))
	}
}

func (t *Tracker) UpdateStepErrorMessage(ctx context.Context, key domain.StepKey, msg string) {
	if err := t.store.SetStepError(ctx, key, msg); err != nil {
		metrics.StatusWriteFailures.Inc()
		t.logger.Error("step error write failed",
			lg.String("task_id", key.TaskID),
			lg.Int64("machine_id", key.MachineID),
			lg.String("step", string(key.Kind)),
			lg.Err(err))
	}
}

func (t *Tracker) DeleteTask(ctx context.Context, taskID string) error {
	if err := t.store.DeleteSteps(ctx, taskID); err != nil {
		return err
	}
	return t.store.DeleteTask(ctx, taskID)
}

func (t *Tracker) DeleteTaskSteps(ctx context.Context, taskID string) error {
	return t.store.DeleteSteps(ctx, taskID)
}

func (t *Tracker) metaFor(ctx context.Context, taskID string) taskMeta {
	t.mu.Lock()
	m, ok := t.meta[taskID]
	t.mu.Unlock()
	if ok {
		return m
	}
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return taskMeta{}
	}
	return taskMeta{processID: task.ProcessID, operation: task.Operation}
}

func (t *Tracker) publish(ctx context.Context, taskID string, machineID int64, step, status string) {
	meta := t.metaFor(ctx, taskID)
	ev := events.TaskEvent{
		TaskID:    taskID,
		ProcessID: meta.processID,
		Operation: string(meta.operation),
		MachineID: machineID,
		Step:      step,
		Status:    status,
		Time:      t.now(),
	}
	if err := t.events.Publish(ctx, ev); err != nil {
		t.logger.Warn("task event not published", lg.String("task_id", taskID), lg.Err(err))
	}
}
