// Package memstore keeps everything in process memory. It backs tests and
// single-node development runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/store"
)

type instanceKey struct{ processID, machineID int64 }

type MemStore struct {
	mu        sync.RWMutex
	tasks     map[string]*domain.Task
	steps     map[string][]*domain.Step
	processes map[int64]*domain.Process
	instances map[instanceKey]*domain.Instance
	machines  map[int64]domain.Machine

	// FailWrites makes every status write fail, for exercising tolerance
	// of persistence errors.
	FailWrites bool
}

var _ store.Store = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		tasks:     make(map[string]*domain.Task),
		steps:     make(map[string][]*domain.Step),
		processes: make(map[int64]*domain.Process),
		instances: make(map[instanceKey]*domain.Instance),
		machines:  make(map[int64]domain.Machine),
	}
}

func (s *MemStore) Close(context.Context) error { return nil }

var errInjected = fmt.Errorf("memstore: injected write failure")

func (s *MemStore) CreateTask(_ context.Context, task domain.Task, steps []domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s: %w", task.ID, store.ErrAlreadyExists)
	}
	t := task
	s.tasks[task.ID] = &t
	rows := make([]*domain.Step, len(steps))
	for i := range steps {
		st := steps[i]
		rows[i] = &st
	}
	s.steps[task.ID] = rows
	return nil
}

func (s *MemStore) GetTask(_ context.Context, taskID string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return *t, nil
}

func (s *MemStore) ListTasks(_ context.Context, processID int64) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if t.ProcessID == processID {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemStore) TransitionTask(_ context.Context, taskID string, status domain.TaskStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return false, errInjected
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	if !t.Status.CanTransitionTo(status) {
		return false, nil
	}
	t.Status = status
	if status == domain.TaskRunning && t.StartTime == nil {
		t.StartTime = &at
	}
	if status.IsTerminal() {
		t.EndTime = &at
	}
	return true, nil
}

func (s *MemStore) SetTaskError(_ context.Context, taskID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errInjected
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	t.ErrorMessage = msg
	return nil
}

func (s *MemStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	delete(s.tasks, taskID)
	delete(s.steps, taskID)
	return nil
}

func (s *MemStore) ListSteps(_ context.Context, taskID string) ([]domain.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.steps[taskID]
	out := make([]domain.Step, len(rows))
	for i, st := range rows {
		out[i] = *st
	}
	return out, nil
}

func (s *MemStore) findStep(key domain.StepKey) (*domain.Step, error) {
	for _, st := range s.steps[key.TaskID] {
		if st.MachineID == key.MachineID && st.Kind == key.Kind {
			return st, nil
		}
	}
	return nil, fmt.Errorf("step %s/%d/%s: %w", key.TaskID, key.MachineID, key.Kind, store.ErrNotFound)
}

func (s *MemStore) TransitionStep(_ context.Context, key domain.StepKey, status domain.StepStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return false, errInjected
	}
	st, err := s.findStep(key)
	if err != nil {
		return false, err
	}
	if !st.Status.CanTransitionTo(status) {
		return false, nil
	}
	st.Status = status
	if status == domain.StepRunning && st.StartTime == nil {
		st.StartTime = &at
	}
	if status.IsTerminal() {
		st.EndTime = &at
	}
	return true, nil
}

func (s *MemStore) SetStepError(_ context.Context, key domain.StepKey, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errInjected
	}
	st, err := s.findStep(key)
	if err != nil {
		return err
	}
	st.ErrorMessage = msg
	return nil
}

func (s *MemStore) DeleteSteps(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.steps, taskID)
	return nil
}
