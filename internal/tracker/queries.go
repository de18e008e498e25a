package tracker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/store"
)

// StepCounts is a histogram of step statuses.
type StepCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (c *StepCounts) add(s domain.StepStatus) {
	c.Total++
	switch s {
	case domain.StepPending:
		c.Pending++
	case domain.StepRunning:
		c.Running++
	case domain.StepCompleted:
		c.Completed++
	case domain.StepFailed:
		c.Failed++
	case domain.StepSkipped:
		c.Skipped++
	}
}

// Progress is the finished share in percent; skipped steps count as finished.
func (c StepCounts) Progress() int {
	if c.Total == 0 {
		return 0
	}
	return (c.Completed + c.Skipped) * 100 / c.Total
}

type MachineSteps struct {
	MachineID int64         `json:"machine_id"`
	Counts    StepCounts    `json:"counts"`
	Steps     []domain.Step `json:"steps"`
}

type TaskDetail struct {
	Task           domain.Task    `json:"task"`
	Machines       []MachineSteps `json:"machines"`
	Counts         StepCounts     `json:"counts"`
	DurationMillis int64          `json:"duration_ms"`
}

type MachineProgress struct {
	MachineID int64      `json:"machine_id"`
	Counts    StepCounts `json:"counts"`
	Progress  int        `json:"progress"`
}

type TaskSummary struct {
	Task     domain.Task       `json:"task"`
	Counts   StepCounts        `json:"counts"`
	Progress int               `json:"progress"`
	Machines []MachineProgress `json:"machines"`
}

type KindSteps struct {
	Kind  domain.StepKind `json:"step_kind"`
	Name  string          `json:"step_name"`
	Steps []domain.Step   `json:"steps"`
}

func groupByMachine(steps []domain.Step) []MachineSteps {
	idx := make(map[int64]int)
	var out []MachineSteps
	for _, st := range steps {
		i, ok := idx[st.MachineID]
		if !ok {
			i = len(out)
			idx[st.MachineID] = i
			out = append(out, MachineSteps{MachineID: st.MachineID})
		}
		out[i].Steps = append(out[i].Steps, st)
		out[i].Counts.add(st.Status)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].MachineID < out[b].MachineID })
	return out
}

func (t *Tracker) GetTaskDetail(ctx context.Context, taskID string) (TaskDetail, error) {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	steps, err := t.store.ListSteps(ctx, taskID)
	if err != nil {
		return TaskDetail{}, fmt.Errorf("list steps: %w", err)
	}
	d := TaskDetail{
		Task:           task,
		Machines:       groupByMachine(steps),
		DurationMillis: task.Duration().Milliseconds(),
	}
	for _, st := range steps {
		d.Counts.add(st.Status)
	}
	return d, nil
}

func (t *Tracker) GetLatestProcessTaskDetail(ctx context.Context, processID int64) (TaskDetail, error) {
	tasks, err := t.store.ListTasks(ctx, processID)
	if err != nil {
		return TaskDetail{}, err
	}
	if len(tasks) == 0 {
		return TaskDetail{}, fmt.Errorf("tasks of process %d: %w", processID, store.ErrNotFound)
	}
	return t.GetTaskDetail(ctx, tasks[0].ID)
}

// GetAllProcessTaskIds lists task ids of a process, newest first.
func (t *Tracker) GetAllProcessTaskIds(ctx context.Context, processID int64) ([]string, error) {
	tasks, err := t.store.ListTasks(ctx, processID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids, nil
}

func (t *Tracker) GetTaskMachineStepStatusStats(ctx context.Context, taskID string) (map[int64]StepCounts, error) {
	if _, err := t.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	steps, err := t.store.ListSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}
	stats := make(map[int64]StepCounts)
	for _, st := range steps {
		c := stats[st.MachineID]
		c.add(st.Status)
		stats[st.MachineID] = c
	}
	return stats, nil
}

func (t *Tracker) GetTaskSummary(ctx context.Context, taskID string) (TaskSummary, error) {
	d, err := t.GetTaskDetail(ctx, taskID)
	if err != nil {
		return TaskSummary{}, err
	}
	return summarize(d), nil
}

func summarize(d TaskDetail) TaskSummary {
	s := TaskSummary{Task: d.Task, Counts: d.Counts, Progress: d.Counts.Progress()}
	for _, m := range d.Machines {
		s.Machines = append(s.Machines, MachineProgress{
			MachineID: m.MachineID,
			Counts:    m.Counts,
			Progress:  m.Counts.Progress(),
		})
	}
	return s
}

var statusPriority = map[domain.TaskStatus]int{
	domain.TaskRunning:   0,
	domain.TaskFailed:    1,
	domain.TaskCompleted: 2,
	domain.TaskCancelled: 3,
	domain.TaskPending:   4,
}

// GetProcessTaskSummaries orders active and failed runs first, then by
// start time, newest first.
func (t *Tracker) GetProcessTaskSummaries(ctx context.Context, processID int64) ([]TaskSummary, error) {
	tasks, err := t.store.ListTasks(ctx, processID)
	if err != nil {
		return nil, err
	}
	out := make([]TaskSummary, 0, len(tasks))
	for _, task := range tasks {
		d, err := t.GetTaskDetail(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, summarize(d))
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := statusPriority[out[i].Task.Status], statusPriority[out[j].Task.Status]
		if pi != pj {
			return pi < pj
		}
		return startOf(out[i].Task).After(startOf(out[j].Task))
	})
	return out, nil
}

func startOf(t domain.Task) time.Time {
	if t.StartTime != nil {
		return *t.StartTime
	}
	return t.CreatedAt
}

// GetTaskStepsGrouped groups steps by kind in grid order.
func (t *Tracker) GetTaskStepsGrouped(ctx context.Context, taskID string) ([]KindSteps, error) {
	if _, err := t.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	steps, err := t.store.ListSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}
	idx := make(map[domain.StepKind]int)
	var out []KindSteps
	for _, st := range steps {
		i, ok := idx[st.Kind]
		if !ok {
			i = len(out)
			idx[st.Kind] = i
			out = append(out, KindSteps{Kind: st.Kind, Name: st.Name})
		}
		out[i].Steps = append(out[i].Steps, st)
	}
	return out, nil
}
