package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/store"
	"github.com/andrej220/logfleet/internal/store/memstore"
	"github.com/andrej220/logfleet/pkg/events"
	"github.com/andrej220/logfleet/pkg/lg"
	"github.com/andrej220/logfleet/pkg/workerpool"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.TaskEvent
}

func (r *recorder) Publish(_ context.Context, ev events.TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.evs {
		if ev.Step == "" {
			out = append(out, ev.Status)
		}
	}
	return out
}

type fixture struct {
	tr    *Tracker
	st    *memstore.MemStore
	pool  *workerpool.Pool[string]
	evs   *recorder
	clock atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{st: memstore.New(), evs: &recorder{}}
	f.clock.Store(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Unix())
	f.pool = workerpool.NewPool[string]("orchestration", 2, 4, lg.Discard)
	t.Cleanup(f.pool.Stop)

	var seq atomic.Int32
	f.tr = New(f.st, f.pool, lg.Discard,
		WithEvents(f.evs),
		WithClock(func() time.Time { return time.Unix(f.clock.Add(1), 0).UTC() }),
		WithIDs(func() string { return fmt.Sprintf("task-%d", seq.Add(1)) }),
	)
	return f
}

func (f *fixture) run(t *testing.T, taskID string, action Action) {
	t.Helper()
	done := make(chan struct{})
	var calls atomic.Int32
	f.tr.ExecuteAsync(context.Background(), taskID, action, func() {
		calls.Add(1)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback not called")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateTaskWritesFullGrid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.tr.CreateTask(ctx, 7, "start", "start on three", domain.OpStart,
		[]int64{1, 2, 3}, domain.StartSteps)
	require.NoError(t, err)

	task, err := f.st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Nil(t, task.StartTime)

	steps, err := f.st.ListSteps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 6)
	for _, st := range steps {
		assert.Equal(t, domain.StepPending, st.Status)
		assert.Equal(t, st.Kind.Name(), st.Name)
	}
}

func TestCreateTaskRejectsEmptyGrid(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.CreateTask(context.Background(), 7, "x", "", domain.OpStop, nil, domain.StopSteps)
	assert.ErrorIs(t, err, ErrEmptyGrid)
	_, err = f.tr.CreateTask(context.Background(), 7, "x", "", domain.OpStop, []int64{1}, nil)
	assert.ErrorIs(t, err, ErrEmptyGrid)
}

func TestCreateTaskRejectsRepeatedMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.tr.CreateTask(ctx, 7, "start", "", domain.OpStart, []int64{1, 2, 1}, domain.StartSteps)
	assert.ErrorIs(t, err, ErrDuplicateMachine)

	tasks, err := f.st.ListTasks(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Zero(t, f.tr.pending())
}

func TestExecuteAsyncOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		action    Action
		want      domain.TaskStatus
		wantError string
	}{
		{
			name:   "completes",
			action: func(context.Context) error { return nil },
			want:   domain.TaskCompleted,
		},
		{
			name:      "returns error",
			action:    func(context.Context) error { return errors.New("machine 2 failed") },
			want:      domain.TaskFailed,
			wantError: "machine 2 failed",
		},
		{
			name:      "panics",
			action:    func(context.Context) error { panic("boom") },
			want:      domain.TaskFailed,
			wantError: "panic: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			id, err := f.tr.CreateTask(ctx, 1, tt.name, "", domain.OpStart, []int64{1}, domain.StartSteps)
			require.NoError(t, err)

			var sawRunning domain.TaskStatus
			action := func(ctx context.Context) error {
				task, _ := f.st.GetTask(ctx, id)
				sawRunning = task.Status
				return tt.action(ctx)
			}
			f.run(t, id, action)

			task, err := f.st.GetTask(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskRunning, sawRunning)
			assert.Equal(t, tt.want, task.Status)
			require.NotNil(t, task.StartTime)
			require.NotNil(t, task.EndTime)
			assert.True(t, task.EndTime.After(*task.StartTime))
			assert.Contains(t, task.ErrorMessage, tt.wantError)
			assert.Equal(t, []string{"PENDING", "RUNNING", string(tt.want)}, f.evs.statuses())
		})
	}
}

func TestStepTransitionsAreMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.tr.CreateTask(ctx, 1, "stop", "", domain.OpStop, []int64{4}, domain.StopSteps)
	require.NoError(t, err)
	key := domain.StepKey{TaskID: id, MachineID: 4, Kind: domain.StepStopProcess}

	f.tr.UpdateStepStatus(ctx, key, domain.StepRunning)
	first := stepOf(t, f.st, key)
	require.NotNil(t, first.StartTime)

	f.tr.UpdateStepStatus(ctx, key, domain.StepCompleted)
	f.tr.UpdateStepStatus(ctx, key, domain.StepRunning)
	f.tr.UpdateStepStatus(ctx, key, domain.StepFailed)
	f.tr.UpdateStepStatus(ctx, key, domain.StepPending)

	got := stepOf(t, f.st, key)
	assert.Equal(t, domain.StepCompleted, got.Status)
	assert.Equal(t, *first.StartTime, *got.StartTime)
	require.NotNil(t, got.EndTime)
}

func TestStepErrorMessageKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.tr.CreateTask(ctx, 1, "stop", "", domain.OpStop, []int64{4}, domain.StopSteps)
	require.NoError(t, err)
	key := domain.StepKey{TaskID: id, MachineID: 4, Kind: domain.StepStopProcess}

	f.tr.UpdateStepStatus(ctx, key, domain.StepRunning)
	f.tr.UpdateStepErrorMessage(ctx, key, "kill: permission denied")

	got := stepOf(t, f.st, key)
	assert.Equal(t, domain.StepRunning, got.Status)
	assert.Equal(t, "kill: permission denied", got.ErrorMessage)
}

func TestFailedWritesAreTolerated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.tr.CreateTask(ctx, 1, "start", "", domain.OpStart, []int64{1}, domain.StartSteps)
	require.NoError(t, err)

	f.st.FailWrites = true
	ran := false
	f.run(t, id, func(ctx context.Context) error {
		f.tr.UpdateStepStatus(ctx, domain.StepKey{TaskID: id, MachineID: 1, Kind: domain.StepStartProcess}, domain.StepRunning)
		ran = true
		return nil
	})
	f.st.FailWrites = false

	assert.True(t, ran)
	task, err := f.st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Zero(t, f.tr.pending(), "metadata of a finished run must not linger")
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older, err := f.tr.CreateTask(ctx, 9, "init", "", domain.OpInitialize, []int64{1}, domain.StopSteps)
	require.NoError(t, err)
	f.run(t, older, func(context.Context) error { return nil })

	id, err := f.tr.CreateTask(ctx, 9, "start", "", domain.OpStart, []int64{2, 1}, domain.StartSteps)
	require.NoError(t, err)
	f.tr.UpdateTaskStatus(ctx, id, domain.TaskRunning)
	set := func(mid int64, k domain.StepKind, s domain.StepStatus) {
		f.tr.UpdateStepStatus(ctx, domain.StepKey{TaskID: id, MachineID: mid, Kind: k}, s)
	}
	set(1, domain.StepStartProcess, domain.StepCompleted)
	set(1, domain.StepVerifyProcess, domain.StepCompleted)
	set(2, domain.StepStartProcess, domain.StepFailed)
	set(2, domain.StepVerifyProcess, domain.StepSkipped)

	t.Run("detail", func(t *testing.T) {
		d, err := f.tr.GetTaskDetail(ctx, id)
		require.NoError(t, err)
		require.Len(t, d.Machines, 2)
		assert.Equal(t, int64(1), d.Machines[0].MachineID)
		assert.Equal(t, StepCounts{Total: 4, Completed: 2, Failed: 1, Skipped: 1}, d.Counts)
		assert.Equal(t, 2, d.Machines[1].Counts.Total)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := f.tr.GetTaskMachineStepStatusStats(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StepCounts{Total: 2, Completed: 2}, stats[1])
		assert.Equal(t, StepCounts{Total: 2, Failed: 1, Skipped: 1}, stats[2])
	})

	t.Run("summary", func(t *testing.T) {
		s, err := f.tr.GetTaskSummary(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 75, s.Progress)
		require.Len(t, s.Machines, 2)
		assert.Equal(t, 100, s.Machines[0].Progress)
		assert.Equal(t, 50, s.Machines[1].Progress)
	})

	t.Run("latest and ids", func(t *testing.T) {
		d, err := f.tr.GetLatestProcessTaskDetail(ctx, 9)
		require.NoError(t, err)
		assert.Equal(t, id, d.Task.ID)

		ids, err := f.tr.GetAllProcessTaskIds(ctx, 9)
		require.NoError(t, err)
		assert.Equal(t, []string{id, older}, ids)

		_, err = f.tr.GetLatestProcessTaskDetail(ctx, 404)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("summaries put running first", func(t *testing.T) {
		sums, err := f.tr.GetProcessTaskSummaries(ctx, 9)
		require.NoError(t, err)
		require.Len(t, sums, 2)
		assert.Equal(t, domain.TaskRunning, sums[0].Task.Status)
		assert.Equal(t, domain.TaskCompleted, sums[1].Task.Status)
	})

	t.Run("grouped by kind", func(t *testing.T) {
		groups, err := f.tr.GetTaskStepsGrouped(ctx, id)
		require.NoError(t, err)
		require.Len(t, groups, 2)
		assert.Equal(t, domain.StepStartProcess, groups[0].Kind)
		assert.Len(t, groups[0].Steps, 2)
		assert.Equal(t, domain.StepVerifyProcess, groups[1].Kind)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, f.tr.DeleteTask(ctx, older))
		_, err := f.tr.GetTaskDetail(ctx, older)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func stepOf(t *testing.T, st *memstore.MemStore, key domain.StepKey) domain.Step {
	t.Helper()
	steps, err := st.ListSteps(context.Background(), key.TaskID)
	require.NoError(t, err)
	for _, s := range steps {
		if s.Key() == key {
			return s
		}
	}
	t.Fatalf("step %v not found", key)
	return domain.Step{}
}
