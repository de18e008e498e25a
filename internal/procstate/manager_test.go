package procstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/logfleet/internal/command"
	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/store/memstore"
	"github.com/andrej220/logfleet/internal/tracker"
	"github.com/andrej220/logfleet/pkg/lg"
	"github.com/andrej220/logfleet/pkg/workerpool"
)

type fakeFactory struct {
	mu      sync.Mutex
	fail    map[int64]map[domain.StepKind]error
	panics  map[int64]domain.StepKind
	calls   map[int64][]domain.StepKind
	payload command.Payload
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		fail:   make(map[int64]map[domain.StepKind]error),
		panics: make(map[int64]domain.StepKind),
		calls:  make(map[int64][]domain.StepKind),
	}
}

func (f *fakeFactory) failOn(machineID int64, kind domain.StepKind, err error) {
	if f.fail[machineID] == nil {
		f.fail[machineID] = make(map[domain.StepKind]error)
	}
	f.fail[machineID][kind] = err
}

func (f *fakeFactory) Command(kind domain.StepKind, _ int64, p command.Payload) (command.Command, error) {
	f.mu.Lock()
	f.payload = p
	f.mu.Unlock()
	return fakeCommand{f: f, kind: kind}, nil
}

func (f *fakeFactory) executed(machineID int64) []domain.StepKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.StepKind(nil), f.calls[machineID]...)
}

type fakeCommand struct {
	f    *fakeFactory
	kind domain.StepKind
}

func (c fakeCommand) Execute(_ context.Context, m domain.Machine) error {
	c.f.mu.Lock()
	c.f.calls[m.ID] = append(c.f.calls[m.ID], c.kind)
	err := c.f.fail[m.ID][c.kind]
	panicKind, shouldPanic := c.f.panics[m.ID]
	c.f.mu.Unlock()
	if shouldPanic && panicKind == c.kind {
		panic("nil map")
	}
	return err
}

func (c fakeCommand) Description() string { return string(c.kind) }

const processID = 42

var (
	machineA = domain.Machine{ID: 1, Host: "10.0.0.1", Username: "deploy"}
	machineB = domain.Machine{ID: 2, Host: "10.0.0.2", Username: "deploy"}
	machineC = domain.Machine{ID: 3, Host: "10.0.0.3", Username: "deploy"}
	fleet    = []domain.Machine{machineA, machineB, machineC}
)

type fixture struct {
	st      *memstore.MemStore
	tr      *tracker.Tracker
	mgr     *Manager
	factory *fakeFactory
}

func newFixture(t *testing.T, state domain.State) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{st: memstore.New(), factory: newFakeFactory()}

	orch := workerpool.NewPool[string]("orchestration", 2, 4, lg.Discard)
	cmds := workerpool.NewPool[domain.Machine]("command", 2, 2, lg.Discard)
	t.Cleanup(func() {
		orch.Stop()
		cmds.Stop()
	})

	f.tr = tracker.New(f.st, orch, lg.Discard)
	f.mgr = NewManager(f.factory, f.tr, f.st, cmds, lg.Discard)

	require.NoError(t, f.st.SaveProcess(ctx, domain.Process{ID: processID, Name: "ingest", State: state}))
	for _, m := range fleet {
		require.NoError(t, f.st.SaveInstance(ctx, domain.Instance{ProcessID: processID, MachineID: m.ID, State: state}))
	}
	return f
}

func (f *fixture) runAsync(t *testing.T, machines []domain.Machine, op Operation) string {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, len(machines))
	for i, m := range machines {
		ids[i] = m.ID
	}
	taskID, err := f.tr.CreateTask(ctx, processID, string(op.Type), "", op.Type, ids, op.Steps)
	require.NoError(t, err)

	done := make(chan struct{})
	f.tr.ExecuteAsync(ctx, taskID, func(ctx context.Context) error {
		return f.mgr.Run(ctx, taskID, processID, machines, op)
	}, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
	return taskID
}

func (f *fixture) stepStatuses(t *testing.T, taskID string, machineID int64) []domain.StepStatus {
	t.Helper()
	steps, err := f.st.ListSteps(context.Background(), taskID)
	require.NoError(t, err)
	var out []domain.StepStatus
	for _, s := range steps {
		if s.MachineID == machineID {
			out = append(out, s.Status)
		}
	}
	return out
}

func (f *fixture) instanceState(t *testing.T, machineID int64) domain.State {
	t.Helper()
	in, err := f.st.GetInstance(context.Background(), processID, machineID)
	require.NoError(t, err)
	return in.State
}

func (f *fixture) processState(t *testing.T) domain.State {
	t.Helper()
	p, err := f.st.GetProcess(context.Background(), processID)
	require.NoError(t, err)
	return p.State
}

func TestStartWithOneFailingMachine(t *testing.T) {
	f := newFixture(t, domain.StateStarting)
	f.factory.failOn(machineB.ID, domain.StepStartProcess, errors.New("exit status 1: bin/logstash: not found"))

	taskID := f.runAsync(t, fleet, Start())

	done := []domain.StepStatus{domain.StepCompleted, domain.StepCompleted}
	assert.Equal(t, done, f.stepStatuses(t, taskID, machineA.ID))
	assert.Equal(t, done, f.stepStatuses(t, taskID, machineC.ID))
	assert.Equal(t, []domain.StepStatus{domain.StepFailed, domain.StepSkipped}, f.stepStatuses(t, taskID, machineB.ID))

	task, err := f.st.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "bin/logstash: not found")

	assert.Equal(t, domain.StateStartFailed, f.processState(t))
	assert.Equal(t, domain.StateRunning, f.instanceState(t, machineA.ID))
	assert.Equal(t, domain.StateStartFailed, f.instanceState(t, machineB.ID))
	assert.Equal(t, domain.StateRunning, f.instanceState(t, machineC.ID))

	assert.Equal(t, []domain.StepKind{domain.StepStartProcess}, f.factory.executed(machineB.ID))

	steps, err := f.st.ListSteps(context.Background(), taskID)
	require.NoError(t, err)
	for _, s := range steps {
		if s.MachineID == machineB.ID && s.Kind == domain.StepStartProcess {
			assert.Contains(t, s.ErrorMessage, "not found")
		}
	}
}

func TestAllMachinesSucceed(t *testing.T) {
	tests := []struct {
		name    string
		initial domain.State
		op      Operation
		want    domain.State
	}{
		{"initialize", domain.StateInitializing, Initialize(domain.ConfigSet{Pipeline: "input {}"}), domain.StateRunning},
		{"start", domain.StateStarting, Start(), domain.StateRunning},
		{"stop", domain.StateStopping, Stop(), domain.StateStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.initial)
			taskID := f.runAsync(t, fleet, tt.op)

			task, err := f.st.GetTask(context.Background(), taskID)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskCompleted, task.Status)
			assert.Equal(t, tt.want, f.processState(t))
			for _, m := range fleet {
				assert.Equal(t, tt.want, f.instanceState(t, m.ID))
				assert.Equal(t, tt.op.Steps, f.factory.executed(m.ID))
			}
		})
	}
}

func TestInitializeFailureSkipsRemainingSteps(t *testing.T) {
	f := newFixture(t, domain.StateInitializing)
	f.factory.failOn(machineC.ID, domain.StepExtractPackage, errors.New("gzip: stdin: not in gzip format"))

	taskID := f.runAsync(t, fleet, Initialize(domain.ConfigSet{}))

	assert.Equal(t, []domain.StepStatus{
		domain.StepCompleted, domain.StepCompleted, domain.StepFailed, domain.StepSkipped, domain.StepSkipped,
	}, f.stepStatuses(t, taskID, machineC.ID))
	assert.Equal(t, domain.StateInitializeFailed, f.instanceState(t, machineC.ID))
	assert.Equal(t, domain.StateRunning, f.instanceState(t, machineA.ID))
	assert.Equal(t, domain.StateInitializeFailed, f.processState(t))
}

func TestPanickingCommandFailsOnlyItsMachine(t *testing.T) {
	f := newFixture(t, domain.StateStopping)
	f.factory.panics[machineA.ID] = domain.StepStopProcess

	taskID := f.runAsync(t, fleet, Stop())

	assert.Equal(t, []domain.StepStatus{domain.StepFailed}, f.stepStatuses(t, taskID, machineA.ID))
	assert.Equal(t, []domain.StepStatus{domain.StepCompleted}, f.stepStatuses(t, taskID, machineB.ID))
	assert.Equal(t, domain.StateStopFailed, f.instanceState(t, machineA.ID))
	assert.Equal(t, domain.StateStopFailed, f.processState(t))
}

func TestConfigUpdateLeavesStateAlone(t *testing.T) {
	f := newFixture(t, domain.StateStopped)
	op := ConfigUpdate(domain.ConfigSet{JVMOptions: "-Xmx2g"})
	require.Equal(t, []domain.StepKind{domain.StepUpdateJVMConfig}, op.Steps)

	f.factory.failOn(machineB.ID, domain.StepUpdateJVMConfig, errors.New("disk full"))
	taskID := f.runAsync(t, fleet, op)

	task, err := f.st.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Equal(t, domain.StateStopped, f.processState(t))
	assert.Equal(t, domain.StateStopped, f.instanceState(t, machineB.ID))
	assert.Equal(t, "-Xmx2g", f.factory.payload.Config.JVMOptions)
}

func TestRestartSingleMachine(t *testing.T) {
	t.Run("mixed fleet keeps process state", func(t *testing.T) {
		f := newFixture(t, domain.StateStopped)
		taskID := f.runAsync(t, []domain.Machine{machineB}, Restart())

		assert.Equal(t, []domain.StepStatus{domain.StepCompleted, domain.StepCompleted, domain.StepCompleted},
			f.stepStatuses(t, taskID, machineB.ID))
		assert.Equal(t, domain.StateRunning, f.instanceState(t, machineB.ID))
		assert.Equal(t, domain.StateStopped, f.processState(t))
	})

	t.Run("last machine brings process up", func(t *testing.T) {
		f := newFixture(t, domain.StateRunning)
		require.NoError(t, f.st.UpdateInstanceState(context.Background(), processID, machineB.ID, domain.StateStopped))
		require.NoError(t, f.st.UpdateProcessState(context.Background(), processID, domain.StateStartFailed))

		f.runAsync(t, []domain.Machine{machineB}, Restart())
		assert.Equal(t, domain.StateRunning, f.processState(t))
	})

	t.Run("stop failure", func(t *testing.T) {
		f := newFixture(t, domain.StateRunning)
		f.factory.failOn(machineB.ID, domain.StepStopProcess, errors.New("still running"))

		taskID := f.runAsync(t, []domain.Machine{machineB}, Restart())
		assert.Equal(t, []domain.StepStatus{domain.StepFailed, domain.StepSkipped, domain.StepSkipped},
			f.stepStatuses(t, taskID, machineB.ID))
		assert.Equal(t, domain.StateStopFailed, f.instanceState(t, machineB.ID))
		assert.Equal(t, domain.StateStopFailed, f.processState(t))
	})
}

func TestBroadcastIsAllOrNothing(t *testing.T) {
	f := newFixture(t, domain.StateStopped)
	ctx := context.Background()

	require.NoError(t, f.mgr.Broadcast(ctx, processID, fleet, domain.StepDeleteDirectory, command.Payload{}))

	f.factory.failOn(machineC.ID, domain.StepDeleteDirectory, fmt.Errorf("rm: permission denied"))
	err := f.mgr.Broadcast(ctx, processID, fleet, domain.StepDeleteDirectory, command.Payload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Len(t, f.factory.executed(machineA.ID), 2)
}
