package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to StepStatus
		allowed  bool
	}{
		{StepPending, StepRunning, true},
		{StepPending, StepSkipped, true},
		{StepRunning, StepCompleted, true},
		{StepRunning, StepFailed, true},
		{StepRunning, StepRunning, false},
		{StepRunning, StepPending, false},
		{StepCompleted, StepFailed, false},
		{StepFailed, StepRunning, false},
		{StepSkipped, StepCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStepStatusesBefore(t *testing.T) {
	assert.Equal(t, []StepStatus{StepPending}, StepStatusesBefore(StepRunning))
	assert.Equal(t, []StepStatus{StepPending, StepRunning}, StepStatusesBefore(StepFailed))
	assert.Empty(t, StepStatusesBefore(StepPending))
}

func TestTaskStatusTransitions(t *testing.T) {
	assert.True(t, TaskPending.CanTransitionTo(TaskRunning))
	assert.True(t, TaskRunning.CanTransitionTo(TaskCompleted))
	assert.False(t, TaskCompleted.CanTransitionTo(TaskFailed))
	assert.False(t, TaskCancelled.CanTransitionTo(TaskRunning))
	assert.Equal(t, []TaskStatus{TaskPending, TaskRunning}, TaskStatusesBefore(TaskFailed))
}

func TestConfigSetMerge(t *testing.T) {
	override := ConfigSet{JVMOptions: "-Xmx2g"}
	merged := override.Merge(ConfigSet{Pipeline: "input {}", JVMOptions: "-Xmx1g"})

	assert.Equal(t, "input {}", merged.Pipeline)
	assert.Equal(t, "-Xmx2g", merged.JVMOptions)
	assert.Empty(t, merged.SystemYAML)
	assert.True(t, ConfigSet{}.IsEmpty())
}

func TestMachineAddress(t *testing.T) {
	assert.Equal(t, "10.0.0.1:22", Machine{Host: "10.0.0.1"}.Address())
	assert.Equal(t, "h:2222", Machine{Host: "h", Port: 2222}.Address())
}

func TestStateAllows(t *testing.T) {
	tests := []struct {
		state   State
		op      OperationType
		allowed bool
	}{
		{StateStopped, OpStart, true},
		{StateStopped, OpStop, false},
		{StateStopped, OpInitialize, false},
		{StateStopped, OpConfigUpdate, true},
		{StateRunning, OpStart, false},
		{StateRunning, OpStop, true},
		{StateRunning, OpRestart, true},
		{StateRunning, OpInitialize, false},
		{StateRunning, OpConfigRefresh, false},
		{StateStartFailed, OpStart, true},
		{StateStopFailed, OpStop, true},
		{StateStopFailed, OpStart, false},
		{StateInitializeFailed, OpInitialize, true},
		{StateInitializeFailed, OpStart, false},
		{StateStarting, OpStop, false},
		{StateInitializing, OpInitialize, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state)+"/"+string(tt.op), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.state.Allows(tt.op))
		})
	}
}
