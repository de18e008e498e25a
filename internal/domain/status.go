package domain

// State is the lifecycle state of a Process and of each of its Instances.
//
//	INITIALIZING -> RUNNING | INITIALIZE_FAILED
//	RUNNING      -> STOPPING -> STOPPED | STOP_FAILED
//	STOPPED      -> STARTING -> RUNNING | START_FAILED
type State string

const (
	StateInitializing     State = "INITIALIZING"
	StateInitializeFailed State = "INITIALIZE_FAILED"
	StateStarting         State = "STARTING"
	StateRunning          State = "RUNNING"
	StateStartFailed      State = "START_FAILED"
	StateStopping         State = "STOPPING"
	StateStopped          State = "STOPPED"
	StateStopFailed       State = "STOP_FAILED"
)

// IsTransitional reports whether an operation is currently in flight.
func (s State) IsTransitional() bool {
	switch s {
	case StateInitializing, StateStarting, StateStopping:
		return true
	default:
		return false
	}
}

var allowedOps = map[State][]OperationType{
	StateInitializeFailed: {OpInitialize},
	StateStopped:          {OpStart, OpConfigUpdate, OpConfigRefresh},
	StateStartFailed:      {OpStart, OpConfigUpdate, OpConfigRefresh},
	StateRunning:          {OpStop, OpRestart},
	StateStopFailed:       {OpStop, OpRestart},
}

// Allows reports whether op may start from s. Busy states allow nothing.
// A freshly initialized instance is RUNNING without a live pid; it is
// launched with RESTART, or with STOP (a no-op without a pid file) then START.
func (s State) Allows(op OperationType) bool {
	for _, o := range allowedOps[s] {
		if o == op {
			return true
		}
	}
	return false
}

// TaskStatus is the status of one orchestration run.
//
//	PENDING -> RUNNING -> COMPLETED | FAILED
//	CANCELLED is terminal and never produced by this module.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskRunning:
		return 1
	case TaskCompleted, TaskFailed, TaskCancelled:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next keeps the status monotonic.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	return next.rank() > s.rank() && s.rank() >= 0
}

// TaskStatusesBefore lists every status next may be entered from.
func TaskStatusesBefore(next TaskStatus) []TaskStatus {
	var out []TaskStatus
	for _, s := range []TaskStatus{TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// StepStatus is the status of one (machine, step kind) cell.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

func (s StepStatus) rank() int {
	switch s {
	case StepPending:
		return 0
	case StepRunning:
		return 1
	case StepCompleted, StepFailed, StepSkipped:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next keeps the cell monotonic.
// A terminal status is never left.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	return next.rank() > s.rank() && s.rank() >= 0
}

// StepStatusesBefore lists every status next may be entered from.
func StepStatusesBefore(next StepStatus) []StepStatus {
	var out []StepStatus
	for _, s := range []StepStatus{StepPending, StepRunning, StepCompleted, StepFailed, StepSkipped} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// OperationType names the kind of orchestration run a Task records.
type OperationType string

const (
	OpInitialize    OperationType = "INITIALIZE"
	OpStart         OperationType = "START"
	OpStop          OperationType = "STOP"
	OpRestart       OperationType = "RESTART"
	OpConfigUpdate  OperationType = "CONFIG_UPDATE"
	OpConfigRefresh OperationType = "CONFIG_REFRESH"
)
