package procstate

import (
	"github.com/andrej220/logfleet/internal/command"
	"github.com/andrej220/logfleet/internal/domain"
)

// Operation is the choreography of one orchestration run: the ordered step
// kinds every target machine executes and the states it lands in.
// Success and Failure are empty for operations that leave state alone.
type Operation struct {
	Type    domain.OperationType
	Steps   []domain.StepKind
	Success domain.State
	Failure domain.State
	Payload command.Payload

	// SingleMachine recomputes the process state from every instance
	// instead of from the targeted machines alone.
	SingleMachine bool

	stepStates map[domain.StepKind]stepStates
}

type stepStates struct {
	entering domain.State
	failure  domain.State
}

func Initialize(cfg domain.ConfigSet) Operation {
	return Operation{
		Type:    domain.OpInitialize,
		Steps:   domain.InitializeSteps,
		Success: domain.StateRunning,
		Failure: domain.StateInitializeFailed,
		Payload: command.Payload{Config: cfg},
	}
}

func Start() Operation {
	return Operation{
		Type:    domain.OpStart,
		Steps:   domain.StartSteps,
		Success: domain.StateRunning,
		Failure: domain.StateStartFailed,
	}
}

func Stop() Operation {
	return Operation{
		Type:    domain.OpStop,
		Steps:   domain.StopSteps,
		Success: domain.StateStopped,
		Failure: domain.StateStopFailed,
	}
}

// Restart stops then starts one machine. The machine is STOPPING while the
// stop step runs and STARTING from the start step on.
func Restart() Operation {
	return Operation{
		Type:          domain.OpRestart,
		Steps:         domain.RestartSteps,
		Success:       domain.StateRunning,
		Failure:       domain.StateStartFailed,
		SingleMachine: true,
		stepStates: map[domain.StepKind]stepStates{
			domain.StepStopProcess:  {entering: domain.StateStopping, failure: domain.StateStopFailed},
			domain.StepStartProcess: {entering: domain.StateStarting, failure: domain.StateStartFailed},
		},
	}
}

// ConfigUpdate writes the non-empty texts of cfg, one step per file.
func ConfigUpdate(cfg domain.ConfigSet) Operation {
	var steps []domain.StepKind
	if cfg.Pipeline != "" {
		steps = append(steps, domain.StepUpdateMainConfig)
	}
	if cfg.JVMOptions != "" {
		steps = append(steps, domain.StepUpdateJVMConfig)
	}
	if cfg.SystemYAML != "" {
		steps = append(steps, domain.StepUpdateSystemConfig)
	}
	return Operation{
		Type:    domain.OpConfigUpdate,
		Steps:   steps,
		Payload: command.Payload{Config: cfg},
	}
}

func Refresh() Operation {
	return Operation{
		Type:  domain.OpConfigRefresh,
		Steps: domain.RefreshSteps,
	}
}

// OnMachine marks o as targeting a single machine of a larger fleet.
func (o Operation) OnMachine() Operation {
	o.SingleMachine = true
	return o
}

func (o Operation) tracksState() bool {
	return o.Success != ""
}

func (o Operation) failureAt(kind domain.StepKind) domain.State {
	if s, ok := o.stepStates[kind]; ok && s.failure != "" {
		return s.failure
	}
	return o.Failure
}
