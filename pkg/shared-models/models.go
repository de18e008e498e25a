package datamodels

import (
	"github.com/google/uuid"
)

type Action string

const (
	ActionInitialize      Action = "initialize"
	ActionStart           Action = "start"
	ActionStop            Action = "stop"
	ActionStartMachine    Action = "start_machine"
	ActionStopMachine     Action = "stop_machine"
	ActionRestartMachine  Action = "restart_machine"
	ActionUpdateConfig    Action = "update_config"
	ActionRefreshConfig   Action = "refresh_config"
	ActionDeleteDirectory Action = "delete_directory"
	ActionDetachMachine   Action = "detach_machine"
)

// SingleMachine reports whether the action targets exactly one machine.
func (a Action) SingleMachine() bool {
	switch a {
	case ActionStartMachine, ActionStopMachine, ActionRestartMachine, ActionDetachMachine:
		return true
	default:
		return false
	}
}

type ConfigText struct {
	Pipeline   string `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
	JVMOptions string `json:"jvm_options,omitempty" yaml:"jvm_options,omitempty"`
	SystemYAML string `json:"system_yaml,omitempty" yaml:"system_yaml,omitempty"`
}

type ProcessSpec struct {
	Name   string     `json:"name" validate:"required,max=128"`
	Module string     `json:"module,omitempty" validate:"max=128"`
	Config ConfigText `json:"config"`
}

// DeployRequest arrives over HTTP or Kafka and asks for one fleet operation.
type DeployRequest struct {
	RequestID  uuid.UUID    `json:"request_id"`
	Action     Action       `json:"action" validate:"required,validAction"`
	ProcessID  int64        `json:"process_id" validate:"required,gt=0"`
	MachineIDs []int64      `json:"machine_ids" validate:"required,min=1,unique,dive,gt=0"`
	Process    *ProcessSpec `json:"process,omitempty"`
	Config     *ConfigText  `json:"config,omitempty"`
}

type DeployResponse struct {
	RequestID uuid.UUID `json:"request_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// MachineRequest registers or replaces a machine record.
type MachineRequest struct {
	ID             int64  `json:"id" validate:"required,gt=0"`
	Name           string `json:"name"`
	Host           string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port           int    `json:"port" validate:"omitempty,gt=0,lt=65536"`
	Username       string `json:"username" validate:"required"`
	Password       string `json:"password,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty" validate:"omitempty,startswith=/"`
}
