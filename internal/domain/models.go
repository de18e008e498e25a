package domain

import (
	"fmt"
	"time"
)

// Machine is a remote worker host reachable through the Remote Executor.
type Machine struct {
	ID             int64  `json:"id" bson:"_id" validate:"required,gt=0"`
	Name           string `json:"name" bson:"name"`
	Host           string `json:"host" bson:"host" validate:"required,hostname|ip"`
	Port           int    `json:"port" bson:"port" validate:"omitempty,gt=0,lt=65536"`
	Username       string `json:"username" bson:"username" validate:"required"`
	Password       string `json:"-" bson:"password,omitempty"`
	PrivateKeyPath string `json:"-" bson:"private_key_path,omitempty"`
}

// Address returns host:port, defaulting to the SSH port.
func (m Machine) Address() string {
	port := m.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", m.Host, port)
}

func (m Machine) String() string {
	if m.Name != "" {
		return fmt.Sprintf("%s(%d)", m.Name, m.ID)
	}
	return fmt.Sprintf("%s(%d)", m.Host, m.ID)
}

// ConfigSet holds the three config texts a Logstash instance reads.
// Empty fields mean "not set".
type ConfigSet struct {
	Pipeline   string `json:"pipeline,omitempty" bson:"pipeline,omitempty"`
	JVMOptions string `json:"jvm_options,omitempty" bson:"jvm_options,omitempty"`
	SystemYAML string `json:"system_yaml,omitempty" bson:"system_yaml,omitempty"`
}

func (c ConfigSet) IsEmpty() bool {
	return c.Pipeline == "" && c.JVMOptions == "" && c.SystemYAML == ""
}

// Merge returns c with every empty field filled from fallback.
func (c ConfigSet) Merge(fallback ConfigSet) ConfigSet {
	if c.Pipeline == "" {
		c.Pipeline = fallback.Pipeline
	}
	if c.JVMOptions == "" {
		c.JVMOptions = fallback.JVMOptions
	}
	if c.SystemYAML == "" {
		c.SystemYAML = fallback.SystemYAML
	}
	return c
}

// Process is one logical Logstash deployment spanning many machines.
type Process struct {
	ID        int64     `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	Module    string    `json:"module" bson:"module"`
	Config    ConfigSet `json:"config" bson:"config"`
	State     State     `json:"state" bson:"state"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Instance is a Process placed on one Machine.
type Instance struct {
	ProcessID int64     `json:"process_id" bson:"process_id"`
	MachineID int64     `json:"machine_id" bson:"machine_id"`
	State     State     `json:"state" bson:"state"`
	PID       string    `json:"pid,omitempty" bson:"pid,omitempty"`
	Config    ConfigSet `json:"config" bson:"config"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Task is the durable record of one orchestration run.
type Task struct {
	ID           string        `json:"id" bson:"_id"`
	ProcessID    int64         `json:"process_id" bson:"process_id"`
	Name         string        `json:"name" bson:"name"`
	Description  string        `json:"description,omitempty" bson:"description,omitempty"`
	Operation    OperationType `json:"operation" bson:"operation"`
	Status       TaskStatus    `json:"status" bson:"status"`
	StartTime    *time.Time    `json:"start_time,omitempty" bson:"start_time,omitempty"`
	EndTime      *time.Time    `json:"end_time,omitempty" bson:"end_time,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at" bson:"created_at"`
}

// Duration returns end-start, or zero while either is unset.
func (t *Task) Duration() time.Duration {
	if t.StartTime == nil || t.EndTime == nil {
		return 0
	}
	return t.EndTime.Sub(*t.StartTime)
}

// StepKey addresses one cell of a Task's step grid.
type StepKey struct {
	TaskID    string
	MachineID int64
	Kind      StepKind
}

// Step is one (machine, step kind) cell of a Task.
type Step struct {
	TaskID       string     `json:"task_id" bson:"task_id"`
	MachineID    int64      `json:"machine_id" bson:"machine_id"`
	Kind         StepKind   `json:"step_kind" bson:"step_kind"`
	Name         string     `json:"step_name" bson:"step_name"`
	Status       StepStatus `json:"status" bson:"status"`
	StartTime    *time.Time `json:"start_time,omitempty" bson:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty" bson:"end_time,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at" bson:"created_at"`
}

func (s Step) Key() StepKey {
	return StepKey{TaskID: s.TaskID, MachineID: s.MachineID, Kind: s.Kind}
}

// Duration returns end-start, or zero while either is unset.
func (s Step) Duration() time.Duration {
	if s.StartTime == nil || s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(*s.StartTime)
}
