package datamodels

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var validActions = map[Action]bool{
	ActionInitialize:      true,
	ActionStart:           true,
	ActionStop:            true,
	ActionStartMachine:    true,
	ActionStopMachine:     true,
	ActionRestartMachine:  true,
	ActionUpdateConfig:    true,
	ActionRefreshConfig:   true,
	ActionDeleteDirectory: true,
	ActionDetachMachine:   true,
}

func init() {
	_ = validate.RegisterValidation("validAction", func(fl validator.FieldLevel) bool {
		return validActions[Action(fl.Field().String())]
	})
	validate.RegisterStructValidation(deployRequestRules, DeployRequest{})
	validate.RegisterStructValidation(machineRequestRules, MachineRequest{})
}

func deployRequestRules(sl validator.StructLevel) {
	req := sl.Current().Interface().(DeployRequest)
	if req.Action.SingleMachine() && len(req.MachineIDs) != 1 {
		sl.ReportError(req.MachineIDs, "MachineIDs", "machine_ids", "singleMachine", "")
	}
	if req.Action == ActionInitialize && req.Process == nil {
		sl.ReportError(req.Process, "Process", "process", "requiredForInitialize", "")
	}
	if req.Action == ActionUpdateConfig && (req.Config == nil || *req.Config == (ConfigText{})) {
		sl.ReportError(req.Config, "Config", "config", "requiredForUpdate", "")
	}
}

func machineRequestRules(sl validator.StructLevel) {
	req := sl.Current().Interface().(MachineRequest)
	if req.Password == "" && req.PrivateKeyPath == "" {
		sl.ReportError(req.Password, "Password", "password", "credentials", "")
	}
}

// Validate checks v against its validate tags and the registered rules.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Errorf("field %s failed %q", fe.Field(), fe.Tag()))
	}
	return errors.Join(msgs...)
}
