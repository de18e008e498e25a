// Package configguard refuses configuration changes that would be written
// under a running Logstash. The check reads state and decides; it does not
// lock, so a machine may start between Check and the write that follows.
package configguard

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/metrics"
	"github.com/andrej220/logfleet/internal/store"
)

var (
	ErrMachineRunning = errors.New("process is running on machine")
	ErrInvalidYAML    = errors.New("system config is not valid YAML")
)

type InstanceReader interface {
	GetInstance(ctx context.Context, processID, machineID int64) (domain.Instance, error)
}

type Guard struct {
	instances InstanceReader
}

func New(instances InstanceReader) *Guard {
	return &Guard{instances: instances}
}

// Check refuses if any targeted machine is RUNNING. A machine without an
// instance record has nothing running.
func (g *Guard) Check(ctx context.Context, processID int64, machineIDs []int64) error {
	for _, mid := range machineIDs {
		inst, err := g.instances.GetInstance(ctx, processID, mid)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read instance %d/%d: %w", processID, mid, err)
		}
		if inst.State == domain.StateRunning {
			metrics.GuardRejections.WithLabelValues("running").Inc()
			return fmt.Errorf("%w %d, stop it before changing config", ErrMachineRunning, mid)
		}
	}
	return nil
}

// CheckUpdate runs Check and also rejects a system config that does not parse.
func (g *Guard) CheckUpdate(ctx context.Context, processID int64, machineIDs []int64, cfg domain.ConfigSet) error {
	if cfg.SystemYAML != "" {
		var doc map[string]any
		if err := yaml.Unmarshal([]byte(cfg.SystemYAML), &doc); err != nil {
			metrics.GuardRejections.WithLabelValues("yaml").Inc()
			return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
	}
	return g.Check(ctx, processID, machineIDs)
}
