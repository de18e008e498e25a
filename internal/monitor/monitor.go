// Package monitor finds instances the store believes are live whose
// Logstash process has gone away, and marks them STOPPED.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/metrics"
	"github.com/andrej220/logfleet/internal/store"
	"github.com/andrej220/logfleet/pkg/events"
	"github.com/andrej220/logfleet/pkg/lg"
)

// OpMonitor tags events raised by the monitor rather than by a task.
const OpMonitor = "MONITOR"

type Config struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	// MinRuntime skips instances whose record changed more recently, so a
	// launch still settling is not reported lost.
	MinRuntime time.Duration `yaml:"min_runtime" json:"min_runtime"`
}

func DefaultConfig() Config {
	return Config{Enabled: true, Interval: time.Minute, MinRuntime: 2 * time.Minute}
}

// Checker reports whether a pid is alive on a machine.
type Checker interface {
	Alive(ctx context.Context, m domain.Machine, pid string) (bool, error)
}

type Monitor struct {
	cfg       Config
	processes store.ProcessStore
	machines  store.MachineStore
	checker   Checker
	events    events.Publisher
	logger    lg.Logger
	now       func() time.Time
}

func New(cfg Config, processes store.ProcessStore, machines store.MachineStore, checker Checker,
	publisher events.Publisher, logger lg.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MinRuntime < 0 {
		cfg.MinRuntime = 0
	}
	if publisher == nil {
		publisher = events.Nop
	}
	return &Monitor{
		cfg:       cfg,
		processes: processes,
		machines:  machines,
		checker:   checker,
		events:    publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps once immediately, then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("process monitor started", lg.Duration("interval", m.cfg.Interval))
	m.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepAndLog(ctx)
		}
	}
}

func (m *Monitor) sweepAndLog(ctx context.Context) {
	lost, err := m.Sweep(ctx)
	if err != nil {
		m.logger.Error("process monitor sweep failed", lg.Err(err))
		return
	}
	if lost > 0 {
		m.logger.Warn("process monitor marked instances stopped", lg.Int("count", lost))
	}
}

// Sweep checks every RUNNING or STOP_FAILED instance with a recorded pid
// once and returns how many were found dead. An unreachable machine counts
// as alive.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	live, err := m.processes.ListInstancesByState(ctx, domain.StateRunning, domain.StateStopFailed)
	if err != nil {
		return 0, fmt.Errorf("list live instances: %w", err)
	}
	cutoff := m.now().Add(-m.cfg.MinRuntime)
	lost := 0
	touched := map[int64]bool{}
	for _, inst := range live {
		if ctx.Err() != nil {
			return lost, ctx.Err()
		}
		if inst.PID == "" || inst.UpdatedAt.After(cutoff) {
			continue
		}
		gone, err := m.check(ctx, inst)
		if err != nil {
			m.logger.Warn("instance check failed",
				lg.Int64("process_id", inst.ProcessID), lg.Int64("machine_id", inst.MachineID), lg.Err(err))
			continue
		}
		if gone {
			lost++
			touched[inst.ProcessID] = true
		}
	}
	for processID := range touched {
		m.settleProcess(ctx, processID)
	}
	return lost, nil
}

func (m *Monitor) check(ctx context.Context, inst domain.Instance) (bool, error) {
	mach, err := m.machines.GetMachine(ctx, inst.MachineID)
	if err != nil {
		return false, err
	}
	alive, err := m.checker.Alive(ctx, mach, inst.PID)
	if err != nil {
		m.logger.Debug("liveness check failed, assuming alive",
			lg.String("machine", mach.String()), lg.String("pid", inst.PID), lg.Err(err))
		return false, nil
	}
	if alive {
		return false, nil
	}

	// an operation may have started while the check ran
	cur, err := m.processes.GetInstance(ctx, inst.ProcessID, inst.MachineID)
	if err != nil {
		return false, err
	}
	if cur.State != inst.State || cur.PID != inst.PID {
		return false, nil
	}
	if err := m.processes.UpdateInstanceState(ctx, inst.ProcessID, inst.MachineID, domain.StateStopped); err != nil {
		return false, fmt.Errorf("mark stopped: %w", err)
	}
	if err := m.processes.UpdateInstancePID(ctx, inst.ProcessID, inst.MachineID, ""); err != nil {
		m.logger.Warn("clear pid failed", lg.Int64("process_id", inst.ProcessID), lg.Int64("machine_id", inst.MachineID), lg.Err(err))
	}

	metrics.ProcessesLost.Inc()
	m.logger.Warn("logstash process gone",
		lg.Int64("process_id", inst.ProcessID),
		lg.String("machine", mach.String()),
		lg.String("pid", inst.PID),
		lg.String("was", string(inst.State)))
	ev := events.TaskEvent{
		ProcessID: inst.ProcessID,
		Operation: OpMonitor,
		MachineID: inst.MachineID,
		Status:    string(domain.StateStopped),
		Time:      m.now().UTC(),
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn("publish monitor event failed", lg.Err(err))
	}
	return true, nil
}

// settleProcess marks the process STOPPED once none of its instances is
// live or busy.
func (m *Monitor) settleProcess(ctx context.Context, processID int64) {
	instances, err := m.processes.ListInstances(ctx, processID)
	if err != nil {
		m.logger.Warn("list instances failed", lg.Int64("process_id", processID), lg.Err(err))
		return
	}
	for _, inst := range instances {
		if inst.State != domain.StateStopped {
			return
		}
	}
	if err := m.processes.UpdateProcessState(ctx, processID, domain.StateStopped); err != nil {
		m.logger.Warn("mark process stopped failed", lg.Int64("process_id", processID), lg.Err(err))
	}
}
