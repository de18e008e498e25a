package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/store"
)

func (s *MemStore) SaveProcess(_ context.Context, p domain.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now()
	s.processes[p.ID] = &p
	return nil
}

func (s *MemStore) GetProcess(_ context.Context, processID int64) (domain.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[processID]
	if !ok {
		return domain.Process{}, fmt.Errorf("process %d: %w", processID, store.ErrNotFound)
	}
	return *p, nil
}

func (s *MemStore) UpdateProcessState(_ context.Context, processID int64, state domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errInjected
	}
	p, ok := s.processes[processID]
	if !ok {
		return fmt.Errorf("process %d: %w", processID, store.ErrNotFound)
	}
	p.State = state
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) UpdateProcessConfig(_ context.Context, processID int64, cfg domain.ConfigSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[processID]
	if !ok {
		return fmt.Errorf("process %d: %w", processID, store.ErrNotFound)
	}
	p.Config = store.MergeConfig(p.Config, cfg)
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) SaveInstance(_ context.Context, inst domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.UpdatedAt = time.Now()
	s.instances[instanceKey{inst.ProcessID, inst.MachineID}] = &inst
	return nil
}

func (s *MemStore) DeleteInstance(_ context.Context, processID, machineID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceKey{processID, machineID})
	return nil
}

func (s *MemStore) GetInstance(_ context.Context, processID, machineID int64) (domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceKey{processID, machineID}]
	if !ok {
		return domain.Instance{}, fmt.Errorf("instance %d/%d: %w", processID, machineID, store.ErrNotFound)
	}
	return *inst, nil
}

func (s *MemStore) ListInstances(_ context.Context, processID int64) ([]domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Instance
	for k, inst := range s.instances {
		if k.processID == processID {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out, nil
}

func (s *MemStore) ListInstancesByState(_ context.Context, states ...domain.State) ([]domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Instance
	for _, inst := range s.instances {
		if slices.Contains(states, inst.State) {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProcessID != out[j].ProcessID {
			return out[i].ProcessID < out[j].ProcessID
		}
		return out[i].MachineID < out[j].MachineID
	})
	return out, nil
}

func (s *MemStore) updateInstance(processID, machineID int64, fn func(*domain.Instance)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errInjected
	}
	inst, ok := s.instances[instanceKey{processID, machineID}]
	if !ok {
		return fmt.Errorf("instance %d/%d: %w", processID, machineID, store.ErrNotFound)
	}
	fn(inst)
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) UpdateInstanceState(_ context.Context, processID, machineID int64, state domain.State) error {
	return s.updateInstance(processID, machineID, func(i *domain.Instance) { i.State = state })
}

func (s *MemStore) UpdateInstancePID(_ context.Context, processID, machineID int64, pid string) error {
	return s.updateInstance(processID, machineID, func(i *domain.Instance) { i.PID = pid })
}

func (s *MemStore) UpdateInstanceConfig(_ context.Context, processID, machineID int64, cfg domain.ConfigSet) error {
	return s.updateInstance(processID, machineID, func(i *domain.Instance) { i.Config = store.MergeConfig(i.Config, cfg) })
}

func (s *MemStore) SaveMachine(_ context.Context, m domain.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[m.ID] = m
	return nil
}

func (s *MemStore) GetMachine(_ context.Context, machineID int64) (domain.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[machineID]
	if !ok {
		return domain.Machine{}, fmt.Errorf("machine %d: %w", machineID, store.ErrNotFound)
	}
	return m, nil
}
