package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/store"
)

func (s *PGStore) SaveProcess(ctx context.Context, p domain.Process) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processes (id, name, module, pipeline, jvm_options, system_yaml, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, module = EXCLUDED.module,
			pipeline = EXCLUDED.pipeline, jvm_options = EXCLUDED.jvm_options, system_yaml = EXCLUDED.system_yaml,
			state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`, p.ID, p.Name, p.Module, p.Config.Pipeline, p.Config.JVMOptions, p.Config.SystemYAML, string(p.State), stamp(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert process: %w", err)
	}
	return nil
}

func (s *PGStore) GetProcess(ctx context.Context, processID int64) (domain.Process, error) {
	var p domain.Process
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, module, pipeline, jvm_options, system_yaml, state, updated_at
		FROM processes WHERE id = $1
	`, processID).Scan(&p.ID, &p.Name, &p.Module, &p.Config.Pipeline, &p.Config.JVMOptions, &p.Config.SystemYAML, &state, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, notFound("process %d", processID)
	}
	if err != nil {
		return p, fmt.Errorf("scan process: %w", err)
	}
	p.State = domain.State(state)
	return p, nil
}

func (s *PGStore) UpdateProcessState(ctx context.Context, processID int64, state domain.State) error {
	return s.exec1(ctx, fmt.Sprintf("process %d", processID),
		`UPDATE processes SET state = $2, updated_at = $3 WHERE id = $1`,
		processID, string(state), time.Now().UTC())
}

// Empty fields of cfg keep the stored value.
func (s *PGStore) UpdateProcessConfig(ctx context.Context, processID int64, cfg domain.ConfigSet) error {
	return s.exec1(ctx, fmt.Sprintf("process %d", processID), `
		UPDATE processes SET
			pipeline = COALESCE(NULLIF($2, ''), pipeline),
			jvm_options = COALESCE(NULLIF($3, ''), jvm_options),
			system_yaml = COALESCE(NULLIF($4, ''), system_yaml),
			updated_at = $5
		WHERE id = $1
	`, processID, cfg.Pipeline, cfg.JVMOptions, cfg.SystemYAML, time.Now().UTC())
}

func (s *PGStore) SaveInstance(ctx context.Context, in domain.Instance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instances (process_id, machine_id, state, pid, pipeline, jvm_options, system_yaml, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (process_id, machine_id) DO UPDATE SET
			state = EXCLUDED.state, pid = EXCLUDED.pid,
			pipeline = EXCLUDED.pipeline, jvm_options = EXCLUDED.jvm_options, system_yaml = EXCLUDED.system_yaml,
			updated_at = EXCLUDED.updated_at
	`, in.ProcessID, in.MachineID, string(in.State), in.PID,
		in.Config.Pipeline, in.Config.JVMOptions, in.Config.SystemYAML, stamp(in.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteInstance(ctx context.Context, processID, machineID int64) error {
	return s.exec1(ctx, fmt.Sprintf("instance %d/%d", processID, machineID),
		`DELETE FROM instances WHERE process_id = $1 AND machine_id = $2`, processID, machineID)
}

const instanceColumns = `process_id, machine_id, state, pid, pipeline, jvm_options, system_yaml, updated_at`

func scanInstance(row pgx.Row) (domain.Instance, error) {
	var in domain.Instance
	var state string
	err := row.Scan(&in.ProcessID, &in.MachineID, &state, &in.PID,
		&in.Config.Pipeline, &in.Config.JVMOptions, &in.Config.SystemYAML, &in.UpdatedAt)
	in.State = domain.State(state)
	return in, err
}

func (s *PGStore) GetInstance(ctx context.Context, processID, machineID int64) (domain.Instance, error) {
	in, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE process_id = $1 AND machine_id = $2`,
		processID, machineID))
	if errors.Is(err, pgx.ErrNoRows) {
		return in, notFound("instance %d/%d", processID, machineID)
	}
	if err != nil {
		return in, fmt.Errorf("scan instance: %w", err)
	}
	return in, nil
}

func (s *PGStore) ListInstances(ctx context.Context, processID int64) ([]domain.Instance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE process_id = $1 ORDER BY machine_id`, processID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []domain.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *PGStore) ListInstancesByState(ctx context.Context, states ...domain.State) ([]domain.Instance, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE state = ANY($1) ORDER BY process_id, machine_id`, names)
	if err != nil {
		return nil, fmt.Errorf("list instances by state: %w", err)
	}
	defer rows.Close()

	var out []domain.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateInstanceState(ctx context.Context, processID, machineID int64, state domain.State) error {
	return s.exec1(ctx, fmt.Sprintf("instance %d/%d", processID, machineID),
		`UPDATE instances SET state = $3, updated_at = $4 WHERE process_id = $1 AND machine_id = $2`,
		processID, machineID, string(state), time.Now().UTC())
}

func (s *PGStore) UpdateInstancePID(ctx context.Context, processID, machineID int64, pid string) error {
	return s.exec1(ctx, fmt.Sprintf("instance %d/%d", processID, machineID),
		`UPDATE instances SET pid = $3, updated_at = $4 WHERE process_id = $1 AND machine_id = $2`,
		processID, machineID, pid, time.Now().UTC())
}

func (s *PGStore) UpdateInstanceConfig(ctx context.Context, processID, machineID int64, cfg domain.ConfigSet) error {
	return s.exec1(ctx, fmt.Sprintf("instance %d/%d", processID, machineID), `
		UPDATE instances SET
			pipeline = COALESCE(NULLIF($3, ''), pipeline),
			jvm_options = COALESCE(NULLIF($4, ''), jvm_options),
			system_yaml = COALESCE(NULLIF($5, ''), system_yaml),
			updated_at = $6
		WHERE process_id = $1 AND machine_id = $2
	`, processID, machineID, cfg.Pipeline, cfg.JVMOptions, cfg.SystemYAML, time.Now().UTC())
}

func (s *PGStore) SaveMachine(ctx context.Context, m domain.Machine) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO machines (id, name, host, port, username, password, private_key_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, host = EXCLUDED.host, port = EXCLUDED.port,
			username = EXCLUDED.username, password = EXCLUDED.password,
			private_key_path = EXCLUDED.private_key_path
	`, m.ID, m.Name, m.Host, m.Port, m.Username, m.Password, m.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("upsert machine: %w", err)
	}
	return nil
}

func (s *PGStore) GetMachine(ctx context.Context, machineID int64) (domain.Machine, error) {
	var m domain.Machine
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, host, port, username, password, private_key_path
		FROM machines WHERE id = $1
	`, machineID).Scan(&m.ID, &m.Name, &m.Host, &m.Port, &m.Username, &m.Password, &m.PrivateKeyPath)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, notFound("machine %d", machineID)
	}
	if err != nil {
		return m, fmt.Errorf("scan machine: %w", err)
	}
	return m, nil
}

// exec1 runs a statement that must touch at least one row.
func (s *PGStore) exec1(ctx context.Context, what, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("%s", what)
	}
	return nil
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), store.ErrNotFound)
}
