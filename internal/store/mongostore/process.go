package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/store"
)

func (s *MongoStore) SaveProcess(ctx context.Context, p domain.Process) error {
	p.UpdatedAt = time.Now()
	_, err := s.processes.ReplaceOne(ctx, bson.M{"_id": p.ID}, p, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save process: %w", err)
	}
	return nil
}

func (s *MongoStore) GetProcess(ctx context.Context, processID int64) (domain.Process, error) {
	var p domain.Process
	err := s.processes.FindOne(ctx, bson.M{"_id": processID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return p, fmt.Errorf("process %d: %w", processID, store.ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("find process: %w", err)
	}
	return p, nil
}

func (s *MongoStore) UpdateProcessState(ctx context.Context, processID int64, state domain.State) error {
	return s.updateOne(ctx, s.processes, bson.M{"_id": processID},
		bson.M{"state": state}, fmt.Sprintf("process %d", processID))
}

func (s *MongoStore) UpdateProcessConfig(ctx context.Context, processID int64, cfg domain.ConfigSet) error {
	set := configSet("config", cfg)
	if len(set) == 0 {
		return nil
	}
	return s.updateOne(ctx, s.processes, bson.M{"_id": processID}, set, fmt.Sprintf("process %d", processID))
}

func (s *MongoStore) SaveInstance(ctx context.Context, inst domain.Instance) error {
	inst.UpdatedAt = time.Now()
	id := instanceID(inst.ProcessID, inst.MachineID)
	_, err := s.instances.ReplaceOne(ctx, bson.M{"_id": id}, instanceDoc{ID: id, Instance: inst}, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

func (s *MongoStore) DeleteInstance(ctx context.Context, processID, machineID int64) error {
	_, err := s.instances.DeleteOne(ctx, bson.M{"_id": instanceID(processID, machineID)})
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

func (s *MongoStore) GetInstance(ctx context.Context, processID, machineID int64) (domain.Instance, error) {
	var doc instanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": instanceID(processID, machineID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Instance{}, fmt.Errorf("instance %d/%d: %w", processID, machineID, store.ErrNotFound)
	}
	if err != nil {
		return domain.Instance{}, fmt.Errorf("find instance: %w", err)
	}
	return doc.Instance, nil
}

func (s *MongoStore) ListInstances(ctx context.Context, processID int64) ([]domain.Instance, error) {
	cur, err := s.instances.Find(ctx, bson.M{"process_id": processID},
		options.Find().SetSort(bson.D{{Key: "machine_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	var docs []instanceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode instances: %w", err)
	}
	out := make([]domain.Instance, len(docs))
	for i, d := range docs {
		out[i] = d.Instance
	}
	return out, nil
}

func (s *MongoStore) ListInstancesByState(ctx context.Context, states ...domain.State) ([]domain.Instance, error) {
	cur, err := s.instances.Find(ctx, bson.M{"state": bson.M{"$in": states}},
		options.Find().SetSort(bson.D{{Key: "process_id", Value: 1}, {Key: "machine_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list instances by state: %w", err)
	}
	var docs []instanceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode instances: %w", err)
	}
	out := make([]domain.Instance, len(docs))
	for i, d := range docs {
		out[i] = d.Instance
	}
	return out, nil
}

func (s *MongoStore) UpdateInstanceState(ctx context.Context, processID, machineID int64, state domain.State) error {
	return s.updateOne(ctx, s.instances, bson.M{"_id": instanceID(processID, machineID)},
		bson.M{"state": state}, fmt.Sprintf("instance %d/%d", processID, machineID))
}

func (s *MongoStore) UpdateInstancePID(ctx context.Context, processID, machineID int64, pid string) error {
	return s.updateOne(ctx, s.instances, bson.M{"_id": instanceID(processID, machineID)},
		bson.M{"pid": pid}, fmt.Sprintf("instance %d/%d", processID, machineID))
}

func (s *MongoStore) UpdateInstanceConfig(ctx context.Context, processID, machineID int64, cfg domain.ConfigSet) error {
	set := configSet("config", cfg)
	if len(set) == 0 {
		return nil
	}
	return s.updateOne(ctx, s.instances, bson.M{"_id": instanceID(processID, machineID)},
		set, fmt.Sprintf("instance %d/%d", processID, machineID))
}

func (s *MongoStore) SaveMachine(ctx context.Context, m domain.Machine) error {
	_, err := s.machines.ReplaceOne(ctx, bson.M{"_id": m.ID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save machine: %w", err)
	}
	return nil
}

func (s *MongoStore) GetMachine(ctx context.Context, machineID int64) (domain.Machine, error) {
	var m domain.Machine
	err := s.machines.FindOne(ctx, bson.M{"_id": machineID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return m, fmt.Errorf("machine %d: %w", machineID, store.ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("find machine: %w", err)
	}
	return m, nil
}

func (s *MongoStore) updateOne(ctx context.Context, coll *mongo.Collection, filter, set bson.M, what string) error {
	set["updated_at"] = time.Now()
	res, err := coll.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}

// configSet builds a $set touching only the non-empty texts of cfg.
func configSet(prefix string, cfg domain.ConfigSet) bson.M {
	set := bson.M{}
	if cfg.Pipeline != "" {
		set[prefix+".pipeline"] = cfg.Pipeline
	}
	if cfg.JVMOptions != "" {
		set[prefix+".jvm_options"] = cfg.JVMOptions
	}
	if cfg.SystemYAML != "" {
		set[prefix+".system_yaml"] = cfg.SystemYAML
	}
	return set
}
