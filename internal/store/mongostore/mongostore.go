// Package mongostore persists tasks, processes and machines in MongoDB.
// A task document embeds its step grid, so creating a task and its steps is
// a single atomic insert.
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

const (
	tasksColl     = "tasks"
	processesColl = "processes"
	instancesColl = "instances"
	machinesColl  = "machines"
)

type Config struct {
	URI    string `yaml:"uri" json:"uri"`
	DBName string `yaml:"dbName" json:"dbName"`
}

type MongoStore struct {
	client    *mongo.Client
	tasks     *mongo.Collection
	processes *mongo.Collection
	instances *mongo.Collection
	machines  *mongo.Collection
}

var _ store.Store = (*MongoStore)(nil)

type taskDoc struct {
	domain.Task `bson:",inline"`
	Steps       []domain.Step `bson:"steps"`
}

type instanceDoc struct {
	ID              string `bson:"_id"`
	domain.Instance `bson:",inline"`
}

func instanceID(processID, machineID int64) string {
	return fmt.Sprintf("%d:%d", processID, machineID)
}

func New(ctx context.Context, cfg Config) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(cfg.DBName)
	s := &MongoStore{
		client:    client,
		tasks:     db.Collection(tasksColl),
		processes: db.Collection(processesColl),
		instances: db.Collection(instancesColl),
		machines:  db.Collection(machinesColl),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "process_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create tasks index: %w", err)
	}
	_, err = s.instances.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "process_id", Value: 1}, {Key: "machine_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create instances index: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) CreateTask(ctx context.Context, task domain.Task, steps []domain.Step) error {
	if steps == nil {
		steps = []domain.Step{}
	}
	_, err := s.tasks.InsertOne(ctx, taskDoc{Task: task, Steps: steps})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("task %s: %w", task.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *MongoStore) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	var doc taskDoc
	opts := options.FindOne().SetProjection(bson.M{"steps": 0})
	err := s.tasks.FindOne(ctx, bson.M{"_id": taskID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("find task: %w", err)
	}
	return doc.Task, nil
}

func (s *MongoStore) ListTasks(ctx context.Context, processID int64) ([]domain.Task, error) {
	opts := options.Find().
		SetProjection(bson.M{"steps": 0}).
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.tasks.Find(ctx, bson.M{"process_id": processID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var docs []taskDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	out := make([]domain.Task, len(docs))
	for i, d := range docs {
		out[i] = d.Task
	}
	return out, nil
}

func (s *MongoStore) TransitionTask(ctx context.Context, taskID string, status domain.TaskStatus, at time.Time) (bool, error) {
	set := bson.M{"status": status}
	if status.IsTerminal() {
		set["end_time"] = at
	}
	filter := bson.M{"_id": taskID, "status": bson.M{"$in": domain.TaskStatusesBefore(status)}}
	res, err := s.tasks.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, s.taskExists(ctx, taskID)
	}
	if status == domain.TaskRunning {
		_, err := s.tasks.UpdateOne(ctx,
			bson.M{"_id": taskID, "start_time": nil},
			bson.M{"$set": bson.M{"start_time": at}})
		if err != nil {
			return true, fmt.Errorf("stamp task start: %w", err)
		}
	}
	return true, nil
}

func (s *MongoStore) taskExists(ctx context.Context, taskID string) error {
	n, err := s.tasks.CountDocuments(ctx, bson.M{"_id": taskID})
	if err != nil {
		return fmt.Errorf("count task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) SetTaskError(ctx context.Context, taskID, msg string) error {
	res, err := s.tasks.UpdateOne(ctx, bson.M{"_id": taskID}, bson.M{"$set": bson.M{"error_message": msg}})
	if err != nil {
		return fmt.Errorf("update task error: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.tasks.DeleteOne(ctx, bson.M{"_id": taskID})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) ListSteps(ctx context.Context, taskID string) ([]domain.Step, error) {
	var doc taskDoc
	opts := options.FindOne().SetProjection(bson.M{"steps": 1})
	err := s.tasks.FindOne(ctx, bson.M{"_id": taskID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find steps: %w", err)
	}
	return doc.Steps, nil
}

func stepFilter(key domain.StepKey, extra bson.M) options.ArrayFilters {
	f := bson.M{"s.machine_id": key.MachineID, "s.step_kind": key.Kind}
	for k, v := range extra {
		f[k] = v
	}
	return options.ArrayFilters{Filters: []interface{}{f}}
}

func (s *MongoStore) TransitionStep(ctx context.Context, key domain.StepKey, status domain.StepStatus, at time.Time) (bool, error) {
	before := domain.StepStatusesBefore(status)
	set := bson.M{"steps.$[s].status": status}
	if status.IsTerminal() {
		set["steps.$[s].end_time"] = at
	}
	filter := bson.M{
		"_id": key.TaskID,
		"steps": bson.M{"$elemMatch": bson.M{
			"machine_id": key.MachineID,
			"step_kind":  key.Kind,
			"status":     bson.M{"$in": before},
		}},
	}
	opts := options.Update().SetArrayFilters(stepFilter(key, bson.M{"s.status": bson.M{"$in": before}}))
	res, err := s.tasks.UpdateOne(ctx, filter, bson.M{"$set": set}, opts)
	if err != nil {
		return false, fmt.Errorf("update step status: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, s.taskExists(ctx, key.TaskID)
	}
	if status == domain.StepRunning {
		opts := options.Update().SetArrayFilters(stepFilter(key, bson.M{"s.start_time": nil}))
		_, err := s.tasks.UpdateOne(ctx, bson.M{"_id": key.TaskID},
			bson.M{"$set": bson.M{"steps.$[s].start_time": at}}, opts)
		if err != nil {
			return true, fmt.Errorf("stamp step start: %w", err)
		}
	}
	return true, nil
}

func (s *MongoStore) SetStepError(ctx context.Context, key domain.StepKey, msg string) error {
	opts := options.Update().SetArrayFilters(stepFilter(key, nil))
	res, err := s.tasks.UpdateOne(ctx, bson.M{"_id": key.TaskID},
		bson.M{"$set": bson.M{"steps.$[s].error_message": msg}}, opts)
	if err != nil {
		return fmt.Errorf("update step error: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("task %s: %w", key.TaskID, store.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) DeleteSteps(ctx context.Context, taskID string) error {
	_, err := s.tasks.UpdateOne(ctx, bson.M{"_id": taskID}, bson.M{"$set": bson.M{"steps": []domain.Step{}}})
	if err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	return nil
}
