package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/logfleet/pkg/config/configstore"
)

var _ configstore.ConfigStore = (*MongoStore)(nil)

// MongoStore keeps one config document, addressed by the service name.
type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	ID         string
}

func New(ctx context.Context, uri, dbName, collName, id string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}
	return &MongoStore{
		Client:     client,
		Collection: client.Database(dbName).Collection(collName),
		ID:         id,
	}, nil
}

func (m *MongoStore) Load(ctx context.Context, out any) error {
	res := m.Collection.FindOne(ctx, bson.M{"_id": m.ID})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("config document %q not found", m.ID)
		}
		return fmt.Errorf("find config document: %w", err)
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("decode config document: %w", err)
	}
	return nil
}

func (m *MongoStore) Save(ctx context.Context, in any) error {
	if in == nil {
		return fmt.Errorf("save: input parameter must not be nil")
	}
	_, err := m.Collection.ReplaceOne(ctx, bson.M{"_id": m.ID}, in, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save config document: %w", err)
	}
	return nil
}

func (m *MongoStore) Watch(context.Context, func()) error {
	return configstore.ErrWatchUnsupported
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}
