// Package config loads service configuration from a YAML file or a MongoDB
// document.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andrej220/logfleet/pkg/config/configstore"
	"github.com/andrej220/logfleet/pkg/config/filestore"
	"github.com/andrej220/logfleet/pkg/config/mongostore"
	"github.com/andrej220/logfleet/pkg/lg"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var ErrInvalidStoreType = errors.New("invalid store type")

// Config combines loading and saving with change notification. Stores that
// cannot watch return configstore.ErrWatchUnsupported.
type Config interface {
	configstore.ConfigStore
	Watch(ctx context.Context, onChange func()) error
}

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	ID       string `yaml:"id" json:"id"`
}

func ParseStoreType(s string) (StoreType, error) {
	switch strings.ToLower(s) {
	case "", "file":
		return FileStore, nil
	case "mongo", "mongodb":
		return MongoStore, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidStoreType, s)
	}
}

func NewStore(ctx context.Context, storeType StoreType, cfg any, logger lg.Logger) (Config, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path, logger), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(ctx, mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}
