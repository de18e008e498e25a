package main

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/logfleet/internal/command"
	"github.com/andrej220/logfleet/internal/executor"
	"github.com/andrej220/logfleet/internal/monitor"
	"github.com/andrej220/logfleet/internal/store/mongostore"
	"github.com/andrej220/logfleet/internal/store/pgstore"
)

const SERVICENAME = "fleetd"
const CONFIGFILENAME = "config.yaml"
const PROJECTNAME = "logfleet"

type PoolConfig struct {
	Workers   int `yaml:"workers" json:"workers" validate:"gte=0"`
	QueueSize int `yaml:"queue_size" json:"queue_size" validate:"gte=0"`
}

type FleetConfig struct {
	Service struct {
		Name string `yaml:"name" json:"name"`
		Port string `yaml:"port" json:"port" validate:"required,numeric"`
	} `yaml:"service" json:"service"`

	Store struct {
		Backend  string            `yaml:"backend" json:"backend" validate:"oneof=memory mongo postgres"`
		Mongo    mongostore.Config `yaml:"mongo" json:"mongo"`
		Postgres pgstore.Config    `yaml:"postgres" json:"postgres"`
	} `yaml:"store" json:"store"`

	Deploy command.Config  `yaml:"deploy" json:"deploy"`
	SSH    executor.Config `yaml:"ssh" json:"ssh"`

	Pools struct {
		Orchestration PoolConfig `yaml:"orchestration" json:"orchestration"`
		Command       PoolConfig `yaml:"command" json:"command"`
	} `yaml:"pools" json:"pools"`

	Monitor monitor.Config `yaml:"monitor" json:"monitor"`

	Kafka struct {
		Enabled      bool   `yaml:"enabled" json:"enabled"`
		Brokers      string `yaml:"brokers" json:"brokers" validate:"required_if=Enabled true"`
		RequestTopic string `yaml:"request_topic" json:"request_topic"`
		GroupID      string `yaml:"group_id" json:"group_id"`
		EventTopic   string `yaml:"event_topic" json:"event_topic"`
	} `yaml:"kafka" json:"kafka"`
}

func NewFleetConfig() *FleetConfig {
	cfg := &FleetConfig{}
	cfg.Service.Name = SERVICENAME
	cfg.Service.Port = "8090"
	cfg.Store.Backend = "memory"
	cfg.Deploy = command.Config{
		DeployRoot:  "logstash",
		PackagePath: "/opt/logfleet/packages/logstash.tar.gz",
		Timings:     command.DefaultTimings(),
	}
	cfg.SSH = executor.DefaultConfig()
	cfg.Pools.Orchestration = PoolConfig{Workers: 8, QueueSize: 64}
	cfg.Pools.Command = PoolConfig{Workers: 32, QueueSize: 256}
	cfg.Monitor = monitor.DefaultConfig()
	cfg.Kafka.RequestTopic = "logfleet-deploy-requests"
	cfg.Kafka.GroupID = SERVICENAME
	cfg.Kafka.EventTopic = "logfleet-task-events"
	return cfg
}

func (c *FleetConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	switch {
	case c.Store.Backend == "mongo" && c.Store.Mongo.URI == "":
		return errors.New("store.mongo.uri is required for the mongo backend")
	case c.Store.Backend == "postgres" && c.Store.Postgres.DSN == "":
		return errors.New("store.postgres.dsn is required for the postgres backend")
	case c.Deploy.DeployRoot == "" || c.Deploy.PackagePath == "":
		return errors.New("deploy.deploy_root and deploy.package_path are required")
	}
	return nil
}

func (c *FleetConfig) brokers() []string {
	var out []string
	for _, b := range strings.Split(c.Kafka.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
