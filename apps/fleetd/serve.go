package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/andrej220/logfleet/internal/command"
	"github.com/andrej220/logfleet/internal/configguard"
	"github.com/andrej220/logfleet/internal/deploy"
	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/executor"
	"github.com/andrej220/logfleet/internal/metrics"
	"github.com/andrej220/logfleet/internal/monitor"
	"github.com/andrej220/logfleet/internal/procstate"
	"github.com/andrej220/logfleet/internal/serverutil"
	"github.com/andrej220/logfleet/internal/store"
	"github.com/andrej220/logfleet/internal/store/memstore"
	"github.com/andrej220/logfleet/internal/store/mongostore"
	"github.com/andrej220/logfleet/internal/store/pgstore"
	"github.com/andrej220/logfleet/internal/tracker"
	"github.com/andrej220/logfleet/pkg/config"
	"github.com/andrej220/logfleet/pkg/config/configstore"
	"github.com/andrej220/logfleet/pkg/consumer"
	"github.com/andrej220/logfleet/pkg/events"
	"github.com/andrej220/logfleet/pkg/lg"
	datamodels "github.com/andrej220/logfleet/pkg/shared-models"
	"github.com/andrej220/logfleet/pkg/workerpool"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the optional Kafka request consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, flags)
		},
	}
}

// loadConfig reads the service config from the configured store. The
// returned store is used for change notification.
func loadConfig(ctx context.Context, flags *rootFlags, logger lg.Logger) (*FleetConfig, config.Config, error) {
	kind, err := config.ParseStoreType(flags.configStore)
	if err != nil {
		return nil, nil, err
	}
	var storeCfg any = &config.FileConfig{Path: flags.configPath}
	if kind == config.MongoStore {
		storeCfg = &config.MongoConfig{
			URI:      os.Getenv("LOGFLEET_CONFIG_MONGO_URI"),
			DBName:   PROJECTNAME,
			CollName: "config",
			ID:       SERVICENAME,
		}
	}
	cs, err := config.NewStore(ctx, kind, storeCfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open config store: %w", err)
	}
	cfg := NewFleetConfig()
	if err := cs.Load(ctx, cfg); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cs, nil
}

func openStore(ctx context.Context, cfg *FleetConfig) (store.Store, error) {
	switch cfg.Store.Backend {
	case "mongo":
		return mongostore.New(ctx, cfg.Store.Mongo)
	case "postgres":
		return pgstore.New(ctx, cfg.Store.Postgres)
	default:
		return memstore.New(), nil
	}
}

type app struct {
	fleet   *fleet
	monitor *monitor.Monitor
	cleanup []func()
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// build wires the orchestration stack on top of st and remote.
func build(cfg *FleetConfig, st store.Store, remote executor.RemoteExecutor, publisher events.Publisher,
	reg prometheus.Registerer, logger lg.Logger) *app {
	a := &app{}
	orch := workerpool.NewPool[string]("orchestration",
		cfg.Pools.Orchestration.Workers, cfg.Pools.Orchestration.QueueSize, logger)
	cmds := workerpool.NewPool[domain.Machine]("command",
		cfg.Pools.Command.Workers, cfg.Pools.Command.QueueSize, logger)
	a.cleanup = append(a.cleanup, orch.Stop, cmds.Stop)
	if reg != nil {
		metrics.RegisterPool(reg, orch)
		metrics.RegisterPool(reg, cmds)
	}

	tr := tracker.New(st, orch, logger, tracker.WithEvents(publisher))
	factory := command.NewFactory(cfg.Deploy, remote, st, store.ConfigReader{Processes: st}, logger)
	mgr := procstate.NewManager(factory, tr, st, cmds, logger)
	svc := deploy.NewService(tr, mgr, configguard.New(st), st, logger)

	a.fleet = &fleet{svc: svc, tracker: tr, machines: st, logger: logger}
	a.monitor = monitor.New(cfg.Monitor, st, st, factory, publisher, logger)
	return a
}

func serve(ctx context.Context, flags *rootFlags) error {
	logger := flags.logger()
	defer logger.Sync()
	ctx = lg.Attach(ctx, logger)

	cfg, cs, err := loadConfig(ctx, flags, logger)
	if err != nil {
		return err
	}
	err = cs.Watch(ctx, func() {
		logger.Warn("config file changed, restart to apply", lg.String("path", flags.configPath))
	})
	if err != nil && !errors.Is(err, configstore.ErrWatchUnsupported) {
		logger.Warn("config watch disabled", lg.Err(err))
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer st.Close(context.Background())

	remote := executor.NewSSHRemote(cfg.SSH, logger)
	defer remote.Close()

	publisher := events.Nop
	if cfg.Kafka.Enabled {
		kp := events.NewKafkaPublisher(events.Config{Brokers: strings.Join(cfg.brokers(), ","), Topic: cfg.Kafka.EventTopic}, logger)
		defer kp.Close()
		publisher = kp
	}

	a := build(cfg, st, remote, publisher, prometheus.DefaultRegisterer, logger)
	defer a.close()

	if cfg.Kafka.Enabled {
		c := consumer.NewConsumer[datamodels.DeployRequest](consumer.Config{
			Brokers: cfg.brokers(),
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.RequestTopic,
		}, logger)
		defer c.Close()
		go func() {
			if err := c.Run(ctx, a.fleet.handle); err != nil {
				logger.Error("request consumer stopped", lg.Err(err))
			}
		}()
	}

	if cfg.Monitor.Enabled {
		go a.monitor.Run(ctx)
	}

	sc := serverutil.DefaultServerConfig()
	sc.Port = cfg.Service.Port
	sc.Logger = logger
	logger.Info("fleetd ready",
		lg.String("store", cfg.Store.Backend),
		lg.Bool("kafka", cfg.Kafka.Enabled),
		lg.Bool("monitor", cfg.Monitor.Enabled),
		lg.String("deploy_root", cfg.Deploy.DeployRoot))
	return serverutil.RunServer(ctx, a.fleet.routes(promhttp.Handler()), sc)
}
