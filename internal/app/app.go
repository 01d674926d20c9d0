// Package app connects backing services and assembles the governance
// services shared by every command.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/internal/repositories/memory"
	"github.com/Ramsey-B/fern/internal/repositories/postgres"
	"github.com/Ramsey-B/fern/pkg/backlog"
	"github.com/Ramsey-B/fern/pkg/candidates"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/fragments"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/graphsync"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/hypothesis"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/routes"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tasks"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DependencyPostgres = "postgres"
	DependencyRedis    = "redis"
	DependencyGraph    = "graph"
	DependencyKafka    = "kafka"
)

type Options struct {
	// Migrate runs database migrations while connecting
	Migrate bool
}

type App struct {
	Config *config.Config
	Logger ectologger.Logger

	DB        database.DB
	Migration *database.MigrationResult
	Store     *repositories.Store
	Graph     *graph.Client
	Redis     *redis.Client
	Producer  *kafka.Producer

	Emitter    *events.Emitter
	Machine    *candidates.StateMachine
	Scanner    *matching.Scanner
	Backlog    *backlog.Monitor
	GraphSync  *graphsync.Coordinator
	Candidates *candidates.Service
	Hypotheses *hypothesis.Gate
	Merges     *merging.Governor
	Tasks      *tasks.Runner
	Scheduler  *scheduler.SyncScheduler
	Health     *health.Checker

	startup         *startup.Startup
	shutdownTracing func(context.Context) error
}

// New connects dependencies with retry and builds the services. Graph, redis
// and kafka are optional: when they cannot be reached the app runs degraded.
func New(ctx context.Context, cfg *config.Config, logger ectologger.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	shutdown, err := tracing.Setup(ctx, tracing.ProviderConfig{
		ServiceName:  cfg.AppName,
		Exporter:     cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPProtocol: cfg.OTLPProtocol,
		OTLPInsecure: cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.shutdownTracing = shutdown

	a.startup = startup.NewStartup(logger, cfg.StartupMaxAttempts)
	a.addDependencies(opts)
	if err := a.startup.Start(ctx); err != nil {
		_ = a.shutdownTracing(ctx)
		return nil, err
	}
	if degraded := a.startup.Degraded(); len(degraded) > 0 {
		logger.WithContext(ctx).WithField("degraded", degraded).Warn("Starting with optional dependencies unavailable")
	}

	a.build()
	return a, nil
}

func (a *App) addDependencies(opts Options) {
	cfg := a.Config

	a.startup.AddDependency(&startup.Dependency{
		Name:    DependencyPostgres,
		OnStart: func(ctx context.Context) error { return a.openStore(ctx, opts) },
		OnStop: func(context.Context) error {
			if a.DB == nil {
				return nil
			}
			return a.DB.Close()
		},
	})

	if cfg.RedisHost != "" {
		a.startup.AddDependency(&startup.Dependency{
			Name:     DependencyRedis,
			Optional: true,
			OnStart: func(context.Context) error {
				client, err := redis.NewClient(redis.Config{
					Host:        cfg.RedisHost,
					Port:        cfg.RedisPort,
					Password:    cfg.RedisPassword,
					DB:          cfg.RedisDB,
					DialTimeout: cfg.RedisDialTimeout,
				}, a.Logger)
				if err != nil {
					return err
				}
				a.Redis = client
				return nil
			},
			OnStop: func(context.Context) error { return a.Redis.Close() },
		})
	}

	if cfg.GraphHost != "" {
		a.startup.AddDependency(&startup.Dependency{
			Name:     DependencyGraph,
			Optional: true,
			OnStart: func(ctx context.Context) error {
				if a.Graph == nil {
					client, err := graph.NewClient(graph.Config{
						Host:     cfg.GraphHost,
						Port:     cfg.GraphPort,
						Username: cfg.GraphUser,
						Password: cfg.GraphPassword,
					}, a.Logger)
					if err != nil {
						return err
					}
					// kept even when unreachable; the sync coordinator retries it
					a.Graph = client
				}
				return a.Graph.VerifyConnectivity(ctx)
			},
			OnStop: func(ctx context.Context) error { return a.Graph.Close(ctx) },
		})
	}

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		a.startup.AddDependency(&startup.Dependency{
			Name:     DependencyKafka,
			Optional: true,
			OnStart: func(context.Context) error {
				a.Producer = kafka.NewProducer(kafka.ProducerConfig{
					Brokers:      brokers,
					Topic:        cfg.KafkaEventsTopic,
					BatchSize:    cfg.KafkaProducerBatchSize,
					BatchTimeout: cfg.KafkaProducerBatchTimeout,
					RequiredAcks: cfg.KafkaRequiredAcks,
					Compression:  cfg.KafkaCompression,
				}, a.Logger)
				return nil
			},
			OnStop: func(context.Context) error { return a.Producer.Close() },
		})
	}
}

func (a *App) openStore(ctx context.Context, opts Options) error {
	cfg := a.Config
	if cfg.DatabaseDriver == "memory" {
		a.Store = memory.NewStore()
		return nil
	}

	db, err := database.Open(ctx, database.ConnectionConfig{
		Driver:          cfg.DatabaseDriver,
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		User:            cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}, a.Logger)
	if err != nil {
		return err
	}

	if opts.Migrate {
		result, err := a.migrate(db)
		if err != nil {
			_ = db.Close()
			return err
		}
		a.Migration = result
	}

	retry := database.DefaultRetryConfig()
	if cfg.DatabaseRetryAttempts > 0 {
		retry.MaxAttempts = cfg.DatabaseRetryAttempts
	}
	if err := metrics.RegisterDBStats(db.SQL(), cfg.DatabaseName); err != nil {
		a.Logger.WithContext(ctx).WithError(err).Warn("Failed to register database pool metrics")
	}
	a.DB = db
	a.Store = postgres.NewStore(db, a.Logger, database.NewRetrier(retry, a.Logger))
	return nil
}

func (a *App) migrate(db database.DB) (*database.MigrationResult, error) {
	cfg := a.Config
	migrations := database.NewMigrationService(a.Logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             cfg.DatabaseMigrationVersion,
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return migrations.MigratePostgres(db.SQL(), cfg.DatabaseName)
}

func (a *App) build() {
	cfg := a.Config
	logger := a.Logger

	var publisher events.Publisher
	if a.Producer != nil {
		publisher = a.Producer
	}
	a.Emitter = events.NewEmitter(publisher, logger)

	a.Machine = candidates.NewStateMachine(a.Store, logger)
	a.Scanner = matching.NewScanner(matching.NewHybrid(matching.DefaultHybridConfig()), logger, matching.ScanConfig{
		Timeout:    cfg.ScanTimeout,
		SlowBudget: cfg.SlowScanBudget,
		Workers:    cfg.ScanWorkers,
	})
	a.Backlog = backlog.NewMonitor(a.Store.Candidates, logger, backlog.Config{
		ThresholdDays:  cfg.BacklogThresholdDays,
		ThresholdCount: cfg.BacklogThresholdCount,
		Window:         cfg.BacklogWindow,
	})

	var writers []graphsync.Writer
	if a.Graph != nil {
		writers = append(writers, graph.NewCodeProjection(cfg.GraphEngineName, a.Graph, logger))
	}
	a.GraphSync = graphsync.NewCoordinator(a.Store.Canonical, writers, logger, graphsync.Config{
		CheckTTL:         cfg.GraphCheckTTL,
		WriteTimeout:     cfg.GraphWriteTimeout,
		DefaultBatchSize: cfg.GraphSyncBatchSize,
	})

	a.Candidates = candidates.NewService(logger, a.Store, a.Machine, a.Scanner, a.Backlog, a.GraphSync, a.Emitter, candidates.Config{
		MaxLabelLength:     cfg.MaxLabelLength,
		PreHocThreshold:    cfg.PreHocThreshold,
		BacklogGateEnabled: cfg.BacklogGateEnabled,
		AutoPromote:        cfg.AutoPromote,
	})

	var lookup hypothesis.FragmentLookup
	if cfg.FragmentServiceURL != "" {
		lookup = fragments.NewClient(fragments.Config{
			BaseURL: cfg.FragmentServiceURL,
			Timeout: cfg.FragmentServiceTimeout,
		}, logger)
	}
	a.Hypotheses = hypothesis.NewGate(logger, a.Store, a.Machine, lookup, a.Candidates, a.Emitter)

	var mergeLocker merging.Locker
	var syncLocker scheduler.Locker
	if a.Redis != nil {
		locker := redis.NewLocker(a.Redis, cfg.RedisKeyPrefix)
		mergeLocker, syncLocker = locker, locker
	}
	a.Merges = merging.NewGovernor(logger, a.Store, a.Machine, mergeLocker, a.Emitter, merging.Config{
		EvidencePolicy: models.EvidencePolicy(cfg.MergeEvidencePolicy),
		LockTTL:        cfg.MergeLockTTL,
	})

	a.Tasks = tasks.NewRunner(a.Store.Tasks, a.Candidates, a.Scanner, tasks.Config{
		WorkerCount:    cfg.TaskWorkerCount,
		PollInterval:   cfg.TaskPollInterval,
		AuditThreshold: cfg.PostHocThreshold,
		StaleAfter:     cfg.TaskStaleAfter,
	}, logger)
	a.Scheduler = scheduler.NewSyncScheduler(a.Store.Canonical, a.GraphSync, syncLocker, scheduler.Config{
		PollInterval: cfg.SchedulerPollInterval,
		LockTTL:      cfg.SchedulerLockTTL,
		BatchSize:    cfg.GraphSyncBatchSize,
		ProjectLimit: cfg.SchedulerProjectLimit,
	}, logger)

	a.Health = health.NewChecker(cfg.Version)
	if a.Store.Ping != nil {
		a.Health.AddCheck(health.Check{Name: DependencyPostgres, Ping: a.Store.Ping})
	}
	if cfg.RedisHost != "" {
		check := health.Check{Name: DependencyRedis, Optional: true}
		if a.Redis != nil {
			check.Ping = a.Redis.Ping
		}
		a.Health.AddCheck(check)
	}
	if a.Graph != nil {
		a.Health.AddCheck(health.Check{Name: DependencyGraph, Optional: true, Ping: a.Graph.VerifyConnectivity})
	}
}

// Services returns the collaborators of the HTTP routes
func (a *App) Services() routes.Services {
	return routes.Services{
		Candidates:  a.Candidates,
		Hypotheses:  a.Hypotheses,
		Merges:      a.Merges,
		Backlog:     a.Backlog,
		GraphSync:   a.GraphSync,
		Tasks:       a.Tasks,
		Health:      a.Health,
		ServiceName: a.Config.AppName,
	}
}

// NewIntakeConsumer reads producer batches into the candidate service. It
// returns nil when kafka is not configured.
func (a *App) NewIntakeConsumer() *kafka.Consumer {
	brokers := a.Config.Brokers()
	if len(brokers) == 0 {
		return nil
	}
	return kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:         brokers,
		Topic:           a.Config.KafkaIntakeTopic,
		ConsumerGroup:   a.Config.KafkaConsumerGroup,
		HandlerAttempts: a.Config.KafkaIntakeAttempts,
		RetryBackoff:    a.Config.KafkaIntakeRetryBackoff,
	}, a.Logger, a.Candidates.HandleIntake)
}

// Close stops dependencies in reverse order
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.shutdownTimeout())
	defer cancel()

	err := a.startup.Stop(ctx)
	// a graph client that never connected is not stopped by startup
	if a.Graph != nil && a.startup.Status(DependencyGraph) == startup.StartupStatusDegraded {
		err = errors.Join(err, a.Graph.Close(ctx))
	}
	if a.shutdownTracing != nil {
		err = errors.Join(err, a.shutdownTracing(ctx))
	}
	return err
}

func (a *App) shutdownTimeout() time.Duration {
	if a.Config.ShutdownTimeout > 0 {
		return a.Config.ShutdownTimeout
	}
	return 15 * time.Second
}
