package cli

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/store/postgres"
	"github.com/Ramsey-B/fern/pkg/blocking"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/dedupe"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/intake"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/patients"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

// app owns the infrastructure shared by every command. Connections are
// opened by startup dependencies so that failures are retried with backoff.
type app struct {
	cfg     config.Config
	logger  ectologger.Logger
	zap     *zap.Logger
	startup *startup.Startup

	matching matching.Config
	blocking blocking.Config

	db        database.DB
	store     *postgres.Store
	redis     *redis.Client
	locker    locks.Locker
	producer  *kafka.Producer
	graph     *graph.Client
	emitter   *events.Emitter
	projector *graph.Projector

	stopTracing func(context.Context) error
}

type appOptions struct {
	migrate bool
	publish bool
}

// services is the resolution engine assembled on top of the store.
type services struct {
	engine   *matching.Engine
	blocker  *blocking.Blocker
	dedupe   *dedupe.Service
	merger   *merging.Engine
	matcher  *intake.Matcher
	patients *patients.Service
}

func newApp(cfg config.Config, opts appOptions) (*app, error) {
	matchingCfg, blockingCfg, err := cfg.Engine()
	if err != nil {
		return nil, err
	}

	logger, zl, err := logging.New(logging.Config{
		AppName: cfg.AppName,
		Level:   cfg.LogLevel,
		Pretty:  cfg.PrettyLogs,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		zap:      zl,
		startup:  startup.NewStartup(logger, cfg.StartupMaxAttempts),
		matching: matchingCfg,
		blocking: blockingCfg,
		locker:   locks.NewKeyedMutex(),
	}

	a.startup.AddDependency(startup.Dependency{
		Name:    "tracing",
		StartFn: a.startTracing,
		StopFn:  func(ctx context.Context) error { return a.stopTracing(ctx) },
	})
	a.startup.AddDependency(startup.Dependency{
		Name:    "postgres",
		StartFn: a.startPostgres,
		StopFn:  func(context.Context) error { return a.db.Close() },
	})
	if opts.migrate {
		a.startup.AddDependency(startup.Dependency{
			Name:     "migrations",
			Requires: []string{"postgres"},
			StartFn:  func(context.Context) error { return a.migrate() },
		})
	}
	if cfg.RedisEnabled {
		a.startup.AddDependency(startup.Dependency{
			Name:    "redis",
			StartFn: a.startRedis,
			StopFn:  func(context.Context) error { return a.redis.Close() },
		})
	}
	if opts.publish && cfg.KafkaEnabled {
		a.startup.AddDependency(startup.Dependency{
			Name:    "kafka-producer",
			StartFn: a.startProducer,
			StopFn:  func(context.Context) error { return a.producer.Close() },
		})
	}
	if opts.publish && cfg.GraphEnabled {
		a.startup.AddDependency(startup.Dependency{
			Name:    "graph",
			StartFn: a.startGraph,
			StopFn:  func(ctx context.Context) error { return a.graph.Close(ctx) },
		})
	}

	return a, nil
}

func (a *app) start(ctx context.Context) error {
	return a.startup.Start(ctx)
}

// close stops every started dependency and flushes the logger.
func (a *app) close(ctx context.Context) error {
	err := a.startup.Stop(ctx)
	_ = a.zap.Sync()
	return err
}

func (a *app) startTracing(ctx context.Context) error {
	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     a.cfg.TracingEnabled,
		ServiceName: a.cfg.AppName,
		Exporter:    a.cfg.TracingExporter,
		OTLP: exporters.OTLPConfig{
			Endpoint: a.cfg.TracingEndpoint,
			Protocol: a.cfg.TracingProtocol,
			Insecure: a.cfg.TracingInsecure,
			Headers:  exporters.ParseHeaders(a.cfg.TracingHeaders),
			Timeout:  10 * time.Second,
		},
	})
	if err != nil {
		return err
	}
	a.stopTracing = shutdown
	return nil
}

func (a *app) startPostgres(ctx context.Context) error {
	db, err := database.Open(ctx, database.Config{
		Host:            a.cfg.DatabaseHost,
		Port:            a.cfg.DatabasePort,
		User:            a.cfg.DatabaseUserName,
		Password:        a.cfg.DatabasePassword,
		Name:            a.cfg.DatabaseName,
		SSLMode:         a.cfg.DatabaseSSLMode,
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	}, a.logger)
	if err != nil {
		return err
	}
	a.db = db
	a.store = postgres.New(db, a.logger)
	return nil
}

func (a *app) migrate() error {
	migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             uint(max(a.cfg.DatabaseMigrationVersion, 0)),
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
	return migrations.MigratePostgres(a.db, a.cfg.DatabaseName)
}

func (a *app) startRedis(ctx context.Context) error {
	client, err := redis.NewClient(ctx, redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	a.locker = locks.NewRedisLocker(redis.NewLocker(client, ""), a.logger, a.cfg.LockTTL(), a.cfg.LockWait())
	return nil
}

func (a *app) startProducer(context.Context) error {
	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      a.cfg.KafkaBrokers,
		Topic:        a.cfg.KafkaOutputTopic,
		BatchSize:    a.cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(a.cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: a.cfg.KafkaRequiredAcks,
		Compression:  a.cfg.KafkaCompression,
	}, a.logger)
	if err != nil {
		return err
	}
	a.producer = producer
	a.emitter = events.NewEmitter(producer, a.logger)
	return nil
}

func (a *app) startGraph(ctx context.Context) error {
	client, err := graph.NewClient(graph.Config{
		Host:     a.cfg.GraphHost,
		Port:     a.cfg.GraphPort,
		Username: a.cfg.GraphUsername,
		Password: a.cfg.GraphPassword,
		Database: a.cfg.GraphDatabase,
	}, a.logger)
	if err != nil {
		return err
	}
	if err := client.VerifyConnectivity(ctx); err != nil {
		_ = client.Close(ctx)
		return err
	}
	if err := client.EnsureSchema(ctx); err != nil {
		_ = client.Close(ctx)
		return err
	}
	a.graph = client
	a.projector = graph.NewProjector(client, a.logger)
	return nil
}

// services builds the engine once the dependencies are up.
func (a *app) services() (*services, error) {
	engine, err := matching.NewEngine(a.logger, a.matching)
	if err != nil {
		return nil, err
	}
	blocker := blocking.NewBlocker(a.logger, a.blocking)

	return &services{
		engine:   engine,
		blocker:  blocker,
		dedupe:   dedupe.NewService(a.logger, a.store, engine, a.blocking, a.emitter, a.projector),
		merger:   merging.NewEngine(a.logger, a.store, a.locker, a.emitter, a.projector),
		matcher:  intake.NewMatcher(a.logger, a.store, engine, blocker, a.locker, a.emitter, a.cfg.Intake()),
		patients: patients.NewService(a.logger, a.store, a.locker),
	}, nil
}
