package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/Ramsey-B/sorrel/config"
	"github.com/Ramsey-B/sorrel/internal/database"
	dedupgrouprepo "github.com/Ramsey-B/sorrel/internal/repositories/dedup"
	recordrepo "github.com/Ramsey-B/sorrel/internal/repositories/record"
	"github.com/Ramsey-B/sorrel/pkg/events"
	"github.com/Ramsey-B/sorrel/pkg/graph"
	"github.com/Ramsey-B/sorrel/pkg/kafka"
	"github.com/Ramsey-B/sorrel/pkg/matching"
	"github.com/Ramsey-B/sorrel/pkg/merging"
	"github.com/Ramsey-B/sorrel/pkg/metadata"
	"github.com/Ramsey-B/sorrel/pkg/processor"
	"github.com/Ramsey-B/sorrel/pkg/repair"
	"github.com/Ramsey-B/sorrel/pkg/storage"
)

// app bundles the wired service components shared by the commands
type app struct {
	cfg       config.Config
	logger    ectologger.Logger
	db        *sqlx.DB
	dbi       database.DB
	records   storage.RecordStore
	groups    storage.DedupStore
	factory   *metadata.JSONFactory
	matcher   *matching.Matcher
	search    *matching.Engine
	merger    *merging.Engine
	processor *processor.Processor
	checker   *repair.Checker
	producer  *kafka.Producer
	graph     *graph.Client
}

func loadConfig() (config.Config, error) {
	// .env is optional; real deployments configure through the environment
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) ectologger.Logger {
	return ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		var out []byte
		var err error
		if cfg.PrettyLogs {
			out, err = json.MarshalIndent(msg, "", "  ")
		} else {
			out, err = json.Marshal(msg)
		}
		if err != nil {
			return
		}
		fmt.Fprintln(os.Stdout, string(out))
	})
}

func connectDatabase(cfg config.Config, logger ectologger.Logger) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName,
		cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode,
	)

	var db *sqlx.DB
	var err error
	for attempt := 0; attempt <= cfg.DatabaseReconnectRetryCount; attempt++ {
		db, err = sqlx.Connect(cfg.DatabaseDriver, dsn)
		if err == nil {
			break
		}
		logger.WithError(err).Warnf("Database connection attempt %d failed", attempt+1)
		time.Sleep(time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	return db, nil
}

func runMigrations(cfg config.Config, logger ectologger.Logger, db *sqlx.DB) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	ms := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return ms.Migrate(cfg.DatabaseName, driver)
}

// newApp loads config and wires the full dedup stack
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	db, err := connectDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(cfg, logger, db); err != nil {
		db.Close()
		return nil, err
	}

	dbi := database.NewDatabaseInstance(db, logger)
	records := recordrepo.NewRepository(dbi, logger)
	groups := dedupgrouprepo.NewRepository(dbi, logger)

	factory, err := metadata.NewJSONFactory()
	if err != nil {
		db.Close()
		return nil, err
	}
	if cfg.FieldMappingsPath != "" {
		if err := factory.LoadMappings(cfg.FieldMappingsPath); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load field mappings: %w", err)
		}
	}

	matcher := matching.NewMatcher(logger, factory, cfg.FormatAliasMap())
	search := matching.NewEngine(logger, records, groups, matcher, matching.EngineConfig{
		MaxCandidates:    cfg.DedupMaxCandidates,
		MaxMatchAttempts: cfg.DedupMaxAttempts,
	})

	var notifiers []merging.Notifier
	a := &app{}

	if cfg.KafkaProducerEnabled {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		notifiers = append(notifiers, events.NewEmitter(producer, logger))
		a.producer = producer
	}

	if cfg.GraphDBEnabled {
		client, err := graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		notifiers = append(notifiers, graph.NewProjectionService(client, logger))
		a.graph = client
	}

	merger := merging.NewEngine(logger, records, groups, matcher, factory, notifiers...)
	proc := processor.NewProcessor(logger, records, factory, search, merger, cfg.DedupDisabledSources)
	checker := repair.NewChecker(logger, records, groups, merger)

	a.cfg = cfg
	a.logger = logger
	a.db = db
	a.dbi = dbi
	a.records = records
	a.groups = groups
	a.factory = factory
	a.matcher = matcher
	a.search = search
	a.merger = merger
	a.processor = proc
	a.checker = checker

	if err := a.registerDependencies(); err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

// registerDependencies exposes the request-scoped services to the route
// handlers
func (a *app) registerDependencies() error {
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}

	if err := ectoinject.RegisterInstance[ectologger.Logger](container, a.logger); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[storage.RecordStore](container, a.records); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[storage.DedupStore](container, a.groups); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*processor.Processor](container, a.processor); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*merging.Engine](container, a.merger); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*repair.Checker](container, a.checker); err != nil {
		return err
	}
	return nil
}

func (a *app) close() {
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.graph != nil {
		_ = a.graph.Close(context.Background())
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
