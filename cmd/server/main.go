package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectoinject/ectocontainer"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Ramsey-B/atlas/config"
	"github.com/Ramsey-B/atlas/internal/repositories/matchcandidate"
	mergerepo "github.com/Ramsey-B/atlas/internal/repositories/merge"
	"github.com/Ramsey-B/atlas/internal/store"
	"github.com/Ramsey-B/atlas/pkg/conflict"
	"github.com/Ramsey-B/atlas/pkg/database"
	"github.com/Ramsey-B/atlas/pkg/decision"
	"github.com/Ramsey-B/atlas/pkg/events"
	"github.com/Ramsey-B/atlas/pkg/graph"
	"github.com/Ramsey-B/atlas/pkg/ingest"
	"github.com/Ramsey-B/atlas/pkg/kafka"
	"github.com/Ramsey-B/atlas/pkg/matching"
	"github.com/Ramsey-B/atlas/pkg/merging"
	"github.com/Ramsey-B/atlas/pkg/middleware"
	"github.com/Ramsey-B/atlas/pkg/models"
	"github.com/Ramsey-B/atlas/pkg/normalize"
	"github.com/Ramsey-B/atlas/pkg/routes/candidate"
	"github.com/Ramsey-B/atlas/pkg/routes/entity"
	"github.com/Ramsey-B/atlas/pkg/routes/health"
	mergeroutes "github.com/Ramsey-B/atlas/pkg/routes/merge"
	"github.com/Ramsey-B/atlas/pkg/routes/observation"
	"github.com/Ramsey-B/atlas/pkg/startup"
	"github.com/Ramsey-B/atlas/pkg/tracing"
	"github.com/Ramsey-B/atlas/pkg/tracing/exporters"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	cfg := &config.Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		panic(fmt.Errorf("failed to load config: %w", err))
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic(fmt.Errorf("failed to create logger: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TracingEnabled {
		shutdown, err := initTracing(ctx, cfg)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize tracing, continuing without it")
		} else {
			defer shutdown(context.Background())
		}
	}

	boot := startup.NewOrchestrator(logger, cfg.StartupMaxAttempts)
	defer boot.Stop(context.Background())

	var db database.DB
	boot.Add(startup.Func("postgres", func(ctx context.Context) error {
		conn, err := database.Connect(ctx, database.ConnectConfig{
			Host:            cfg.DatabaseHost,
			Port:            cfg.DatabasePort,
			User:            cfg.DatabaseUserName,
			Password:        cfg.DatabasePassword,
			Name:            cfg.DatabaseName,
			SSLMode:         cfg.DatabaseSSLMode,
			MaxOpenConns:    cfg.DatabaseMaxOpenConns,
			MaxIdleConns:    cfg.DatabaseMaxIdleConns,
			ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
		}, logger)
		if err != nil {
			return err
		}
		if err := runMigrations(cfg, conn, logger); err != nil {
			conn.Close()
			return err
		}
		db = conn
		return nil
	}, func(context.Context) error {
		return db.Close()
	}))

	if err := boot.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start database")
		os.Exit(1)
	}

	st := store.New(db, logger)

	weights := matching.Weights{
		Identifier: cfg.ScoreWeightIdentifier,
		Name:       cfg.ScoreWeightName,
		Context:    cfg.ScoreWeightContext,
	}
	if err := weights.Validate(); err != nil {
		logger.WithError(err).Error("Invalid score weights")
		os.Exit(1)
	}

	var emitter merging.EventEmitter
	var producer *kafka.Producer
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaOutputTopic != "" {
		producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		defer producer.Close()
		emitter = events.NewEmitter(producer, logger)
	}

	var projection merging.GraphProjector
	if cfg.GraphEnabled {
		var graphClient *graph.Client
		boot.Add(startup.Func("neo4j", func(ctx context.Context) error {
			client, err := graph.NewClient(graph.Config{
				Host:     cfg.GraphDBHost,
				Port:     cfg.GraphDBPort,
				Username: cfg.GraphDBUser,
				Password: cfg.GraphDBPassword,
			}, logger)
			if err != nil {
				return err
			}
			if err := client.VerifyConnectivity(ctx); err != nil {
				client.Close(ctx)
				return err
			}
			graphClient = client
			return nil
		}, func(ctx context.Context) error {
			return graphClient.Close(ctx)
		}))
		if err := boot.Start(ctx); err != nil {
			logger.WithError(err).Error("Failed to connect to graph database")
			os.Exit(1)
		}
		projection = graph.NewProjection(graphClient, logger)
	}

	scorer := matching.NewScorer(weights)
	detector := conflict.NewDetector()
	generator := matching.NewGenerator(st, scorer, st.Resolver(), logger, cfg.MinCandidateScore)
	executor := merging.NewExecutor(st, emitter, projection, logger)
	reverter := merging.NewReverter(st, emitter, projection, logger)
	engine := decision.NewEngine(st, detector, executor, logger, cfg.AutoMergeThreshold)
	processor := ingest.NewProcessor(
		st,
		st.Resolver(),
		normalize.NewHashingCanonicalizer(),
		normalize.Chain(cfg.NameNormalizers...),
		generator,
		engine,
		logger,
		parseSourceTiers(cfg.SourceConfidenceTiers),
	)

	if cfg.MatchInterval > 0 {
		go runMatchingTicker(ctx, cfg.MatchInterval, generator, engine, logger)
	}

	container, err := buildContainer(db, st, engine, reverter, processor, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to build dependency container")
		os.Exit(1)
	}

	if cfg.KafkaConsumerEnabled {
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaInputTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, logger, func(ctx context.Context, envelope *kafka.ObservationEnvelope) error {
			result := processor.ProcessBatch(ctx, envelope.Observations)
			logger.WithContext(ctx).WithFields(map[string]any{
				"source":   envelope.Source,
				"accepted": result.Accepted,
				"dropped":  result.Dropped,
			}).Info("Processed observation batch")
			return nil
		})
		boot.Add(startup.Func("kafka-consumer", consumer.Start, func(context.Context) error {
			return consumer.Stop()
		}))
		if err := boot.Start(ctx); err != nil {
			logger.WithError(err).Error("Failed to start Kafka consumer")
			os.Exit(1)
		}
	}

	checker := health.NewChecker(version)
	e := buildServer(cfg, container, checker, logger)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.WithField("addr", addr).Info("Starting HTTP server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server stopped")
			cancel()
		}
	}()
	checker.SetReady(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	checker.SetReady(false)
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down HTTP server cleanly")
	}
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	var zapLogger *zap.Logger
	var err error
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapConfig := zap.NewProductionConfig()
		if level, levelErr := zap.ParseAtomicLevel(cfg.LogLevel); levelErr == nil {
			zapConfig.Level = level
		}
		zapLogger, err = zapConfig.Build()
	}
	if err != nil {
		return nil, err
	}

	return zapadapter.NewZapEctoLogger(zapLogger.With(zap.String("app", cfg.AppName)), nil), nil
}

func initTracing(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: "grpc",
		Insecure: cfg.TracingInsecure,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.TracingSamplePct)),
	)
	otel.SetTracerProvider(provider)
	tracing.SetTracer(provider.Tracer(cfg.AppName))

	return provider.Shutdown, nil
}

func runMigrations(cfg *config.Config, db database.DB, logger ectologger.Logger) error {
	instance, ok := db.(*database.DatabaseInstance)
	if !ok {
		return fmt.Errorf("database instance does not support migrations")
	}

	driver, err := migratepg.WithInstance(instance.DB.DB, &migratepg.Config{})
	if err != nil {
		return err
	}

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
	})
	return migrations.Migrate(cfg.DatabaseName, driver)
}

func buildContainer(
	db database.DB,
	st *store.Store,
	engine *decision.Engine,
	reverter *merging.Reverter,
	processor *ingest.Processor,
	logger ectologger.Logger,
) (ectocontainer.DIContainer, error) {
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return nil, err
	}

	if err := ectoinject.RegisterInstance[ectologger.Logger](container, logger); err != nil {
		return nil, err
	}
	if err := ectoinject.RegisterInstance[database.DB](container, db); err != nil {
		return nil, err
	}
	if err := ectoinject.RegisterInstance[*store.Store](container, st); err != nil {
		return nil, err
	}
	if err := ectoinject.RegisterInstance[*matchcandidate.Repository](container, st.Candidates()); err != nil {
		return nil, err
	}
	if err := ectoinject.RegisterInstance[*mergerepo.Repository](container, st.Merges()); err != nil {
		return nil, err
	}
	if err := ectoinject.RegisterInstance[*decision.Engine](container, engine); err != nil {
		return nil, err
	}
	if err := ectoinject.RegisterInstance[*merging.Reverter](container, reverter); err != nil {
		return nil, err
	}
	if err := ectoinject.RegisterInstance[*ingest.Processor](container, processor); err != nil {
		return nil, err
	}

	return container, nil
}

func buildServer(cfg *config.Config, container ectocontainer.DIContainer, checker *health.Checker, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, err := ectoinject.SetActiveContainer(c.Request().Context(), container.GetContainerID())
			if err != nil {
				return err
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.HTTPErrorHandler = middleware.Error(logger)

	checker.RegisterRoutes(e)

	api := e.Group("/api/v1")
	candidate.Register(api.Group("/candidates"))
	mergeroutes.Register(api.Group("/merges"))
	entity.Register(api.Group("/entities"))
	observation.Register(api.Group("/observations"))

	return e
}

// runMatchingTicker runs a full candidate pass per kind on a fixed cadence,
// catching pairs whose entities arrived in separate batches.
func runMatchingTicker(ctx context.Context, interval time.Duration, generator *matching.Generator, engine *decision.Engine, logger ectologger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	kinds := []models.EntityKind{models.EntityKindPerson, models.EntityKindCat, models.EntityKindPlace}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, kind := range kinds {
				open, err := generator.Run(ctx, kind)
				if err != nil {
					logger.WithContext(ctx).WithError(err).WithField("kind", kind).Error("Periodic matching pass failed")
					continue
				}
				engine.EvaluateAll(ctx, open)
			}
		}
	}
}

// parseSourceTiers turns "clinic=high,web_form=low" entries into the
// source-to-confidence map the ingest processor uses.
func parseSourceTiers(entries []string) map[string]models.ConfidenceTier {
	tiers := make(map[string]models.ConfidenceTier, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		tier := models.ConfidenceTier(strings.TrimSpace(parts[1]))
		switch tier {
		case models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow:
			tiers[strings.TrimSpace(parts[0])] = tier
		}
	}
	return tiers
}
