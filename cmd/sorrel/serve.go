package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/sorrel/config"
	"github.com/Ramsey-B/sorrel/internal/middleware"
	"github.com/Ramsey-B/sorrel/internal/startup"
	"github.com/Ramsey-B/sorrel/internal/tracing"
	"github.com/Ramsey-B/sorrel/pkg/kafka"
	"github.com/Ramsey-B/sorrel/pkg/routes/dedupgroup"
	"github.com/Ramsey-B/sorrel/pkg/routes/health"
	"github.com/Ramsey-B/sorrel/pkg/routes/record"
	"github.com/Ramsey-B/sorrel/pkg/routes/stats"
)

var version = "dev"

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the CDC consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	initTracing(a)

	var consumer *kafka.Consumer
	if a.cfg.KafkaConsumerEnabled {
		consumer = kafka.NewConsumer(a.cfg, a.logger, newChangeHandler(a))
	}

	e := newEcho(a)
	checker := health.NewChecker(a.db, consumer, version)
	checker.RegisterRoutes(e)

	manager := startup.NewStartup(a.logger, a.cfg.StartupMaxAttempts)
	if consumer != nil {
		manager.AddDependency(&consumerDependency{consumer: consumer})
	}
	manager.AddDependency(&serverDependency{
		echo:   e,
		cfg:    a.cfg,
		logger: a.logger,
	})

	if err := manager.Start(ctx); err != nil {
		return err
	}
	checker.SetReady(true)

	a.logger.WithContext(ctx).WithFields(map[string]any{
		"port":    a.cfg.Port,
		"version": version,
	}).Info("Service started")

	<-ctx.Done()
	checker.SetReady(false)
	a.logger.Info("Shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return manager.Stop(stopCtx)
}

func initTracing(a *app) {
	res := resource.NewSchemaless(
		attribute.String("service.name", a.cfg.AppName),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracing.SetTracer(tp.Tracer(a.cfg.AppName))
}

func newEcho(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(echomiddleware.Recover())
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	record.Register(api.Group("/records"))
	dedupgroup.Register(api.Group("/groups"))
	stats.Register(api.Group("/stats"))

	return e
}

// newChangeHandler builds the CDC handler. Change events for records flagged
// update_needed run a dedup pass; harvest.completed events flush everything
// still pending; row deletes detach the record from its group.
func newChangeHandler(a *app) kafka.MessageHandler {
	return func(ctx context.Context, msg *kafka.IncomingMessage) error {
		log := a.logger.WithContext(ctx)

		if msg.IsHarvestCompleted() {
			evt, err := msg.ParseHarvestCompleted()
			if err != nil {
				log.WithError(err).Error("Failed to parse harvest.completed event")
				return nil
			}
			log.WithFields(map[string]any{
				"source_id":  evt.SourceID,
				"harvest_id": evt.HarvestID,
			}).Info("Harvest completed, processing pending records")

			processed, err := a.processor.ProcessPending(ctx)
			if err != nil {
				return err
			}
			log.WithField("processed", processed).Info("Pending records processed")
			return nil
		}

		if msg.IsRowDelete() {
			return handleRowDelete(ctx, a, msg.RecordID())
		}

		if msg.Record == nil {
			return nil
		}
		// Dedup passes clear update_needed themselves, so changes written by
		// the engine come back through the topic with the flag down and stop
		// here instead of looping.
		if !msg.Record.UpdateNeeded {
			return nil
		}

		_, err := a.processor.DedupRecord(ctx, msg.Record)
		return err
	}
}

// handleRowDelete detaches a hard-deleted record from its dedup group. Soft
// deletes (deleted=true) arrive as normal updates and are handled by the
// processor.
func handleRowDelete(ctx context.Context, a *app, recordID string) error {
	if recordID == "" {
		return nil
	}

	group, err := a.groups.FindGroup(ctx, map[string]any{"ids": recordID}, nil)
	if err != nil {
		return err
	}
	if group == nil || group.Deleted {
		return nil
	}

	a.logger.WithContext(ctx).WithFields(map[string]any{
		"record_id": recordID,
		"group_id":  group.ID,
	}).Info("Record row deleted, detaching from group")

	return a.merger.RemoveFromGroup(ctx, group.ID, recordID)
}

// consumerDependency adapts the Kafka consumer to the startup manager
type consumerDependency struct {
	consumer *kafka.Consumer
}

func (d *consumerDependency) GetName() string     { return "kafka-consumer" }
func (d *consumerDependency) DependsOn() []string { return nil }

func (d *consumerDependency) Start(ctx context.Context) error {
	return d.consumer.Start(ctx)
}

func (d *consumerDependency) Stop(ctx context.Context) error {
	return d.consumer.Stop()
}

// serverDependency adapts the echo server to the startup manager
type serverDependency struct {
	echo   *echo.Echo
	cfg    config.Config
	logger ectologger.Logger
}

func (d *serverDependency) GetName() string     { return "http-server" }
func (d *serverDependency) DependsOn() []string { return nil }

func (d *serverDependency) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", d.cfg.Port),
		ReadTimeout:       time.Duration(d.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(d.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(d.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(d.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    d.cfg.MaxHeaderBytes,
	}

	go func() {
		if err := d.echo.StartServer(server); err != nil && err != http.ErrServerClosed {
			d.logger.WithError(err).Error("HTTP server stopped unexpectedly")
		}
	}()
	return nil
}

func (d *serverDependency) Stop(ctx context.Context) error {
	return d.echo.Shutdown(ctx)
}
