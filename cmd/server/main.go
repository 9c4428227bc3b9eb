// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"device-command-service/internal/archive"
	"device-command-service/internal/config"
	"device-command-service/internal/events"
	"device-command-service/internal/handler"
	"device-command-service/internal/history"
	"device-command-service/internal/metrics"
	"device-command-service/internal/processor"
	"device-command-service/internal/queue"
	"device-command-service/internal/routes"
	"device-command-service/internal/serializer"
	"device-command-service/internal/transmitter"
	"device-command-service/internal/transport"
	"device-command-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server
	router *routes.Router

	// Pipeline
	processor   *processor.Processor
	transmitter *transmitter.Transmitter
	transports  map[string]transport.Transport

	// Sinks
	store     *archive.Store
	recorder  *archive.Recorder
	publisher *events.Publisher
	metrics   *metrics.Collector
	bus       *handler.EventBus

	// background work
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "device-command-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg.App)

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config:     cfg,
		logger:     logger,
		transports: make(map[string]transport.Transport),
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := app.initializePipeline(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if err := app.initializeDevices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize devices: %w", err)
	}

	if err := app.initializeArchive(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize archive: %w", err)
	}

	app.initializeObservers()

	if err := app.initializeServer(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializePipeline builds the serializer, queue, history, transmitter and processor
func (app *Application) initializePipeline() error {
	cfg := app.config

	s := serializer.New(app.logger)
	if path := cfg.Serialization.ProfilesFile; path != "" {
		n, err := s.LoadProfilesFile(path)
		if err != nil {
			return fmt.Errorf("failed to load serialization profiles: %w", err)
		}
		app.logger.Info("Serialization profiles loaded", zap.String("file", path), zap.Int("profiles", n))
	}

	q := queue.New(queue.Config{
		CapacityPerPriority: cfg.Queue.CapacityPerPriority,
		MaxAge:              cfg.Queue.MaxAge,
		ExpiryInterval:      cfg.Queue.ExpiryInterval,
		StatsInterval:       cfg.Queue.StatsInterval,
	}, app.logger)

	h := history.New(history.Config{
		GlobalCapacity: cfg.History.GlobalCapacity,
		DeviceCapacity: cfg.History.DeviceCapacity,
		Retention:      cfg.History.Retention,
		SweepInterval:  cfg.History.SweepInterval,
	}, app.logger)

	app.transmitter = transmitter.New(s, app.logger, transmitter.WithBackoff(transmitter.Backoff{
		Base:       cfg.Transmitter.BaseDelay,
		Multiplier: cfg.Transmitter.Multiplier,
		Max:        cfg.Transmitter.MaxDelay,
		Jitter:     cfg.Transmitter.Jitter,
	}))

	app.processor = processor.New(processor.Config{
		MaxInFlight:        cfg.Processor.MaxInFlight,
		NotificationBuffer: cfg.Processor.NotificationBuffer,
	}, q, app.transmitter, h, app.logger)

	app.logger.Info("Command pipeline initialized")
	return nil
}

// initializeDevices creates and registers a transport per configured device
func (app *Application) initializeDevices() error {
	for _, dev := range app.config.Devices {
		tr, err := transport.New(dev, app.logger)
		if err != nil {
			return fmt.Errorf("device %s: %w", dev.ID, err)
		}
		if err := app.transmitter.Register(dev.ID, tr); err != nil {
			tr.Close()
			return fmt.Errorf("device %s: %w", dev.ID, err)
		}
		app.transports[dev.ID] = tr
	}

	app.logger.Info("Devices registered", zap.Int("devices", len(app.transports)))
	return nil
}

// initializeArchive opens the archive database when enabled
func (app *Application) initializeArchive() error {
	if !app.config.Archive.Enabled {
		return nil
	}

	store, err := archive.Open(app.config, app.logger)
	if err != nil {
		return err
	}
	app.store = store
	app.recorder = archive.NewRecorder(store, app.config.Archive.BufferSize, app.logger)
	app.processor.Subscribe(app.recorder)

	app.logger.Info("Archive initialized", zap.String("driver", store.Driver()))
	return nil
}

// initializeObservers subscribes the event stream, broker and metrics sinks
func (app *Application) initializeObservers() {
	cfg := app.config

	app.bus = handler.NewEventBus(cfg.Processor.NotificationBuffer, app.logger)
	app.processor.Subscribe(app.bus)

	if cfg.AMQP.Enabled {
		app.publisher = events.NewPublisher(events.Config{
			URL:        cfg.GetAMQPURL(),
			Exchange:   cfg.AMQP.Exchange,
			BufferSize: cfg.AMQP.BufferSize,
		}, app.logger)
		app.processor.Subscribe(app.publisher)
	}

	if cfg.Metrics.Enabled {
		app.metrics = metrics.New(cfg.Metrics.Namespace)
		app.processor.Subscribe(app.metrics)
	}
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	app.router = routes.NewRouter(
		app.config,
		app.logger,
		app.processor,
		app.store,
		app.bus,
		app.metrics,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      app.router.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)
	return nil
}

// startBackgroundServices starts the processor, link supervisors and sinks
func (app *Application) startBackgroundServices() error {
	if err := app.processor.Start(app.ctx); err != nil {
		return err
	}

	app.goBackground(app.bus.Start)

	for id, tr := range app.transports {
		app.goBackground(func() {
			transport.Supervise(app.ctx, id, tr, app.config.Processor.ReconnectInterval, app.logger)
		})
	}

	if app.publisher != nil {
		app.goBackground(func() {
			if err := app.publisher.Start(app.ctx); err != nil && !errors.Is(err, context.Canceled) {
				app.logger.Error("AMQP publisher could not connect; events will not be published", zap.Error(err))
			}
		})
	}

	if app.recorder != nil {
		app.goBackground(func() {
			app.recorder.Prune(app.ctx, app.config.Archive.Retention, time.Hour)
		})
	}

	if app.metrics != nil {
		app.goBackground(func() {
			app.metrics.WatchQueue(app.ctx, app.processor.Queue(), app.config.Queue.StatsInterval)
		})
	}

	app.logger.Info("Background services started")
	return nil
}

func (app *Application) goBackground(fn func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		fn()
	}()
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown stops intake first, then drains the pipeline and its sinks
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "device-command-service")
	serviceLogger.LogServiceStop("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	// delivers every pending notification before returning
	app.processor.Stop()

	app.bus.Close()
	app.router.Close()
	if app.recorder != nil {
		app.recorder.Close()
	}
	if app.publisher != nil {
		app.publisher.Close()
	}

	app.cancel()
	app.wg.Wait()

	for id, tr := range app.transports {
		if err := tr.Close(); err != nil {
			app.logger.Warn("Transport close error", zap.String("device_id", id), zap.Error(err))
		}
	}

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Error("Archive close error", zap.Error(err))
		} else {
			app.logger.Info("Archive connection closed")
		}
	}

	app.logger.Info("Application shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// Start runs the server and blocks until shutdown
func (app *Application) Start() error {
	if err := app.startBackgroundServices(); err != nil {
		return err
	}

	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(
				app.config.Server.TLS.CertFile,
				app.config.Server.TLS.KeyFile,
			)
		} else {
			err = app.server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	app.waitForShutdown()
	return nil
}
