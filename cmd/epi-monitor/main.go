package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/epiguard/epi-monitor/internal/archive"
	"github.com/epiguard/epi-monitor/internal/capture"
	"github.com/epiguard/epi-monitor/internal/catalog"
	"github.com/epiguard/epi-monitor/internal/compliance"
	"github.com/epiguard/epi-monitor/internal/config"
	"github.com/epiguard/epi-monitor/internal/controller"
	"github.com/epiguard/epi-monitor/internal/history"
	"github.com/epiguard/epi-monitor/internal/logger"
	"github.com/epiguard/epi-monitor/internal/metrics"
	"github.com/epiguard/epi-monitor/internal/notify"
	"github.com/epiguard/epi-monitor/internal/overlay"
	"github.com/epiguard/epi-monitor/internal/relay"
	"github.com/epiguard/epi-monitor/internal/settings"
	"github.com/epiguard/epi-monitor/internal/store"
	"github.com/epiguard/epi-monitor/internal/webmonitor"
)

// App wires the monitor components together.
type App struct {
	cfg        config.Config
	store      *store.SQLiteStore
	metrics    *metrics.Metrics
	controller *controller.Controller
	archive    *archive.Archiver
	slack      *notify.SlackNotifier
	web        *webmonitor.Server
	httpServer *http.Server

	// streams ends long-lived SSE and MJPEG requests on shutdown.
	streams     context.Context
	stopStreams context.CancelFunc
}

func main() {
	// relay credentials may live in .env; a missing file is fine
	_ = godotenv.Load()

	cfg, err := config.Parse("epi-monitor", os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "EPI monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create monitor: %v", err)
	}
	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start monitor: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := app.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Monitor stopped")
}

// NewApp opens the store and builds every component from cfg.
func NewApp(cfg config.Config) (*App, error) {
	kv, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	m := metrics.New()
	cat := catalog.EPIs()
	eval := compliance.NewEvaluator(cat)

	set := settings.New(kv, cat)
	set.Load(ctx)
	hist := history.NewAggregator(kv, cfg.HistoryCap)
	hist.Load(ctx)

	var camera controller.Camera
	if cfg.CameraEnabled() {
		src, err := capture.NewSource(cfg.Camera.Kind, cfg.Camera.URL, cfg.Camera.Path, cfg.Camera.Timeout)
		if err != nil {
			_ = kv.Close()
			return nil, err
		}
		camera = capture.NewAdapter(src, capture.Options{
			MaxWidth:    cfg.Capture.MaxWidth,
			JPEGQuality: cfg.Capture.JPEGQuality,
		})
	} else {
		logger.Warn("Main", "No camera configured, captures will report the camera as unavailable")
	}

	relayURL := cfg.RelayEndpoint()
	ctrl := controller.New(controller.Deps{
		Camera:    camera,
		Detector:  relay.NewClient(relayURL, nil, cfg.RelayTimeout),
		Mock:      relay.NewMockDetector(cat, nil),
		Evaluator: eval,
		Settings:  set,
		History:   hist,
		Renderer:  overlay.NewRenderer(eval.LabelFor, set.IsRequired),
		Metrics:   m,
	})

	app := &App{
		cfg:        cfg,
		store:      kv,
		metrics:    m,
		controller: ctrl,
	}
	app.streams, app.stopStreams = context.WithCancel(context.Background())

	if cfg.ArchiveDir != "" {
		app.archive = archive.New(cfg.ArchiveDir, archive.Options{
			NonCompliantOnly: cfg.ArchiveNonCompliantOnly,
		}, m)
	}

	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.SlackWebhookURL != "" {
		app.slack = notify.NewSlackNotifier(cfg.SlackWebhookURL, notify.SlackOptions{
			ChangesOnly: cfg.SlackChangesOnly,
		}, m)
		notifiers = append(notifiers, app.slack)
	}
	ctrl.OnEvaluationComplete(func(o controller.Outcome) {
		if o.Err != nil {
			return
		}
		if err := notifiers.Notify(ctx, notify.ForEvaluation(o.Evaluation, o.Simulated)); err != nil {
			logger.Warn("Main", "Notification failed: %v", err)
		}
	})

	webCfg := webmonitor.DefaultConfig()
	webCfg.Addr = cfg.Addr
	webCfg.MJPEGInterval = cfg.MJPEGInterval
	webCfg.AutoInterval = cfg.AutoDetectInterval
	var relayHandler http.Handler
	if cfg.RelayURL == "" {
		relayHandler = relay.NewHandler(nil)
	}
	app.web = webmonitor.NewServer(webCfg, webmonitor.Deps{
		Controller: ctrl,
		Evaluator:  eval,
		Settings:   set,
		History:    hist,
		Archive:    app.archive,
		Relay:      relayHandler,
		Metrics:    m,
	})
	app.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.web.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return app.streams },
	}

	logger.Info("Main", "Relay endpoint: %s", relayURL)
	return app, nil
}

// Start runs the servers and background workers.
func (a *App) Start() error {
	logger.Info("Main", "  HTTP server: %s", a.cfg.Addr)
	logger.Info("Main", "  Metrics server: %s", a.cfg.MetricsAddr)
	logger.Info("Main", "  Database: %s", a.cfg.DBPath)

	if a.archive != nil {
		if err := a.archive.Start(); err != nil {
			return err
		}
	}
	if a.slack != nil {
		a.slack.Start()
	}
	a.web.Start()

	if a.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", a.cfg.MetricsAddr)
			if err := a.metrics.StartServer(a.cfg.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", a.cfg.Addr)
		if err := a.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	if a.cfg.CameraEnabled() && a.cfg.Camera.Autostart {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.controller.StartCamera(ctx); err != nil {
			logger.Warn("Main", "Camera autostart failed: %v", err)
		}
	}

	logger.Info("Main", "Monitor started successfully")
	return nil
}

// Shutdown stops the workers, drains the archive and closes the store.
func (a *App) Shutdown() error {
	var errs []error

	a.controller.StopAuto()
	a.stopStreams()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	a.web.Stop()
	if err := a.controller.StopCamera(); err != nil {
		errs = append(errs, err)
	}
	if a.archive != nil && a.archive.Running() {
		if err := a.archive.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.slack != nil {
		a.slack.Stop()
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
