package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"cogentcore.org/core/math32"
	"github.com/Graylog2/go-gelf/gelf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/trafficsim/viewer/internal/api"
	"github.com/trafficsim/viewer/internal/config"
	"github.com/trafficsim/viewer/internal/influx"
	"github.com/trafficsim/viewer/internal/logging"
	"github.com/trafficsim/viewer/internal/monitor"
	"github.com/trafficsim/viewer/internal/observability"
	intOtel "github.com/trafficsim/viewer/internal/otel"
	"github.com/trafficsim/viewer/internal/reconcile"
	"github.com/trafficsim/viewer/internal/render"
	"github.com/trafficsim/viewer/internal/render/stream"
	"github.com/trafficsim/viewer/internal/scheduler"
)

// BuildDate can be set at build time via ldflags
var (
	CurrentVersion string = "0.0.1"
	BuildDate      string = "unknown"

	ProgramName string = "trafficviewer"
)

var (
	// SlogManager handles all slog-based logging
	SlogManager *logging.SlogManager

	// Logger is the slog logger (convenience reference)
	Logger *slog.Logger

	// OTelProvider handles OpenTelemetry
	OTelProvider *intOtel.Provider

	SessionStartTime time.Time = time.Now()
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", ProgramName, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet(ProgramName, pflag.ContinueOnError)
	configDir := fs.String("config", ".", "directory containing "+config.FileName)
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("server", "", "simulation server URL")
	fs.String("render", "", "renderer: headless or stream")
	if err := fs.Parse(args); err != nil {
		return err
	}

	SlogManager = logging.NewSlogManager()
	SlogManager.Setup(nil, "info", nil)
	Logger = SlogManager.Logger()
	Logger.Info("Starting up...", "version", CurrentVersion, "buildDate", BuildDate)

	if err := config.Load(*configDir); err != nil {
		Logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		Logger.Info("Loaded config", "file", viper.ConfigFileUsed())
	}
	bindFlags(fs)

	cfg, err := config.GetViewerConfig()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// set once the scheduler exists; read by every log record
	var current atomic.Pointer[scheduler.Scheduler]
	logFile := setupLogging(cfg, func() []slog.Attr {
		if s := current.Load(); s != nil {
			return s.LogAttrs()
		}
		return nil
	})
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := observability.NewViewerCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}
	if cfg.MetricsAddress != "" {
		go func() {
			if err := collector.Serve(ctx, cfg.MetricsAddress, Logger); err != nil {
				Logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	client := api.New(cfg.ServerURL,
		api.WithTimeout(cfg.APITimeout),
		api.WithObserver(collector),
		api.WithLogger(Logger),
	)

	renderer, err := newRenderer(cfg)
	if err != nil {
		return err
	}
	defer renderer.Close()

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(Logger),
		scheduler.WithFrameObserver(collector),
		scheduler.WithReconcileOptions(reconcile.WithStaleObserver(collector)),
	}

	if cfg.InfluxEnabled {
		var out io.Writer = os.Stdout
		if logFile != nil {
			out = logFile
		}
		zl := zerolog.New(out).With().Timestamp().Str("component", "influx").Logger()
		mgr := influx.NewManager(zl, cfg.InfluxBackupPath)
		if err := mgr.Connect(ctx); err != nil {
			Logger.Error("Failed to set up InfluxDB, stats will not be exported", "error", err)
		} else {
			defer mgr.Close()
			schedOpts = append(schedOpts, scheduler.WithStatsSink(mgr))
		}
	}

	sched, err := scheduler.New(scheduler.Config{
		UpdateInterval: cfg.UpdateInterval,
		FPS:            cfg.Render.FPS,
		Tolerance:      cfg.DestinationTolerance,
		MaxLights:      cfg.MaxLights,
		CameraOffset:   math32.Vec3(cfg.Camera[0], cfg.Camera[1], cfg.Camera[2]),
		Init: api.InitParams{
			NAgents: cfg.Simulation.NAgents,
			Width:   cfg.Simulation.Width,
			Height:  cfg.Simulation.Height,
		},
		Meshes: render.Meshes(cfg.Meshes),
	}, client, renderer, schedOpts...)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	current.Store(sched)

	Logger.Info("Bootstrapping simulation", "server", client.BaseURL())
	if err := sched.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	monitorService := monitor.NewService(monitor.Dependencies{
		Source:    sched,
		Logger:    Logger,
		StatusDir: cfg.StatusDir,
	})
	if err := monitorService.Start(); err != nil {
		Logger.Error("Failed to start status monitor", "error", err)
	} else {
		defer monitorService.Stop()
	}

	sched.Run(ctx)

	shutdown()
	return nil
}

// bindFlags lets explicitly set flags override the config file.
func bindFlags(fs *pflag.FlagSet) {
	for key, flag := range map[string]string{
		"logLevel":      "log-level",
		"api.serverUrl": "server",
		"render.mode":   "render",
	} {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			if err := viper.BindPFlag(key, f); err != nil {
				Logger.Warn("Failed to bind flag", "flag", flag, "error", err)
			}
		}
	}
}

// setupLogging opens the session log file, starts OTel when enabled and
// re-initializes the logger with every configured sink.
func setupLogging(cfg config.Viewer, provider logging.StateProvider) *os.File {
	if err := os.MkdirAll(cfg.LogsDir, 0755); err != nil {
		Logger.Error("Failed to create logs directory", "error", err, "path", cfg.LogsDir)
	}

	logFilePath := logging.LogFilePath(cfg.LogsDir, ProgramName, SessionStartTime)
	logFile, err := os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		Logger.Error("Failed to create/open log file!", "error", err, "path", logFilePath)
		logFile = nil
	} else {
		Logger.Info("Begin logging in logs directory", "path", logFilePath)
	}

	var w io.Writer
	if logFile != nil {
		w = logFile
	}
	host, _ := os.Hostname()
	OTelProvider, err = intOtel.New(intOtel.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: CurrentVersion,
		InstanceID:     fmt.Sprintf("%s-%d", host, SessionStartTime.Unix()),
		BatchTimeout:   cfg.OTel.BatchTimeout,
		LogWriter:      w,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		ServerURL:      cfg.ServerURL,
		GridWidth:      cfg.Simulation.Width,
		GridHeight:     cfg.Simulation.Height,
	})
	if err != nil {
		Logger.Error("Failed to initialize OTel provider", "error", err)
		OTelProvider = &intOtel.Provider{}
	} else if OTelProvider.Enabled() {
		Logger.Info("OTel provider initialized", "endpoint", cfg.OTel.Endpoint)
	}

	opts := []logging.SetupOption{logging.WithState(provider)}
	if cfg.GraylogEnabled {
		gw, err := gelf.NewWriter(cfg.GraylogAddress)
		if err != nil {
			Logger.Error("Failed to connect to Graylog", "error", err, "address", cfg.GraylogAddress)
		} else {
			opts = append(opts, logging.WithGelf(gw, host))
		}
	}

	SlogManager.Setup(w, cfg.LogLevel, OTelProvider.LoggerProvider(), opts...)
	Logger = SlogManager.Logger()
	slog.SetDefault(Logger)
	return logFile
}

func newRenderer(cfg config.Viewer) (render.Renderer, error) {
	switch cfg.Render.Mode {
	case config.RenderStream:
		r := stream.New(stream.Config{URL: cfg.Render.StreamURL, Token: cfg.Render.StreamToken}, Logger)
		if err := r.Connect(); err != nil {
			return nil, fmt.Errorf("connecting render stream: %w", err)
		}
		Logger.Info("Render stream connected", "url", cfg.Render.StreamURL)
		return r, nil
	default:
		return render.NewHeadless(Logger, cfg.Render.SummaryEvery), nil
	}
}

func shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := SlogManager.Flush(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		Logger.Warn("Failed to flush logs", "error", err)
	}
	if err := OTelProvider.Shutdown(ctx); err != nil {
		Logger.Warn("OTel shutdown failed", "error", err)
	}
	Logger.Info("Shut down")
}
