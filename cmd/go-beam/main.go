// go-beam: energy trace and beam display daemon for the XVF3800 array
// Captures audio, decimates it to energy values and streams the display trace
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-beam/internal/capture"
	"github.com/teslashibe/go-beam/internal/config"
	"github.com/teslashibe/go-beam/internal/energy"
	"github.com/teslashibe/go-beam/internal/health"
	"github.com/teslashibe/go-beam/internal/pipeline"
	"github.com/teslashibe/go-beam/internal/render"
	"github.com/teslashibe/go-beam/internal/sensor"
	"github.com/teslashibe/go-beam/internal/server"
	"github.com/teslashibe/go-beam/internal/uplink"
)

var (
	version     = "1.0.0"
	configPath  = flag.String("config", "/etc/go-beam/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useMock     = flag.Bool("mock", false, "use the synthetic sensor (for testing)")
	replayPath  = flag.String("replay", "", "replay a WAV or MP3 file instead of live audio")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-beam %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	if *debug {
		cfg.Logging.Level = "debug"
	}
	switch {
	case *replayPath != "":
		cfg.Sensor.Type = "replay"
		cfg.Sensor.Replay.Path = *replayPath
	case *useMock:
		cfg.Sensor.Type = "mock"
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting go-beam",
		"version", version,
		"config", *configPath,
		"port", cfg.Server.Port,
		"sensor", cfg.Sensor.Type,
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewChecker(version)
	statusLog := health.NewStatusLog(50, logger)
	checker.AttachStatus(statusLog)

	// Open the sensor; a failure starts the pipeline idle and it keeps retrying
	sensorCfg := sensorConfig(cfg)
	src, err := sensor.Open(sensorCfg, logger)
	if err != nil {
		logger.Warn("sensor unavailable, waiting for it", "error", err)
		checker.SetCapture(pipeline.Idle.String(), false, err.Error())
		src = nil
	} else {
		// Reopen the same kind of sensor that auto picked
		sensorCfg.Type = src.Name()
		checker.SetCapture(pipeline.Capturing.String(), src.Healthy(), "sensor connected: "+src.Name())
		logger.Info("sensor ready",
			"type", src.Name(),
			"healthy", src.Healthy(),
		)
	}

	panel := render.NewPanel(logger)

	p, err := pipeline.New(pipelineConfig(cfg), src, panel, statusLog, logger)
	if err != nil {
		logger.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}
	if sensor.Reopenable(sensorCfg) {
		p.SetOpener(func(ctx context.Context) (sensor.Sensor, error) {
			return sensor.Open(sensorCfg, logger)
		})
	} else {
		logger.Info("replay does not loop, the pipeline stays idle once it ends")
	}

	srv := server.New(cfg.Server, p, checker, statusLog, logger, version)
	hub := srv.WSHub()
	panel.AddSurface(hub)
	hub.SetState(p.State().String())

	var up *uplink.Client
	if cfg.Uplink.Enabled {
		up = uplink.NewClient(uplink.Config{
			URL:              cfg.Uplink.URL,
			ReconnectBackoff: cfg.Uplink.ReconnectBackoff,
			MaxBackoff:       cfg.Uplink.MaxBackoff,
			PingInterval:     cfg.Uplink.PingInterval,
			WriteTimeout:     cfg.Uplink.WriteTimeout,
			Every:            cfg.Uplink.Every,
		}, logger)
		panel.AddSurface(up)
		up.Connect(ctx)
	}

	// Callbacks run on the pipeline goroutine and must not block
	p.OnStateChange(func(state pipeline.State, reason string) {
		checker.SetCapture(state.String(), state == pipeline.Capturing, reason)
		hub.SetState(state.String())
	})
	statusLog.OnStatus(func(e health.Entry) {
		// Queued; never waits on clients
		hub.BroadcastStatus(e.Message)
		if up != nil {
			go up.SendStatus(e.Message, "")
		}
	})

	go hub.Run(ctx)
	go watchSurfaces(ctx, checker, up)

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		checker.SetComponent(health.ComponentPipeline, true, "running")
		if err := p.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("pipeline error", "error", err)
		}
		checker.SetComponent(health.ComponentPipeline, false, "stopped")
	}()

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	printStartupBanner(cfg, version)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.GracefulTimeout,
	)
	defer shutdownCancel()

	// Stop in order: server -> uplink -> pipeline (closes the sensor)
	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	if up != nil {
		logger.Info("closing uplink...")
		up.Close()
	}

	logger.Info("stopping pipeline...")
	cancel()
	select {
	case <-pipelineDone:
	case <-shutdownCtx.Done():
		logger.Warn("pipeline did not stop in time")
	}

	logger.Info("go-beam stopped")
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		SampleRate:        cfg.Audio.SampleRate,
		Window:            cfg.Audio.Window,
		BufferCapacity:    cfg.Display.BufferCapacity,
		DisplayWidth:      cfg.Display.Width,
		DisplaySpan:       cfg.Display.Span,
		CaptureInterval:   cfg.Audio.CaptureInterval,
		RefreshInterval:   cfg.Display.RefreshInterval,
		MaxReadsPerTick:   cfg.Audio.MaxReadsPerTick,
		ReconnectDelay:    cfg.Sensor.ReconnectDelay,
		MaxReconnectDelay: cfg.Sensor.MaxReconnectDelay,
		Scale: energy.ScaleConfig{
			Mode:       cfg.Display.Scale.Mode,
			MaxHeight:  cfg.Display.Scale.MaxHeight,
			MinDB:      cfg.Display.Scale.MinDB,
			NoiseFloor: cfg.Display.Scale.NoiseFloor,
		},
	}
}

func sensorConfig(cfg *config.Config) sensor.Config {
	return sensor.Config{
		Type:       cfg.Sensor.Type,
		SampleRate: cfg.Audio.SampleRate,
		BlockSize:  cfg.Sensor.BlockSize,
		USB: sensor.USBConfig{
			MaxConsecutiveErrors: cfg.Sensor.USB.MaxConsecutiveErrors,
			SmoothingAlpha:       cfg.Sensor.USB.SmoothingAlpha,
		},
		Capture: capture.Config{
			SampleRate:    cfg.Audio.SampleRate,
			Channels:      cfg.Sensor.Capture.Channels,
			Command:       cfg.Sensor.Capture.Command,
			Device:        cfg.Sensor.Capture.Device,
			BufferSamples: cfg.Sensor.Capture.BufferSamples,
		},
		Replay: sensor.ReplayConfig{
			Path:        cfg.Sensor.Replay.Path,
			Loop:        cfg.Sensor.Replay.Loop,
			BeamDegrees: cfg.Sensor.Replay.BeamDegrees,
		},
		Mock: sensor.MockConfig{
			ToneHz:    cfg.Sensor.Mock.ToneHz,
			Amplitude: cfg.Sensor.Mock.Amplitude,
			ModHz:     cfg.Sensor.Mock.ModHz,
			Sweep:     cfg.Sensor.Mock.Sweep,
		},
	}
}

// watchSurfaces reports uplink connectivity as surface health
func watchSurfaces(ctx context.Context, checker *health.Checker, up *uplink.Client) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if up == nil {
			checker.SetComponent(health.ComponentSurface, true, "websocket")
		} else if up.IsConnected() {
			checker.SetComponent(health.ComponentSurface, true, "uplink connected")
		} else {
			checker.SetComponent(health.ComponentSurface, false, "uplink disconnected")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("🎙️  go-beam v" + version)
	fmt.Println("   Energy trace and beam display")
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Printf("   Window %d samples @ %d Hz, trace %d px, refresh %v\n",
		cfg.Audio.Window, cfg.Audio.SampleRate, cfg.Display.Width, cfg.Display.RefreshInterval)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health             - Health check")
	fmt.Println("   GET  /api/trace          - Current display trace")
	fmt.Println("   WS   /api/trace/stream   - Real-time trace stream")
	fmt.Println("   GET  /api/beam           - Beam and source angles")
	fmt.Println("   GET  /api/status         - Recent status lines")
	fmt.Println("   GET  /api/stats          - Pipeline statistics")
	fmt.Println("   GET  /metrics            - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
