// Package config provides configuration management for go-beam
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every error returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration structure
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Display DisplayConfig `mapstructure:"display"`
	Sensor  SensorConfig  `mapstructure:"sensor"`
	Uplink  UplinkConfig  `mapstructure:"uplink"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	StreamHz        int           `mapstructure:"stream_hz"` // Trace broadcast rate to WebSocket clients
}

// AudioConfig configures capture and energy accumulation
type AudioConfig struct {
	SampleRate      int           `mapstructure:"sample_rate"`
	Window          int           `mapstructure:"window"` // Samples per energy value
	CaptureInterval time.Duration `mapstructure:"capture_interval"`
	MaxReadsPerTick int           `mapstructure:"max_reads_per_tick"`
}

// DisplayConfig configures the trace and its refresh
type DisplayConfig struct {
	Width           int           `mapstructure:"width"`
	BufferCapacity  int           `mapstructure:"buffer_capacity"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Span            time.Duration `mapstructure:"span"` // 0 for one pixel per energy value

	Scale ScaleConfig `mapstructure:"scale"`
}

// ScaleConfig configures the energy to height mapping
type ScaleConfig struct {
	Mode       string  `mapstructure:"mode"` // db, linear, raw
	MaxHeight  float64 `mapstructure:"max_height"`
	MinDB      float64 `mapstructure:"min_db"`
	NoiseFloor float64 `mapstructure:"noise_floor"`
}

// SensorConfig selects the microphone array source
type SensorConfig struct {
	Type              string        `mapstructure:"type"` // auto, usb, mock, replay
	BlockSize         int           `mapstructure:"block_size"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`

	USB     USBConfig     `mapstructure:"usb"`
	Capture CaptureConfig `mapstructure:"capture"`
	Replay  ReplayConfig  `mapstructure:"replay"`
	Mock    MockConfig    `mapstructure:"mock"`
}

// USBConfig configures the XVF3800 control interface
type USBConfig struct {
	MaxConsecutiveErrors int     `mapstructure:"max_consecutive_errors"`
	SmoothingAlpha       float64 `mapstructure:"smoothing_alpha"`
}

// CaptureConfig configures the arecord subprocess
type CaptureConfig struct {
	Command       string `mapstructure:"command"`
	Device        string `mapstructure:"device"`
	Channels      int    `mapstructure:"channels"`
	BufferSamples int    `mapstructure:"buffer_samples"`
}

// ReplayConfig configures file replay
type ReplayConfig struct {
	Path        string  `mapstructure:"path"`
	Loop        bool    `mapstructure:"loop"`
	BeamDegrees float64 `mapstructure:"beam_degrees"`
}

// MockConfig configures the synthetic source
type MockConfig struct {
	ToneHz    float64 `mapstructure:"tone_hz"`
	Amplitude float64 `mapstructure:"amplitude"`
	ModHz     float64 `mapstructure:"mod_hz"`
	Sweep     bool    `mapstructure:"sweep"`
}

// UplinkConfig configures the remote trace uplink
type UplinkConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	Every            int           `mapstructure:"every"` // Send one frame in N
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
			StreamHz:        20,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Window:          40,
			CaptureInterval: 50 * time.Millisecond,
			MaxReadsPerTick: 16,
		},
		Display: DisplayConfig{
			Width:           780,
			BufferCapacity:  1000,
			RefreshInterval: 10 * time.Millisecond,
			Scale: ScaleConfig{
				Mode:       "db",
				MaxHeight:  1,
				MinDB:      -90,
				NoiseFloor: 0.2,
			},
		},
		Sensor: SensorConfig{
			Type:              "auto",
			BlockSize:         800,
			ReconnectDelay:    1 * time.Second,
			MaxReconnectDelay: 30 * time.Second,
			USB: USBConfig{
				MaxConsecutiveErrors: 5,
			},
			Capture: CaptureConfig{
				Command:       "arecord",
				Channels:      1,
				BufferSamples: 32000,
			},
			Replay: ReplayConfig{
				Loop: true,
			},
			Mock: MockConfig{
				ToneHz:    440,
				Amplitude: 0.5,
				ModHz:     0.5,
				Sweep:     true,
			},
		},
		Uplink: UplinkConfig{
			URL:              "ws://localhost:8080/ws/trace",
			ReconnectBackoff: 1 * time.Second,
			MaxBackoff:       30 * time.Second,
			PingInterval:     10 * time.Second,
			WriteTimeout:     5 * time.Second,
			Every:            10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			// Missing file is fine, defaults cover everything
			slog.Warn("config file not read, using defaults", "path", path, "error", err)
		}
	}

	// Environment variable overrides, e.g. GOBEAM_DISPLAY_WIDTH
	v.SetEnvPrefix("GOBEAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Sensor.Type = strings.ToLower(strings.TrimSpace(cfg.Sensor.Type))
	cfg.Display.Scale.Mode = strings.ToLower(strings.TrimSpace(cfg.Display.Scale.Mode))

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.graceful_timeout", d.Server.GracefulTimeout)
	v.SetDefault("server.stream_hz", d.Server.StreamHz)

	// Audio defaults
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.window", d.Audio.Window)
	v.SetDefault("audio.capture_interval", d.Audio.CaptureInterval)
	v.SetDefault("audio.max_reads_per_tick", d.Audio.MaxReadsPerTick)

	// Display defaults
	v.SetDefault("display.width", d.Display.Width)
	v.SetDefault("display.buffer_capacity", d.Display.BufferCapacity)
	v.SetDefault("display.refresh_interval", d.Display.RefreshInterval)
	v.SetDefault("display.span", d.Display.Span)
	v.SetDefault("display.scale.mode", d.Display.Scale.Mode)
	v.SetDefault("display.scale.max_height", d.Display.Scale.MaxHeight)
	v.SetDefault("display.scale.min_db", d.Display.Scale.MinDB)
	v.SetDefault("display.scale.noise_floor", d.Display.Scale.NoiseFloor)

	// Sensor defaults
	v.SetDefault("sensor.type", d.Sensor.Type)
	v.SetDefault("sensor.block_size", d.Sensor.BlockSize)
	v.SetDefault("sensor.reconnect_delay", d.Sensor.ReconnectDelay)
	v.SetDefault("sensor.max_reconnect_delay", d.Sensor.MaxReconnectDelay)
	v.SetDefault("sensor.usb.max_consecutive_errors", d.Sensor.USB.MaxConsecutiveErrors)
	v.SetDefault("sensor.usb.smoothing_alpha", d.Sensor.USB.SmoothingAlpha)
	v.SetDefault("sensor.capture.command", d.Sensor.Capture.Command)
	v.SetDefault("sensor.capture.device", d.Sensor.Capture.Device)
	v.SetDefault("sensor.capture.channels", d.Sensor.Capture.Channels)
	v.SetDefault("sensor.capture.buffer_samples", d.Sensor.Capture.BufferSamples)
	v.SetDefault("sensor.replay.path", d.Sensor.Replay.Path)
	v.SetDefault("sensor.replay.loop", d.Sensor.Replay.Loop)
	v.SetDefault("sensor.replay.beam_degrees", d.Sensor.Replay.BeamDegrees)
	v.SetDefault("sensor.mock.tone_hz", d.Sensor.Mock.ToneHz)
	v.SetDefault("sensor.mock.amplitude", d.Sensor.Mock.Amplitude)
	v.SetDefault("sensor.mock.mod_hz", d.Sensor.Mock.ModHz)
	v.SetDefault("sensor.mock.sweep", d.Sensor.Mock.Sweep)

	// Uplink defaults
	v.SetDefault("uplink.enabled", d.Uplink.Enabled)
	v.SetDefault("uplink.url", d.Uplink.URL)
	v.SetDefault("uplink.reconnect_backoff", d.Uplink.ReconnectBackoff)
	v.SetDefault("uplink.max_backoff", d.Uplink.MaxBackoff)
	v.SetDefault("uplink.ping_interval", d.Uplink.PingInterval)
	v.SetDefault("uplink.write_timeout", d.Uplink.WriteTimeout)
	v.SetDefault("uplink.every", d.Uplink.Every)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port: %d", ErrInvalidConfig, c.Server.Port)
	}

	if c.Server.StreamHz < 1 || c.Server.StreamHz > 100 {
		return fmt.Errorf("%w: stream_hz must be between 1 and 100, got %d", ErrInvalidConfig, c.Server.StreamHz)
	}

	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("%w: sample_rate must be positive, got %d", ErrInvalidConfig, c.Audio.SampleRate)
	}

	if c.Audio.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %d", ErrInvalidConfig, c.Audio.Window)
	}

	if c.Display.Width <= 0 {
		return fmt.Errorf("%w: display width must be positive, got %d", ErrInvalidConfig, c.Display.Width)
	}

	if c.Display.BufferCapacity <= 0 {
		return fmt.Errorf("%w: buffer_capacity must be positive, got %d", ErrInvalidConfig, c.Display.BufferCapacity)
	}

	if c.Audio.CaptureInterval <= 0 || c.Display.RefreshInterval <= 0 {
		return fmt.Errorf("%w: capture_interval and refresh_interval must be positive", ErrInvalidConfig)
	}

	switch strings.ToLower(c.Display.Scale.Mode) {
	case "", "db", "linear", "raw":
	default:
		return fmt.Errorf("%w: unknown scale mode %q", ErrInvalidConfig, c.Display.Scale.Mode)
	}

	switch strings.ToLower(c.Sensor.Type) {
	case "", "auto", "usb", "mock":
	case "replay":
		if c.Sensor.Replay.Path == "" {
			return fmt.Errorf("%w: replay sensor needs sensor.replay.path", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown sensor type %q", ErrInvalidConfig, c.Sensor.Type)
	}

	if c.Sensor.USB.SmoothingAlpha < 0 || c.Sensor.USB.SmoothingAlpha > 1 {
		return fmt.Errorf("%w: smoothing_alpha must be between 0 and 1, got %f", ErrInvalidConfig, c.Sensor.USB.SmoothingAlpha)
	}

	if c.Uplink.Enabled && c.Uplink.URL == "" {
		return fmt.Errorf("%w: uplink enabled without url", ErrInvalidConfig)
	}

	return nil
}
