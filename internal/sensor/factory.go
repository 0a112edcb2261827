package sensor

import (
	"fmt"
	"log/slog"
	"strings"
)

// Open creates the sensor named by cfg.Type, matched case-insensitively.
// "auto" tries the USB device and falls back to the mock.
func Open(cfg Config, logger *slog.Logger) (Sensor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch NormalizeType(cfg.Type) {
	case "usb":
		s, err := NewUSBSource(cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mock":
		return NewMockSource(cfg.Mock, cfg.SampleRate, cfg.BlockSize), nil
	case "replay":
		s, err := NewReplaySource(cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "auto", "":
		return OpenWithFallback(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown sensor type %q", cfg.Type)
	}
}

// NormalizeType folds a configured sensor type to the names Open matches
func NormalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// Reopenable reports whether a sensor opened from cfg may be opened again
// after it disconnects. A replay that does not loop has ended for good.
func Reopenable(cfg Config) bool {
	return NormalizeType(cfg.Type) != "replay" || cfg.Replay.Loop
}

// OpenWithFallback creates the USB sensor, or the mock when no hardware is
// available. Use this for development/testing.
func OpenWithFallback(cfg Config, logger *slog.Logger) Sensor {
	if logger == nil {
		logger = slog.Default()
	}

	usb, err := NewUSBSource(cfg, logger)
	if err == nil {
		return usb
	}

	logger.Warn("USB sensor unavailable",
		"error", err,
		"hint", "ensure libusb is installed and device is connected",
	)
	logger.Warn("using mock sensor - no hardware available")

	return NewMockSource(cfg.Mock, cfg.SampleRate, cfg.BlockSize)
}
