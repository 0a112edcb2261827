package sensor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/teslashibe/go-beam/internal/beam"
	"github.com/teslashibe/go-beam/internal/capture"
)

// XVF3800 USB identifiers
const (
	VendorID  = 0x38FB
	ProductID = 0x1001
)

// XVF3800 control parameters
// Resource IDs and Command IDs from XMOS XVF3800 documentation
// See: https://www.xmos.com/documentation/XM-014888-PC/html/modules/fwk_xvf/doc/user_guide/AA_control_command_appendix.html
const (
	// GPO_SERVICER_RESID commands (resid=20)
	gpoResID = 20
	doaCmdID = 19 // DOA_VALUE_RADIANS: angle + speech flag

	// AEC_RESID commands (resid=33)
	aecResID         = 33
	aecAzimuthCmdID  = 75 // AEC_AZIMUTH_VALUES: 4 floats (radians)
	aecSpEnergyCmdID = 80 // AEC_SPENERGY_VALUES: 4 floats (speech energy per mic)

	// Speech energy at which source confidence reaches one half
	speechEnergyRef = 1.0
)

// controller is the subset of *gousb.Device used for control transfers
type controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	Close() error
}

// audioStream is the subset of *capture.Stream used for audio
type audioStream interface {
	Read(max int) ([]int16, error)
	Buffered() int
	Close() error
}

// USBConfig configures the USB sensor
type USBConfig struct {
	MaxConsecutiveErrors int
	SmoothingAlpha       float64 // Beam EMA, 0 disables smoothing
}

// DefaultUSBConfig returns sensible defaults
func DefaultUSBConfig() USBConfig {
	return USBConfig{
		MaxConsecutiveErrors: 5,
		SmoothingAlpha:       0,
	}
}

// USBSource reads beam angles from the XVF3800 over USB control transfers
// and audio from the chip's capture stream
type USBSource struct {
	logger *slog.Logger

	mu        sync.Mutex
	usbCtx    *gousb.Context
	dev       controller
	audio     audioStream
	blockSize int
	closed    bool

	smoother beam.Smoother

	// Health tracking
	healthy           bool
	disconnected      bool
	consecutiveErrors int
	maxErrors         int
	lastError         error
	lastErrorTime     time.Time
	aecErrors         uint64
}

// NewUSBSource opens the XVF3800 and starts audio capture
func NewUSBSource(cfg Config, logger *slog.Logger) (*USBSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	usbCtx := gousb.NewContext()

	dev, err := usbCtx.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		usbCtx.Close()
		return nil, fmt.Errorf("failed to open XVF3800: %w", err)
	}
	if dev == nil {
		usbCtx.Close()
		return nil, fmt.Errorf("XVF3800 not found (VID=0x%04X PID=0x%04X)", VendorID, ProductID)
	}

	// Auto-detach kernel driver if attached
	if err := dev.SetAutoDetach(true); err != nil {
		logger.Debug("SetAutoDetach failed (non-fatal)", "error", err)
	}

	// The stream outlives the caller's context; Close stops it
	stream, err := capture.StartCommand(context.Background(), cfg.Capture, logger)
	if err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, fmt.Errorf("start audio capture: %w", err)
	}

	u := newUSBSource(dev, stream, cfg, logger)
	u.usbCtx = usbCtx

	logger.Info("USB sensor initialized",
		"vendor_id", fmt.Sprintf("0x%04X", VendorID),
		"product_id", fmt.Sprintf("0x%04X", ProductID),
		"block_size", u.blockSize,
	)

	return u, nil
}

func newUSBSource(dev controller, audio audioStream, cfg Config, logger *slog.Logger) *USBSource {
	if logger == nil {
		logger = slog.Default()
	}

	maxErrors := cfg.USB.MaxConsecutiveErrors
	if maxErrors <= 0 {
		maxErrors = DefaultUSBConfig().MaxConsecutiveErrors
	}
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultConfig().BlockSize
	}

	return &USBSource{
		logger:    logger,
		dev:       dev,
		audio:     audio,
		blockSize: blockSize,
		smoother:  beam.Smoother{Alpha: cfg.USB.SmoothingAlpha},
		healthy:   true,
		maxErrors: maxErrors,
	}
}

// ReadAudio returns up to one block of captured audio
func (u *USBSource) ReadAudio(ctx context.Context) (Block, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.check(); err != nil {
		return Block{}, err
	}

	samples, err := u.audio.Read(u.blockSize)
	if err != nil {
		if errors.Is(err, capture.ErrClosed) {
			u.markDisconnected(err)
			return Block{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		return Block{}, fmt.Errorf("read audio: %w", err)
	}

	return Block{Samples: samples, Incomplete: u.audio.Buffered() > 0}, nil
}

// BeamAngle reads DOA_VALUE_RADIANS and returns it in front-zero radians
func (u *USBSource) BeamAngle(ctx context.Context) (float64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.check(); err != nil {
		return 0, err
	}

	// 1 status byte + 2 floats (angle, speech flag)
	values, err := u.readFloats(gpoResID, doaCmdID, 2)
	if err != nil {
		return 0, u.fail(err)
	}
	u.recordSuccess()

	angle := beam.FromChipAngle(values[0])
	return u.smoother.Update(angle), nil
}

// SourceDirection combines the per-mic AEC azimuths, weighted by speech
// energy, into a single direction. These reads are optional: a failure is
// returned but does not count toward the disconnect budget.
func (u *USBSource) SourceDirection(ctx context.Context) (Direction, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.check(); err != nil {
		return Direction{}, err
	}

	azimuths, err := u.readFloats(aecResID, aecAzimuthCmdID, 4)
	if err != nil {
		u.aecErrors++
		return Direction{}, fmt.Errorf("AEC azimuth: %w", err)
	}
	energy, err := u.readFloats(aecResID, aecSpEnergyCmdID, 4)
	if err != nil {
		u.aecErrors++
		return Direction{}, fmt.Errorf("AEC speech energy: %w", err)
	}

	return directionFromAEC(azimuths, energy), nil
}

// readFloats performs a vendor control read and decodes count float32 values
// following the status byte
func (u *USBSource) readFloats(resID, cmdID uint16, count int) ([]float64, error) {
	// Request type: IN | Vendor | Device (0xC0)
	// wValue: 0x80 | cmdid (read flag)
	// wIndex: resid
	data := make([]byte, 1+4*count)

	n, err := u.dev.Control(
		gousb.ControlIn|gousb.ControlVendor|gousb.ControlDevice,
		0,
		0x80|cmdID,
		resID,
		data,
	)
	if err != nil {
		return nil, fmt.Errorf("USB control transfer failed: %w", err)
	}

	return parseFloats(data[:n], count)
}

// parseFloats decodes a status byte followed by little-endian float32 values
func parseFloats(data []byte, count int) ([]float64, error) {
	want := 1 + 4*count
	if len(data) < want {
		return nil, fmt.Errorf("short read: got %d bytes, expected %d", len(data), want)
	}
	if data[0] != 0 {
		return nil, fmt.Errorf("device returned error status: %d", data[0])
	}

	values := make([]float64, count)
	for i := range values {
		bits := binary.LittleEndian.Uint32(data[1+i*4 : 5+i*4])
		values[i] = float64(math.Float32frombits(bits))
	}
	return values, nil
}

// directionFromAEC returns the energy-weighted circular mean of the mic
// azimuths. With no speech energy it falls back to the plain mean with zero
// confidence.
func directionFromAEC(azimuths, energy []float64) Direction {
	var total float64
	for _, e := range energy {
		if e > 0 {
			total += e
		}
	}

	var x, y float64
	for i, az := range azimuths {
		w := 1.0
		if total > 0 {
			w = 0
			if i < len(energy) && energy[i] > 0 {
				w = energy[i]
			}
		}
		x += w * math.Cos(az)
		y += w * math.Sin(az)
	}

	if x == 0 && y == 0 {
		return Direction{}
	}

	return Direction{
		Radians:    beam.Normalize(beam.FromChipAngle(math.Atan2(y, x))),
		Confidence: beam.Clamp(total/(total+speechEnergyRef), 0, 1),
	}
}

func (u *USBSource) check() error {
	if u.closed {
		return fmt.Errorf("%w: device closed", ErrDisconnected)
	}
	if u.disconnected {
		return ErrDisconnected
	}
	return nil
}

// fail records a control error and escalates to ErrDisconnected once the
// error budget is spent
func (u *USBSource) fail(err error) error {
	u.recordError(err)
	if u.disconnected {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return err
}

func (u *USBSource) recordError(err error) {
	u.consecutiveErrors++
	u.lastError = err
	u.lastErrorTime = time.Now()

	if u.consecutiveErrors >= u.maxErrors {
		u.logger.Warn("USB sensor marked disconnected",
			"consecutive_errors", u.consecutiveErrors,
			"last_error", err,
		)
		u.markDisconnected(err)
	}
}

func (u *USBSource) recordSuccess() {
	if u.consecutiveErrors > 0 {
		u.logger.Info("USB sensor recovered",
			"previous_errors", u.consecutiveErrors,
		)
	}
	u.consecutiveErrors = 0
	u.healthy = true
}

func (u *USBSource) markDisconnected(err error) {
	u.healthy = false
	u.disconnected = true
	u.lastError = err
	u.lastErrorTime = time.Now()

	// Release the device so a reopen can claim it
	if u.dev != nil {
		u.dev.Close()
		u.dev = nil
	}
}

// Close releases the USB device and stops audio capture
func (u *USBSource) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}
	u.closed = true

	if u.dev != nil {
		u.dev.Close()
		u.dev = nil
	}
	if u.audio != nil {
		u.audio.Close()
	}
	if u.usbCtx != nil {
		u.usbCtx.Close()
		u.usbCtx = nil
	}

	u.logger.Info("USB sensor closed")
	return nil
}

// Healthy returns true if the sensor is operational
func (u *USBSource) Healthy() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.healthy
}

// Name returns the sensor type name
func (u *USBSource) Name() string {
	return "usb"
}

// USBStats contains USB sensor statistics
type USBStats struct {
	Healthy           bool      `json:"healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorTime     time.Time `json:"last_error_time,omitempty"`
	DeviceConnected   bool      `json:"device_connected"`
	AECErrors         uint64    `json:"aec_errors"`
}

// Stats returns USB sensor statistics
func (u *USBSource) Stats() USBStats {
	u.mu.Lock()
	defer u.mu.Unlock()

	var lastErr string
	if u.lastError != nil {
		lastErr = u.lastError.Error()
	}

	return USBStats{
		Healthy:           u.healthy,
		ConsecutiveErrors: u.consecutiveErrors,
		LastError:         lastErr,
		LastErrorTime:     u.lastErrorTime,
		DeviceConnected:   u.dev != nil,
		AECErrors:         u.aecErrors,
	}
}

var _ Sensor = (*USBSource)(nil)
