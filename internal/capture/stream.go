// Package capture streams raw PCM audio from a recorder into a bounded sample queue
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Read once the stream has ended and the queue is empty
var ErrClosed = errors.New("capture stream closed")

// Config holds capture configuration
type Config struct {
	SampleRate    int    // Sample rate in Hz (default: 16000)
	Channels      int    // Interleaved channels in the raw stream (default: 1)
	Command       string // Recorder command (default: "arecord")
	Device        string // ALSA device, empty for the default device
	BufferSamples int    // Queue bound in mono samples (default: 2s of audio)
}

// DefaultConfig returns sensible defaults for Raspberry Pi
func DefaultConfig() Config {
	return Config{
		SampleRate:    16000,
		Channels:      1,
		Command:       "arecord",
		BufferSamples: 32000,
	}
}

// Stream reads PCM16LE frames from a reader on a background goroutine and
// queues them as mono samples. Read never blocks.
type Stream struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	queue []int16
	ended bool
	err   error

	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	// Stats
	bytesRead  atomic.Uint64
	samplesIn  atomic.Uint64
	samplesOut atomic.Uint64
	overflow   atomic.Uint64
}

// NewStream starts reading r until EOF, an error, or ctx is cancelled
func NewStream(ctx context.Context, r io.Reader, cfg Config, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.BufferSamples <= 0 {
		cfg.BufferSamples = DefaultConfig().BufferSamples
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		cfg:    cfg,
		logger: logger,
		queue:  make([]int16, 0, cfg.BufferSamples),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.readLoop(ctx, r)
	return s
}

// StartCommand launches the recorder streaming raw S16_LE to stdout
func StartCommand(ctx context.Context, cfg Config, logger *slog.Logger) (*Stream, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// arecord -f S16_LE -r 16000 -c 1 -t raw -q [-D device]
	args := []string{
		"-f", "S16_LE",
		"-r", fmt.Sprintf("%d", cfg.SampleRate),
		"-c", fmt.Sprintf("%d", cfg.Channels),
		"-t", "raw",
		"-q",
	}
	if cfg.Device != "" {
		args = append(args, "-D", cfg.Device)
	}

	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	logger.Info("audio capture started",
		"command", cfg.Command,
		"device", cfg.Device,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
	)

	s := NewStream(ctx, stdout, cfg, logger)
	s.cmd = cmd
	return s, nil
}

func (s *Stream) readLoop(ctx context.Context, r io.Reader) {
	defer close(s.done)

	frameBytes := 2 * s.cfg.Channels
	buf := make([]byte, 4096-4096%frameBytes)
	var carry []byte
	var frame []int16

	for {
		select {
		case <-ctx.Done():
			s.finish(nil)
			return
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			s.bytesRead.Add(uint64(n))

			data := buf[:n]
			if len(carry) > 0 {
				data = append(carry, data...)
				carry = nil
			}

			whole := len(data) - len(data)%frameBytes
			if whole < len(data) {
				carry = append([]byte(nil), data[whole:]...)
			}

			frame = s.decode(frame[:0], data[:whole])
			s.enqueue(frame)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(nil)
			} else {
				s.logger.Debug("capture read error", "error", err)
				s.finish(err)
			}
			return
		}
	}
}

// decode converts interleaved PCM16LE frames to mono by averaging channels
func (s *Stream) decode(dst []int16, data []byte) []int16 {
	ch := s.cfg.Channels
	for i := 0; i+2*ch <= len(data); i += 2 * ch {
		if ch == 1 {
			dst = append(dst, int16(binary.LittleEndian.Uint16(data[i:])))
			continue
		}
		var sum int32
		for c := 0; c < ch; c++ {
			sum += int32(int16(binary.LittleEndian.Uint16(data[i+2*c:])))
		}
		dst = append(dst, int16(sum/int32(ch)))
	}
	return dst
}

func (s *Stream) enqueue(samples []int16) {
	if len(samples) == 0 {
		return
	}
	s.samplesIn.Add(uint64(len(samples)))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, samples...)
	if over := len(s.queue) - s.cfg.BufferSamples; over > 0 {
		// Consumer fell behind: drop the oldest audio
		copy(s.queue, s.queue[over:])
		s.queue = s.queue[:s.cfg.BufferSamples]
		s.overflow.Add(uint64(over))
	}
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.ended = true
	s.err = err
	s.mu.Unlock()
}

// Read returns up to max queued samples without blocking. It returns an
// empty slice when nothing is queued, and ErrClosed once the stream has
// ended and been fully consumed.
func (s *Stream) Read(max int) ([]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queue)
	if max < n {
		n = max
	}
	if n <= 0 {
		if s.ended {
			if s.err != nil {
				return nil, fmt.Errorf("%w: %v", ErrClosed, s.err)
			}
			return nil, ErrClosed
		}
		return []int16{}, nil
	}

	out := make([]int16, n)
	copy(out, s.queue[:n])
	rest := copy(s.queue, s.queue[n:])
	s.queue = s.queue[:rest]

	s.samplesOut.Add(uint64(n))
	return out, nil
}

// Buffered returns the number of queued samples
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Ended reports whether the source has stopped producing audio
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Stats contains capture statistics
type Stats struct {
	BytesRead  uint64 `json:"bytes_read"`
	SamplesIn  uint64 `json:"samples_in"`
	SamplesOut uint64 `json:"samples_out"`
	Overflow   uint64 `json:"overflow"`
	Buffered   int    `json:"buffered"`
	Ended      bool   `json:"ended"`
}

// Stats returns capture statistics
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	buffered := len(s.queue)
	ended := s.ended
	s.mu.Unlock()

	return Stats{
		BytesRead:  s.bytesRead.Load(),
		SamplesIn:  s.samplesIn.Load(),
		SamplesOut: s.samplesOut.Load(),
		Overflow:   s.overflow.Load(),
		Buffered:   buffered,
		Ended:      ended,
	}
}

// Close stops the reader and the recorder process, if any
func (s *Stream) Close() error {
	s.cancel()
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
	}

	select {
	case <-s.done:
	case <-time.After(time.Second):
		s.logger.Warn("capture reader did not stop")
	}
	return nil
}

// IsAvailable checks if the recorder command is on PATH
func IsAvailable(cfg Config) bool {
	_, err := exec.LookPath(cfg.Command)
	return err == nil
}
