package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
)

// ErrUnsupportedFormat is returned for replay files that are neither WAV nor MP3
var ErrUnsupportedFormat = errors.New("unsupported replay format")

// ReplayConfig configures file replay
type ReplayConfig struct {
	Path        string
	Loop        bool
	BeamDegrees float64 // Fixed beam angle reported while replaying
}

// ReplaySource replays a decoded audio file as if it were live sensor audio
type ReplaySource struct {
	logger *slog.Logger

	mu         sync.Mutex
	path       string
	samples    []int16
	sampleRate int
	blockSize  int
	loop       bool
	beam       float64
	now        func() time.Time

	pos      int
	lastRead time.Time
	owed     int
	loops    int
	ended    bool
	closed   bool
}

// NewReplaySource decodes cfg.Replay.Path fully into memory
func NewReplaySource(cfg Config, logger *slog.Logger) (*ReplaySource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	samples, rate, err := DecodeFile(cfg.Replay.Path)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("replay %s: no audio", cfg.Replay.Path)
	}

	if cfg.SampleRate > 0 && rate != cfg.SampleRate {
		logger.Warn("replay sample rate differs from configured rate",
			"file_rate", rate,
			"configured_rate", cfg.SampleRate,
		)
	}

	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = rate / 20
	}

	logger.Info("replay sensor loaded",
		"path", cfg.Replay.Path,
		"samples", len(samples),
		"sample_rate", rate,
		"duration", time.Duration(float64(len(samples))/float64(rate)*float64(time.Second)),
		"loop", cfg.Replay.Loop,
	)

	return &ReplaySource{
		logger:     logger,
		path:       cfg.Replay.Path,
		samples:    samples,
		sampleRate: rate,
		blockSize:  blockSize,
		loop:       cfg.Replay.Loop,
		beam:       cfg.Replay.BeamDegrees * math.Pi / 180,
		now:        time.Now,
		lastRead:   time.Now(),
	}, nil
}

// DecodeFile decodes a WAV or MP3 file to mono int16 samples
func DecodeFile(path string) ([]int16, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return decodeWAV(f)
	case ".mp3":
		return decodeMP3(f)
	default:
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func decodeWAV(r io.ReadSeeker) ([]int16, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: not a valid WAV file", ErrUnsupportedFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}

	channels := channelCount(buf.Format, int(dec.NumChans))
	depth := int(dec.BitDepth)
	if buf.SourceBitDepth > 0 {
		depth = buf.SourceBitDepth
	}

	return downmixInts(buf.Data, channels, depth), int(dec.SampleRate), nil
}

func channelCount(f *audio.Format, fallback int) int {
	if f != nil && f.NumChannels > 0 {
		return f.NumChannels
	}
	return fallback
}

// downmixInts averages interleaved channels and rescales to 16 bits
func downmixInts(data []int, channels, depth int) []int16 {
	if channels <= 0 {
		channels = 1
	}

	out := make([]int16, 0, len(data)/channels)
	for i := 0; i+channels <= len(data); i += channels {
		var sum int
		for c := 0; c < channels; c++ {
			sum += to16(data[i+c], depth)
		}
		out = append(out, int16(sum/channels))
	}
	return out
}

func to16(v, depth int) int {
	switch {
	case depth == 8:
		// 8-bit WAV is unsigned
		return (v - 128) << 8
	case depth > 16:
		return v >> (depth - 16)
	default:
		return v
	}
}

func decodeMP3(r io.Reader) ([]int16, int, error) {
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, 0, fmt.Errorf("decode mp3: %w", err)
	}

	// go-mp3 outputs 16-bit little-endian stereo
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("decode mp3: %w", err)
	}

	out := make([]int16, 0, len(raw)/4)
	for i := 0; i+4 <= len(raw); i += 4 {
		l := int(int16(uint16(raw[i]) | uint16(raw[i+1])<<8))
		r := int(int16(uint16(raw[i+2]) | uint16(raw[i+3])<<8))
		out = append(out, int16((l+r)/2))
	}

	return out, dec.SampleRate(), nil
}

// ReadAudio returns the samples owed since the previous read, at most one block
func (s *ReplaySource) ReadAudio(ctx context.Context) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return Block{}, err
	}

	now := s.now()
	if n := samplesOwed(now.Sub(s.lastRead), s.sampleRate); n > 0 {
		s.owed += n
		s.lastRead = s.lastRead.Add(time.Duration(float64(n) / float64(s.sampleRate) * float64(time.Second)))
	}
	if s.owed > s.sampleRate {
		s.owed = s.sampleRate
	}

	n := min(s.owed, s.blockSize)
	out := make([]int16, 0, n)
	for len(out) < n {
		if s.pos >= len(s.samples) {
			if !s.loop {
				break
			}
			s.pos = 0
			s.loops++
		}
		take := min(n-len(out), len(s.samples)-s.pos)
		out = append(out, s.samples[s.pos:s.pos+take]...)
		s.pos += take
	}
	s.owed -= len(out)

	if s.pos >= len(s.samples) && !s.loop {
		s.ended = true
		s.logger.Info("replay finished", "path", s.path)
	}

	return Block{Samples: out, Incomplete: s.owed > 0 && !s.ended}, nil
}

// BeamAngle returns the configured fixed beam angle
func (s *ReplaySource) BeamAngle(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return 0, err
	}
	return s.beam, nil
}

// SourceDirection reports the beam angle with full confidence
func (s *ReplaySource) SourceDirection(ctx context.Context) (Direction, error) {
	angle, err := s.BeamAngle(ctx)
	if err != nil {
		return Direction{}, err
	}
	return Direction{Radians: angle, Confidence: 1}, nil
}

// check reports end of file only after the final block has been delivered
func (s *ReplaySource) check() error {
	if s.closed {
		return fmt.Errorf("%w: closed", ErrDisconnected)
	}
	if s.ended {
		return fmt.Errorf("%w: end of %s", ErrDisconnected, filepath.Base(s.path))
	}
	return nil
}

// SampleRate returns the decoded file's sample rate
func (s *ReplaySource) SampleRate() int {
	return s.sampleRate
}

// Loops returns how many times playback wrapped to the start
func (s *ReplaySource) Loops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops
}

// Close releases the decoded audio
func (s *ReplaySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.samples = nil
	return nil
}

// Healthy returns true until playback ends
func (s *ReplaySource) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.ended
}

// Name returns the sensor type name
func (s *ReplaySource) Name() string {
	return "replay"
}

var _ Sensor = (*ReplaySource)(nil)
