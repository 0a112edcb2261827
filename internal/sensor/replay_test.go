package sensor

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// writeWAV encodes interleaved samples to a 16-bit PCM WAV file
func writeWAV(t *testing.T, rate, channels int, data []int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "input.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func newTestReplay(t *testing.T, cfg Config) (*ReplaySource, *fakeClock) {
	t.Helper()

	s, err := NewReplaySource(cfg, nil)
	if err != nil {
		t.Fatalf("NewReplaySource() error = %v", err)
	}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s.now = clock.Now
	s.lastRead = clock.t
	return s, clock
}

func TestDecodeFile_WAVMono(t *testing.T) {
	path := writeWAV(t, 16000, 1, []int{0, 100, -100, 32767, -32768})

	samples, rate, err := DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile() error = %v", err)
	}
	if rate != 16000 {
		t.Errorf("expected rate 16000, got %d", rate)
	}

	want := []int16{0, 100, -100, 32767, -32768}
	if len(samples) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(samples))
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestDecodeFile_WAVStereoDownmix(t *testing.T) {
	path := writeWAV(t, 8000, 2, []int{100, 300, -200, 200})

	samples, rate, err := DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile() error = %v", err)
	}
	if rate != 8000 {
		t.Errorf("expected rate 8000, got %d", rate)
	}
	if len(samples) != 2 || samples[0] != 200 || samples[1] != 0 {
		t.Errorf("expected [200 0], got %v", samples)
	}
}

func TestDecodeFile_Errors(t *testing.T) {
	dir := t.TempDir()

	txt := filepath.Join(dir, "notes.txt")
	os.WriteFile(txt, []byte("hello"), 0o644)
	if _, _, err := DecodeFile(txt); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}

	bogus := filepath.Join(dir, "bogus.wav")
	os.WriteFile(bogus, []byte("definitely not riff data"), 0o644)
	if _, _, err := DecodeFile(bogus); err == nil {
		t.Error("expected error for invalid wav")
	}

	if _, _, err := DecodeFile(filepath.Join(dir, "missing.wav")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDownmixInts_BitDepths(t *testing.T) {
	tests := []struct {
		name  string
		data  []int
		ch    int
		depth int
		want  []int16
	}{
		{name: "8-bit unsigned", data: []int{128, 255, 0}, ch: 1, depth: 8, want: []int16{0, 127 << 8, -128 << 8}},
		{name: "24-bit", data: []int{1 << 20, -(1 << 20)}, ch: 1, depth: 24, want: []int16{1 << 12, -(1 << 12)}},
		{name: "16-bit stereo", data: []int{10, 20, 30, 40}, ch: 2, depth: 16, want: []int16{15, 35}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := downmixInts(tt.data, tt.ch, tt.depth)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReplaySource_PlaysOnceThenDisconnects(t *testing.T) {
	data := make([]int, 1000)
	for i := range data {
		data[i] = i
	}
	path := writeWAV(t, 1000, 1, data)

	cfg := DefaultConfig()
	cfg.SampleRate = 1000
	cfg.BlockSize = 400
	cfg.Replay = ReplayConfig{Path: path, Loop: false, BeamDegrees: 30}

	s, clock := newTestReplay(t, cfg)
	ctx := context.Background()

	angle, err := s.BeamAngle(ctx)
	if err != nil {
		t.Fatalf("BeamAngle() error = %v", err)
	}
	if math.Abs(angle-math.Pi/6) > 1e-9 {
		t.Errorf("expected π/6, got %f", angle)
	}

	var got []int16
	for i := 0; i < 10; i++ {
		clock.Advance(200 * time.Millisecond)
		block, err := s.ReadAudio(ctx)
		if errors.Is(err, ErrDisconnected) {
			break
		}
		if err != nil {
			t.Fatalf("ReadAudio() error = %v", err)
		}
		got = append(got, block.Samples...)
	}

	if len(got) != 1000 {
		t.Fatalf("expected the whole file once, got %d samples", len(got))
	}
	for i, v := range got {
		if int(v) != i {
			t.Fatalf("sample %d = %d", i, v)
		}
	}

	if s.Healthy() {
		t.Error("finished replay should be unhealthy")
	}
	if _, err := s.ReadAudio(ctx); !errors.Is(err, ErrDisconnected) {
		t.Errorf("expected ErrDisconnected at end of file, got %v", err)
	}
}

func TestReplaySource_Loop(t *testing.T) {
	path := writeWAV(t, 1000, 1, []int{1, 2, 3, 4, 5})

	cfg := DefaultConfig()
	cfg.SampleRate = 1000
	cfg.BlockSize = 100
	cfg.Replay = ReplayConfig{Path: path, Loop: true}

	s, clock := newTestReplay(t, cfg)

	clock.Advance(12 * time.Millisecond)
	block, err := s.ReadAudio(context.Background())
	if err != nil {
		t.Fatalf("ReadAudio() error = %v", err)
	}

	want := []int16{1, 2, 3, 4, 5, 1, 2, 3, 4, 5, 1, 2}
	if len(block.Samples) != len(want) {
		t.Fatalf("expected %v, got %v", want, block.Samples)
	}
	for i := range want {
		if block.Samples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, block.Samples[i], want[i])
		}
	}
	if s.Loops() != 2 {
		t.Errorf("expected 2 loops, got %d", s.Loops())
	}
	if !s.Healthy() {
		t.Error("looping replay should stay healthy")
	}
}

func TestReplaySource_Close(t *testing.T) {
	path := writeWAV(t, 1000, 1, []int{1, 2, 3})

	cfg := DefaultConfig()
	cfg.Replay = ReplayConfig{Path: path}

	s, _ := newTestReplay(t, cfg)
	s.Close()

	if _, err := s.ReadAudio(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("expected ErrDisconnected after close, got %v", err)
	}
	if s.Name() != "replay" {
		t.Errorf("expected name replay, got %s", s.Name())
	}
}
