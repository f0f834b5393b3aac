// Package audiotest provides scripted audio backends and synthetic signals
// for tests that must not touch real audio hardware.
package audiotest

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/petems/bpm-realtime/internal/audio"
)

// Backend is a scripted audio.Backend.
type Backend struct {
	DeviceList      []audio.Device
	DevicesErr      error
	DefaultInput    audio.Device
	DefaultInputErr error
	Sink            string
	SinkErr         error
	OpenErr         error
	Stream          *Stream

	// Recorded calls.
	Opened        []audio.Device
	OpenedParams  []audio.StreamParams
	DeviceQueries int
	SinkQueries   int
	Closed        bool
}

func (b *Backend) Devices() ([]audio.Device, error) {
	b.DeviceQueries++
	if b.DevicesErr != nil {
		return nil, b.DevicesErr
	}
	return b.DeviceList, nil
}

func (b *Backend) DefaultInputDevice() (audio.Device, error) {
	if b.DefaultInputErr != nil {
		return audio.Device{}, b.DefaultInputErr
	}
	return b.DefaultInput, nil
}

func (b *Backend) DefaultSinkName(context.Context) (string, error) {
	b.SinkQueries++
	if b.SinkErr != nil {
		return "", b.SinkErr
	}
	if b.Sink == "" {
		return "", errors.New("audiotest: no sink")
	}
	return b.Sink, nil
}

func (b *Backend) OpenStream(dev audio.Device, params audio.StreamParams) (audio.Stream, error) {
	b.Opened = append(b.Opened, dev)
	b.OpenedParams = append(b.OpenedParams, params)
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	if b.Stream == nil {
		b.Stream = &Stream{}
	}
	return b.Stream, nil
}

func (b *Backend) Close() error {
	b.Closed = true
	return nil
}

// Stream replays Script one entry per Read. A nil entry is a successful
// read of silence. When the script runs out OnExhausted is called once and
// further reads succeed with silence.
type Stream struct {
	Script      []error
	OnExhausted func()

	Reads  int
	Closed bool

	exhausted bool
}

func (s *Stream) Read(frame []float32) error {
	if s.Reads >= len(s.Script) {
		if !s.exhausted {
			s.exhausted = true
			if s.OnExhausted != nil {
				s.OnExhausted()
			}
		}
		clear(frame)
		return nil
	}

	err := s.Script[s.Reads]
	s.Reads++
	if err != nil {
		return err
	}
	clear(frame)
	return nil
}

func (s *Stream) Close() error {
	s.Closed = true
	return nil
}

// ClickTrack renders a metronome: a decaying 1 kHz burst of 20 ms on every
// beat, silence in between.
func ClickTrack(sampleRate int, bpm, seconds float64) []float32 {
	total := int(seconds * float64(sampleRate))
	out := make([]float32, total)

	period := 60.0 / bpm * float64(sampleRate)
	burst := sampleRate / 50
	for beat := 0; ; beat++ {
		start := int(math.Round(float64(beat) * period))
		if start >= total {
			break
		}
		for i := 0; i < burst && start+i < total; i++ {
			t := float64(i) / float64(sampleRate)
			env := math.Exp(-float64(i) / float64(burst/4))
			out[start+i] = float32(0.8 * env * math.Sin(2*math.Pi*1000*t))
		}
	}
	return out
}

// WriteWAV encodes mono float samples as a 16-bit PCM WAV file in a test
// temp dir and returns its path.
func WriteWAV(t testing.TB, samples []float32, sampleRate int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "signal.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	ints := make([]int, len(samples))
	for i, s := range samples {
		ints[i] = int(math.Max(-1, math.Min(1, float64(s))) * 32767)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Data:           ints,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav encoder: %v", err)
	}
	return path
}
