package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const replayChunk = 8192

// Replay is a Backend serving a decoded WAV file as its only capture
// device. Reads never block; once the samples are exhausted every Read
// returns io.EOF and Done is closed.
type Replay struct {
	name       string
	sampleRate int
	samples    []float32

	done     chan struct{}
	doneOnce sync.Once
}

// OpenReplay decodes the WAV file at path. The device is named after the
// file.
func OpenReplay(path string) (*Replay, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".wav" && ext != ".wave" {
		return nil, fmt.Errorf("replay: unsupported file type %q", ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	defer f.Close()
	return NewReplay(f, filepath.Base(path))
}

// NewReplay decodes a PCM WAV stream, downmixing it to mono float32.
func NewReplay(r io.ReadSeeker, name string) (*Replay, error) {
	decoder := wav.NewDecoder(r)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, errors.New("replay: input is not a valid WAV audio file")
	}

	divisor, err := pcmDivisor(int(decoder.BitDepth))
	if err != nil {
		return nil, err
	}
	channels := int(decoder.NumChans)
	if channels <= 0 {
		return nil, fmt.Errorf("replay: invalid channel count %d", channels)
	}

	buf := &goaudio.IntBuffer{
		Data:   make([]int, replayChunk*channels),
		Format: &goaudio.Format{SampleRate: int(decoder.SampleRate), NumChannels: channels},
	}

	var mono []float32
	for {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return nil, fmt.Errorf("replay: decode: %w", err)
		}
		if n == 0 {
			break
		}
		mono = append(mono, downmix(buf.Data[:n], channels, divisor)...)
	}

	return newReplay(name, int(decoder.SampleRate), mono), nil
}

func newReplay(name string, sampleRate int, mono []float32) *Replay {
	return &Replay{
		name:       name,
		sampleRate: sampleRate,
		samples:    mono,
		done:       make(chan struct{}),
	}
}

// Done is closed after the last full frame was delivered.
func (r *Replay) Done() <-chan struct{} {
	return r.done
}

func (r *Replay) SampleRate() int {
	return r.sampleRate
}

func (r *Replay) device() Device {
	return Device{Index: 0, Name: r.name, InputChannels: 1}
}

func (r *Replay) Devices() ([]Device, error) {
	return []Device{r.device()}, nil
}

func (r *Replay) DefaultInputDevice() (Device, error) {
	return r.device(), nil
}

func (r *Replay) DefaultSinkName(context.Context) (string, error) {
	return "", errors.New("replay: no playback sink")
}

func (r *Replay) OpenStream(dev Device, params StreamParams) (Stream, error) {
	if dev.Index != 0 {
		return nil, fmt.Errorf("replay: device index %d out of range", dev.Index)
	}
	if params.SampleRate != r.sampleRate {
		return nil, fmt.Errorf("replay: file is %d Hz, stream wants %d Hz", r.sampleRate, params.SampleRate)
	}
	return &replayStream{replay: r}, nil
}

func (r *Replay) Close() error {
	return nil
}

type replayStream struct {
	replay *Replay
	pos    int
}

func (s *replayStream) Read(frame []float32) error {
	samples := s.replay.samples
	if s.pos+len(frame) > len(samples) {
		s.replay.doneOnce.Do(func() { close(s.replay.done) })
		return io.EOF
	}
	copy(frame, samples[s.pos:s.pos+len(frame)])
	s.pos += len(frame)
	return nil
}

func (s *replayStream) Close() error {
	return nil
}

// downmix averages interleaved integer PCM into normalized mono samples.
func downmix(data []int, channels int, divisor float32) []float32 {
	frames := len(data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(data[i*channels+c])
		}
		out[i] = sum / float32(channels) / divisor
	}
	return out
}

func pcmDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, fmt.Errorf("replay: unsupported bit depth %d", bitDepth)
	}
}
