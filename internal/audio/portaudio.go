package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/petems/bpm-realtime/internal/config"
)

// PortAudio implements Backend on top of the PortAudio C library.
type PortAudio struct {
	sink *SinkQuery
}

// NewPortAudio initializes PortAudio. Terminate is called by Close.
func NewPortAudio(cfg config.AudioConfig) (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize PortAudio: %v", ErrBackend, err)
	}
	return &PortAudio{sink: NewSinkQuery(cfg)}, nil
}

func (p *PortAudio) Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for i, d := range infos {
		devices = append(devices, Device{
			Index:         i,
			Name:          d.Name,
			InputChannels: d.MaxInputChannels,
		})
	}
	return devices, nil
}

func (p *PortAudio) DefaultInputDevice() (Device, error) {
	def, err := portaudio.DefaultInputDevice()
	if err != nil {
		return Device{}, fmt.Errorf("failed to get default input device: %w", err)
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return Device{}, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for i, d := range infos {
		if d == def || d.Name == def.Name {
			return Device{Index: i, Name: d.Name, InputChannels: d.MaxInputChannels}, nil
		}
	}
	return Device{}, fmt.Errorf("default input device %q not enumerated", def.Name)
}

func (p *PortAudio) DefaultSinkName(ctx context.Context) (string, error) {
	return p.sink.Name(ctx)
}

func (p *PortAudio) OpenStream(dev Device, params StreamParams) (Stream, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	if dev.Index < 0 || dev.Index >= len(infos) {
		return nil, fmt.Errorf("device index %d out of range", dev.Index)
	}
	info := infos[dev.Index]

	// Open stream: mono, float32, one hop per buffer
	buffer := make([]float32, params.FramesPerBuffer)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: 1,
			Latency:  info.DefaultHighInputLatency,
		},
		SampleRate:      float64(params.SampleRate),
		FramesPerBuffer: len(buffer),
	}, buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream on %q: %w", info.Name, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}

	return &portAudioStream{stream: stream, buffer: buffer}, nil
}

// Close terminates PortAudio.
func (p *PortAudio) Close() error {
	return portaudio.Terminate()
}

type portAudioStream struct {
	stream *portaudio.Stream
	buffer []float32
}

func (s *portAudioStream) Read(frame []float32) error {
	if len(frame) != len(s.buffer) {
		return fmt.Errorf("frame of %d samples, stream delivers %d", len(frame), len(s.buffer))
	}
	if err := s.stream.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			return ErrInputOverflow
		}
		return err
	}
	copy(frame, s.buffer)
	return nil
}

func (s *portAudioStream) Close() error {
	stopErr := s.stream.Stop()
	if err := s.stream.Close(); err != nil {
		return err
	}
	return stopErr
}
