package audio

import (
	"context"
	"errors"
)

var (
	// ErrInputOverflow reports a frame lost to a capture buffer overrun.
	// The frame contents are undefined and should be dropped.
	ErrInputOverflow = errors.New("audio: input overflowed")

	// ErrBackend wraps failures to bring up the audio server client itself.
	ErrBackend = errors.New("audio: backend unavailable")
)

// Backend is the audio-server client the capture path depends on.
type Backend interface {
	// Devices enumerates every device the server exposes, in server order.
	Devices() ([]Device, error)
	// DefaultInputDevice returns the server's default capture device.
	DefaultInputDevice() (Device, error)
	// DefaultSinkName returns the name of the current default playback sink.
	DefaultSinkName(ctx context.Context) (string, error)
	// OpenStream opens and starts a blocking mono float32 capture stream.
	OpenStream(dev Device, params StreamParams) (Stream, error)
	Close() error
}

// Stream is an open capture stream.
type Stream interface {
	// Read blocks until len(frame) samples were captured into frame.
	Read(frame []float32) error
	Close() error
}

// Device describes one enumerated audio device.
type Device struct {
	Index         int
	Name          string
	InputChannels int
}

// StreamParams describes the capture format.
type StreamParams struct {
	SampleRate      int
	FramesPerBuffer int
}
