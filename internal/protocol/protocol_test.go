package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petems/bpm-realtime/internal/audio"
	"github.com/petems/bpm-realtime/internal/device"
)

func TestEventString(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{Device("alsa_output.pci.analog-stereo.monitor"), "DEVICE:alsa_output.pci.analog-stereo.monitor"},
		{Ready(), "READY"},
		{BPM(130), "BPM:130.0"},
		{BPM(127.96), "BPM:128.0"},
		{BPM(60.04), "BPM:60.0"},
		{BPM(199.96), "BPM:200.0"},
		{Error(ErrNoDevice, ""), "ERROR:NODEVICE"},
		{Error(ErrDeps, "libportaudio.so.2: cannot open"), "ERROR:DEPS:libportaudio.so.2: cannot open"},
		{Error(ErrFatal, "line one\nline two"), "ERROR:FATAL:line one line two"},
		{Error(ErrRead, "Unanticipated host error"), "ERROR:READ:Unanticipated host error"},
		{Device("odd\r\nname"), "DEVICE:odd name"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.event.String())
	}
}

func TestWriterRoutesReadErrorsToStderr(t *testing.T) {
	var out, errOut bytes.Buffer
	w := NewWriter(&out, &errOut)

	require.NoError(t, w.Device("Monitor of Built-in Audio"))
	require.NoError(t, w.Ready())
	require.NoError(t, w.ReadError(errors.New("Stream is stopped")))
	require.NoError(t, w.BPM(131.26))

	assert.Equal(t, "DEVICE:Monitor of Built-in Audio\nREADY\nBPM:131.3\n", out.String())
	assert.Equal(t, "ERROR:READ:Stream is stopped\n", errOut.String())
}

type countingWriter struct {
	writes int
	bytes.Buffer
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes++
	return c.Buffer.Write(p)
}

func TestWriterOneWritePerLine(t *testing.T) {
	out := &countingWriter{}
	w := NewWriter(out, &bytes.Buffer{})

	require.NoError(t, w.BPM(120))
	require.NoError(t, w.BPM(150))
	assert.Equal(t, 2, out.writes)
}

func TestFail(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"no device", fmt.Errorf("resolve: %w", device.ErrNoDevice), "ERROR:NODEVICE\n"},
		{"backend", fmt.Errorf("%w: failed to initialize PortAudio: no host api", audio.ErrBackend), "ERROR:DEPS:audio: backend unavailable: failed to initialize PortAudio: no host api\n"},
		{"anything else", errors.New("failed to open audio stream: Invalid sample rate"), "ERROR:FATAL:failed to open audio stream: Invalid sample rate\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			code := NewWriter(&out, &errOut).Fail(tt.err)

			assert.Equal(t, ExitFatal, code)
			assert.Equal(t, tt.want, out.String())
			assert.Empty(t, errOut.String())
		})
	}
}

func TestFailNil(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, ExitOK, NewWriter(&out, &out).Fail(nil))
	assert.Empty(t, out.String())
}
