package app

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/petems/bpm-realtime/internal/audio"
	"github.com/petems/bpm-realtime/internal/audio/audiotest"
	"github.com/petems/bpm-realtime/internal/config"
	"github.com/petems/bpm-realtime/internal/device"
	"github.com/petems/bpm-realtime/internal/protocol"
	"github.com/petems/bpm-realtime/internal/tempo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Mock implementations for testing
type mockTracker struct {
	estimator *mockEstimator
	err       error
	opts      []tempo.Options
}

func (m *mockTracker) NewEstimator(opts tempo.Options) (tempo.Estimator, error) {
	m.opts = append(m.opts, opts)
	if m.err != nil {
		return nil, m.err
	}
	if m.estimator == nil {
		m.estimator = &mockEstimator{}
	}
	return m.estimator, nil
}

// mockEstimator replays beats, one per processed frame, then reports none.
type mockEstimator struct {
	beats   []tempo.Beat
	errs    map[int]error
	panicAt map[int]any
	calls   int
	closed  bool
}

func (m *mockEstimator) Process(frame []float32) (tempo.Beat, error) {
	i := m.calls
	m.calls++
	if v, ok := m.panicAt[i]; ok {
		panic(v)
	}
	if err := m.errs[i]; err != nil {
		return tempo.Beat{}, err
	}
	if i < len(m.beats) {
		return m.beats[i], nil
	}
	return tempo.Beat{}, nil
}

func (m *mockEstimator) Close() error {
	m.closed = true
	return nil
}

// scriptedClock returns the given offsets from a fixed base, one per call.
func scriptedClock(seconds ...float64) func() time.Time {
	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	i := 0
	return func() time.Time {
		s := seconds[len(seconds)-1]
		if i < len(seconds) {
			s = seconds[i]
		}
		i++
		return base.Add(time.Duration(s * float64(time.Second)))
	}
}

type harness struct {
	backend *audiotest.Backend
	tracker *mockTracker
	out     bytes.Buffer
	errOut  bytes.Buffer
	cfg     config.Config
	now     func() time.Time
}

func newHarness(script []error, beats []tempo.Beat) *harness {
	cfg := config.Default()
	cfg.Capture.ReadRetryDelay = time.Millisecond

	return &harness{
		backend: &audiotest.Backend{
			DeviceList: []audio.Device{
				{Index: 0, Name: "HDA Intel PCH: ALC257 Analog (hw:0,0)", InputChannels: 2},
				{Index: 1, Name: "alsa_output.pci-0000_00_1f.3.analog-stereo.monitor", InputChannels: 2},
			},
			Sink:   "alsa_output.pci-0000_00_1f.3.analog-stereo",
			Stream: &audiotest.Stream{Script: script},
		},
		tracker: &mockTracker{estimator: &mockEstimator{beats: beats}},
		cfg:     cfg,
	}
}

// run executes the loop until the stream script is exhausted.
func (h *harness) run(t *testing.T) (*Loop, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.backend.Stream.OnExhausted = cancel

	loop := NewLoop(LoopConfig{
		Backend:  h.backend,
		Tracker:  h.tracker,
		Device:   h.backend.DeviceList[1],
		Output:   protocol.NewWriter(&h.out, &h.errOut),
		Settings: h.cfg,
		Logger:   zerolog.Nop(),
		Now:      h.now,
	})
	return loop, loop.Run(ctx)
}

func beats(bpms ...float64) []tempo.Beat {
	out := make([]tempo.Beat, len(bpms))
	for i, b := range bpms {
		out[i] = tempo.Beat{Occurred: true, BPM: b}
	}
	return out
}

func TestLoopStabilizesBeats(t *testing.T) {
	h := newHarness(make([]error, 4), beats(130, 128, 131, 300))
	h.now = scriptedClock(0.0, 0.2, 0.4, 0.6)

	loop, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, "READY\nBPM:130.0\nBPM:150.0\n", h.out.String())
	assert.Empty(t, h.errOut.String())

	stats := loop.Stats()
	assert.Equal(t, uint64(4), stats.Frames)
	assert.Equal(t, uint64(4), stats.Beats)
	assert.Equal(t, uint64(2), stats.Reports)
}

func TestLoopWithoutBeatsIsQuiet(t *testing.T) {
	// 5 s of audio at 512/44100 per frame
	frames := 5 * 44100 / 512
	h := newHarness(make([]error, frames), nil)

	loop, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, "READY\n", h.out.String())
	assert.Empty(t, h.errOut.String())
	assert.Equal(t, uint64(frames), loop.Stats().Frames)
	assert.Zero(t, loop.Stats().Beats)
}

func TestLoopDiscardsBeatsWithoutTempo(t *testing.T) {
	h := newHarness(make([]error, 4), []tempo.Beat{
		{Occurred: true, BPM: 0},
		{Occurred: false, BPM: 128},
		{Occurred: true, BPM: -12},
		{Occurred: true, BPM: 96},
	})

	loop, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, "READY\nBPM:96.0\n", h.out.String())
	assert.Equal(t, uint64(1), loop.Stats().Beats)
}

func TestLoopSkipsOverflowedFrames(t *testing.T) {
	script := []error{audio.ErrInputOverflow, audio.ErrInputOverflow, nil, audio.ErrInputOverflow, nil}
	h := newHarness(script, beats(120, 150))

	loop, err := h.run(t)
	require.NoError(t, err)

	// Overflowed frames never reach the estimator and are not reported.
	assert.Equal(t, 2, h.tracker.estimator.calls)
	assert.Empty(t, h.errOut.String())
	assert.Equal(t, "READY\nBPM:120.0\nBPM:150.0\n", h.out.String())

	stats := loop.Stats()
	assert.Equal(t, uint64(3), stats.Overflows)
	assert.Equal(t, uint64(2), stats.Frames)
	assert.Zero(t, stats.ReadErrors)
}

func TestLoopReportsReadErrorsAndContinues(t *testing.T) {
	script := []error{errors.New("Unanticipated host error"), nil, errors.New("Stream is stopped"), nil}
	h := newHarness(script, beats(100, 140))

	loop, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, "ERROR:READ:Unanticipated host error\nERROR:READ:Stream is stopped\n", h.errOut.String())
	assert.Equal(t, "READY\nBPM:100.0\nBPM:140.0\n", h.out.String())
	assert.Equal(t, uint64(2), loop.Stats().ReadErrors)
	assert.Equal(t, uint64(2), loop.Stats().Frames)
}

func TestLoopReadErrorPauseIsCancellable(t *testing.T) {
	h := newHarness([]error{errors.New("device unplugged")}, nil)
	h.cfg.Capture.ReadRetryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	loop := NewLoop(LoopConfig{
		Backend:  h.backend,
		Tracker:  h.tracker,
		Device:   h.backend.DeviceList[1],
		Output:   protocol.NewWriter(&h.out, &h.errOut),
		Settings: h.cfg,
		Logger:   zerolog.Nop(),
	})

	start := time.Now()
	require.NoError(t, loop.Run(ctx))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, "ERROR:READ:device unplugged\n", h.errOut.String())
	assert.True(t, h.backend.Stream.Closed)
}

func TestLoopIgnoresEstimatorErrors(t *testing.T) {
	h := newHarness(make([]error, 3), beats(90, 91, 180))
	h.tracker.estimator.errs = map[int]error{1: errors.New("tempo: frame of 100 samples, want 512")}

	_, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, "READY\nBPM:90.0\nBPM:180.0\n", h.out.String())
}

func TestLoopOpensStreamWithCaptureFormat(t *testing.T) {
	h := newHarness(nil, nil)

	_, err := h.run(t)
	require.NoError(t, err)

	require.Len(t, h.backend.OpenedParams, 1)
	assert.Equal(t, audio.StreamParams{SampleRate: 44100, FramesPerBuffer: 512}, h.backend.OpenedParams[0])
	assert.Equal(t, h.backend.DeviceList[1], h.backend.Opened[0])
	assert.Equal(t, []tempo.Options{{SampleRate: 44100, WindowSize: 1024, HopSize: 512}}, h.tracker.opts)

	assert.True(t, h.backend.Stream.Closed)
	assert.True(t, h.tracker.estimator.closed)
}

func TestLoopOpenFailure(t *testing.T) {
	h := newHarness(nil, nil)
	h.backend.OpenErr = errors.New("Invalid sample rate")

	_, err := h.run(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid sample rate")
	assert.Empty(t, h.out.String(), "no READY without a stream")
	assert.Empty(t, h.tracker.opts, "no estimator without a stream")
}

func TestLoopEstimatorFailureClosesStream(t *testing.T) {
	h := newHarness(nil, nil)
	h.tracker.err = errors.New("tempo: invalid sample rate 0")

	_, err := h.run(t)
	require.Error(t, err)
	assert.Empty(t, h.out.String())
	assert.True(t, h.backend.Stream.Closed)
}

func newApp(h *harness) *App {
	return New(Config{
		Backend:  h.backend,
		Tracker:  h.tracker,
		Output:   protocol.NewWriter(&h.out, &h.errOut),
		Settings: h.cfg,
		Logger:   zerolog.Nop(),
		Now:      h.now,
	})
}

func TestAppAnnouncesDeviceBeforeReady(t *testing.T) {
	h := newHarness(make([]error, 1), beats(128))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.backend.Stream.OnExhausted = cancel

	require.NoError(t, newApp(h).Run(ctx))
	assert.Equal(t, "DEVICE:alsa_output.pci-0000_00_1f.3.analog-stereo.monitor\nREADY\nBPM:128.0\n", h.out.String())
}

func TestAppEstimatorPanicIsFatal(t *testing.T) {
	h := newHarness(make([]error, 3), beats(120, 121, 122))
	h.tracker.estimator.panicAt = map[int]any{1: "index out of range [7] with length 4"}

	err := newApp(h).Run(context.Background())
	require.Error(t, err)

	code := protocol.NewWriter(&h.out, &h.errOut).Fail(err)
	assert.Equal(t, protocol.ExitFatal, code)
	assert.Equal(t, "DEVICE:alsa_output.pci-0000_00_1f.3.analog-stereo.monitor\nREADY\nBPM:120.0\n"+
		"ERROR:FATAL:panic: index out of range [7] with length 4\n", h.out.String())
	assert.True(t, h.backend.Stream.Closed)
	assert.True(t, h.tracker.estimator.closed)
}

func TestAppCancelledDuringResolveStaysSilent(t *testing.T) {
	h := newHarness(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	// The sink query fails once the interrupt lands, so a later rule matches.
	h.backend.SinkErr = context.Canceled
	cancel()

	require.NoError(t, newApp(h).Run(ctx))
	assert.Empty(t, h.out.String())
	assert.Empty(t, h.backend.Opened)
}

func TestLoopCancelledBeforeReadyStaysSilent(t *testing.T) {
	h := newHarness(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := NewLoop(LoopConfig{
		Backend:  h.backend,
		Tracker:  h.tracker,
		Device:   h.backend.DeviceList[1],
		Output:   protocol.NewWriter(&h.out, &h.errOut),
		Settings: h.cfg,
		Logger:   zerolog.Nop(),
	})

	require.NoError(t, loop.Run(ctx))
	assert.Empty(t, h.out.String())
	assert.Zero(t, h.backend.Stream.Reads)
	assert.True(t, h.backend.Stream.Closed)
	assert.True(t, h.tracker.estimator.closed)
}

func TestAppNoDevice(t *testing.T) {
	h := newHarness(nil, nil)
	h.backend.DeviceList = nil
	h.backend.Sink = ""
	h.backend.DefaultInputErr = errors.New("Invalid device")

	err := newApp(h).Run(context.Background())
	require.ErrorIs(t, err, device.ErrNoDevice)

	code := protocol.NewWriter(&h.out, &h.errOut).Fail(err)
	assert.Equal(t, protocol.ExitFatal, code)
	assert.Equal(t, "ERROR:NODEVICE\n", h.out.String())
	assert.Empty(t, h.backend.Opened)
}

func TestAppDetectsTempoFromReplay(t *testing.T) {
	path := audiotest.WriteWAV(t, audiotest.ClickTrack(44100, 120, 12), 44100)
	replay, err := audio.OpenReplay(path)
	require.NoError(t, err)

	var out, errOut bytes.Buffer
	a := New(Config{
		Backend:  replay,
		Tracker:  tempo.OnsetTracker{},
		Output:   protocol.NewWriter(&out, &errOut),
		Settings: config.Default(),
		Logger:   zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-replay.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("replay did not finish")
	}
	cancel()
	require.NoError(t, <-done)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "DEVICE:signal.wav", lines[0])
	assert.Equal(t, "READY", lines[1])

	last := lines[len(lines)-1]
	require.True(t, strings.HasPrefix(last, "BPM:"), last)
	bpm, err := strconv.ParseFloat(strings.TrimPrefix(last, "BPM:"), 64)
	require.NoError(t, err)
	assert.InDelta(t, 120, bpm, 4)
}
