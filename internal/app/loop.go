package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/bpm-realtime/internal/audio"
	"github.com/petems/bpm-realtime/internal/config"
	"github.com/petems/bpm-realtime/internal/protocol"
	"github.com/petems/bpm-realtime/internal/tempo"
)

type LoopConfig struct {
	Backend  audio.Backend
	Tracker  tempo.Tracker
	Device   audio.Device
	Output   *protocol.Writer
	Settings config.Config
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Stats counts what the loop has seen so far.
type Stats struct {
	Frames     uint64 // frames handed to the estimator
	Overflows  uint64
	ReadErrors uint64
	Beats      uint64 // beats with a usable tempo
	Reports    uint64 // BPM lines written
}

// Loop owns the capture stream, the estimator and the stabilizer state for
// one device. It must be run from a single goroutine.
type Loop struct {
	backend audio.Backend
	tracker tempo.Tracker
	device  audio.Device
	out     *protocol.Writer
	cfg     config.Config
	log     zerolog.Logger
	now     func() time.Time

	stabilizer *tempo.Stabilizer
	stats      Stats
}

func NewLoop(cfg LoopConfig) *Loop {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Loop{
		backend:    cfg.Backend,
		tracker:    cfg.Tracker,
		device:     cfg.Device,
		out:        cfg.Output,
		cfg:        cfg.Settings,
		log:        cfg.Logger,
		now:        now,
		stabilizer: tempo.NewStabilizer(cfg.Settings.Stabilizer),
	}
}

// Stats returns the counters; only meaningful once Run has returned.
func (l *Loop) Stats() Stats {
	return l.stats
}

// Run opens the stream and estimator, writes READY and then captures until
// ctx is cancelled, which is a clean return. Setup failures and protocol
// write failures are returned. The stream and estimator are closed on every
// path out.
func (l *Loop) Run(ctx context.Context) error {
	a := l.cfg.Audio

	stream, err := l.backend.OpenStream(l.device, audio.StreamParams{
		SampleRate:      a.SampleRate,
		FramesPerBuffer: a.HopSize,
	})
	if err != nil {
		return fmt.Errorf("failed to open capture stream: %w", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			l.log.Warn().Err(err).Msg("Failed to close capture stream")
		}
	}()

	estimator, err := l.tracker.NewEstimator(tempo.Options{
		SampleRate: a.SampleRate,
		WindowSize: a.WindowSize,
		HopSize:    a.HopSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create tempo estimator: %w", err)
	}
	defer estimator.Close()

	if ctx.Err() != nil {
		return nil
	}
	if err := l.out.Ready(); err != nil {
		return fmt.Errorf("failed to write ready line: %w", err)
	}
	l.log.Info().
		Int("sample_rate", a.SampleRate).
		Int("hop", a.HopSize).
		Int("window", a.WindowSize).
		Msg("Capture started")
	defer l.logStats()

	frame := make([]float32, a.HopSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := stream.Read(frame); err != nil {
			if errors.Is(err, audio.ErrInputOverflow) {
				l.stats.Overflows++
				continue
			}

			l.stats.ReadErrors++
			if werr := l.out.ReadError(err); werr != nil {
				l.log.Error().Err(werr).AnErr("read_error", err).Msg("Failed to report read error")
			}
			if !sleep(ctx, l.cfg.Capture.ReadRetryDelay) {
				return nil
			}
			continue
		}

		l.stats.Frames++
		if err := l.process(estimator, frame); err != nil {
			return err
		}
	}
}

func (l *Loop) process(estimator tempo.Estimator, frame []float32) error {
	beat, err := estimator.Process(frame)
	if err != nil {
		l.log.Warn().Err(err).Msg("Tempo estimator rejected frame")
		return nil
	}
	if !beat.Occurred || !(beat.BPM > 0) {
		return nil
	}
	l.stats.Beats++

	bpm, ok := l.stabilizer.Accept(beat.BPM, l.now())
	if !ok {
		return nil
	}
	l.stats.Reports++
	l.log.Debug().Float64("raw", beat.BPM).Float64("bpm", bpm).Msg("Tempo reported")

	if err := l.out.BPM(bpm); err != nil {
		return fmt.Errorf("failed to write bpm line: %w", err)
	}
	return nil
}

func (l *Loop) logStats() {
	l.log.Info().
		Uint64("frames", l.stats.Frames).
		Uint64("overflows", l.stats.Overflows).
		Uint64("read_errors", l.stats.ReadErrors).
		Uint64("beats", l.stats.Beats).
		Uint64("reports", l.stats.Reports).
		Msg("Capture stopped")
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
