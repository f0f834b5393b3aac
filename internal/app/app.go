package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/bpm-realtime/internal/audio"
	"github.com/petems/bpm-realtime/internal/config"
	"github.com/petems/bpm-realtime/internal/device"
	"github.com/petems/bpm-realtime/internal/protocol"
	"github.com/petems/bpm-realtime/internal/tempo"
)

type Config struct {
	Backend  audio.Backend
	Tracker  tempo.Tracker
	Output   *protocol.Writer
	Settings config.Config
	Logger   zerolog.Logger
	Now      func() time.Time // Optional - defaults to time.Now
}

// App finds the capture device and runs the capture loop on it.
type App struct {
	backend audio.Backend
	tracker tempo.Tracker
	out     *protocol.Writer
	cfg     config.Config
	log     zerolog.Logger
	now     func() time.Time
}

func New(cfg Config) *App {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		backend: cfg.Backend,
		tracker: cfg.Tracker,
		out:     cfg.Output,
		cfg:     cfg.Settings,
		log:     cfg.Logger,
		now:     now,
	}
}

// Run resolves the device, announces it and captures until ctx is done.
// It returns nil on cancellation and an error for any fatal fault; the
// caller reports the error and picks the exit code. A panic in the backend
// or the estimator is returned as an error too.
func (a *App) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Msg("Capture panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	resolver := device.NewResolver(a.backend, a.cfg.Audio, a.log)
	dev, rule, err := resolver.ResolveRule(ctx)
	if err != nil {
		return err
	}
	// An interrupt during resolution can make later rules match; stay silent.
	if ctx.Err() != nil {
		return nil
	}

	a.log.Info().
		Str("device", dev.Name).
		Int("index", dev.Index).
		Stringer("rule", rule).
		Msg("Capture device selected")

	if err := a.out.Device(dev.Name); err != nil {
		return fmt.Errorf("failed to write device line: %w", err)
	}

	loop := NewLoop(LoopConfig{
		Backend:  a.backend,
		Tracker:  a.tracker,
		Device:   dev,
		Output:   a.out,
		Settings: a.cfg,
		Logger:   a.log,
		Now:      a.now,
	})
	return loop.Run(ctx)
}
