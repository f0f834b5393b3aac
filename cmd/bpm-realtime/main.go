package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/petems/bpm-realtime/internal/app"
	"github.com/petems/bpm-realtime/internal/audio"
	"github.com/petems/bpm-realtime/internal/config"
	"github.com/petems/bpm-realtime/internal/logging"
	"github.com/petems/bpm-realtime/internal/permissions"
	"github.com/petems/bpm-realtime/internal/protocol"
	"github.com/petems/bpm-realtime/internal/tempo"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	os.Exit(run())
}

// run returns the exit code so deferred cleanup happens before os.Exit.
func run() (code int) {
	cfg := config.Default()
	log := logging.NewWithLevel(cfg.LogLevel)
	out := protocol.NewWriter(os.Stdout, os.Stderr)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Unrecovered panic")
			code = out.Fail(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := cfg.Validate(); err != nil {
		return out.Fail(err)
	}

	log.Info().Str("version", Version).Str("commit", Commit).Msg("bpm-realtime starting")

	// macOS hands monitor and microphone audio out only after approval
	if err := permissions.EnsurePermissions(); err != nil {
		return out.Fail(err)
	}

	backend, err := audio.NewPortAudio(cfg.Audio)
	if err != nil {
		return out.Fail(err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to terminate audio backend")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application := app.New(app.Config{
		Backend:  backend,
		Tracker:  tempo.OnsetTracker{},
		Output:   out,
		Settings: cfg,
		Logger:   log,
	})

	err = application.Run(ctx)
	if err == nil {
		log.Info().Msg("Shutting down...")
	}
	return out.Fail(err)
}
