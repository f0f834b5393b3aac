package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds every tunable of the process. Nothing is read from disk or
// the environment; Default is the only source.
type Config struct {
	LogLevel   string
	Audio      AudioConfig
	Capture    CaptureConfig
	Stabilizer StabilizerConfig
}

type AudioConfig struct {
	SampleRate int // capture is always mono
	WindowSize int // samples analyzed per tempo update
	HopSize    int // samples per read, and per tempo update

	SinkCommand      []string // prints the default playback sink name
	SinkSuffix       string
	SinkQueryTimeout time.Duration
	PostFXToken      string // effects-chain virtual sink, matched case-insensitively
}

type CaptureConfig struct {
	ReadRetryDelay time.Duration
}

type StabilizerConfig struct {
	MinBPM       float64
	MaxBPM       float64
	MinDelta     float64       // report when the tempo moved by more than this
	MaxInterval  time.Duration // or when the last report is older than this
	MaxFoldSteps int           // octave folds allowed before a reading is discarded
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Audio: AudioConfig{
			SampleRate:       44100,
			WindowSize:       1024,
			HopSize:          512,
			SinkCommand:      []string{"pactl", "get-default-sink"},
			SinkSuffix:       ".monitor",
			SinkQueryTimeout: 5 * time.Second,
			PostFXToken:      "easyeffects",
		},
		Capture: CaptureConfig{
			ReadRetryDelay: 100 * time.Millisecond,
		},
		Stabilizer: StabilizerConfig{
			MinBPM:       60,
			MaxBPM:       200,
			MinDelta:     3.0,
			MaxInterval:  time.Second,
			MaxFoldSteps: 32,
		},
	}
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	a := c.Audio
	if a.SampleRate <= 0 {
		return fmt.Errorf("config: invalid sample rate %d Hz", a.SampleRate)
	}
	if a.HopSize <= 0 || a.WindowSize < a.HopSize || a.WindowSize%a.HopSize != 0 {
		return fmt.Errorf("config: window %d must be a positive multiple of hop %d", a.WindowSize, a.HopSize)
	}
	if len(a.SinkCommand) == 0 {
		return errors.New("config: sink command is empty")
	}

	s := c.Stabilizer
	// The fold range must span at least one octave or folding can oscillate.
	if s.MinBPM <= 0 || s.MaxBPM < 2*s.MinBPM {
		return fmt.Errorf("config: bpm range [%g, %g] must span an octave", s.MinBPM, s.MaxBPM)
	}
	if s.MinDelta < 0 || s.MaxInterval < 0 || s.MaxFoldSteps <= 0 {
		return errors.New("config: negative stabilizer thresholds")
	}
	if c.Capture.ReadRetryDelay < 0 {
		return errors.New("config: negative read retry delay")
	}
	return nil
}
