// Package device picks the capture device that hears the system mix.
package device

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/petems/bpm-realtime/internal/audio"
	"github.com/petems/bpm-realtime/internal/config"
)

// ErrNoDevice means every rule failed, including the default input.
var ErrNoDevice = errors.New("device: no capture device found")

// Resolver searches for a loopback source in a fixed order:
//
//  1. the monitor of the default playback sink
//  2. a monitor exposed by the effects-chain virtual sink
//  3. any monitor
//  4. the default input device, usually a microphone
//
// The first rule that yields a device with input channels wins.
type Resolver struct {
	backend audio.Backend
	cfg     config.AudioConfig
	log     zerolog.Logger
}

func NewResolver(backend audio.Backend, cfg config.AudioConfig, log zerolog.Logger) *Resolver {
	return &Resolver{backend: backend, cfg: cfg, log: log}
}

// Rule identifies the fallback step that produced a device.
type Rule int

const (
	RuleSinkMonitor Rule = iota + 1
	RulePostFXMonitor
	RuleAnyMonitor
	RuleDefaultInput
)

func (r Rule) String() string {
	switch r {
	case RuleSinkMonitor:
		return "sink-monitor"
	case RulePostFXMonitor:
		return "postfx-monitor"
	case RuleAnyMonitor:
		return "any-monitor"
	case RuleDefaultInput:
		return "default-input"
	default:
		return "none"
	}
}

// Resolve returns the device to capture from.
func (r *Resolver) Resolve(ctx context.Context) (audio.Device, error) {
	dev, _, err := r.ResolveRule(ctx)
	return dev, err
}

// ResolveRule is Resolve that also reports the matching rule.
func (r *Resolver) ResolveRule(ctx context.Context) (audio.Device, Rule, error) {
	devices, err := r.backend.Devices()
	if err != nil {
		r.log.Warn().Err(err).Msg("Device enumeration failed")
		devices = nil
	}

	if dev, ok := r.sinkMonitor(ctx, devices); ok {
		return r.found(dev, RuleSinkMonitor)
	}
	if dev, ok := r.postFXMonitor(devices); ok {
		return r.found(dev, RulePostFXMonitor)
	}
	if dev, ok := anyMonitor(devices); ok {
		return r.found(dev, RuleAnyMonitor)
	}

	dev, err := r.backend.DefaultInputDevice()
	if err != nil {
		r.log.Debug().Err(err).Msg("No default input device")
		return audio.Device{}, 0, ErrNoDevice
	}
	r.log.Warn().Str("device", dev.Name).Msg("No monitor source, capturing from default input")
	return r.found(dev, RuleDefaultInput)
}

func (r *Resolver) found(dev audio.Device, rule Rule) (audio.Device, Rule, error) {
	r.log.Debug().Str("device", dev.Name).Int("index", dev.Index).Stringer("rule", rule).Msg("Resolved capture device")
	return dev, rule, nil
}

func (r *Resolver) sinkMonitor(ctx context.Context, devices []audio.Device) (audio.Device, bool) {
	sink, err := r.backend.DefaultSinkName(ctx)
	if err == nil && sink == "" {
		err = errors.New("empty sink name")
	}
	if err != nil {
		r.log.Debug().Err(err).Msg("Default sink unknown")
		return audio.Device{}, false
	}

	target := sink + r.cfg.SinkSuffix
	return first(devices, func(name string) bool {
		return strings.Contains(name, target)
	})
}

func (r *Resolver) postFXMonitor(devices []audio.Device) (audio.Device, bool) {
	token := strings.ToLower(r.cfg.PostFXToken)
	if token == "" {
		return audio.Device{}, false
	}
	return first(devices, func(name string) bool {
		lower := strings.ToLower(name)
		return strings.Contains(lower, token) && strings.Contains(lower, "monitor")
	})
}

func anyMonitor(devices []audio.Device) (audio.Device, bool) {
	return first(devices, func(name string) bool {
		return strings.Contains(strings.ToLower(name), "monitor")
	})
}

// first returns the first device with input channels whose name matches.
func first(devices []audio.Device, match func(name string) bool) (audio.Device, bool) {
	for _, d := range devices {
		if d.InputChannels > 0 && match(d.Name) {
			return d, true
		}
	}
	return audio.Device{}, false
}
