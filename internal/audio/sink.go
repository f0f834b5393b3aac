package audio

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/petems/bpm-realtime/internal/config"
)

// SinkQuery asks the audio server for its default playback sink by running
// an external command (pactl on PulseAudio and PipeWire systems).
type SinkQuery struct {
	command []string
	timeout time.Duration
}

func NewSinkQuery(cfg config.AudioConfig) *SinkQuery {
	return &SinkQuery{command: cfg.SinkCommand, timeout: cfg.SinkQueryTimeout}
}

// Name runs the command and returns its trimmed output.
func (q *SinkQuery) Name(ctx context.Context) (string, error) {
	if len(q.command) == 0 {
		return "", errors.New("no sink command configured")
	}
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	out, err := exec.CommandContext(ctx, q.command[0], q.command[1:]...).Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w", q.command[0], err)
	}

	name := strings.TrimSpace(string(out))
	if name == "" {
		return "", fmt.Errorf("%s: empty sink name", q.command[0])
	}
	return name, nil
}
