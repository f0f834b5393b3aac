package tempo

import (
	"math"
	"time"

	"github.com/petems/bpm-realtime/internal/config"
)

// Normalize folds bpm by octaves into [lo, hi]. It reports false for
// inputs that cannot be folded: non-positive or non-finite values, and
// values needing more than maxSteps folds.
func Normalize(bpm, lo, hi float64, maxSteps int) (float64, bool) {
	if !(bpm > 0) || math.IsInf(bpm, 0) {
		return 0, false
	}
	for steps := 0; bpm > hi; steps++ {
		if steps == maxSteps {
			return 0, false
		}
		bpm /= 2
	}
	for steps := 0; bpm < lo; steps++ {
		if steps == maxSteps {
			return 0, false
		}
		bpm *= 2
	}
	return bpm, bpm <= hi
}

// Stabilizer decides which tempo readings are worth reporting. The zero
// state has never reported, so the first valid reading is always accepted.
// It is not safe for concurrent use.
type Stabilizer struct {
	cfg    config.StabilizerConfig
	last   float64
	lastAt time.Time
}

func NewStabilizer(cfg config.StabilizerConfig) *Stabilizer {
	return &Stabilizer{cfg: cfg}
}

// Accept normalizes raw and reports it if it moved by more than MinDelta
// from the last report, or the last report is older than MaxInterval.
// Rejected readings leave the state untouched.
func (s *Stabilizer) Accept(raw float64, now time.Time) (float64, bool) {
	bpm, ok := Normalize(raw, s.cfg.MinBPM, s.cfg.MaxBPM, s.cfg.MaxFoldSteps)
	if !ok {
		return 0, false
	}

	if math.Abs(bpm-s.last) <= s.cfg.MinDelta && !s.stale(now) {
		return 0, false
	}

	s.last = bpm
	s.lastAt = now
	return bpm, true
}

// Last returns the last reported tempo and when it was reported.
func (s *Stabilizer) Last() (float64, time.Time) {
	return s.last, s.lastAt
}

func (s *Stabilizer) stale(now time.Time) bool {
	if s.lastAt.IsZero() {
		return true
	}
	return now.Sub(s.lastAt) > s.cfg.MaxInterval
}
