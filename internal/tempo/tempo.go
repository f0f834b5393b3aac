// Package tempo turns captured audio frames into beat events and
// stabilized BPM readings.
package tempo

import "fmt"

// Beat is the per-frame output of an Estimator.
type Beat struct {
	Occurred bool
	BPM      float64 // current tempo estimate, 0 while unknown
}

// Options scopes an estimator to one capture stream.
type Options struct {
	SampleRate int
	WindowSize int
	HopSize    int
}

func (o Options) validate() error {
	if o.SampleRate <= 0 {
		return fmt.Errorf("tempo: invalid sample rate %d", o.SampleRate)
	}
	if o.HopSize <= 0 || o.WindowSize < o.HopSize || o.WindowSize%o.HopSize != 0 {
		return fmt.Errorf("tempo: window %d must be a positive multiple of hop %d", o.WindowSize, o.HopSize)
	}
	return nil
}

// Tracker builds estimators.
type Tracker interface {
	NewEstimator(opts Options) (Estimator, error)
}

// Estimator consumes consecutive hop-sized frames of one stream.
type Estimator interface {
	Process(frame []float32) (Beat, error)
	Close() error
}
