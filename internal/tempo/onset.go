package tempo

import (
	"errors"
	"fmt"
	"math"
)

const (
	defaultMinBPM         = 40.0
	defaultMaxBPM         = 250.0
	defaultHistorySeconds = 6.0

	warmupSeconds     = 2.0
	minBeatGapSeconds = 0.25

	priorCenterBPM = 120.0
	priorOctaves   = 1.0 // stddev of the log-normal tempo prior

	energyCompression = 1e4
	onsetFloor        = 0.3
	thresholdStddevs  = 1.5
)

var errEstimatorClosed = errors.New("tempo: estimator closed")

// OnsetTracker builds estimators that detect beats as peaks of an energy
// onset envelope and measure tempo by autocorrelating that envelope. The
// zero value uses a 40-250 BPM search range over 6 s of history.
type OnsetTracker struct {
	MinBPM         float64
	MaxBPM         float64
	HistorySeconds float64
}

func (t OnsetTracker) NewEstimator(opts Options) (Estimator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	minBPM, maxBPM, seconds := t.MinBPM, t.MaxBPM, t.HistorySeconds
	if minBPM == 0 {
		minBPM = defaultMinBPM
	}
	if maxBPM == 0 {
		maxBPM = defaultMaxBPM
	}
	if seconds == 0 {
		seconds = defaultHistorySeconds
	}
	if minBPM <= 0 || maxBPM <= minBPM {
		return nil, fmt.Errorf("tempo: invalid search range [%g, %g] BPM", minBPM, maxBPM)
	}

	hopRate := float64(opts.SampleRate) / float64(opts.HopSize)
	minLag := int(math.Floor(60 * hopRate / maxBPM))
	if minLag < 1 {
		minLag = 1
	}
	maxLag := int(math.Ceil(60 * hopRate / minBPM))
	size := int(math.Round(seconds * hopRate))
	if size < maxLag+2 {
		return nil, fmt.Errorf("tempo: %g s of history cannot hold a %g BPM period", seconds, minBPM)
	}

	warmup := int(math.Ceil(warmupSeconds * hopRate))
	warmup = max(warmup, maxLag+2)
	warmup = min(warmup, size)

	prior := make([]float64, maxLag-minLag+1)
	for i := range prior {
		octaves := math.Log2(60*hopRate/float64(minLag+i)/priorCenterBPM) / priorOctaves
		prior[i] = math.Exp(-0.5 * octaves * octaves)
	}

	return &onsetEstimator{
		hop:       opts.HopSize,
		hopRate:   hopRate,
		window:    make([]float32, opts.WindowSize),
		history:   make([]float64, size),
		scratch:   make([]float64, size),
		warmup:    warmup,
		minLag:    minLag,
		maxLag:    maxLag,
		prior:     prior,
		sinceBeat: maxSinceBeat,
	}, nil
}

const maxSinceBeat = 1 << 30

type onsetEstimator struct {
	hop     int
	hopRate float64 // hops per second

	window    []float32
	prevLevel float64

	// onset envelope ring, one value per hop
	history []float64
	scratch []float64
	pos     int
	filled  int
	warmup  int

	minLag int
	maxLag int
	prior  []float64

	sinceBeat int
	bpm       float64
	closed    bool
}

func (e *onsetEstimator) Process(frame []float32) (Beat, error) {
	if e.closed {
		return Beat{}, errEstimatorClosed
	}
	if len(frame) != e.hop {
		return Beat{}, fmt.Errorf("tempo: frame of %d samples, want %d", len(frame), e.hop)
	}

	copy(e.window, e.window[e.hop:])
	copy(e.window[len(e.window)-e.hop:], frame)

	var power float64
	for _, s := range e.window {
		power += float64(s) * float64(s)
	}
	power /= float64(len(e.window))
	if math.IsNaN(power) || math.IsInf(power, 0) {
		power = 0
	}

	level := math.Log1p(energyCompression * power)
	onset := math.Max(0, level-e.prevLevel)
	e.prevLevel = level
	e.push(onset)
	if e.sinceBeat < maxSinceBeat {
		e.sinceBeat++
	}

	if e.filled < e.warmup {
		return Beat{}, nil
	}

	mean, std := meanStd(e.ordered())
	threshold := math.Max(mean+thresholdStddevs*std, onsetFloor)
	if onset <= threshold || float64(e.sinceBeat) < e.minGap() {
		return Beat{BPM: e.bpm}, nil
	}

	e.sinceBeat = 0
	if bpm := e.estimate(); bpm > 0 {
		e.bpm = bpm
	}
	return Beat{Occurred: true, BPM: e.bpm}, nil
}

func (e *onsetEstimator) Close() error {
	e.closed = true
	return nil
}

// minGap is the shortest beat spacing in hops: half the current period.
func (e *onsetEstimator) minGap() float64 {
	if e.bpm > 0 {
		return 0.5 * 60 * e.hopRate / e.bpm
	}
	return minBeatGapSeconds * e.hopRate
}

func (e *onsetEstimator) push(v float64) {
	e.history[e.pos] = v
	e.pos = (e.pos + 1) % len(e.history)
	if e.filled < len(e.history) {
		e.filled++
	}
}

// ordered returns the filled part of the history, oldest first. The slice
// aliases internal storage.
func (e *onsetEstimator) ordered() []float64 {
	if e.filled < len(e.history) {
		return e.history[:e.filled]
	}
	n := copy(e.scratch, e.history[e.pos:])
	copy(e.scratch[n:], e.history[:e.pos])
	return e.scratch
}

// estimate returns the tempo of the onset history: the autocorrelation lag
// with the best prior-weighted score, refined to a fractional lag.
func (e *onsetEstimator) estimate() float64 {
	x := e.ordered()
	mean, _ := meanStd(x)

	// ordered may already use scratch, so center into a fresh slice
	c := make([]float64, len(x))
	for i, v := range x {
		c[i] = v - mean
	}

	best, bestScore := 0, 0.0
	for lag := e.minLag; lag <= e.maxLag && lag < len(c); lag++ {
		score := autocorr(c, lag) * e.prior[lag-e.minLag]
		if score > bestScore {
			best, bestScore = lag, score
		}
	}
	if best == 0 {
		return 0
	}

	shift := 0.0
	if best > e.minLag && best < e.maxLag && best+1 < len(c) {
		a, b, d := autocorr(c, best-1), autocorr(c, best), autocorr(c, best+1)
		if den := a - 2*b + d; den < 0 {
			shift = math.Max(-0.5, math.Min(0.5, 0.5*(a-d)/den))
		}
	}
	return 60 * e.hopRate / (float64(best) + shift)
}

func autocorr(x []float64, lag int) float64 {
	var sum float64
	for i := lag; i < len(x); i++ {
		sum += x[i] * x[i-lag]
	}
	return sum
}

func meanStd(x []float64) (mean, std float64) {
	if len(x) == 0 {
		return 0, 0
	}
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	var variance float64
	for _, v := range x {
		variance += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(variance / float64(len(x)))
}
