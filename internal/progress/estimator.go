package progress

import (
	"sync"
	"time"
)

// DefaultWindow is the trailing interval used for instantaneous speed
const DefaultWindow = 5 * time.Second

// Sample is a cumulative byte count observed at a point in time
type Sample struct {
	Time  time.Time
	Bytes int64
}

// Estimate is a smoothed throughput figure and the time left at that rate
type Estimate struct {
	Speed          float64       // bytes/second
	Remaining      time.Duration // valid only when RemainingKnown
	RemainingKnown bool
}

// SpeedEstimator computes sliding-window throughput and ETA for one transfer
type SpeedEstimator struct {
	mu      sync.Mutex
	window  time.Duration
	total   int64
	start   time.Time
	samples []Sample
	last    Estimate
}

// NewSpeedEstimator creates an estimator for a transfer of total bytes started at start
func NewSpeedEstimator(total int64, window time.Duration, start time.Time) *SpeedEstimator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &SpeedEstimator{
		window:  window,
		total:   total,
		start:   start,
		samples: make([]Sample, 0, 16),
	}
}

// Observe records the cumulative byte count at now and returns the updated estimate
func (e *SpeedEstimator) Observe(now time.Time, cumulative int64) Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, Sample{Time: now, Bytes: cumulative})
	e.prune(now)

	var speed float64
	if len(e.samples) >= 2 {
		first := e.samples[0]
		last := e.samples[len(e.samples)-1]
		if elapsed := last.Time.Sub(first.Time).Seconds(); elapsed > 0 {
			speed = float64(last.Bytes-first.Bytes) / elapsed
		} else {
			speed = e.last.Speed
		}
	} else if elapsed := now.Sub(e.start).Seconds(); elapsed > 0 {
		speed = float64(cumulative) / elapsed
	}
	if speed < 0 {
		speed = 0
	}

	e.last = e.estimate(speed, cumulative)
	return e.last
}

// Last returns the most recent estimate without recording a sample
func (e *SpeedEstimator) Last() Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// prune drops samples older than the window (must be called with lock held)
func (e *SpeedEstimator) prune(now time.Time) {
	cutoff := now.Add(-e.window)
	keep := 0
	for keep < len(e.samples) && e.samples[keep].Time.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		e.samples = append(e.samples[:0], e.samples[keep:]...)
	}
}

func (e *SpeedEstimator) estimate(speed float64, transferred int64) Estimate {
	remainingBytes := e.total - transferred
	if remainingBytes <= 0 {
		return Estimate{Speed: speed, RemainingKnown: true}
	}
	if speed <= 0 {
		return Estimate{Speed: 0}
	}
	return Estimate{
		Speed:          speed,
		Remaining:      time.Duration(float64(remainingBytes) / speed * float64(time.Second)),
		RemainingKnown: true,
	}
}
