package progress

import (
	"sync"
	"time"
)

// DefaultInterval is how often a running transfer reports progress
const DefaultInterval = time.Second

// ReportFunc receives the cumulative byte count and the estimate on every tick
type ReportFunc func(transferred int64, est Estimate)

// Ticker samples a byte counter on a steady interval, independent of chunk
// completions, so reported speed keeps moving while large chunks are in flight
type Ticker struct {
	interval  time.Duration
	estimator *SpeedEstimator
	read      func() int64
	report    ReportFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// StartTicker starts the sampling loop
func StartTicker(interval time.Duration, estimator *SpeedEstimator, read func() int64, report ReportFunc) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &Ticker{
		interval:  interval,
		estimator: estimator,
		read:      read,
		report:    report,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go t.loop()
	return t
}

// Stop ends the loop after one final report and waits for it to exit
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	<-t.doneCh
}

func (t *Ticker) loop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.tick()
		case <-t.stopCh:
			t.tick()
			return
		}
	}
}

func (t *Ticker) tick() {
	transferred := t.read()
	est := t.estimator.Observe(time.Now(), transferred)
	if t.report != nil {
		t.report(transferred, est)
	}
}
