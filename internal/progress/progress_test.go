package progress

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeedEstimator_SlidingWindow(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	est := NewSpeedEstimator(10_000_000, 5*time.Second, start)

	est.Observe(start, 0)
	est.Observe(start.Add(1*time.Second), 1_000_000)
	got := est.Observe(start.Add(5*time.Second), 5_000_000)

	assert.InDelta(t, 1_000_000, got.Speed, 1)
	require.True(t, got.RemainingKnown)
	assert.Equal(t, 5*time.Second, got.Remaining)
}

func TestSpeedEstimator_PrunesOldSamples(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	est := NewSpeedEstimator(100_000_000, 5*time.Second, start)

	// Fast first second, then a slow steady rate
	est.Observe(start, 0)
	est.Observe(start.Add(time.Second), 50_000_000)
	for i := 2; i <= 12; i++ {
		est.Observe(start.Add(time.Duration(i)*time.Second), 50_000_000+int64(i-1)*100_000)
	}
	got := est.Last()

	assert.InDelta(t, 100_000, got.Speed, 1, "burst outside the window must not count")
}

func TestSpeedEstimator_FallbackToAverage(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	est := NewSpeedEstimator(1000, 5*time.Second, start)

	got := est.Observe(start.Add(2*time.Second), 400)
	assert.InDelta(t, 200, got.Speed, 0.001)
	require.True(t, got.RemainingKnown)
	assert.Equal(t, 3*time.Second, got.Remaining)
}

func TestSpeedEstimator_UnknownRemainingWithoutSpeed(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	est := NewSpeedEstimator(1000, 5*time.Second, start)

	got := est.Observe(start, 0)
	assert.Zero(t, got.Speed)
	assert.False(t, got.RemainingKnown)

	done := NewSpeedEstimator(1000, 5*time.Second, start).Observe(start.Add(time.Second), 1000)
	assert.True(t, done.RemainingKnown)
	assert.Zero(t, done.Remaining)
}

func TestTicker_ReportsWithoutChunkEvents(t *testing.T) {
	var counter atomic.Int64
	counter.Store(42)

	var mu sync.Mutex
	var reports []int64
	est := NewSpeedEstimator(100, time.Second, time.Now())
	ticker := StartTicker(10*time.Millisecond, est, counter.Load, func(transferred int64, _ Estimate) {
		mu.Lock()
		reports = append(reports, transferred)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) >= 3
	}, time.Second, 5*time.Millisecond)

	counter.Store(100)
	ticker.Stop()
	ticker.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(100), reports[len(reports)-1], "stop emits a final report")
}

func TestSummary_Remaining(t *testing.T) {
	s := Summary{TotalBytes: 1000, TransferredBytes: 400, AverageSpeed: 100}
	d, known := s.Remaining()
	assert.True(t, known)
	assert.Equal(t, 6*time.Second, d)

	s.AverageSpeed = 0
	_, known = s.Remaining()
	assert.False(t, known)
	assert.Equal(t, "unknown", FormatRemaining(0, known))
}

func TestDisplay_RendersFinalSummary(t *testing.T) {
	var buf bytes.Buffer
	d := NewDisplay(func() Summary {
		return Summary{Total: 2, Succeeded: 1, Failed: 1, TransferredBytes: 2048}
	}, time.Hour, &buf)
	d.Start()
	d.Stop()

	out := buf.String()
	assert.Contains(t, out, "Transfer summary")
	assert.Contains(t, out, "Succeeded:   1")
	assert.Contains(t, out, "2.0 KiB")
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "0 B/s", FormatSpeed(0))
	assert.Equal(t, "1.0 MiB/s", FormatSpeed(1024*1024))
	assert.Equal(t, "1h2m3s", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.True(t, strings.HasPrefix(ProgressBar(150, 10), "[##########]"))
}
