package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Summary is an aggregate view of all tasks known to the manager
type Summary struct {
	Total        int
	Waiting      int
	Transferring int
	Paused       int
	Verifying    int
	Succeeded    int
	Failed       int
	Canceled     int

	TotalBytes       int64
	TransferredBytes int64
	AverageSpeed     float64 // bytes/second across active tasks
	StartTime        time.Time
}

// Percent returns the byte progress in [0, 100]
func (s Summary) Percent() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.TransferredBytes) / float64(s.TotalBytes) * 100
}

// Remaining estimates the time left for all bytes at the current average speed
func (s Summary) Remaining() (time.Duration, bool) {
	left := s.TotalBytes - s.TransferredBytes
	if left <= 0 {
		return 0, true
	}
	if s.AverageSpeed <= 0 {
		return 0, false
	}
	return time.Duration(float64(left) / s.AverageSpeed * float64(time.Second)), true
}

// Display periodically renders a Summary to a terminal
type Display struct {
	source   func() Summary
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDisplay creates a new progress display
func NewDisplay(source func() Summary, interval time.Duration, out io.Writer) *Display {
	if out == nil {
		out = os.Stdout
	}
	return &Display{
		source:   source,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the display and prints the final summary
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	<-d.doneCh
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(d.out, strings.Join(Render(d.source()), "\n"))
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(RenderFinal(d.source()), "\n"))
			return
		}
	}
}

// Render produces the live progress lines for a summary
func Render(s Summary) []string {
	lines := make([]string, 0, 8)

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("Transfers: %d total, %d active, %d waiting, %d paused",
		s.Total, s.Transferring+s.Verifying, s.Waiting, s.Paused))
	lines = append(lines, fmt.Sprintf("Data:      %s / %s",
		FormatBytes(s.TransferredBytes), FormatBytes(s.TotalBytes)))
	lines = append(lines, "           "+ProgressBar(s.Percent(), 40))
	lines = append(lines, fmt.Sprintf("Speed:     %s", FormatSpeed(s.AverageSpeed)))

	remaining, known := s.Remaining()
	lines = append(lines, fmt.Sprintf("Remaining: %s", FormatRemaining(remaining, known)))
	lines = append(lines, fmt.Sprintf("Done:      %d succeeded, %d failed, %d canceled",
		s.Succeeded, s.Failed, s.Canceled))

	return lines
}

// RenderFinal produces the completion summary lines
func RenderFinal(s Summary) []string {
	lines := make([]string, 0, 6)

	lines = append(lines, "")
	lines = append(lines, "Transfer summary")
	lines = append(lines, strings.Repeat("=", 40))
	lines = append(lines, fmt.Sprintf("Tasks:       %d", s.Total))
	lines = append(lines, fmt.Sprintf("Data:        %s", FormatBytes(s.TransferredBytes)))
	lines = append(lines, fmt.Sprintf("Succeeded:   %d", s.Succeeded))
	lines = append(lines, fmt.Sprintf("Failed:      %d", s.Failed))
	lines = append(lines, fmt.Sprintf("Canceled:    %d", s.Canceled))
	lines = append(lines, fmt.Sprintf("Unfinished:  %d", s.Waiting+s.Paused+s.Transferring+s.Verifying))
	if !s.StartTime.IsZero() {
		lines = append(lines, fmt.Sprintf("Elapsed:     %s", FormatDuration(time.Since(s.StartTime))))
	}

	return lines
}

// ProgressBar generates a visual progress bar
func ProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported checks whether stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatSpeed formats speed in human readable format
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}

// FormatRemaining renders an ETA, or "unknown" when no rate is available yet
func FormatRemaining(d time.Duration, known bool) string {
	if !known {
		return "unknown"
	}
	return FormatDuration(d)
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
