package transfer

import (
	"time"
)

// Direction tells which way the bytes of a task flow
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Status represents the lifecycle state of a transfer task
type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusTransferring Status = "transferring"
	StatusPaused       Status = "paused"
	StatusVerifying    Status = "verifying"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusCanceled     Status = "canceled"
)

// AllStatuses lists every status in display order
var AllStatuses = []Status{
	StatusWaiting,
	StatusTransferring,
	StatusPaused,
	StatusVerifying,
	StatusSucceeded,
	StatusFailed,
	StatusCanceled,
}

// Terminal reports whether no session will ever run for the status again without caller action
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Active reports whether a session currently owns the task
func (s Status) Active() bool {
	return s == StatusTransferring || s == StatusVerifying
}

// Task is one file's transfer intent
type Task struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	Direction   Direction `json:"direction"`
	JobID       string    `json:"job_id"`
	LocalPath   string    `json:"local_path"`
	RemoteKey   string    `json:"remote_key"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	ContentHash string    `json:"content_hash,omitempty"`

	Status           Status `json:"status"`
	TransferredBytes int64  `json:"transferred_bytes"`
	RetryCount       int    `json:"retry_count"`
	ErrorKind        Kind   `json:"error_kind,omitempty"`
	LastError        string `json:"last_error,omitempty"`

	// Live figures, refreshed by the progress ticker
	Speed          float64       `json:"speed"`
	RemainingTime  time.Duration `json:"remaining_time"`
	RemainingKnown bool          `json:"remaining_known"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand out to callers
func (t *Task) Clone() Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return c
}

// Percent returns the completed share in [0, 100]
func (t *Task) Percent() float64 {
	if t.FileSize == 0 {
		if t.Status == StatusSucceeded {
			return 100
		}
		return 0
	}
	return float64(t.TransferredBytes) / float64(t.FileSize) * 100
}

// SetProgress applies a new transferred byte count. Counts never regress and are
// clamped to the file size.
func (t *Task) SetProgress(transferred int64) {
	if transferred > t.FileSize {
		transferred = t.FileSize
	}
	if transferred > t.TransferredBytes {
		t.TransferredBytes = transferred
	}
}

// MarkSucceeded moves the task to its successful terminal state
func (t *Task) MarkSucceeded(now time.Time) {
	t.Status = StatusSucceeded
	t.TransferredBytes = t.FileSize
	t.ErrorKind = ""
	t.LastError = ""
	t.Speed = 0
	t.RemainingTime = 0
	t.RemainingKnown = true
	t.CompletedAt = &now
}

// MarkFailed records the terminal error while keeping transferred bytes for diagnostics
func (t *Task) MarkFailed(now time.Time, err error) {
	t.Status = StatusFailed
	t.ErrorKind = KindOf(err)
	if err != nil {
		t.LastError = err.Error()
	}
	t.Speed = 0
	t.RemainingKnown = false
	t.CompletedAt = &now
}
