package checkpoint

import (
	"errors"
	"sync"
	"time"

	"assetxfer/internal/transfer"

	"go.uber.org/zap"
)

// DefaultFlushInterval bounds how long a submitted checkpoint may stay unwritten
const DefaultFlushInterval = 500 * time.Millisecond

// AsyncWriter debounces checkpoint writes off the transfer path. Only the latest
// submitted checkpoint per key is kept; it reaches the store within one interval.
type AsyncWriter struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger

	// writeMu orders store writes against Delete so a stale pending
	// checkpoint can never be written after its deletion
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[Key]*transfer.Checkpoint

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewAsyncWriter starts a writer flushing to store every interval
func NewAsyncWriter(store Store, interval time.Duration, logger *zap.Logger) *AsyncWriter {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &AsyncWriter{
		store:    store,
		interval: interval,
		logger:   logger,
		pending:  make(map[Key]*transfer.Checkpoint),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Store returns the underlying store for synchronous reads
func (w *AsyncWriter) Store() Store {
	return w.store
}

// Submit queues a copy of cp, replacing any unwritten checkpoint for the same key
func (w *AsyncWriter) Submit(cp *transfer.Checkpoint) {
	key := Key{TaskID: cp.TaskID, LocalPath: cp.LocalPath}
	snapshot := cp.Clone()

	w.mu.Lock()
	w.pending[key] = snapshot
	w.mu.Unlock()
}

// Flush writes every pending checkpoint now
func (w *AsyncWriter) Flush() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[Key]*transfer.Checkpoint)
	w.mu.Unlock()

	var errs []error
	for key, cp := range batch {
		if err := w.store.SaveCheckpoint(cp); err != nil {
			w.logger.Warn("Failed to save checkpoint",
				zap.String("task_id", key.TaskID),
				zap.String("path", key.LocalPath),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delete drops any pending write for the key and removes the stored checkpoint
func (w *AsyncWriter) Delete(taskID, localPath string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	delete(w.pending, Key{TaskID: taskID, LocalPath: localPath})
	w.mu.Unlock()

	return w.store.DeleteCheckpoint(taskID, localPath)
}

// Close flushes pending checkpoints and stops the background loop.
// The underlying store is left open.
func (w *AsyncWriter) Close() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
	return w.Flush()
}

func (w *AsyncWriter) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = w.Flush()
		case <-w.stopCh:
			return
		}
	}
}
