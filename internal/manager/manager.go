package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"assetxfer/internal/checkpoint"
	"assetxfer/internal/progress"
	"assetxfer/internal/session"
	"assetxfer/internal/transfer"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	// ErrTaskNotFound is returned for operations on an unknown task ID
	ErrTaskNotFound = errors.New("task not found")
	// ErrClosed is returned once the manager has been closed
	ErrClosed = errors.New("manager closed")
)

// Config contains manager settings
type Config struct {
	MaxConcurrent     int
	MaxFileSize       int64
	AllowedExtensions []string // empty allows every extension
	HashParallelism   int
	Session           session.Config
}

// DefaultAllowedExtensions are the scene and archive formats accepted for upload
var DefaultAllowedExtensions = []string{".ma", ".mb", ".zip", ".rar", ".blend", ".c4d", ".max", ".fbx"}

// DefaultConfig returns the default manager settings
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     3,
		MaxFileSize:       20 * transfer.GB,
		AllowedExtensions: DefaultAllowedExtensions,
		HashParallelism:   4,
		Session:           session.DefaultConfig(),
	}
}

// running is the bookkeeping of one task owned by a session
type running struct {
	sess           *session.Session
	done           chan struct{}
	pauseRequested bool
}

// Manager owns every task, admits sessions up to the concurrency bound and
// applies session reports to the task records. All task mutations happen
// under one mutex.
type Manager struct {
	cfg    Config
	deps   session.Deps
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	tasks         map[string]*transfer.Task
	active        map[string]*running
	creds         map[string]*transfer.Credential
	maxConcurrent int
	parallelism   int
	seq           int64
	closed        bool
	changed       chan struct{}
	subscribers   map[int]chan Event
	nextSub       int
}

// New creates a manager. Call Restore to load persisted tasks.
func New(cfg Config, deps session.Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:           cfg,
		deps:          deps,
		logger:        deps.Logger,
		ctx:           ctx,
		cancel:        cancel,
		tasks:         make(map[string]*transfer.Task),
		active:        make(map[string]*running),
		creds:         make(map[string]*transfer.Credential),
		maxConcurrent: cfg.MaxConcurrent,
		parallelism:   cfg.Session.Parallelism,
		changed:       make(chan struct{}),
		subscribers:   make(map[int]chan Event),
	}
}

// Restore loads persisted tasks. Tasks interrupted while transferring or
// verifying are queued again; checkpoints without a task are deleted.
func (m *Manager) Restore() error {
	store := m.store()
	if store == nil {
		return nil
	}

	tasks, err := store.ListTasks()
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	restored := 0
	for _, t := range tasks {
		if _, ok := m.tasks[t.ID]; ok {
			continue
		}
		if t.Status.Active() {
			t.Status = transfer.StatusWaiting
			m.persistLocked(t)
		}
		t.Speed = 0
		t.RemainingKnown = false
		m.tasks[t.ID] = t
		if t.Seq > m.seq {
			m.seq = t.Seq
		}
		m.publishLocked(EventAdded, t)
		restored++
	}
	m.mu.Unlock()

	m.logger.Info("Restored tasks", zap.Int("count", restored))
	m.collectOrphans()

	m.mu.Lock()
	m.admitLocked()
	m.mu.Unlock()
	return nil
}

// collectOrphans deletes checkpoints that no task refers to
func (m *Manager) collectOrphans() {
	store := m.store()
	if store == nil {
		return
	}
	keys, err := store.ListCheckpointKeys()
	if err != nil {
		m.logger.Warn("Failed to list checkpoints", zap.Error(err))
		return
	}

	m.mu.Lock()
	orphans := lo.Filter(keys, func(k checkpoint.Key, _ int) bool {
		t, ok := m.tasks[k.TaskID]
		return !ok || t.LocalPath != k.LocalPath
	})
	m.mu.Unlock()

	for _, k := range orphans {
		if err := m.deps.Checkpoints.Delete(k.TaskID, k.LocalPath); err != nil {
			m.logger.Warn("Failed to delete orphan checkpoint", zap.String("task_id", k.TaskID), zap.Error(err))
		}
	}
	if len(orphans) > 0 {
		m.logger.Info("Deleted orphan checkpoints", zap.Int("count", len(orphans)))
	}
}

// Pause stops a task. A waiting task pauses at once; a running one pauses when
// its in-flight chunks finish.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	switch t.Status {
	case transfer.StatusWaiting:
		t.Status = transfer.StatusPaused
		m.persistLocked(t)
		m.publishLocked(EventUpdated, t)
		m.signalLocked()
	case transfer.StatusTransferring:
		if r := m.active[id]; r != nil {
			r.pauseRequested = true
			r.sess.Pause()
		}
	}
	return nil
}

// Resume queues a paused task again
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != transfer.StatusPaused {
		return nil
	}
	t.Status = transfer.StatusWaiting
	m.persistLocked(t)
	m.publishLocked(EventUpdated, t)
	m.admitLocked()
	return nil
}

// Retry queues a failed task again. Resume state invalidated by the failure is dropped first.
func (m *Manager) Retry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != transfer.StatusFailed {
		return nil
	}

	if t.ErrorKind.InvalidatesCheckpoint() && m.deps.Checkpoints != nil {
		if err := m.deps.Checkpoints.Delete(t.ID, t.LocalPath); err != nil {
			m.logger.Warn("Failed to delete checkpoint", zap.String("task_id", id), zap.Error(err))
		}
		t.TransferredBytes = 0
	}

	t.Status = transfer.StatusWaiting
	t.RetryCount++
	t.ErrorKind = ""
	t.LastError = ""
	t.CompletedAt = nil
	m.persistLocked(t)
	m.publishLocked(EventUpdated, t)
	m.admitLocked()
	return nil
}

// Cancel stops a task for good. A running session is canceled; an idle task
// has its open multipart upload aborted and its resume state deleted.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}

	switch t.Status {
	case transfer.StatusTransferring, transfer.StatusVerifying:
		if r := m.active[id]; r != nil {
			r.sess.Cancel()
		}
		m.mu.Unlock()
		return nil
	case transfer.StatusWaiting, transfer.StatusPaused:
		m.finishLocked(t, transfer.StatusCanceled)
		m.deps.Metrics.IncOutcome(t.Direction, string(transfer.StatusCanceled))
		task := t.Clone()
		m.mu.Unlock()

		session.Discard(ctx, task, m.deps)
		return nil
	default:
		m.mu.Unlock()
		return nil
	}
}

// Remove deletes a task, canceling its session first when one is running
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}

	if r := m.active[id]; r != nil {
		r.sess.Cancel()
		m.mu.Unlock()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		if t, ok = m.tasks[id]; !ok {
			m.mu.Unlock()
			return nil
		}
	}

	task := t.Clone()
	m.deleteLocked(t)
	m.mu.Unlock()

	if task.Status != transfer.StatusSucceeded && task.Status != transfer.StatusCanceled {
		session.Discard(ctx, task, m.deps)
	}
	return nil
}

// ClearFinished removes every succeeded, failed or canceled task and returns how many were removed
func (m *Manager) ClearFinished(ctx context.Context) int {
	m.mu.Lock()
	finished := lo.Filter(lo.Values(m.tasks), func(t *transfer.Task, _ int) bool {
		return t.Status.Terminal()
	})
	failed := make([]transfer.Task, 0)
	for _, t := range finished {
		if t.Status == transfer.StatusFailed {
			failed = append(failed, t.Clone())
		}
		m.deleteLocked(t)
	}
	m.mu.Unlock()

	for _, t := range failed {
		session.Discard(ctx, t, m.deps)
	}
	return len(finished)
}

// SetMaxConcurrent changes how many sessions may run at once
func (m *Manager) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maxConcurrent = n
	m.logger.Info("Max concurrent sessions changed", zap.Int("max_concurrent", n))
	m.admitLocked()
}

// SetParallelism changes the worker count of running and future sessions; zero restores the policy table
func (m *Manager) SetParallelism(n int) {
	if n < 0 {
		n = 0
	}
	m.mu.Lock()
	m.parallelism = n
	sessions := lo.MapToSlice(m.active, func(_ string, r *running) *session.Session { return r.sess })
	m.mu.Unlock()

	for _, s := range sessions {
		s.SetParallelism(n)
	}
}

// MaxConcurrent returns the current admission bound
func (m *Manager) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxConcurrent
}

// Running returns the number of active sessions
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// List returns snapshots of every task in submission order
func (m *Manager) List() []transfer.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := lo.Map(lo.Values(m.tasks), func(t *transfer.Task, _ int) transfer.Task { return t.Clone() })
	sortFIFO(tasks)
	return tasks
}

// Get returns a snapshot of one task
func (m *Manager) Get(id string) (transfer.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return transfer.Task{}, false
	}
	return t.Clone(), true
}

// Stats aggregates counts, bytes and speed over all tasks
func (m *Manager) Stats() progress.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := lo.Values(m.tasks)
	counts := lo.CountValuesBy(tasks, func(t *transfer.Task) transfer.Status { return t.Status })

	s := progress.Summary{
		Total:        len(tasks),
		Waiting:      counts[transfer.StatusWaiting],
		Transferring: counts[transfer.StatusTransferring],
		Paused:       counts[transfer.StatusPaused],
		Verifying:    counts[transfer.StatusVerifying],
		Succeeded:    counts[transfer.StatusSucceeded],
		Failed:       counts[transfer.StatusFailed],
		Canceled:     counts[transfer.StatusCanceled],
		TotalBytes:   lo.SumBy(tasks, func(t *transfer.Task) int64 { return t.FileSize }),
		TransferredBytes: lo.SumBy(tasks, func(t *transfer.Task) int64 {
			return t.TransferredBytes
		}),
	}

	activeSpeed := lo.SumBy(tasks, func(t *transfer.Task) float64 {
		if t.Status.Active() {
			return t.Speed
		}
		return 0
	})
	s.AverageSpeed = activeSpeed / float64(max(len(m.active), 1))

	for _, t := range tasks {
		if t.StartedAt != nil && (s.StartTime.IsZero() || t.StartedAt.Before(s.StartTime)) {
			s.StartTime = *t.StartedAt
		}
	}
	return s
}

// Wait blocks until no task is waiting or owned by a session
func (m *Manager) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		busy := len(m.active) > 0 || lo.SomeBy(lo.Values(m.tasks), func(t *transfer.Task) bool {
			return t.Status == transfer.StatusWaiting
		})
		if !busy || m.closed {
			m.mu.Unlock()
			return nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close pauses every running session, waits for their checkpoints to be
// flushed and closes all subscriptions. Interrupted tasks are persisted as
// waiting so the next Restore picks them up.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, r := range m.active {
		r.sess.Pause()
	}
	m.signalLocked()
	m.mu.Unlock()

	m.wg.Wait()
	m.cancel()

	m.mu.Lock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.mu.Unlock()
}

// admitLocked starts sessions for waiting tasks in FIFO order while slots are free
func (m *Manager) admitLocked() {
	if m.closed {
		return
	}

	for len(m.active) < m.maxConcurrent {
		waiting := lo.Filter(lo.Values(m.tasks), func(t *transfer.Task, _ int) bool {
			return t.Status == transfer.StatusWaiting
		})
		if len(waiting) == 0 {
			return
		}
		sort.Slice(waiting, func(i, j int) bool { return before(waiting[i], waiting[j]) })
		m.startLocked(waiting[0])
	}
}

func (m *Manager) startLocked(t *transfer.Task) {
	now := time.Now()
	t.Status = transfer.StatusTransferring
	t.StartedAt = &now
	t.CompletedAt = nil
	t.Speed = 0
	t.RemainingKnown = false
	m.persistLocked(t)
	m.publishLocked(EventUpdated, t)

	cfg := m.cfg.Session
	cfg.Parallelism = m.parallelism

	r := &running{
		sess: session.New(t.Clone(), m.creds[t.ID], m.deps, cfg, m),
		done: make(chan struct{}),
	}
	m.active[t.ID] = r
	m.logger.Info("Task admitted",
		zap.String("task_id", t.ID),
		zap.String("direction", string(t.Direction)),
		zap.String("file", t.FileName),
		zap.Int("running", len(m.active)))

	m.wg.Add(1)
	go m.run(t.ID, r)
}

func (m *Manager) run(id string, r *running) {
	defer m.wg.Done()
	defer close(r.done)

	res := r.sess.Run(m.ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, id)
	t, ok := m.tasks[id]
	if !ok {
		m.signalLocked()
		return
	}
	if res.RemoteKey != "" {
		t.RemoteKey = res.RemoteKey
	}
	t.TransferredBytes = min(res.Transferred, t.FileSize)

	switch res.Status {
	case transfer.StatusSucceeded:
		t.MarkSucceeded(time.Now())
		delete(m.creds, id)
		m.persistLocked(t)
		m.publishLocked(EventUpdated, t)
	case transfer.StatusFailed:
		t.MarkFailed(time.Now(), res.Err)
		m.persistLocked(t)
		m.publishLocked(EventUpdated, t)
	case transfer.StatusCanceled:
		m.finishLocked(t, transfer.StatusCanceled)
		delete(m.creds, id)
	default:
		// A pause nobody asked for comes from shutdown; the task stays queued
		t.Status = transfer.StatusPaused
		if !r.pauseRequested {
			t.Status = transfer.StatusWaiting
		}
		t.Speed = 0
		t.RemainingKnown = false
		m.persistLocked(t)
		m.publishLocked(EventUpdated, t)
	}
	if t.Status.Terminal() {
		m.deps.Metrics.IncOutcome(t.Direction, string(t.Status))
	}

	m.admitLocked()
	m.signalLocked()
}

// finishLocked moves a task into a terminal state other than success or failure
func (m *Manager) finishLocked(t *transfer.Task, status transfer.Status) {
	now := time.Now()
	t.Status = status
	t.Speed = 0
	t.RemainingKnown = false
	t.CompletedAt = &now
	m.persistLocked(t)
	m.publishLocked(EventUpdated, t)
	m.signalLocked()
}

func (m *Manager) deleteLocked(t *transfer.Task) {
	delete(m.tasks, t.ID)
	delete(m.creds, t.ID)
	if store := m.store(); store != nil {
		if err := store.DeleteTask(t.ID); err != nil {
			m.logger.Warn("Failed to delete task record", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	m.publishLocked(EventRemoved, t)
	m.signalLocked()
}

// addLocked registers a new task with the next submission sequence number
func (m *Manager) addLocked(t *transfer.Task) {
	m.seq++
	t.Seq = m.seq
	m.tasks[t.ID] = t
	m.persistLocked(t)
	m.publishLocked(EventAdded, t)
}

func (m *Manager) persistLocked(t *transfer.Task) {
	store := m.store()
	if store == nil {
		return
	}
	if err := store.SaveTask(t); err != nil {
		m.logger.Warn("Failed to persist task", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// signalLocked wakes every Wait call
func (m *Manager) signalLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) store() checkpoint.Store {
	if m.deps.Checkpoints == nil {
		return nil
	}
	return m.deps.Checkpoints.Store()
}

// OnPrepared implements session.Observer
func (m *Manager) OnPrepared(taskID string, transferred int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[taskID]; ok {
		t.TransferredBytes = min(transferred, t.FileSize)
		m.publishLocked(EventUpdated, t)
	}
}

// OnProgress implements session.Observer
func (m *Manager) OnProgress(taskID string, transferred int64, est progress.Estimate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || !t.Status.Active() {
		return
	}
	t.SetProgress(transferred)
	t.Speed = est.Speed
	t.RemainingTime = est.Remaining
	t.RemainingKnown = est.RemainingKnown
	m.persistLocked(t)
	m.publishLocked(EventUpdated, t)
}

// OnVerifying implements session.Observer
func (m *Manager) OnVerifying(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[taskID]; ok && t.Status == transfer.StatusTransferring {
		t.Status = transfer.StatusVerifying
		m.persistLocked(t)
		m.publishLocked(EventUpdated, t)
	}
}

// OnCredential implements session.Observer
func (m *Manager) OnCredential(taskID string, cred *transfer.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creds[taskID] = cred
	if t, ok := m.tasks[taskID]; ok && t.RemoteKey == "" && cred.RemoteKey != "" {
		t.RemoteKey = cred.RemoteKey
		m.persistLocked(t)
	}
}

var _ session.Observer = (*Manager)(nil)

func before(a, b *transfer.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func sortFIFO(tasks []transfer.Task) {
	sort.Slice(tasks, func(i, j int) bool { return before(&tasks[i], &tasks[j]) })
}
