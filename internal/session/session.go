package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"assetxfer/internal/backend"
	"assetxfer/internal/checkpoint"
	"assetxfer/internal/hashing"
	"assetxfer/internal/metrics"
	"assetxfer/internal/progress"
	"assetxfer/internal/storage"
	"assetxfer/internal/transfer"
	"assetxfer/internal/worker"

	"go.uber.org/zap"
)

// PartSuffix is appended to a download's local path while it is in progress
const PartSuffix = ".part"

// errStopped marks chunk attempts abandoned because the session is pausing or canceling
var errStopped = errors.New("session stopping")

// Config contains session tuning
type Config struct {
	Policy           transfer.Policy
	Parallelism      int   // 0 uses the policy tier
	MinPartSize      int64 // floor for upload chunks, 0 disables it
	Retries          int
	RetryBackoff     time.Duration
	TransportTimeout time.Duration
	CheckpointEvery  int
	ProgressInterval time.Duration
	SpeedWindow      time.Duration
}

// DefaultConfig returns the default session tuning
func DefaultConfig() Config {
	return Config{
		Policy:           transfer.DefaultPolicy,
		MinPartSize:      transfer.MinPartSize,
		Retries:          3,
		RetryBackoff:     time.Second,
		TransportTimeout: 5 * time.Minute,
		CheckpointEvery:  10,
		ProgressInterval: progress.DefaultInterval,
		SpeedWindow:      progress.DefaultWindow,
	}
}

// Observer receives a session's reports about its task
type Observer interface {
	// OnPrepared reports the bytes already in place when the chunk loop starts,
	// which is lower than earlier reports when a stale checkpoint was discarded
	OnPrepared(taskID string, transferred int64)
	OnProgress(taskID string, transferred int64, est progress.Estimate)
	OnVerifying(taskID string)
	OnCredential(taskID string, cred *transfer.Credential)
}

// Deps are the collaborators a session drives
type Deps struct {
	Transport   storage.Transport
	Checkpoints *checkpoint.AsyncWriter
	Backend     backend.Backend
	Hasher      hashing.Hasher
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// Result is the outcome of one session run
type Result struct {
	Status      transfer.Status // succeeded, failed, paused or canceled
	Err         error
	Transferred int64
	RemoteKey   string
}

// Session drives the chunk plan of one task to completion, pause, cancel or failure.
// A session runs once; resuming a task means starting a new session.
type Session struct {
	task     transfer.Task
	deps     Deps
	cfg      Config
	observer Observer
	logger   *zap.Logger

	chunkSize   int64
	parallelism int
	remoteKey   string
	uploadID    string
	file        *os.File

	paused      atomic.Bool
	canceled    atomic.Bool
	transferred atomic.Int64
	cred        atomic.Pointer[transfer.Credential]
	credMu      sync.Mutex

	cancel context.CancelFunc

	mu              sync.Mutex
	chunks          []transfer.Chunk
	cursor          int
	sinceCheckpoint int
	fatal           error
	pool            *worker.Pool[int]
}

// New creates a session for a copy of task. cred may carry a credential cached
// from an earlier run; it is used only while still usable.
func New(task transfer.Task, cred *transfer.Credential, deps Deps, cfg Config, observer Observer) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Policy == nil {
		cfg.Policy = transfer.DefaultPolicy
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}

	chunkSize, parallelism := cfg.Policy.For(task.FileSize)
	if task.Direction == transfer.Upload {
		chunkSize = transfer.UploadChunkSize(chunkSize, cfg.MinPartSize)
	}
	if cfg.Parallelism > 0 {
		parallelism = cfg.Parallelism
	}

	s := &Session{
		task:        task,
		deps:        deps,
		cfg:         cfg,
		observer:    observer,
		logger:      deps.Logger.With(zap.String("task_id", task.ID), zap.String("direction", string(task.Direction))),
		chunkSize:   chunkSize,
		parallelism: parallelism,
		remoteKey:   task.RemoteKey,
	}
	if cred != nil && cred.RemoteKey != "" {
		s.cred.Store(cred)
		s.remoteKey = cred.RemoteKey
	}
	return s
}

// ChunkSize returns the chunk size chosen for the task
func (s *Session) ChunkSize() int64 {
	return s.chunkSize
}

// Parallelism returns the current worker count target
func (s *Session) Parallelism() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parallelism
}

// Transferred returns the bytes confirmed so far, including earlier runs
func (s *Session) Transferred() int64 {
	return s.transferred.Load()
}

// Pause stops claiming new chunks; in-flight chunks finish and the checkpoint is flushed
func (s *Session) Pause() {
	s.paused.Store(true)
}

// Cancel stops the session, aborts in-flight calls and discards all resume state
func (s *Session) Cancel() {
	s.canceled.Store(true)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetParallelism changes the worker count of a running session. Zero restores the policy value.
func (s *Session) SetParallelism(n int) {
	if n <= 0 {
		_, n = s.cfg.Policy.For(s.task.FileSize)
	}

	s.mu.Lock()
	s.parallelism = n
	pool := s.pool
	s.mu.Unlock()

	if pool != nil {
		pool.Resize(n)
	}
}

func (s *Session) stopping() bool {
	return s.paused.Load() || s.canceled.Load()
}

// Run executes the session until the task settles or the session is stopped.
// Cancellation of ctx pauses the session.
func (s *Session) Run(ctx context.Context) Result {
	started := time.Now()
	s.deps.Metrics.SessionStarted()
	defer func() {
		s.deps.Metrics.SessionFinished(s.task.Direction, time.Since(started))
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.canceled.Load() {
		cancel()
	}

	res := s.run(runCtx)
	res.RemoteKey = s.remoteKey
	res.Transferred = s.transferred.Load()

	switch res.Status {
	case transfer.StatusSucceeded:
		s.logger.Info("Task succeeded", zap.Int64("size", s.task.FileSize), zap.Duration("duration", time.Since(started)))
	case transfer.StatusFailed:
		s.logger.Error("Task failed", zap.Error(res.Err))
	case transfer.StatusPaused:
		s.logger.Info("Task paused", zap.Int64("transferred", res.Transferred))
	case transfer.StatusCanceled:
		s.logger.Info("Task canceled")
	}
	return res
}

func (s *Session) run(ctx context.Context) Result {
	if s.task.Direction == transfer.Upload && s.task.FileSize == 0 {
		return s.failed(transfer.Validationf("cannot upload empty file %s", s.task.LocalPath))
	}

	defer s.closeFile()

	if _, err := s.credential(ctx); err != nil {
		return s.stopOrFail(ctx, err)
	}
	if err := s.prepare(ctx); err != nil {
		return s.stopOrFail(ctx, err)
	}

	base := s.transferred.Load()
	if s.observer != nil {
		s.observer.OnPrepared(s.task.ID, base)
	}
	estimator := progress.NewSpeedEstimator(s.task.FileSize-base, s.cfg.SpeedWindow, time.Now())
	ticker := progress.StartTicker(s.cfg.ProgressInterval, estimator,
		func() int64 { return s.transferred.Load() - base },
		func(_ int64, est progress.Estimate) {
			if s.observer != nil {
				s.observer.OnProgress(s.task.ID, s.transferred.Load(), est)
			}
		})

	s.mu.Lock()
	s.pool = worker.NewPool(s.parallelism, s.claim, s.transferChunk, s.logger)
	pool := s.pool
	s.mu.Unlock()

	s.logger.Info("Session started",
		zap.Int("chunks", len(s.chunks)),
		zap.Int64("chunk_size", s.chunkSize),
		zap.Int("parallelism", pool.Size()),
		zap.Int64("resumed_bytes", base))

	pool.Start(ctx)
	pool.Wait()
	ticker.Stop()

	return s.settle(ctx)
}

// settle decides the outcome once no worker is running
func (s *Session) settle(ctx context.Context) Result {
	if s.canceled.Load() {
		s.discard()
		return Result{Status: transfer.StatusCanceled}
	}

	s.mu.Lock()
	fatal := s.fatal
	complete := s.allCompletedLocked()
	s.mu.Unlock()

	if fatal != nil {
		return s.failed(fatal)
	}
	if !complete {
		// Paused explicitly or by the caller's context
		s.saveCheckpoint(true)
		return Result{Status: transfer.StatusPaused}
	}

	if s.task.Direction == transfer.Upload {
		return s.finalizeUpload(ctx)
	}
	return s.finalizeDownload(ctx)
}

// stopOrFail maps an error raised before or outside the chunk loop to a result
func (s *Session) stopOrFail(ctx context.Context, err error) Result {
	if s.canceled.Load() {
		s.discard()
		return Result{Status: transfer.StatusCanceled}
	}
	if s.paused.Load() || ctx.Err() != nil {
		s.saveCheckpoint(true)
		return Result{Status: transfer.StatusPaused}
	}
	return s.failed(err)
}

// failed keeps resume state unless the error invalidates it
func (s *Session) failed(err error) Result {
	if transfer.KindOf(err).InvalidatesCheckpoint() {
		s.dropResumeState()
	} else {
		s.saveCheckpoint(true)
	}
	return Result{Status: transfer.StatusFailed, Err: err}
}

// prepare loads a matching checkpoint or starts a fresh chunk plan
func (s *Session) prepare(ctx context.Context) error {
	id := transfer.Identity{
		TaskID:    s.task.ID,
		LocalPath: s.task.LocalPath,
		RemoteKey: s.remoteKey,
		FileSize:  s.task.FileSize,
		ChunkSize: s.chunkSize,
		Direction: s.task.Direction,
	}

	if s.task.Direction == transfer.Upload {
		info, err := os.Stat(s.task.LocalPath)
		if err != nil {
			return transfer.NewError(transfer.KindValidation, "stat", err).WithKey(s.task.LocalPath)
		}
		if info.Size() != s.task.FileSize {
			return transfer.Validationf("file %s changed size from %d to %d", s.task.LocalPath, s.task.FileSize, info.Size())
		}
		id.FileModTime = info.ModTime()
	}

	cp, err := s.loadCheckpoint(ctx, id)
	if err != nil {
		return err
	}
	if cp != nil && s.task.Direction == transfer.Download && !s.partFileIntact() {
		s.logger.Warn("Discarding checkpoint without matching part file")
		cp = nil
	}

	if cp != nil {
		s.chunks = cp.Chunks
		s.uploadID = cp.UploadID
		s.transferred.Store(transfer.CompletedBytes(cp.Chunks))
		s.logger.Info("Resuming from checkpoint",
			zap.Int64("transferred", s.transferred.Load()),
			zap.Int("chunks", len(cp.Chunks)))
	} else {
		s.chunks = transfer.PlanChunks(s.task.FileSize, s.chunkSize)
		s.transferred.Store(0)
		if s.task.Direction == transfer.Upload {
			uploadID, err := s.initiateUpload(ctx)
			if err != nil {
				return err
			}
			s.uploadID = uploadID
		}
	}

	if err := s.openFile(cp != nil); err != nil {
		return err
	}

	if cp == nil {
		s.saveCheckpoint(false)
	}
	return nil
}

// loadCheckpoint returns the stored checkpoint when it applies to id. Corrupt
// and stale entries are deleted, and the multipart upload a stale entry still
// holds is aborted. Any other store error is returned with the entry intact.
func (s *Session) loadCheckpoint(ctx context.Context, id transfer.Identity) (*transfer.Checkpoint, error) {
	if s.deps.Checkpoints == nil {
		return nil, nil
	}

	cp, err := s.deps.Checkpoints.Store().LoadCheckpoint(id.TaskID, id.LocalPath)
	if errors.Is(err, checkpoint.ErrCorrupt) {
		s.logger.Warn("Discarding corrupt checkpoint", zap.Error(err))
		s.deleteCheckpoint()
		return nil, nil
	}
	if err != nil {
		return nil, transfer.NewError(transfer.KindInternal, "load checkpoint", err).WithKey(id.LocalPath)
	}
	if cp == nil {
		return nil, nil
	}
	if !cp.Matches(id) {
		s.logger.Info("Discarding stale checkpoint",
			zap.String("checkpoint_remote_key", cp.RemoteKey),
			zap.Int64("checkpoint_chunk_size", cp.ChunkSize))
		if s.task.Direction == transfer.Upload {
			s.abortStaleUpload(ctx, cp)
		}
		s.deleteCheckpoint()
		return nil, nil
	}
	return cp, nil
}

// abortStaleUpload releases the multipart upload of a checkpoint that will not
// be resumed. Failures are only logged.
func (s *Session) abortStaleUpload(ctx context.Context, cp *transfer.Checkpoint) {
	if cp.UploadID == "" {
		return
	}

	var cred *transfer.Credential
	var err error
	s.mu.Lock()
	sameKey := cp.RemoteKey == "" || cp.RemoteKey == s.remoteKey
	s.mu.Unlock()
	if sameKey {
		cred, err = s.credential(ctx)
	} else {
		cred, err = s.deps.Backend.AcquireCredential(ctx, s.task.JobID, cp.RemoteKey, transfer.Upload)
	}
	if err == nil {
		abortCtx, cancel := context.WithTimeout(ctx, s.transportTimeout())
		err = s.deps.Transport.AbortUpload(abortCtx, cred, cp.UploadID)
		cancel()
	}

	switch {
	case err == nil:
		s.logger.Info("Aborted stale upload", zap.String("upload_id", cp.UploadID))
	case errors.Is(err, transfer.ErrRemoteSessionInvalid):
		s.logger.Debug("Stale upload already gone", zap.String("upload_id", cp.UploadID))
	default:
		s.logger.Warn("Failed to abort stale upload", zap.String("upload_id", cp.UploadID), zap.Error(err))
	}
}

func (s *Session) partPath() string {
	return s.task.LocalPath + PartSuffix
}

func (s *Session) partFileIntact() bool {
	info, err := os.Stat(s.partPath())
	return err == nil && info.Size() == s.task.FileSize
}

func (s *Session) openFile(resume bool) error {
	if s.task.Direction == transfer.Upload {
		f, err := os.Open(s.task.LocalPath)
		if err != nil {
			return transfer.NewError(transfer.KindValidation, "open", err).WithKey(s.task.LocalPath)
		}
		s.file = f
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.task.LocalPath), 0o755); err != nil {
		return transfer.NewError(transfer.KindInternal, "create directory", err).WithKey(s.task.LocalPath)
	}
	f, err := os.OpenFile(s.partPath(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return transfer.NewError(transfer.KindInternal, "open part file", err).WithKey(s.partPath())
	}
	if !resume {
		// Preallocate so chunks can be written at their offsets in any order
		if err := f.Truncate(s.task.FileSize); err != nil {
			f.Close()
			return transfer.NewError(transfer.KindInternal, "preallocate part file", err).WithKey(s.partPath())
		}
	}
	s.file = f
	return nil
}

func (s *Session) closeFile() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

// claim hands out the next incomplete chunk unless the session is winding down
func (s *Session) claim() (int, bool) {
	if s.stopping() {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal != nil {
		return 0, false
	}
	for s.cursor < len(s.chunks) {
		idx := s.cursor
		s.cursor++
		if !s.chunks[idx].Completed {
			return idx, true
		}
	}
	return 0, false
}

func (s *Session) allCompletedLocked() bool {
	for _, c := range s.chunks {
		if !c.Completed {
			return false
		}
	}
	return true
}

// completeChunk marks a chunk done exactly once and persists progress periodically
func (s *Session) completeChunk(idx int, etag string) {
	s.mu.Lock()
	if s.chunks[idx].Completed {
		s.mu.Unlock()
		return
	}
	s.chunks[idx].Completed = true
	s.chunks[idx].ETag = etag
	size := s.chunks[idx].Size()
	s.transferred.Add(size)

	s.sinceCheckpoint++
	due := s.sinceCheckpoint >= s.cfg.CheckpointEvery
	if due {
		s.sinceCheckpoint = 0
	}
	s.mu.Unlock()

	s.deps.Metrics.AddChunk(s.task.Direction, size)
	if due {
		s.saveCheckpoint(false)
	}
}

// recordFatal remembers the first terminal chunk error; later chunks are not claimed
func (s *Session) recordFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		s.fatal = err
	}
}

func (s *Session) snapshot() *transfer.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chunks == nil && s.task.FileSize > 0 {
		return nil
	}
	cp := &transfer.Checkpoint{
		TaskID:           s.task.ID,
		LocalPath:        s.task.LocalPath,
		RemoteKey:        s.remoteKey,
		FileSize:         s.task.FileSize,
		ChunkSize:        s.chunkSize,
		Chunks:           append([]transfer.Chunk(nil), s.chunks...),
		TransferredBytes: transfer.CompletedBytes(s.chunks),
		UploadID:         s.uploadID,
		SavedAt:          time.Now(),
	}
	if s.task.Direction == transfer.Upload {
		if info, err := os.Stat(s.task.LocalPath); err == nil {
			cp.FileModTime = info.ModTime()
		}
	}
	return cp
}

// saveCheckpoint queues the current state; flush forces it to the store
func (s *Session) saveCheckpoint(flush bool) {
	if s.deps.Checkpoints == nil {
		return
	}
	// Upload state without an open multipart session cannot be resumed
	if s.task.Direction == transfer.Upload && s.uploadID == "" {
		return
	}
	cp := s.snapshot()
	if cp == nil {
		return
	}
	s.deps.Checkpoints.Submit(cp)
	if flush {
		if err := s.deps.Checkpoints.Flush(); err != nil {
			s.logger.Warn("Failed to flush checkpoint", zap.Error(err))
		}
	}
}

func (s *Session) deleteCheckpoint() {
	if s.deps.Checkpoints == nil {
		return
	}
	if err := s.deps.Checkpoints.Delete(s.task.ID, s.task.LocalPath); err != nil {
		s.logger.Warn("Failed to delete checkpoint", zap.Error(err))
	}
}

// dropResumeState removes the checkpoint and any partial download
func (s *Session) dropResumeState() {
	s.deleteCheckpoint()
	if s.task.Direction == transfer.Download {
		s.closeFile()
		if err := os.Remove(s.partPath()); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove part file", zap.Error(err))
		}
	}
}

// discard aborts the remote multipart session and drops all resume state
func (s *Session) discard() {
	uploadID := s.uploadID
	if uploadID == "" && s.task.Direction == transfer.Upload && s.deps.Checkpoints != nil {
		// Canceled before the stored checkpoint was loaded
		if cp, err := s.deps.Checkpoints.Store().LoadCheckpoint(s.task.ID, s.task.LocalPath); err == nil && cp != nil {
			uploadID = cp.UploadID
		}
	}

	if uploadID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.transportTimeout())
		defer cancel()
		if cred, err := s.credential(ctx); err == nil {
			if err := s.deps.Transport.AbortUpload(ctx, cred, uploadID); err != nil {
				s.logger.Warn("Failed to abort upload", zap.String("upload_id", uploadID), zap.Error(err))
			}
		} else {
			s.logger.Warn("No credential to abort upload", zap.Error(err))
		}
	}
	s.dropResumeState()
}

func (s *Session) transportTimeout() time.Duration {
	if s.cfg.TransportTimeout > 0 {
		return s.cfg.TransportTimeout
	}
	return 5 * time.Minute
}

// credential returns a usable credential, renewing it when missing or near expiry
func (s *Session) credential(ctx context.Context) (*transfer.Credential, error) {
	if c := s.cred.Load(); c.Usable(time.Now()) {
		return c, nil
	}

	s.credMu.Lock()
	defer s.credMu.Unlock()

	if c := s.cred.Load(); c.Usable(time.Now()) {
		return c, nil
	}

	c, err := s.deps.Backend.AcquireCredential(ctx, s.task.JobID, s.remoteKey, s.task.Direction)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire credential: %w", err)
	}
	if !c.Usable(time.Now()) {
		return nil, transfer.NewError(transfer.KindAuthExpired, "acquire credential",
			fmt.Errorf("credential expires at %s", c.ExpiresAt.Format(time.RFC3339)))
	}

	s.mu.Lock()
	if s.remoteKey != "" && c.RemoteKey != s.remoteKey && s.chunks != nil {
		s.mu.Unlock()
		return nil, transfer.NewError(transfer.KindRemoteSessionInvalid, "renew credential",
			fmt.Errorf("remote key changed from %s to %s", s.remoteKey, c.RemoteKey))
	}
	s.remoteKey = c.RemoteKey
	s.mu.Unlock()

	s.cred.Store(c)
	s.logger.Debug("Credential acquired", zap.Time("expires_at", c.ExpiresAt))
	if s.observer != nil {
		s.observer.OnCredential(s.task.ID, c)
	}
	return c, nil
}

// expireCredential forgets cred so the next call renews it
func (s *Session) expireCredential(cred *transfer.Credential) {
	s.cred.CompareAndSwap(cred, nil)
}
