package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"assetxfer/internal/checkpoint"
	"assetxfer/internal/progress"
	"assetxfer/internal/transfer"

	"go.uber.org/zap"
)

// finalizeUpload assembles the uploaded parts and notifies the backend
func (s *Session) finalizeUpload(ctx context.Context) Result {
	if err := s.completeUpload(ctx); err != nil {
		return s.stopOrFail(ctx, err)
	}
	s.deleteCheckpoint()

	// The object is stored; a lost notification does not fail the task
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.transportTimeout())
	defer cancel()
	if err := s.deps.Backend.NotifyTransferComplete(notifyCtx, s.task.JobID, s.remoteKey, s.task.ContentHash, s.task.FileSize); err != nil {
		s.logger.Warn("Failed to notify transfer completion", zap.String("remote_key", s.remoteKey), zap.Error(err))
	}

	s.report()
	return Result{Status: transfer.StatusSucceeded}
}

// finalizeDownload verifies the part file and moves it into place
func (s *Session) finalizeDownload(ctx context.Context) Result {
	if s.observer != nil {
		s.observer.OnVerifying(s.task.ID)
	}

	if err := s.file.Sync(); err != nil {
		s.closeFile()
		return s.failed(transfer.NewError(transfer.KindInternal, "sync part file", err).WithKey(s.partPath()))
	}
	s.closeFile()

	if s.task.ContentHash != "" && s.deps.Hasher != nil {
		sum, err := s.deps.Hasher.HashFile(ctx, s.partPath())
		if err != nil {
			return s.stopOrFail(ctx, transfer.NewError(transfer.KindInternal, "hash part file", err).WithKey(s.partPath()))
		}
		if !strings.EqualFold(sum, s.task.ContentHash) {
			return s.failed(transfer.NewError(transfer.KindIntegrity, "verify",
				fmt.Errorf("content hash %s does not match expected %s", sum, s.task.ContentHash)).WithKey(s.task.LocalPath))
		}
	}

	if err := os.Rename(s.partPath(), s.task.LocalPath); err != nil {
		return s.failed(transfer.NewError(transfer.KindInternal, "rename part file", err).WithKey(s.task.LocalPath))
	}
	s.deleteCheckpoint()

	s.report()
	return Result{Status: transfer.StatusSucceeded}
}

// report sends a final progress update with the settled byte count
func (s *Session) report() {
	if s.observer == nil {
		return
	}
	s.observer.OnProgress(s.task.ID, s.transferred.Load(), progress.Estimate{RemainingKnown: true})
}

// Discard drops the resume state of a task that has no running session: the
// open multipart upload recorded in its checkpoint is aborted, the checkpoint
// deleted and any partial download removed.
func Discard(ctx context.Context, task transfer.Task, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("task_id", task.ID))

	var cp *transfer.Checkpoint
	if deps.Checkpoints != nil {
		var err error
		cp, err = deps.Checkpoints.Store().LoadCheckpoint(task.ID, task.LocalPath)
		if err != nil && !errors.Is(err, checkpoint.ErrCorrupt) {
			logger.Warn("Failed to load checkpoint", zap.Error(err))
		}
	}

	if task.Direction == transfer.Upload && cp != nil && cp.UploadID != "" && deps.Backend != nil && deps.Transport != nil {
		abortCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		remoteKey := cp.RemoteKey
		if remoteKey == "" {
			remoteKey = task.RemoteKey
		}
		cred, err := deps.Backend.AcquireCredential(abortCtx, task.JobID, remoteKey, task.Direction)
		if err == nil {
			err = deps.Transport.AbortUpload(abortCtx, cred, cp.UploadID)
		}
		if err != nil {
			logger.Warn("Failed to abort upload", zap.String("upload_id", cp.UploadID), zap.Error(err))
		}
	}

	if deps.Checkpoints != nil {
		if err := deps.Checkpoints.Delete(task.ID, task.LocalPath); err != nil {
			logger.Warn("Failed to delete checkpoint", zap.Error(err))
		}
	}
	if task.Direction == transfer.Download {
		if err := os.Remove(task.LocalPath + PartSuffix); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove part file", zap.Error(err))
		}
	}
}
