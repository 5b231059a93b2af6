package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"assetxfer/internal/storage"
	"assetxfer/internal/transfer"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// retry runs op until it succeeds, fails permanently or exhausts the retry budget.
// Network errors back off exponentially; expired credentials are renewed before
// the next attempt; every other kind fails at once.
func (s *Session) retry(ctx context.Context, name string, op func(ctx context.Context, cred *transfer.Credential) error) error {
	policy := backoff.NewExponentialBackOff()
	if s.cfg.RetryBackoff > 0 {
		policy.InitialInterval = s.cfg.RetryBackoff
	}
	policy.MaxElapsedTime = 0
	policy.Reset()

	retries := s.cfg.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)

	// A claimed chunk always gets its first attempt; stopping only suppresses retries
	attempt := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(errStopped)
		}

		cred, err := s.credential(ctx)
		if err != nil {
			return s.retryable(ctx, err, nil)
		}

		callCtx, cancel := context.WithTimeout(ctx, s.transportTimeout())
		defer cancel()

		if err := op(callCtx, cred); err != nil {
			return s.retryable(ctx, err, cred)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		kind := transfer.KindOf(err)
		s.deps.Metrics.IncChunkRetry(kind)
		s.logger.Warn("Transfer attempt failed, retrying",
			zap.String("op", name),
			zap.String("kind", string(kind)),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	return backoff.RetryNotify(attempt, b, notify)
}

// retryable decides whether a failed attempt may be retried
func (s *Session) retryable(ctx context.Context, err error, cred *transfer.Credential) error {
	if s.stopping() || ctx.Err() != nil {
		return backoff.Permanent(errStopped)
	}

	if !transfer.Retryable(err) {
		return backoff.Permanent(err)
	}
	if cred != nil && transfer.KindOf(err) == transfer.KindAuthExpired {
		s.expireCredential(cred)
	}
	return err
}

// transferChunk moves one chunk, retrying transient failures in place
func (s *Session) transferChunk(ctx context.Context, idx int) {
	s.mu.Lock()
	chunk := s.chunks[idx]
	s.mu.Unlock()

	var etag string
	name := fmt.Sprintf("chunk %d", chunk.Index)

	err := s.retry(ctx, name, func(ctx context.Context, cred *transfer.Credential) error {
		var err error
		if s.task.Direction == transfer.Upload {
			etag, err = s.uploadChunk(ctx, cred, chunk)
		} else {
			err = s.downloadChunk(ctx, cred, chunk)
		}
		return err
	})

	switch {
	case err == nil:
		s.completeChunk(idx, etag)
		s.logger.Debug("Chunk completed", zap.Int("chunk", chunk.Index), zap.Int64("size", chunk.Size()))
	case errors.Is(err, errStopped) || ctx.Err() != nil:
		// Left incomplete for the next session
	default:
		s.recordFatal(err)
	}
}

func (s *Session) uploadChunk(ctx context.Context, cred *transfer.Credential, chunk transfer.Chunk) (string, error) {
	reader := io.NewSectionReader(s.file, chunk.Start, chunk.Size())
	return s.deps.Transport.UploadPart(ctx, cred, s.uploadID, chunk.PartNumber(), reader, chunk.Size())
}

func (s *Session) downloadChunk(ctx context.Context, cred *transfer.Credential, chunk transfer.Chunk) error {
	body, err := s.deps.Transport.GetRange(ctx, cred, chunk.Start, chunk.End)
	if err != nil {
		return err
	}
	defer body.Close()

	w := &localWriter{w: io.NewOffsetWriter(s.file, chunk.Start)}
	n, err := io.Copy(w, io.LimitReader(body, chunk.Size()))
	if w.err != nil {
		return transfer.NewError(transfer.KindInternal, "write part file", w.err).WithKey(s.partPath())
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return transfer.NewError(transfer.KindNetwork, "read range", ctxErr)
		}
		return transfer.NewError(transfer.KindNetwork, "read range", err).WithKey(cred.RemoteKey)
	}
	if n != chunk.Size() {
		return transfer.NewError(transfer.KindNetwork, "read range",
			fmt.Errorf("short read %d of %d bytes: %w", n, chunk.Size(), io.ErrUnexpectedEOF)).WithKey(cred.RemoteKey)
	}
	return nil
}

// localWriter remembers write failures so they are not mistaken for network errors
type localWriter struct {
	w   io.Writer
	err error
}

func (l *localWriter) Write(p []byte) (int, error) {
	n, err := l.w.Write(p)
	if err != nil {
		l.err = err
	}
	return n, err
}

func (s *Session) initiateUpload(ctx context.Context) (string, error) {
	var uploadID string
	err := s.retry(ctx, "initiate upload", func(ctx context.Context, cred *transfer.Credential) error {
		id, err := s.deps.Transport.InitiateUpload(ctx, cred)
		if err != nil {
			return err
		}
		uploadID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("Multipart upload opened", zap.String("upload_id", uploadID))
	return uploadID, nil
}

func (s *Session) completeUpload(ctx context.Context) error {
	s.mu.Lock()
	parts := storage.PartsFromChunks(s.chunks)
	s.mu.Unlock()

	return s.retry(ctx, "complete upload", func(ctx context.Context, cred *transfer.Credential) error {
		return s.deps.Transport.CompleteUpload(ctx, cred, s.uploadID, parts)
	})
}
