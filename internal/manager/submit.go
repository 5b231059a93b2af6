package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"assetxfer/internal/backend"
	"assetxfer/internal/hashing"
	"assetxfer/internal/metrics"
	"assetxfer/internal/transfer"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type localFile struct {
	path string
	name string
	size int64
}

// SubmitUploads validates, hashes and deduplicates a batch of local files.
// Files whose content is already stored, or repeats an earlier file of the
// batch, succeed without transfer; the rest are queued. A single invalid file
// rejects the whole batch before any hashing or network call.
func (m *Manager) SubmitUploads(ctx context.Context, jobID string, paths []string) ([]transfer.Task, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	if len(paths) == 0 {
		return nil, nil
	}

	files, err := m.validateUploads(paths)
	if err != nil {
		return nil, err
	}

	hashes, err := hashing.HashFiles(ctx, m.deps.Hasher, lo.Map(files, func(f localFile, _ int) string { return f.path }), m.cfg.HashParallelism)
	if err != nil {
		if ctx.Err() != nil {
			return nil, transfer.NewError(transfer.KindCanceled, "hash files", err)
		}
		return nil, fmt.Errorf("failed to hash files: %w", err)
	}

	entries := make([]backend.DedupEntry, len(files))
	for i, f := range files {
		entries[i] = backend.DedupEntry{Index: i, FileName: f.name, Hash: hashes[i], Size: f.size}
	}

	dedup, err := m.deps.Backend.CheckDuplicates(ctx, jobID, entries)
	if err != nil {
		// Without an answer every file is transferred
		m.logger.Warn("Duplicate check failed, uploading all files", zap.String("job_id", jobID), zap.Error(err))
		dedup = backend.DedupResult{}
	}

	now := time.Now()
	seen := make(map[string]bool, len(files))
	tasks := make([]*transfer.Task, len(files))
	for i, f := range files {
		t := &transfer.Task{
			ID:          uuid.NewString(),
			Direction:   transfer.Upload,
			JobID:       jobID,
			LocalPath:   f.path,
			RemoteKey:   path.Join(jobID, f.name),
			FileName:    f.name,
			FileSize:    f.size,
			ContentHash: hashes[i],
			Status:      transfer.StatusWaiting,
			CreatedAt:   now,
		}

		content := fmt.Sprintf("%s/%d", hashes[i], f.size)
		if dedup.IsDuplicate(i) || seen[content] {
			t.MarkSucceeded(now)
		}
		seen[content] = true
		tasks[i] = t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	deduplicated := 0
	for _, t := range tasks {
		m.addLocked(t)
		if t.Status == transfer.StatusSucceeded {
			deduplicated++
			m.deps.Metrics.IncOutcome(t.Direction, metrics.OutcomeDeduplicated)
		}
	}
	m.logger.Info("Upload batch submitted",
		zap.String("job_id", jobID),
		zap.Int("files", len(tasks)),
		zap.Int("deduplicated", deduplicated))

	m.admitLocked()
	m.signalLocked()

	return lo.Map(tasks, func(t *transfer.Task, _ int) transfer.Task { return t.Clone() }), nil
}

// validateUploads checks every file of a batch and reports all violations together
func (m *Manager) validateUploads(paths []string) ([]localFile, error) {
	var errs []error
	files := make([]localFile, 0, len(paths))

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}

		info, err := os.Stat(abs)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		case !info.Mode().IsRegular():
			errs = append(errs, fmt.Errorf("%s: not a regular file", p))
			continue
		case info.Size() == 0:
			errs = append(errs, fmt.Errorf("%s: file is empty", p))
			continue
		case m.cfg.MaxFileSize > 0 && info.Size() > m.cfg.MaxFileSize:
			errs = append(errs, fmt.Errorf("%s: size %d exceeds limit %d", p, info.Size(), m.cfg.MaxFileSize))
			continue
		}

		if len(m.cfg.AllowedExtensions) > 0 {
			ext := strings.ToLower(filepath.Ext(abs))
			if !lo.ContainsBy(m.cfg.AllowedExtensions, func(allowed string) bool { return strings.EqualFold(allowed, ext) }) {
				errs = append(errs, fmt.Errorf("%s: extension %q is not allowed", p, ext))
				continue
			}
		}

		files = append(files, localFile{path: abs, name: filepath.Base(abs), size: info.Size()})
	}

	if len(errs) > 0 {
		return nil, transfer.NewError(transfer.KindValidation, "validate batch", errors.Join(errs...))
	}
	return files, nil
}

// SubmitDownloads queues every output of a job into destDir. Outputs already
// downloaded, or currently queued, are skipped.
func (m *Manager) SubmitDownloads(ctx context.Context, jobID, destDir string) ([]transfer.Task, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, transfer.NewError(transfer.KindValidation, "resolve destination", err).WithKey(destDir)
	}

	files, err := m.deps.Backend.ListRemoteFiles(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote files: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	// Remote keys with a download that succeeded or may still succeed
	taken := lo.SliceToMap(
		lo.Filter(lo.Values(m.tasks), func(t *transfer.Task, _ int) bool {
			return t.Direction == transfer.Download && t.Status != transfer.StatusFailed && t.Status != transfer.StatusCanceled
		}),
		func(t *transfer.Task) (string, bool) { return t.RemoteKey, true },
	)

	now := time.Now()
	tasks := make([]*transfer.Task, 0, len(files))
	for _, f := range files {
		if taken[f.RemoteKey] {
			m.logger.Debug("Skipping remote file already downloaded", zap.String("remote_key", f.RemoteKey))
			continue
		}

		local, err := localPathFor(root, f)
		if err != nil {
			m.logger.Warn("Skipping remote file", zap.String("remote_key", f.RemoteKey), zap.Error(err))
			continue
		}

		t := &transfer.Task{
			ID:          uuid.NewString(),
			Direction:   transfer.Download,
			JobID:       jobID,
			LocalPath:   local,
			RemoteKey:   f.RemoteKey,
			FileName:    filepath.Base(local),
			FileSize:    f.Size,
			ContentHash: strings.ToLower(f.Hash),
			Status:      transfer.StatusWaiting,
			CreatedAt:   now,
		}
		m.addLocked(t)
		taken[f.RemoteKey] = true
		tasks = append(tasks, t)
	}

	m.logger.Info("Download batch submitted",
		zap.String("job_id", jobID),
		zap.Int("remote_files", len(files)),
		zap.Int("queued", len(tasks)))

	m.admitLocked()
	m.signalLocked()

	return lo.Map(tasks, func(t *transfer.Task, _ int) transfer.Task { return t.Clone() }), nil
}

// localPathFor maps a remote file into root, refusing names that escape it
func localPathFor(root string, f backend.RemoteFile) (string, error) {
	name := f.FileName
	if name == "" {
		name = path.Base(f.RemoteKey)
	}
	local := filepath.Join(root, filepath.FromSlash(name))

	rel, err := filepath.Rel(root, local)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file name %q escapes destination", name)
	}
	return local, nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
