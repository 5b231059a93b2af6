package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"assetxfer/internal/backend/backendtest"
	"assetxfer/internal/checkpoint"
	"assetxfer/internal/hashing"
	"assetxfer/internal/progress"
	"assetxfer/internal/storage/storagetest"
	"assetxfer/internal/transfer"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type observer struct {
	mu        sync.Mutex
	progress  []int64
	verifying int
	creds     []*transfer.Credential
}

func (o *observer) OnPrepared(taskID string, transferred int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, transferred)
}

func (o *observer) OnProgress(taskID string, transferred int64, est progress.Estimate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, transferred)
}

func (o *observer) OnVerifying(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verifying++
}

func (o *observer) OnCredential(taskID string, cred *transfer.Credential) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.creds = append(o.creds, cred)
}

func (o *observer) lastProgress() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.progress) == 0 {
		return 0
	}
	return o.progress[len(o.progress)-1]
}

func (o *observer) credentials() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.creds)
}

type fixture struct {
	transport *storagetest.MemoryTransport
	backend   *backendtest.Fake
	writer    *checkpoint.AsyncWriter
	deps      Deps
	obs       *observer
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := checkpoint.NewBadgerStore("")
	require.NoError(t, err)
	writer := checkpoint.NewAsyncWriter(store, time.Hour, zap.NewNop())
	hasher := hashing.NewMD5Hasher()
	t.Cleanup(func() {
		writer.Close()
		store.Close()
		hasher.Close()
	})

	f := &fixture{
		transport: storagetest.NewMemoryTransport(),
		backend:   backendtest.NewFake(),
		writer:    writer,
		obs:       &observer{},
		dir:       t.TempDir(),
	}
	f.transport.MinPartSize = testMinPart
	f.deps = Deps{
		Transport:   f.transport,
		Checkpoints: writer,
		Backend:     f.backend,
		Hasher:      hasher,
		Logger:      zap.NewNop(),
	}
	return f
}

func (f *fixture) checkpoint(t *testing.T, task transfer.Task) *transfer.Checkpoint {
	t.Helper()
	cp, err := f.writer.Store().LoadCheckpoint(task.ID, task.LocalPath)
	require.NoError(t, err)
	return cp
}

// testMinPart stands in for the store's 5 MiB part floor so uploads can use small files
const testMinPart = 256 * transfer.KB

func testConfig(chunkSize int64, parallelism int) Config {
	cfg := DefaultConfig()
	cfg.Policy = transfer.Policy{{ChunkSize: chunkSize, Parallelism: parallelism}}
	cfg.MinPartSize = testMinPart
	cfg.RetryBackoff = time.Millisecond
	cfg.ProgressInterval = 10 * time.Millisecond
	return cfg
}

func content(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/4096)
	}
	return data
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func uploadTask(path string, data []byte) transfer.Task {
	return transfer.Task{
		ID:          uuid.NewString(),
		Direction:   transfer.Upload,
		JobID:       "job-1",
		LocalPath:   path,
		RemoteKey:   "job-1/" + filepath.Base(path),
		FileName:    filepath.Base(path),
		FileSize:    int64(len(data)),
		ContentHash: md5Hex(data),
		CreatedAt:   time.Now(),
	}
}

func downloadTask(path, remoteKey string, data []byte) transfer.Task {
	return transfer.Task{
		ID:          uuid.NewString(),
		Direction:   transfer.Download,
		JobID:       "job-1",
		LocalPath:   path,
		RemoteKey:   remoteKey,
		FileName:    filepath.Base(path),
		FileSize:    int64(len(data)),
		ContentHash: md5Hex(data),
		CreatedAt:   time.Now(),
	}
}

func networkError() error {
	return transfer.NewError(transfer.KindNetwork, "upload part", errors.New("connection reset by peer"))
}

func TestSession_UploadSucceeds(t *testing.T) {
	f := newFixture(t)
	data := content(int(3*transfer.MB + 123))
	task := uploadTask(writeFile(t, f.dir, "shot.exr", data), data)

	res := New(task, nil, f.deps, testConfig(transfer.MB, 3), f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	assert.Equal(t, task.FileSize, res.Transferred)
	assert.Equal(t, task.RemoteKey, res.RemoteKey)

	stored, ok := f.transport.Object("assets", task.RemoteKey)
	require.True(t, ok)
	assert.Equal(t, data, stored)
	assert.Equal(t, 4, f.transport.Calls(storagetest.OpPart))
	assert.Equal(t, 0, f.transport.OpenUploads())

	assert.Nil(t, f.checkpoint(t, task))
	assert.Equal(t, task.FileSize, f.obs.lastProgress())

	notes := f.backend.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, task.ContentHash, notes[0].Hash)
	assert.Equal(t, task.FileSize, notes[0].Size)
}

func TestSession_PauseAfterTenChunksResumesRemainder(t *testing.T) {
	f := newFixture(t)
	f.transport.DiscardData = true

	// 250 MB at the default policy: 25 chunks of 10 MB, 4 workers
	path := filepath.Join(f.dir, "plate.mov")
	file, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, file.Truncate(250*transfer.MB))
	require.NoError(t, file.Close())

	task := transfer.Task{
		ID:        uuid.NewString(),
		Direction: transfer.Upload,
		JobID:     "job-1",
		LocalPath: path,
		RemoteKey: "job-1/plate.mov",
		FileSize:  250 * transfer.MB,
	}

	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.ProgressInterval = 10 * time.Millisecond

	var sess *Session
	f.transport.BeforeUploadPart = func(ctx context.Context, partNumber int) error {
		if partNumber > 10 {
			sess.Pause()
			return networkError()
		}
		return nil
	}

	sess = New(task, nil, f.deps, cfg, f.obs)
	assert.Equal(t, 10*transfer.MB, sess.ChunkSize())
	assert.Equal(t, 4, sess.Parallelism())

	res := sess.Run(context.Background())
	require.Equal(t, transfer.StatusPaused, res.Status, "err: %v", res.Err)
	assert.Equal(t, 100*transfer.MB, res.Transferred)

	cp := f.checkpoint(t, task)
	require.NotNil(t, cp)
	completed := 0
	for _, c := range cp.Chunks {
		if c.Completed {
			completed++
			assert.LessOrEqual(t, c.PartNumber(), 10)
		}
	}
	assert.Equal(t, 10, completed)
	assert.Equal(t, 100*transfer.MB, cp.TransferredBytes)
	assert.NotEmpty(t, cp.UploadID)
	assert.Equal(t, 1, f.transport.OpenUploads())

	f.transport.BeforeUploadPart = nil
	before := f.transport.Calls(storagetest.OpPart)

	res = New(task, nil, f.deps, cfg, f.obs).Run(context.Background())
	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	assert.Equal(t, 15, f.transport.Calls(storagetest.OpPart)-before)
	assert.Equal(t, 1, f.transport.Calls(storagetest.OpInitiate))
	assert.Equal(t, 0, f.transport.OpenUploads())
	assert.Nil(t, f.checkpoint(t, task))
}

func TestSession_RetriesNetworkErrors(t *testing.T) {
	f := newFixture(t)
	data := content(int(3 * transfer.MB))
	task := uploadTask(writeFile(t, f.dir, "mesh.abc", data), data)

	var failures atomic.Int32
	f.transport.BeforeUploadPart = func(ctx context.Context, partNumber int) error {
		if partNumber == 2 && failures.Add(1) <= 3 {
			return networkError()
		}
		return nil
	}

	res := New(task, nil, f.deps, testConfig(transfer.MB, 2), f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	assert.Equal(t, 6, f.transport.Calls(storagetest.OpPart))
	stored, _ := f.transport.Object("assets", task.RemoteKey)
	assert.Equal(t, data, stored)
}

func TestSession_RetriesExhaustedKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	data := content(int(3 * transfer.MB))
	task := uploadTask(writeFile(t, f.dir, "mesh.abc", data), data)

	f.transport.BeforeUploadPart = func(ctx context.Context, partNumber int) error {
		if partNumber == 2 {
			return networkError()
		}
		return nil
	}

	res := New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, transfer.ErrNetwork)

	cp := f.checkpoint(t, task)
	require.NotNil(t, cp)
	assert.True(t, cp.Chunks[0].Completed)
	assert.False(t, cp.Chunks[1].Completed)

	// A retried task continues from the kept state
	f.transport.BeforeUploadPart = nil
	before := f.transport.Calls(storagetest.OpPart)
	res = New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs).Run(context.Background())
	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	assert.Equal(t, 2, f.transport.Calls(storagetest.OpPart)-before)
}

func TestSession_RemoteSessionInvalidDiscardsCheckpoint(t *testing.T) {
	f := newFixture(t)
	data := content(int(3 * transfer.MB))
	task := uploadTask(writeFile(t, f.dir, "cache.vdb", data), data)

	f.transport.BeforeUploadPart = func(ctx context.Context, partNumber int) error {
		if partNumber == 2 {
			f.transport.DropUpload("upload-1")
		}
		return nil
	}

	res := New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, transfer.ErrRemoteSessionInvalid)
	assert.Nil(t, f.checkpoint(t, task))
}

func TestSession_CancelAbortsUpload(t *testing.T) {
	f := newFixture(t)
	data := content(int(4 * transfer.MB))
	task := uploadTask(writeFile(t, f.dir, "comp.nk", data), data)

	var sess *Session
	f.transport.BeforeUploadPart = func(ctx context.Context, partNumber int) error {
		if partNumber == 2 {
			sess.Cancel()
			return ctx.Err()
		}
		return nil
	}

	sess = New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs)
	res := sess.Run(context.Background())

	assert.Equal(t, transfer.StatusCanceled, res.Status)
	assert.Equal(t, 1, f.transport.Calls(storagetest.OpAbort))
	assert.Equal(t, 0, f.transport.OpenUploads())
	assert.Nil(t, f.checkpoint(t, task))
	_, ok := f.transport.Object("assets", task.RemoteKey)
	assert.False(t, ok)
}

func TestSession_ContextCancellationPauses(t *testing.T) {
	f := newFixture(t)
	data := content(int(4 * transfer.MB))
	task := uploadTask(writeFile(t, f.dir, "comp.nk", data), data)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.transport.BeforeUploadPart = func(_ context.Context, partNumber int) error {
		if partNumber == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	res := New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs).Run(ctx)

	assert.Equal(t, transfer.StatusPaused, res.Status)
	assert.Equal(t, 1, f.transport.OpenUploads())
	cp := f.checkpoint(t, task)
	require.NotNil(t, cp)
	assert.Equal(t, transfer.MB, cp.TransferredBytes)
}

func TestSession_ModifiedFileRestartsUpload(t *testing.T) {
	f := newFixture(t)
	data := content(int(3 * transfer.MB))
	path := writeFile(t, f.dir, "shot.exr", data)
	task := uploadTask(path, data)

	var sess *Session
	f.transport.BeforeUploadPart = func(ctx context.Context, partNumber int) error {
		if partNumber == 2 {
			sess.Pause()
			return networkError()
		}
		return nil
	}
	sess = New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs)
	require.Equal(t, transfer.StatusPaused, sess.Run(context.Background()).Status)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	f.transport.BeforeUploadPart = nil
	before := f.transport.Calls(storagetest.OpPart)
	res := New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	assert.Equal(t, 2, f.transport.Calls(storagetest.OpInitiate))
	assert.Equal(t, 3, f.transport.Calls(storagetest.OpPart)-before)
	// The upload opened for the old file version is released
	assert.Equal(t, 1, f.transport.Calls(storagetest.OpAbort))
	assert.Equal(t, 0, f.transport.OpenUploads())
}

// loadFailingStore fails checkpoint reads with err while delegating everything else
type loadFailingStore struct {
	checkpoint.Store
	err error
}

func (s *loadFailingStore) LoadCheckpoint(taskID, localPath string) (*transfer.Checkpoint, error) {
	return nil, s.err
}

// pausedUpload runs task until part 2 and returns with a checkpoint stored
func pausedUpload(t *testing.T, f *fixture, task transfer.Task) {
	t.Helper()
	var sess *Session
	f.transport.BeforeUploadPart = func(ctx context.Context, partNumber int) error {
		if partNumber == 2 {
			sess.Pause()
			return networkError()
		}
		return nil
	}
	sess = New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs)
	require.Equal(t, transfer.StatusPaused, sess.Run(context.Background()).Status)
	f.transport.BeforeUploadPart = nil
	require.NotNil(t, f.checkpoint(t, task))
}

func withLoadError(t *testing.T, f *fixture, err error) Deps {
	t.Helper()
	writer := checkpoint.NewAsyncWriter(&loadFailingStore{Store: f.writer.Store(), err: err}, time.Hour, zap.NewNop())
	t.Cleanup(func() { writer.Close() })
	deps := f.deps
	deps.Checkpoints = writer
	return deps
}

func TestSession_CheckpointReadErrorKeepsState(t *testing.T) {
	f := newFixture(t)
	data := content(int(3 * transfer.MB))
	task := uploadTask(writeFile(t, f.dir, "shot.exr", data), data)
	pausedUpload(t, f, task)
	stored := f.checkpoint(t, task)

	deps := withLoadError(t, f, errors.New("database is locked"))
	res := New(task, nil, deps, testConfig(transfer.MB, 1), f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusFailed, res.Status)
	assert.Equal(t, transfer.KindInternal, transfer.KindOf(res.Err))
	assert.Equal(t, 1, f.transport.Calls(storagetest.OpInitiate))
	assert.Equal(t, 0, f.transport.Calls(storagetest.OpAbort))
	assert.Equal(t, 1, f.transport.OpenUploads())

	kept := f.checkpoint(t, task)
	require.NotNil(t, kept)
	assert.Equal(t, stored.UploadID, kept.UploadID)
	assert.Equal(t, stored.TransferredBytes, kept.TransferredBytes)

	// Once the store reads again the task continues where it stopped
	before := f.transport.Calls(storagetest.OpPart)
	res = New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs).Run(context.Background())
	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	assert.Equal(t, 2, f.transport.Calls(storagetest.OpPart)-before)
	assert.Equal(t, 1, f.transport.Calls(storagetest.OpInitiate))
}

func TestSession_CorruptCheckpointStartsFresh(t *testing.T) {
	f := newFixture(t)
	data := content(int(3 * transfer.MB))
	task := uploadTask(writeFile(t, f.dir, "shot.exr", data), data)
	pausedUpload(t, f, task)

	deps := withLoadError(t, f, fmt.Errorf("%w: unexpected end of JSON input", checkpoint.ErrCorrupt))
	before := f.transport.Calls(storagetest.OpPart)
	res := New(task, nil, deps, testConfig(transfer.MB, 1), f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	assert.Equal(t, 2, f.transport.Calls(storagetest.OpInitiate))
	assert.Equal(t, 3, f.transport.Calls(storagetest.OpPart)-before)
	assert.Nil(t, f.checkpoint(t, task))

	stored, _ := f.transport.Object("assets", task.RemoteKey)
	assert.Equal(t, data, stored)
}

func TestSession_UploadRaisesSmallChunksToMinimumPart(t *testing.T) {
	f := newFixture(t)
	data := content(int(600 * transfer.KB))
	task := uploadTask(writeFile(t, f.dir, "proxy.mov", data), data)

	// Three parts of 256 KB, 256 KB and 88 KB instead of ten 64 KB parts
	sess := New(task, nil, f.deps, testConfig(64*transfer.KB, 2), f.obs)
	assert.Equal(t, testMinPart, sess.ChunkSize())

	res := sess.Run(context.Background())
	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	assert.Equal(t, 3, f.transport.Calls(storagetest.OpPart))
	stored, _ := f.transport.Object("assets", task.RemoteKey)
	assert.Equal(t, data, stored)
}

func TestSession_DownloadKeepsPolicyChunks(t *testing.T) {
	f := newFixture(t)
	task := transfer.Task{ID: "t", Direction: transfer.Download, FileSize: 600 * transfer.KB}

	sess := New(task, nil, f.deps, testConfig(64*transfer.KB, 2), nil)
	assert.Equal(t, 64*transfer.KB, sess.ChunkSize())
}

func TestSession_SmallPartsRejectedWithoutFloor(t *testing.T) {
	f := newFixture(t)
	data := content(int(600 * transfer.KB))
	task := uploadTask(writeFile(t, f.dir, "proxy.mov", data), data)

	cfg := testConfig(64*transfer.KB, 2)
	cfg.MinPartSize = 0
	res := New(task, nil, f.deps, cfg, f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, transfer.ErrRemoteSessionInvalid)
	assert.ErrorContains(t, res.Err, "EntityTooSmall")
	assert.Nil(t, f.checkpoint(t, task))
}

func TestSession_RejectsEmptyUpload(t *testing.T) {
	f := newFixture(t)
	task := uploadTask(writeFile(t, f.dir, "empty.txt", nil), nil)

	res := New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs).Run(context.Background())

	assert.Equal(t, transfer.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, transfer.ErrValidation)
	assert.Equal(t, 0, f.transport.TotalCalls())
}

func TestSession_RenewsExpiredCredential(t *testing.T) {
	f := newFixture(t)
	data := content(int(4 * transfer.MB))
	task := uploadTask(writeFile(t, f.dir, "anim.usd", data), data)

	var revoked atomic.Bool
	f.transport.BeforeUploadPart = func(ctx context.Context, partNumber int) error {
		if partNumber == 3 && revoked.CompareAndSwap(false, true) {
			f.transport.Revoke(f.transport.LastCredential().SecurityToken)
		}
		return nil
	}

	res := New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	assert.Equal(t, 2, f.backend.CredentialCalls())
	assert.Equal(t, 2, f.obs.credentials())
	assert.Equal(t, "token-2", f.transport.LastCredential().SecurityToken)
}

func TestSession_ReusesCachedCredential(t *testing.T) {
	f := newFixture(t)
	data := content(int(transfer.MB))
	task := uploadTask(writeFile(t, f.dir, "anim.usd", data), data)

	cached, err := f.backend.AcquireCredential(context.Background(), task.JobID, task.RemoteKey, task.Direction)
	require.NoError(t, err)

	res := New(task, cached, f.deps, testConfig(transfer.MB, 1), f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	assert.Equal(t, 1, f.backend.CredentialCalls())
	assert.Equal(t, 0, f.obs.credentials())
}

func TestSession_DownloadSucceeds(t *testing.T) {
	f := newFixture(t)
	data := content(int(5*transfer.MB + 17))
	f.transport.Put("assets", "renders/out.exr", data)

	path := filepath.Join(f.dir, "renders", "out.exr")
	task := downloadTask(path, "renders/out.exr", data)

	res := New(task, nil, f.deps, testConfig(transfer.MB, 3), f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, path+PartSuffix)
	assert.Equal(t, 6, f.transport.Calls(storagetest.OpGet))
	assert.Equal(t, 1, f.obs.verifying)
	assert.Nil(t, f.checkpoint(t, task))
}

func TestSession_DownloadIntegrityFailure(t *testing.T) {
	f := newFixture(t)
	data := content(int(2 * transfer.MB))
	f.transport.Put("assets", "renders/out.exr", data)

	path := filepath.Join(f.dir, "out.exr")
	task := downloadTask(path, "renders/out.exr", data)
	task.ContentHash = md5Hex([]byte("something else"))

	res := New(task, nil, f.deps, testConfig(transfer.MB, 2), f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, transfer.ErrIntegrity)
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+PartSuffix)
	assert.Nil(t, f.checkpoint(t, task))
}

func TestSession_DownloadResumes(t *testing.T) {
	f := newFixture(t)
	data := content(int(5 * transfer.MB))
	f.transport.Put("assets", "renders/out.exr", data)

	path := filepath.Join(f.dir, "out.exr")
	task := downloadTask(path, "renders/out.exr", data)

	var sess *Session
	f.transport.BeforeGetRange = func(ctx context.Context, start, end int64) error {
		if start >= 2*transfer.MB {
			sess.Pause()
			return networkError()
		}
		return nil
	}

	sess = New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs)
	res := sess.Run(context.Background())
	require.Equal(t, transfer.StatusPaused, res.Status, "err: %v", res.Err)
	assert.Equal(t, 2*transfer.MB, res.Transferred)
	assert.FileExists(t, path+PartSuffix)

	f.transport.BeforeGetRange = nil
	before := f.transport.Calls(storagetest.OpGet)

	res = New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs).Run(context.Background())
	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	assert.Equal(t, 3, f.transport.Calls(storagetest.OpGet)-before)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSession_DownloadMissingPartFileRestarts(t *testing.T) {
	f := newFixture(t)
	data := content(int(3 * transfer.MB))
	f.transport.Put("assets", "renders/out.exr", data)

	path := filepath.Join(f.dir, "out.exr")
	task := downloadTask(path, "renders/out.exr", data)

	var sess *Session
	f.transport.BeforeGetRange = func(ctx context.Context, start, end int64) error {
		if start >= transfer.MB {
			sess.Pause()
			return networkError()
		}
		return nil
	}
	sess = New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs)
	require.Equal(t, transfer.StatusPaused, sess.Run(context.Background()).Status)

	require.NoError(t, os.Remove(path+PartSuffix))

	f.transport.BeforeGetRange = nil
	before := f.transport.Calls(storagetest.OpGet)
	res := New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs).Run(context.Background())

	require.Equal(t, transfer.StatusSucceeded, res.Status, "err: %v", res.Err)
	assert.Equal(t, 3, f.transport.Calls(storagetest.OpGet)-before)
}

func TestSession_SetParallelism(t *testing.T) {
	f := newFixture(t)
	task := transfer.Task{ID: "t", Direction: transfer.Upload, FileSize: 50 * transfer.MB}

	sess := New(task, nil, f.deps, DefaultConfig(), nil)
	assert.Equal(t, 3, sess.Parallelism())

	sess.SetParallelism(8)
	assert.Equal(t, 8, sess.Parallelism())

	sess.SetParallelism(0)
	assert.Equal(t, 3, sess.Parallelism())
}

func TestDiscard(t *testing.T) {
	f := newFixture(t)
	data := content(int(3 * transfer.MB))
	task := uploadTask(writeFile(t, f.dir, "shot.exr", data), data)

	var sess *Session
	f.transport.BeforeUploadPart = func(ctx context.Context, partNumber int) error {
		if partNumber == 2 {
			sess.Pause()
			return networkError()
		}
		return nil
	}
	sess = New(task, nil, f.deps, testConfig(transfer.MB, 1), f.obs)
	require.Equal(t, transfer.StatusPaused, sess.Run(context.Background()).Status)
	require.Equal(t, 1, f.transport.OpenUploads())

	Discard(context.Background(), task, f.deps)

	assert.Equal(t, 0, f.transport.OpenUploads())
	assert.Nil(t, f.checkpoint(t, task))
}
