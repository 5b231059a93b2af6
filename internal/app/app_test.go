package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"assetxfer/internal/checkpoint"
	"assetxfer/internal/config"
	"assetxfer/internal/transfer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Backend.URL = "http://127.0.0.1:1"
	cfg.ShowProgress = false
	cfg.Checkpoint.Path = filepath.Join(t.TempDir(), "tasks.db")
	return cfg
}

func seedTasks(t *testing.T, cfg *config.Config, tasks ...*transfer.Task) {
	t.Helper()
	store, err := checkpoint.Open(cfg.Checkpoint.Backend, cfg.Checkpoint.Path)
	require.NoError(t, err)
	for _, task := range tasks {
		require.NoError(t, store.SaveTask(task))
	}
	require.NoError(t, store.Close())
}

func newTask(id string, seq int64, status transfer.Status) *transfer.Task {
	return &transfer.Task{
		ID:               id,
		Seq:              seq,
		Direction:        transfer.Upload,
		JobID:            "job-1",
		LocalPath:        "/scenes/" + id + ".blend",
		RemoteKey:        "job-1/" + id + ".blend",
		FileName:         id + ".blend",
		FileSize:         2048,
		TransferredBytes: 1024,
		Status:           status,
		CreatedAt:        time.Unix(1700000000+seq, 0),
	}
}

func TestManagerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Transfer.MaxConcurrent = 4
	cfg.Transfer.Parallelism = 2
	cfg.Transfer.RetryBackoffMs = 50

	mc := ManagerConfig(cfg)
	assert.Equal(t, 4, mc.MaxConcurrent)
	assert.Equal(t, cfg.Transfer.MaxFileSize, mc.MaxFileSize)
	assert.Equal(t, 2, mc.Session.Parallelism)
	assert.Equal(t, 50*time.Millisecond, mc.Session.RetryBackoff)
	assert.Equal(t, transfer.DefaultPolicy, mc.Session.Policy)
	assert.Equal(t, transfer.MinPartSize, mc.Session.MinPartSize)
}

func TestNewRequiresBackendURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.URL = ""

	_, err := New(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestResumeWithEmptyQueue(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, a.Resume(ctx))
	assert.NoError(t, a.Close())
}

func TestResumeReportsFailedTasks(t *testing.T) {
	cfg := testConfig(t)
	failed := newTask("a", 1, transfer.StatusFailed)
	failed.ErrorKind = transfer.KindIntegrity
	failed.LastError = "hash mismatch"
	seedTasks(t, cfg, failed)

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.ErrorContains(t, a.Resume(ctx), "1 transfers failed")
}

func TestClearFinished(t *testing.T) {
	cfg := testConfig(t)
	seedTasks(t, cfg,
		newTask("done", 1, transfer.StatusSucceeded),
		newTask("gone", 2, transfer.StatusCanceled),
		newTask("broken", 3, transfer.StatusFailed),
		newTask("held", 4, transfer.StatusPaused),
	)

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.ClearFinished(context.Background()))
	require.NoError(t, a.Close())

	lister, err := NewTaskLister(cfg.Checkpoint.Backend, cfg.Checkpoint.Path)
	require.NoError(t, err)
	defer lister.Close()

	tasks, err := lister.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "held", tasks[0].ID)
}

func TestTaskLister(t *testing.T) {
	cfg := testConfig(t)
	seedTasks(t, cfg,
		newTask("second", 2, transfer.StatusPaused),
		newTask("first", 1, transfer.StatusFailed),
		newTask("third", 3, transfer.StatusSucceeded),
	)

	lister, err := NewTaskLister(cfg.Checkpoint.Backend, cfg.Checkpoint.Path)
	require.NoError(t, err)
	defer lister.Close()

	all, err := lister.Tasks()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{all[0].ID, all[1].ID, all[2].ID})

	unfinished, err := lister.Tasks(transfer.StatusPaused, transfer.StatusFailed)
	require.NoError(t, err)
	assert.Len(t, unfinished, 2)

	var buf bytes.Buffer
	RenderTasks(&buf, all)
	out := buf.String()
	assert.Contains(t, out, "second.blend")
	assert.Contains(t, out, "50.0%")
	assert.Contains(t, out, "paused")
}
