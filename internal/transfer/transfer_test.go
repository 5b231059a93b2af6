package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("chunk 3: %w", NewError(KindNetwork, "uploadPart", errors.New("reset by peer")).WithKey("scene.ma"))

	assert.True(t, errors.Is(err, ErrNetwork))
	assert.False(t, errors.Is(err, ErrAuthExpired))
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "uploadPart scene.ma: network: reset by peer")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindCanceled, KindOf(context.Canceled))
	assert.Equal(t, KindNetwork, KindOf(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindValidation, KindOf(Validationf("file %s too large", "a.ma")))
}

func TestKind_InvalidatesCheckpoint(t *testing.T) {
	assert.True(t, KindRemoteSessionInvalid.InvalidatesCheckpoint())
	assert.True(t, KindIntegrity.InvalidatesCheckpoint())
	assert.False(t, KindNetwork.InvalidatesCheckpoint())
	assert.False(t, Retryable(ErrRemoteSessionInvalid))
}

func TestCredential_Usable(t *testing.T) {
	now := time.Now()

	var nilCred *Credential
	assert.False(t, nilCred.Usable(now))

	fresh := &Credential{ExpiresAt: now.Add(time.Hour)}
	assert.True(t, fresh.Usable(now))

	closeToExpiry := &Credential{ExpiresAt: now.Add(4 * time.Minute)}
	assert.False(t, closeToExpiry.Usable(now))

	atMargin := &Credential{ExpiresAt: now.Add(CredentialSafetyMargin)}
	assert.False(t, atMargin.Usable(now))
}

func TestTask_ProgressNeverRegresses(t *testing.T) {
	task := &Task{FileSize: 100}
	task.SetProgress(40)
	task.SetProgress(30)
	assert.Equal(t, int64(40), task.TransferredBytes)

	task.SetProgress(150)
	assert.Equal(t, int64(100), task.TransferredBytes)

	task.MarkSucceeded(time.Now())
	assert.Equal(t, task.FileSize, task.TransferredBytes)
	assert.Equal(t, 100.0, task.Percent())
}

func TestTask_CloneIsDeep(t *testing.T) {
	now := time.Now()
	task := &Task{ID: "a", StartedAt: &now}
	c := task.Clone()
	later := now.Add(time.Hour)
	*c.StartedAt = later
	assert.Equal(t, now, *task.StartedAt)
}

func TestCheckpoint_Matches(t *testing.T) {
	mod := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id := Identity{
		TaskID:      "t1",
		LocalPath:   "/data/scene.ma",
		RemoteKey:   "jobs/1/scene.ma",
		FileSize:    25,
		FileModTime: mod,
		ChunkSize:   10,
		Direction:   Upload,
	}
	cp := &Checkpoint{
		TaskID:      "t1",
		LocalPath:   "/data/scene.ma",
		RemoteKey:   "jobs/1/scene.ma",
		FileSize:    25,
		FileModTime: mod,
		ChunkSize:   10,
		Chunks:      PlanChunks(25, 10),
		UploadID:    "upload-1",
	}
	assert.True(t, cp.Matches(id))

	tests := []struct {
		name   string
		mutate func(*Checkpoint)
	}{
		{name: "size changed", mutate: func(c *Checkpoint) { c.FileSize = 26 }},
		{name: "remote key changed", mutate: func(c *Checkpoint) { c.RemoteKey = "jobs/2/scene.ma" }},
		{name: "file modified", mutate: func(c *Checkpoint) { c.FileModTime = mod.Add(time.Second) }},
		{name: "no upload session", mutate: func(c *Checkpoint) { c.UploadID = "" }},
		{name: "different chunk size", mutate: func(c *Checkpoint) { c.ChunkSize = 5 }},
		{name: "broken plan", mutate: func(c *Checkpoint) { c.Chunks = c.Chunks[:2] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := cp.Clone()
			tt.mutate(bad)
			assert.False(t, bad.Matches(id))
		})
	}

	var missing *Checkpoint
	assert.False(t, missing.Matches(id))
}
