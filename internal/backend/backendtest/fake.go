// Package backendtest provides a configurable in-process Backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"assetxfer/internal/backend"
	"assetxfer/internal/transfer"
)

// Notification records one NotifyTransferComplete call
type Notification struct {
	JobID     string
	RemoteKey string
	Hash      string
	Size      int64
}

// Fake implements backend.Backend. Stored content is matched by (hash, size).
// Any *Func field, when set, replaces the default behavior of that method.
type Fake struct {
	Bucket    string
	Endpoint  string
	ExpiresIn time.Duration

	CheckDuplicatesFunc   func(ctx context.Context, jobID string, entries []backend.DedupEntry) (backend.DedupResult, error)
	AcquireCredentialFunc func(ctx context.Context, jobID, remoteKey string, direction transfer.Direction) (*transfer.Credential, error)
	NotifyFunc            func(ctx context.Context, jobID, remoteKey, hash string, size int64) error
	ListRemoteFilesFunc   func(ctx context.Context, jobID string) ([]backend.RemoteFile, error)

	mu            sync.Mutex
	stored        map[string]bool
	remote        map[string][]backend.RemoteFile
	notifications []Notification
	dedupCalls    int
	credCalls     int
	tokenSeq      int
}

// NewFake creates a fake issuing one-hour credentials for bucket "assets"
func NewFake() *Fake {
	return &Fake{
		Bucket:    "assets",
		Endpoint:  "oss.test:9000",
		ExpiresIn: time.Hour,
		stored:    make(map[string]bool),
		remote:    make(map[string][]backend.RemoteFile),
	}
}

var _ backend.Backend = (*Fake)(nil)

func contentKey(hash string, size int64) string {
	return fmt.Sprintf("%s/%d", hash, size)
}

// MarkStored registers content as already present in the store
func (f *Fake) MarkStored(hash string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[contentKey(hash, size)] = true
}

// SetRemoteFiles sets the outputs listed for a job
func (f *Fake) SetRemoteFiles(jobID string, files []backend.RemoteFile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote[jobID] = files
}

// Notifications returns the completion notifications received so far
func (f *Fake) Notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.notifications...)
}

// DedupCalls returns how many duplicate checks were made
func (f *Fake) DedupCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dedupCalls
}

// CredentialCalls returns how many credentials were issued or attempted
func (f *Fake) CredentialCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credCalls
}

// CheckDuplicates reports entries whose (hash, size) was marked stored
func (f *Fake) CheckDuplicates(ctx context.Context, jobID string, entries []backend.DedupEntry) (backend.DedupResult, error) {
	f.mu.Lock()
	f.dedupCalls++
	fn := f.CheckDuplicatesFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, jobID, entries)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var result backend.DedupResult
	for _, e := range entries {
		if f.stored[contentKey(e.Hash, e.Size)] {
			result.Duplicates = append(result.Duplicates, e.Index)
		}
	}
	return result, nil
}

// AcquireCredential issues a fresh credential with a unique security token
func (f *Fake) AcquireCredential(ctx context.Context, jobID, remoteKey string, direction transfer.Direction) (*transfer.Credential, error) {
	f.mu.Lock()
	f.credCalls++
	f.tokenSeq++
	seq := f.tokenSeq
	fn := f.AcquireCredentialFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, jobID, remoteKey, direction)
	}

	return &transfer.Credential{
		AccessKey:     "test-access-key",
		SecretKey:     "test-secret-key",
		SecurityToken: fmt.Sprintf("token-%d", seq),
		Endpoint:      f.Endpoint,
		Bucket:        f.Bucket,
		RemoteKey:     remoteKey,
		ExpiresAt:     time.Now().Add(f.ExpiresIn),
	}, nil
}

// NotifyTransferComplete records the notification
func (f *Fake) NotifyTransferComplete(ctx context.Context, jobID, remoteKey, hash string, size int64) error {
	f.mu.Lock()
	f.notifications = append(f.notifications, Notification{JobID: jobID, RemoteKey: remoteKey, Hash: hash, Size: size})
	fn := f.NotifyFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, jobID, remoteKey, hash, size)
	}
	return nil
}

// ListRemoteFiles returns the outputs set for the job
func (f *Fake) ListRemoteFiles(ctx context.Context, jobID string) ([]backend.RemoteFile, error) {
	f.mu.Lock()
	fn := f.ListRemoteFilesFunc
	files := append([]backend.RemoteFile(nil), f.remote[jobID]...)
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, jobID)
	}
	return files, nil
}
