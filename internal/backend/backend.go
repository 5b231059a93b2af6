package backend

import (
	"context"

	"assetxfer/internal/transfer"

	"github.com/samber/lo"
)

// DedupEntry describes one file of a batch for the duplicate check
type DedupEntry struct {
	Index    int
	FileName string
	Hash     string
	Size     int64
}

// DedupResult lists the batch indices whose content the store already holds
type DedupResult struct {
	Duplicates []int
}

// IsDuplicate reports whether the entry at index is already stored
func (r DedupResult) IsDuplicate(index int) bool {
	return lo.Contains(r.Duplicates, index)
}

// RemoteFile is one downloadable output of a backend job
type RemoteFile struct {
	ID        string
	RemoteKey string
	FileName  string
	Size      int64
	Hash      string
}

// Backend is the remote service that owns jobs, credentials and deduplication
type Backend interface {
	CheckDuplicates(ctx context.Context, jobID string, entries []DedupEntry) (DedupResult, error)
	AcquireCredential(ctx context.Context, jobID, remoteKey string, direction transfer.Direction) (*transfer.Credential, error)
	NotifyTransferComplete(ctx context.Context, jobID, remoteKey, hash string, size int64) error
	ListRemoteFiles(ctx context.Context, jobID string) ([]RemoteFile, error)
}
