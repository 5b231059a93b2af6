package storage

import (
	"context"
	"io"
	"time"

	"assetxfer/internal/transfer"
)

// Transport moves single chunks between the local host and the object store.
// Calls are stateless: the credential names the bucket and object and is
// supplied on every call. Transport applies no retry policy of its own; errors
// are returned classified as *transfer.Error where the kind is recognizable.
type Transport interface {
	// Multipart upload operations
	InitiateUpload(ctx context.Context, cred *transfer.Credential) (string, error)
	UploadPart(ctx context.Context, cred *transfer.Credential, uploadID string, partNumber int, reader io.Reader, size int64) (string, error)
	CompleteUpload(ctx context.Context, cred *transfer.Credential, uploadID string, parts []CompletedPart) error
	AbortUpload(ctx context.Context, cred *transfer.Credential, uploadID string) error

	// Download operations. GetRange reads the inclusive byte range [start, end].
	GetRange(ctx context.Context, cred *transfer.Credential, start, end int64) (io.ReadCloser, error)
	StatObject(ctx context.Context, cred *transfer.Credential) (ObjectInfo, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// CompletedPart represents a completed multipart upload part
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// PartsFromChunks lists the completed parts of a chunk plan in part-number order
func PartsFromChunks(chunks []transfer.Chunk) []CompletedPart {
	parts := make([]CompletedPart, 0, len(chunks))
	for _, c := range chunks {
		if !c.Completed {
			continue
		}
		parts = append(parts, CompletedPart{PartNumber: c.PartNumber(), ETag: c.ETag})
	}
	return parts
}
