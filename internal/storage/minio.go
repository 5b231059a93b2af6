package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"assetxfer/internal/transfer"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// maxCachedClients bounds the per-credential client cache. Credentials rotate
// frequently, so the cache is simply reset when it fills up.
const maxCachedClients = 64

type clientKey struct {
	endpoint  string
	accessKey string
	token     string
	secure    bool
}

// MinIOTransport implements Transport using minio-go against any S3-compatible store
type MinIOTransport struct {
	mu      sync.Mutex
	clients map[clientKey]*minio.Core
}

// NewMinIOTransport creates a new MinIO backed transport
func NewMinIOTransport() *MinIOTransport {
	return &MinIOTransport{
		clients: make(map[clientKey]*minio.Core),
	}
}

// core returns a client signed with the given temporary credential
func (t *MinIOTransport) core(cred *transfer.Credential) (*minio.Core, error) {
	if cred == nil {
		return nil, transfer.NewError(transfer.KindAuthExpired, "credential", fmt.Errorf("no credential"))
	}

	key := clientKey{
		endpoint:  cred.Endpoint,
		accessKey: cred.AccessKey,
		token:     cred.SecurityToken,
		secure:    cred.Secure,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[key]; ok {
		return c, nil
	}

	// Clean and validate endpoint
	endpoint, err := cleanEndpoint(cred.Endpoint)
	if err != nil {
		return nil, transfer.NewError(transfer.KindValidation, "endpoint", fmt.Errorf("invalid endpoint: %w", err))
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cred.AccessKey, cred.SecretKey, cred.SecurityToken),
		Secure: cred.Secure,
	})
	if err != nil {
		return nil, err
	}

	if len(t.clients) >= maxCachedClients {
		t.clients = make(map[clientKey]*minio.Core)
	}
	core := &minio.Core{Client: client}
	t.clients[key] = core
	return core, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	// If endpoint doesn't have protocol, add http:// for parsing
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		// Check if it's already in host:port format
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	// Parse URL to extract host and port
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	// Check if path is not empty (indicating a full URL with path)
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}

// InitiateUpload opens a multipart upload for the credential's object
func (t *MinIOTransport) InitiateUpload(ctx context.Context, cred *transfer.Credential) (string, error) {
	core, err := t.core(cred)
	if err != nil {
		return "", err
	}

	uploadID, err := core.NewMultipartUpload(ctx, cred.Bucket, cred.RemoteKey, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", classify("initiate upload", cred.RemoteKey, err)
	}
	return uploadID, nil
}

// UploadPart uploads one part and returns its ETag
func (t *MinIOTransport) UploadPart(ctx context.Context, cred *transfer.Credential, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	core, err := t.core(cred)
	if err != nil {
		return "", err
	}

	part, err := core.PutObjectPart(ctx, cred.Bucket, cred.RemoteKey, uploadID, partNumber, reader, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", classify(fmt.Sprintf("upload part %d", partNumber), cred.RemoteKey, err)
	}
	return part.ETag, nil
}

// CompleteUpload completes a multipart upload
func (t *MinIOTransport) CompleteUpload(ctx context.Context, cred *transfer.Credential, uploadID string, parts []CompletedPart) error {
	core, err := t.core(cred)
	if err != nil {
		return err
	}

	minioParts := make([]minio.CompletePart, len(parts))
	for i, part := range parts {
		minioParts[i] = minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		}
	}

	if _, err := core.CompleteMultipartUpload(ctx, cred.Bucket, cred.RemoteKey, uploadID, minioParts, minio.PutObjectOptions{}); err != nil {
		return classify("complete upload", cred.RemoteKey, err)
	}
	return nil
}

// AbortUpload aborts a multipart upload
func (t *MinIOTransport) AbortUpload(ctx context.Context, cred *transfer.Credential, uploadID string) error {
	core, err := t.core(cred)
	if err != nil {
		return err
	}

	if err := core.AbortMultipartUpload(ctx, cred.Bucket, cred.RemoteKey, uploadID); err != nil {
		return classify("abort upload", cred.RemoteKey, err)
	}
	return nil
}

// GetRange opens a ranged read of the credential's object
func (t *MinIOTransport) GetRange(ctx context.Context, cred *transfer.Credential, start, end int64) (io.ReadCloser, error) {
	core, err := t.core(cred)
	if err != nil {
		return nil, err
	}

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, transfer.NewError(transfer.KindValidation, "get range", err).WithKey(cred.RemoteKey)
	}

	body, _, _, err := core.GetObject(ctx, cred.Bucket, cred.RemoteKey, opts)
	if err != nil {
		return nil, classify(fmt.Sprintf("get range %d-%d", start, end), cred.RemoteKey, err)
	}
	return body, nil
}

// StatObject gets object metadata
func (t *MinIOTransport) StatObject(ctx context.Context, cred *transfer.Credential) (ObjectInfo, error) {
	core, err := t.core(cred)
	if err != nil {
		return ObjectInfo{}, err
	}

	info, err := core.StatObject(ctx, cred.Bucket, cred.RemoteKey, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, classify("stat object", cred.RemoteKey, err)
	}

	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}, nil
}
