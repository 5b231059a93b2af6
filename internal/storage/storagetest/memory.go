// Package storagetest provides an in-memory object store implementing
// storage.Transport, with hooks for injecting failures and delays.
package storagetest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"assetxfer/internal/storage"
	"assetxfer/internal/transfer"
)

const (
	OpInitiate = "initiate"
	OpPart     = "part"
	OpComplete = "complete"
	OpAbort    = "abort"
	OpGet      = "get"
	OpStat     = "stat"
)

type upload struct {
	object string
	parts  map[int][]byte
	sizes  map[int]int64
	tags   map[int]string
}

// MemoryTransport is a thread-safe in-memory storage.Transport
type MemoryTransport struct {
	// Hooks run before the call touches any state; a non-nil error fails the call.
	// They are invoked without the internal lock held, so they may block.
	BeforeUploadPart func(ctx context.Context, partNumber int) error
	BeforeGetRange   func(ctx context.Context, start, end int64) error

	// Now is used for credential expiry checks; defaults to time.Now
	Now func() time.Time

	// DiscardData keeps only part sizes and tags, so very large transfers can be
	// simulated; completed objects are then empty
	DiscardData bool

	// MinPartSize is the smallest part CompleteUpload accepts for any part but
	// the last; defaults to transfer.MinPartSize, zero disables the check
	MinPartSize int64

	mu       sync.Mutex
	objects  map[string][]byte
	uploads  map[string]*upload
	revoked  map[string]bool
	calls    map[string]int
	nextID   int
	lastCred *transfer.Credential
}

// NewMemoryTransport creates an empty store
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		objects: make(map[string][]byte),
		uploads: make(map[string]*upload),
		revoked: make(map[string]bool),
		calls:   make(map[string]int),

		MinPartSize: transfer.MinPartSize,
	}
}

var _ storage.Transport = (*MemoryTransport)(nil)

func objectName(cred *transfer.Credential) string {
	return cred.Bucket + "/" + cred.RemoteKey
}

// Put seeds an object
func (m *MemoryTransport) Put(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
}

// Object returns a stored object
func (m *MemoryTransport) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	return data, ok
}

// Calls returns how many times op was invoked, including failed calls
func (m *MemoryTransport) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TotalCalls returns the number of calls of any kind
func (m *MemoryTransport) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// OpenUploads returns the number of multipart uploads neither completed nor aborted
func (m *MemoryTransport) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

// DropUpload forgets an open upload, as a store expiring it would
func (m *MemoryTransport) DropUpload(uploadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
}

// Revoke makes every call signed with token fail as expired
func (m *MemoryTransport) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[token] = true
}

// LastCredential returns the credential of the most recent call
func (m *MemoryTransport) LastCredential() *transfer.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCred
}

// begin counts the call and checks the credential (must be called with lock held)
func (m *MemoryTransport) begin(op string, cred *transfer.Credential) error {
	m.calls[op]++
	m.lastCred = cred

	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	if !cred.Usable(now) || m.revoked[cred.SecurityToken] {
		return transfer.NewError(transfer.KindAuthExpired, op, errors.New("ExpiredToken"))
	}
	return nil
}

// InitiateUpload opens a multipart upload
func (m *MemoryTransport) InitiateUpload(ctx context.Context, cred *transfer.Credential) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpInitiate, cred); err != nil {
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[id] = &upload{
		object: objectName(cred),
		parts:  make(map[int][]byte),
		sizes:  make(map[int]int64),
		tags:   make(map[int]string),
	}
	return id, nil
}

// UploadPart stores one part
func (m *MemoryTransport) UploadPart(ctx context.Context, cred *transfer.Credential, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	if m.BeforeUploadPart != nil {
		if err := m.BeforeUploadPart(ctx, partNumber); err != nil {
			m.mu.Lock()
			m.calls[OpPart]++
			m.mu.Unlock()
			return "", err
		}
	}

	data, err := io.ReadAll(io.LimitReader(reader, size))
	if err != nil {
		return "", transfer.NewError(transfer.KindNetwork, OpPart, err)
	}
	if int64(len(data)) != size {
		return "", transfer.NewError(transfer.KindNetwork, OpPart, io.ErrUnexpectedEOF)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpPart, cred); err != nil {
		return "", err
	}
	up, ok := m.uploads[uploadID]
	if !ok {
		return "", transfer.NewError(transfer.KindRemoteSessionInvalid, OpPart, errors.New("NoSuchUpload"))
	}
	tag := etag(data)
	if m.DiscardData {
		data = nil
	}
	up.parts[partNumber] = data
	up.sizes[partNumber] = size
	up.tags[partNumber] = tag
	return tag, nil
}

// CompleteUpload assembles the parts into the object
func (m *MemoryTransport) CompleteUpload(ctx context.Context, cred *transfer.Credential, uploadID string, parts []storage.CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpComplete, cred); err != nil {
		return err
	}
	up, ok := m.uploads[uploadID]
	if !ok {
		return transfer.NewError(transfer.KindRemoteSessionInvalid, OpComplete, errors.New("NoSuchUpload"))
	}

	sorted := append([]storage.CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var buf bytes.Buffer
	for i, p := range sorted {
		tag, ok := up.tags[p.PartNumber]
		if !ok || tag != p.ETag {
			return fmt.Errorf("complete upload: invalid part %d", p.PartNumber)
		}
		if i < len(sorted)-1 && up.sizes[p.PartNumber] < m.MinPartSize {
			return transfer.NewError(transfer.KindRemoteSessionInvalid, OpComplete,
				fmt.Errorf("EntityTooSmall: part %d is %d bytes", p.PartNumber, up.sizes[p.PartNumber]))
		}
		buf.Write(up.parts[p.PartNumber])
	}

	m.objects[up.object] = buf.Bytes()
	delete(m.uploads, uploadID)
	return nil
}

// AbortUpload discards an open upload
func (m *MemoryTransport) AbortUpload(ctx context.Context, cred *transfer.Credential, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpAbort, cred); err != nil {
		return err
	}
	if _, ok := m.uploads[uploadID]; !ok {
		return transfer.NewError(transfer.KindRemoteSessionInvalid, OpAbort, errors.New("NoSuchUpload"))
	}
	delete(m.uploads, uploadID)
	return nil
}

// GetRange returns the inclusive byte range of an object
func (m *MemoryTransport) GetRange(ctx context.Context, cred *transfer.Credential, start, end int64) (io.ReadCloser, error) {
	if m.BeforeGetRange != nil {
		if err := m.BeforeGetRange(ctx, start, end); err != nil {
			m.mu.Lock()
			m.calls[OpGet]++
			m.mu.Unlock()
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpGet, cred); err != nil {
		return nil, err
	}
	data, ok := m.objects[objectName(cred)]
	if !ok {
		return nil, fmt.Errorf("get range: no such key %s", cred.RemoteKey)
	}
	if start < 0 || end >= int64(len(data)) || end < start {
		return nil, fmt.Errorf("get range: invalid range %d-%d", start, end)
	}
	return io.NopCloser(bytes.NewReader(data[start : end+1])), nil
}

// StatObject returns object metadata
func (m *MemoryTransport) StatObject(ctx context.Context, cred *transfer.Credential) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpStat, cred); err != nil {
		return storage.ObjectInfo{}, err
	}
	data, ok := m.objects[objectName(cred)]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("stat object: no such key %s", cred.RemoteKey)
	}
	return storage.ObjectInfo{Key: cred.RemoteKey, Size: int64(len(data)), ETag: etag(data)}, nil
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
