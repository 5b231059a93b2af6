package hashing

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	md5simd "github.com/minio/md5-simd"
	"golang.org/x/sync/errgroup"
)

const copyBufferSize = 1 << 20

// Hasher computes content hashes of local files
type Hasher interface {
	HashFile(ctx context.Context, path string) (string, error)
}

// MD5Hasher hashes files with SIMD accelerated MD5, producing lowercase hex digests
type MD5Hasher struct {
	server md5simd.Server
}

// NewMD5Hasher starts the shared hashing server
func NewMD5Hasher() *MD5Hasher {
	return &MD5Hasher{server: md5simd.NewServer()}
}

// HashFile returns the hex MD5 of the file content
func (h *MD5Hasher) HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return h.HashReader(ctx, f)
}

// HashReader returns the hex MD5 of everything read from r
func (h *MD5Hasher) HashReader(ctx context.Context, r io.Reader) (string, error) {
	hasher := h.server.NewHash()
	defer hasher.Close()

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(hasher, &contextReader{ctx: ctx, r: r}, buf); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Close stops the hashing server
func (h *MD5Hasher) Close() {
	h.server.Close()
}

// HashFiles hashes paths with at most parallel files in flight. Results are in input order.
func HashFiles(ctx context.Context, hasher Hasher, paths []string, parallel int) ([]string, error) {
	if parallel < 1 {
		parallel = 1
	}

	hashes := make([]string, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			sum, err := hasher.HashFile(ctx, path)
			if err != nil {
				return err
			}
			hashes[i] = sum
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hashes, nil
}

// contextReader stops reading once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
