package hashing

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func stdMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestMD5Hasher_HashFile(t *testing.T) {
	h := NewMD5Hasher()
	defer h.Close()

	dir := t.TempDir()
	big := bytes.Repeat([]byte("render-output-"), 300_000) // spans several copy buffers

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"small", []byte("scene.ma")},
		{"multi buffer", big},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name, tt.data)
			got, err := h.HashFile(context.Background(), path)
			require.NoError(t, err)
			assert.Equal(t, stdMD5(tt.data), got)
		})
	}

	_, err := h.HashFile(context.Background(), filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestMD5Hasher_Canceled(t *testing.T) {
	h := NewMD5Hasher()
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.HashReader(ctx, bytes.NewReader([]byte("data")))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHashFiles(t *testing.T) {
	h := NewMD5Hasher()
	defer h.Close()

	dir := t.TempDir()
	var paths, want []string
	for i := 0; i < 9; i++ {
		data := bytes.Repeat([]byte{byte(i)}, 1000*(i+1))
		paths = append(paths, writeFile(t, dir, string(rune('a'+i)), data))
		want = append(want, stdMD5(data))
	}

	got, err := HashFiles(context.Background(), h, paths, 3)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = HashFiles(context.Background(), h, append(paths, filepath.Join(dir, "missing")), 3)
	assert.Error(t, err)
}
