// Package storage provides byte-addressable object storage for bundle
// sources and compiled artifacts. Keys are treated as untrusted and every
// backend rejects traversal outside its root.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// ErrNotExist is returned when a key has no object behind it.
var ErrNotExist = errors.New("object does not exist")

// WriteResult reports what a backend persisted.
type WriteResult struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// ObjectInfo describes a stored object. ModTime is the cache key for the
// runtime loader, so backends must report it from the authoritative store.
type ObjectInfo struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Store is the storage collaborator consumed by the build pipeline and the
// runtime loader.
type Store interface {
	EnsurePrefix(ctx context.Context, prefix string) error
	WriteBytes(ctx context.Context, key string, data []byte) (WriteResult, error)
	ReadBytes(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

// Checksum returns the hex blake3 digest recorded for written objects.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// cleanKey normalizes a key and rejects absolute paths and traversal.
func cleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty storage key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("storage key %q must be relative", key)
	}
	clean := path.Clean(key)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("storage key %q escapes the root", key)
	}
	return clean, nil
}
