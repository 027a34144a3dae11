package bundle

import (
	"context"
	"path"

	"github.com/siteloom/backend/pkg/storage"
)

// Source exposes an author's uploaded files and manifest for a version.
// The compiler only ever reads from it.
type Source interface {
	Manifest(ctx context.Context, versionID string) ([]byte, error)
	ReadModule(ctx context.Context, versionID, rel string) ([]byte, error)
}

// StorageSource serves bundle sources out of the storage provider, under
// sources/<versionID>/.
type StorageSource struct {
	store  storage.Store
	prefix string
}

func NewStorageSource(store storage.Store, prefix string) *StorageSource {
	if prefix == "" {
		prefix = "sources"
	}
	return &StorageSource{store: store, prefix: prefix}
}

func (s *StorageSource) Manifest(ctx context.Context, versionID string) ([]byte, error) {
	return s.store.ReadBytes(ctx, path.Join(s.prefix, versionID, "manifest.json"))
}

func (s *StorageSource) ReadModule(ctx context.Context, versionID, rel string) ([]byte, error) {
	return s.store.ReadBytes(ctx, path.Join(s.prefix, versionID, rel))
}
