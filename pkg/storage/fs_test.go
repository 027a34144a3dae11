package storage

import (
	"context"
	"errors"
	"testing"
)

func TestFSStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	if err := store.EnsurePrefix(ctx, "builds/v1"); err != nil {
		t.Fatalf("EnsurePrefix: %v", err)
	}

	res, err := store.WriteBytes(ctx, "builds/v1/bundle.zst", []byte("artifact"))
	if err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if res.Size != 8 {
		t.Fatalf("unexpected size %d", res.Size)
	}
	if res.Checksum != Checksum([]byte("artifact")) {
		t.Fatalf("checksum mismatch: %s", res.Checksum)
	}

	data, err := store.ReadBytes(ctx, "builds/v1/bundle.zst")
	if err != nil || string(data) != "artifact" {
		t.Fatalf("ReadBytes: %q, %v", data, err)
	}

	ok, err := store.Exists(ctx, "builds/v1/bundle.zst")
	if err != nil || !ok {
		t.Fatalf("Exists: %v, %v", ok, err)
	}
	ok, err = store.Exists(ctx, "builds/v2/bundle.zst")
	if err != nil || ok {
		t.Fatalf("Exists for missing key: %v, %v", ok, err)
	}

	keys, err := store.List(ctx, "builds")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0] != "builds/v1/bundle.zst" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	info, err := store.Stat(ctx, "builds/v1/bundle.zst")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != 8 || info.ModTime.IsZero() {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	for _, key := range []string{"../escape", "/abs/path", "a/../../b", ""} {
		if _, err := store.WriteBytes(ctx, key, []byte("x")); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestFSStoreMissingObject(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	if _, err := store.ReadBytes(ctx, "nope"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if _, err := store.Stat(ctx, "nope"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}
