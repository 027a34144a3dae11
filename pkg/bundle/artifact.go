package bundle

import (
	"fmt"
	"path"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// artifactSchema versions the container format, not the bundle contents.
const artifactSchema = 1

// Artifact is the compiled output of a successful build: the generated
// wrapper plus every linked module, with references rewritten to canonical
// root-relative paths. Encoded as zstd-compressed CBOR and treated as
// immutable at its storage key.
type Artifact struct {
	Schema    int               `cbor:"schema"`
	VersionID string            `cbor:"versionId"`
	Entry     string            `cbor:"entry"`
	Manifest  []byte            `cbor:"manifest"`
	Modules   map[string]string `cbor:"modules"`
	Templates map[string]string `cbor:"templates"`
	BuiltAt   time.Time         `cbor:"builtAt"`
}

// ArtifactKey returns the deterministic storage key for a version's artifact.
// A rebuild overwrites the same key, which invalidates any runtime cache
// keyed on modification time.
func ArtifactKey(prefix, versionID string) string {
	return path.Join(prefix, versionID, "bundle.zst")
}

// Encode serializes and compresses the artifact.
func (a *Artifact) Encode() ([]byte, error) {
	raw, err := cbor.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// DecodeArtifact decompresses and decodes artifact bytes.
func DecodeArtifact(data []byte) (*Artifact, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact: %w", err)
	}
	var a Artifact
	if err := cbor.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if a.Schema != artifactSchema {
		return nil, fmt.Errorf("unsupported artifact schema %d", a.Schema)
	}
	return &a, nil
}
