package bundle

import "errors"

var (
	// ErrManifestInvalid covers schema violations and unsafe paths caught
	// before any build attempt. Deterministic, never retried.
	ErrManifestInvalid = errors.New("manifest invalid")
	// ErrDisallowedImport is the compile-time security boundary: a module
	// reference or function identifier outside the allow-list.
	ErrDisallowedImport = errors.New("disallowed import")
	// ErrCompileFailed wraps underlying compiler diagnostics.
	ErrCompileFailed = errors.New("compile failed")
)

// Terminal reports whether a build error is deterministic and must not be
// retried: rebuilding the same input cannot change the outcome.
func Terminal(err error) bool {
	return errors.Is(err, ErrManifestInvalid) || errors.Is(err, ErrDisallowedImport)
}
