package bundle

import (
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// RefKind classifies a resolved module reference.
type RefKind int

const (
	// RefModule is a bundle-internal module, resolved to a canonical
	// root-relative path.
	RefModule RefKind = iota
	// RefExternal is a host-provided entry point. It is never bundled; the
	// host substitutes it at execution time.
	RefExternal
)

// Ref is the result of resolving a reference through the allow-list.
type Ref struct {
	Kind RefKind
	Path string
}

// Policy is the allow-list configuration shared by the build-time compiler
// and the runtime loader. It is plain data, loadable from YAML.
type Policy struct {
	// Externals are host template names untrusted code may reference.
	Externals []string `yaml:"externals"`
	// Functions are host function identifiers untrusted code may call.
	Functions []string `yaml:"functions"`
}

// LoadPolicy parses a YAML policy document.
func LoadPolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse resolver policy: %w", err)
	}
	return p, nil
}

// DefaultPolicy is the platform SDK surface. The runtime's function map must
// implement exactly the names listed here.
func DefaultPolicy() Policy {
	return Policy{
		Externals: []string{
			"siteloom/sdk/head",
			"siteloom/sdk/reset",
		},
		Functions: []string{
			"markdown",
			"highlight",
			"asset",
			"jsonify",
		},
	}
}

// Resolver decides which module references untrusted code may resolve. The
// same resolver instance is passed to the compiler and the runtime loader;
// it is never process-global state.
type Resolver struct {
	externals map[string]bool
	// namespaces are the leading path segments of the externals; a bare
	// reference under one of them that is not itself allow-listed is a host
	// package the bundle may not import.
	namespaces map[string]bool
	functions  map[string]bool
}

func NewResolver(p Policy) *Resolver {
	r := &Resolver{
		externals:  make(map[string]bool, len(p.Externals)),
		namespaces: make(map[string]bool, len(p.Externals)),
		functions:  make(map[string]bool, len(p.Functions)),
	}
	for _, e := range p.Externals {
		r.externals[e] = true
		if seg, _, ok := strings.Cut(e, "/"); ok {
			r.namespaces[seg] = true
		}
	}
	for _, f := range p.Functions {
		r.functions[f] = true
	}
	return r
}

// Functions returns the allow-listed host function names.
func (r *Resolver) Functions() []string {
	out := make([]string, 0, len(r.functions))
	for f := range r.functions {
		out = append(out, f)
	}
	return out
}

// External reports whether name is a host-provided template.
func (r *Resolver) External(name string) bool {
	return r.externals[name]
}

// Resolve checks a reference found in the module at directory fromDir.
// Relative references ("./x", "../x") resolve against fromDir; bare paths
// resolve against the bundle root. Anything else is a hard failure.
func (r *Resolver) Resolve(fromDir, ref string) (Ref, error) {
	if r.externals[ref] {
		return Ref{Kind: RefExternal, Path: ref}, nil
	}
	if strings.TrimSpace(ref) == "" {
		return Ref{}, fmt.Errorf("%w: empty module reference", ErrDisallowedImport)
	}
	if strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return Ref{}, fmt.Errorf("%w: %q is not bundle-relative", ErrDisallowedImport, ref)
	}
	if strings.HasPrefix(ref, "@") {
		return Ref{}, fmt.Errorf("%w: %q uses a reserved name", ErrDisallowedImport, ref)
	}
	var joined string
	if strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../") {
		joined = path.Join(fromDir, ref)
	} else {
		// Bare refs under a host namespace are package imports, not bundle
		// modules; anything not allow-listed above is rejected here rather
		// than falling through as a missing module.
		if seg, _, ok := strings.Cut(ref, "/"); ok && r.namespaces[seg] {
			return Ref{}, fmt.Errorf("%w: %q is not an allowed host package", ErrDisallowedImport, ref)
		}
		joined = path.Clean(ref)
	}
	if joined == ".." || strings.HasPrefix(joined, "../") {
		return Ref{}, fmt.Errorf("%w: %q escapes the bundle root", ErrDisallowedImport, ref)
	}
	return Ref{Kind: RefModule, Path: joined}, nil
}
