package bundle

import (
	"errors"
	"testing"
)

func TestResolverRelativeRefs(t *testing.T) {
	r := NewResolver(DefaultPolicy())

	ref, err := r.Resolve("templates", "./partials/nav.tmpl")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.Kind != RefModule || ref.Path != "templates/partials/nav.tmpl" {
		t.Fatalf("unexpected ref: %+v", ref)
	}

	ref, err = r.Resolve("templates", "../layout.tmpl")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.Path != "layout.tmpl" {
		t.Fatalf("unexpected ref: %+v", ref)
	}

	ref, err = r.Resolve(".", "sections/hero.tmpl")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.Path != "sections/hero.tmpl" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
}

func TestResolverExternals(t *testing.T) {
	r := NewResolver(DefaultPolicy())
	ref, err := r.Resolve("anywhere", "siteloom/sdk/head")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.Kind != RefExternal {
		t.Fatalf("expected external ref, got %+v", ref)
	}
}

func TestResolverRejections(t *testing.T) {
	r := NewResolver(DefaultPolicy())
	cases := map[string][2]string{
		"escape from root":   {".", "../outside.tmpl"},
		"escape from subdir": {"templates", "../../outside.tmpl"},
		"absolute":           {".", "/etc/passwd"},
		"reserved":           {".", "@layout"},
		"backslash":          {".", "a\\b.tmpl"},
		"empty":              {".", ""},
		"unknown package":    {".", "siteloom/sdk/filesystem"},
	}
	for name, c := range cases {
		if _, err := r.Resolve(c[0], c[1]); !errors.Is(err, ErrDisallowedImport) {
			t.Fatalf("%s: expected ErrDisallowedImport, got %v", name, err)
		}
	}
}

func TestResolverRejectsCleanedTraversal(t *testing.T) {
	r := NewResolver(DefaultPolicy())
	if _, err := r.Resolve(".", "a/../../b.tmpl"); !errors.Is(err, ErrDisallowedImport) {
		t.Fatalf("expected ErrDisallowedImport, got %v", err)
	}
}

func TestResolverNamespaceFromPolicy(t *testing.T) {
	r := NewResolver(Policy{Externals: []string{"acme/sdk/head"}})

	if _, err := r.Resolve(".", "acme/sdk/reset"); !errors.Is(err, ErrDisallowedImport) {
		t.Fatalf("unlisted ref under the host namespace: expected ErrDisallowedImport, got %v", err)
	}
	// Bundle paths outside the host namespace still resolve as modules.
	ref, err := r.Resolve(".", "vendor/acme.tmpl")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.Kind != RefModule || ref.Path != "vendor/acme.tmpl" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
}

func TestLoadPolicy(t *testing.T) {
	doc := []byte("externals:\n  - siteloom/sdk/head\nfunctions:\n  - markdown\n")
	p, err := LoadPolicy(doc)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if len(p.Externals) != 1 || p.Externals[0] != "siteloom/sdk/head" {
		t.Fatalf("unexpected policy: %+v", p)
	}
	r := NewResolver(p)
	if !r.External("siteloom/sdk/head") {
		t.Fatalf("expected external to be allow-listed")
	}
	if r.External("siteloom/sdk/reset") {
		t.Fatalf("reset should not be allow-listed by this policy")
	}
}
