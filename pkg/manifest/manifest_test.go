package manifest

import (
	"errors"
	"testing"
)

func validDoc() []byte {
	return []byte(`{
		"schemaVersion": 1,
		"name": "aurora",
		"version": "1.2.0",
		"entry": "layout.tmpl",
		"routes": [{"path": "/", "template": "templates/index.tmpl"}],
		"sections": [{"name": "hero", "module": "sections/hero.tmpl"}]
	}`)
}

func TestParseValid(t *testing.T) {
	m, err := Parse(validDoc())
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if m.Name != "aurora" || m.Entry != "layout.tmpl" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	refs := m.ModuleRefs()
	if len(refs) != 3 || refs[0] != "layout.tmpl" {
		t.Fatalf("unexpected module refs: %v", refs)
	}
}

func TestParseRejectsUnsafePaths(t *testing.T) {
	cases := map[string]string{
		"absolute entry":    `{"schemaVersion":1,"name":"a","version":"1","entry":"/etc/passwd"}`,
		"traversal entry":   `{"schemaVersion":1,"name":"a","version":"1","entry":"../outside.tmpl"}`,
		"sneaky traversal":  `{"schemaVersion":1,"name":"a","version":"1","entry":"x/../../y.tmpl"}`,
		"traversal route":   `{"schemaVersion":1,"name":"a","version":"1","entry":"e.tmpl","routes":[{"path":"/","template":"../t.tmpl"}]}`,
		"backslash section": `{"schemaVersion":1,"name":"a","version":"1","entry":"e.tmpl","sections":[{"name":"s","module":"a\\b.tmpl"}]}`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestParseRejectsMissingFields(t *testing.T) {
	cases := []string{
		`{"name":"a","version":"1","entry":"e.tmpl"}`,
		`{"schemaVersion":1,"version":"1","entry":"e.tmpl"}`,
		`{"schemaVersion":1,"name":"a","entry":"e.tmpl"}`,
		`{"schemaVersion":1,"name":"a","version":"1"}`,
		`{"schemaVersion":1,"name":"a","version":"1","entry":"e.tmpl","routes":[{"path":"index","template":"t.tmpl"}]}`,
		`not json`,
	}
	for i, doc := range cases {
		if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("case %d: expected ErrInvalid, got %v", i, err)
		}
	}
}

func TestModuleRefsDeduplicates(t *testing.T) {
	m := &Manifest{
		SchemaVersion: 1,
		Name:          "a",
		Version:       "1",
		Entry:         "layout.tmpl",
		Routes: []Route{
			{Path: "/", Template: "templates/index.tmpl"},
			{Path: "/about", Template: "./templates/index.tmpl"},
		},
	}
	refs := m.ModuleRefs()
	if len(refs) != 2 {
		t.Fatalf("expected deduplicated refs, got %v", refs)
	}
}
