// Package manifest defines the bundle manifest wire format and validates it
// before any compilation is attempted. An invalid manifest never reaches the
// compiler.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// SchemaVersion is the only manifest schema this platform accepts.
const SchemaVersion = 1

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid manifest")

// Manifest describes a bundle: its entry module, routable templates, and the
// composable UI units it exposes. All module references are bundle-relative.
type Manifest struct {
	SchemaVersion int             `json:"schemaVersion"`
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	Entry         string          `json:"entry"`
	Routes        []Route         `json:"routes,omitempty"`
	Sections      []Component     `json:"sections,omitempty"`
	Blocks        []Component     `json:"blocks,omitempty"`
	Settings      json.RawMessage `json:"settings,omitempty"`
}

// Route binds a route pattern to a bundle-relative template module.
type Route struct {
	Path     string `json:"path"`
	Template string `json:"template"`
}

// Component describes a named section or block and the module implementing it.
type Component struct {
	Name   string          `json:"name"`
	Module string          `json:"module"`
	Props  json.RawMessage `json:"props,omitempty"`
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields and rejects any module reference that is
// absolute or escapes the bundle root.
func (m *Manifest) Validate() error {
	if m.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: unsupported schemaVersion %d", ErrInvalid, m.SchemaVersion)
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrInvalid)
	}
	if err := checkRef("entry", m.Entry); err != nil {
		return err
	}
	for i, r := range m.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("%w: routes[%d].path %q must start with /", ErrInvalid, i, r.Path)
		}
		if err := checkRef(fmt.Sprintf("routes[%d].template", i), r.Template); err != nil {
			return err
		}
	}
	for i, s := range m.Sections {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%w: sections[%d].name is required", ErrInvalid, i)
		}
		if err := checkRef(fmt.Sprintf("sections[%d].module", i), s.Module); err != nil {
			return err
		}
	}
	for i, b := range m.Blocks {
		if strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("%w: blocks[%d].name is required", ErrInvalid, i)
		}
		if err := checkRef(fmt.Sprintf("blocks[%d].module", i), b.Module); err != nil {
			return err
		}
	}
	return nil
}

// ModuleRefs returns every module the manifest declares, entry first,
// deduplicated in declaration order.
func (m *Manifest) ModuleRefs() []string {
	seen := map[string]bool{}
	var refs []string
	add := func(ref string) {
		clean := path.Clean(ref)
		if !seen[clean] {
			seen[clean] = true
			refs = append(refs, clean)
		}
	}
	add(m.Entry)
	for _, r := range m.Routes {
		add(r.Template)
	}
	for _, s := range m.Sections {
		add(s.Module)
	}
	for _, b := range m.Blocks {
		add(b.Module)
	}
	return refs
}

func checkRef(field, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, field)
	}
	if strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return fmt.Errorf("%w: %s %q must be a relative path", ErrInvalid, field, ref)
	}
	clean := path.Clean(ref)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %s %q escapes the bundle root", ErrInvalid, field, ref)
	}
	return nil
}
