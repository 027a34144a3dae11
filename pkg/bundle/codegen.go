package bundle

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/siteloom/backend/pkg/manifest"
)

// Reserved names in the linked namespace. Only the generated wrapper may
// define them; the resolver rejects author references to "@" names.
const (
	WrapperName = "@wrapper"
	LayoutName  = "@layout"
)

// TemplateName returns the wrapper-defined name for a declared template key.
func TemplateName(key string) string {
	return "@template/" + key
}

// TemplateKeys returns the template keys a manifest declares: route templates
// under their cleaned module path, sections and blocks under their names.
func TemplateKeys(m *manifest.Manifest) map[string]string {
	keys := make(map[string]string)
	for _, r := range m.Routes {
		clean := path.Clean(r.Template)
		keys[clean] = clean
	}
	for _, s := range m.Sections {
		keys[s.Name] = path.Clean(s.Module)
	}
	for _, b := range m.Blocks {
		keys[b.Name] = path.Clean(b.Module)
	}
	return keys
}

// GenerateWrapper synthesizes the single entry module for a bundle: it
// defines the layout and one dispatch template per declared key, each
// deferring to the author's module by its canonical path. Pure function of
// the manifest; no I/O.
func GenerateWrapper(m *manifest.Manifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "{{define %q}}{{template %q .}}{{end}}\n", LayoutName, path.Clean(m.Entry))
	keys := TemplateKeys(m)
	for _, key := range sortedKeys(keys) {
		fmt.Fprintf(&b, "{{define %q}}{{template %q .}}{{end}}\n", TemplateName(key), keys[key])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
