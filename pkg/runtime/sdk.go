// Package runtime loads built artifacts into restricted execution
// namespaces and renders them. A loaded module sees only the host SDK
// functions and partials plus its own linked templates; nothing else from
// the process leaks in.
package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"text/template"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/yuin/goldmark"
)

// Logger matches the structured loggers used across services.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// FuncMap is the complete set of host capabilities exposed to bundles. Keys
// must stay in sync with the allow-list policy the compiler enforces; the
// loader installs nothing beyond these.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"markdown":  renderMarkdown,
		"highlight": renderHighlight,
		"asset":     assetPath,
		"jsonify":   jsonify,
	}
}

// HostPartials are the platform-provided templates importable by name.
func HostPartials() map[string]string {
	return map[string]string{
		"siteloom/sdk/head": `<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">`,
		"siteloom/sdk/reset": `<style>*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}img{max-width:100%;display:block}</style>`,
	}
}

// stringify tolerates nil and non-string pipeline values so a module can be
// evaluated against empty data without erroring.
func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

func renderMarkdown(v any) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(stringify(v)), &buf); err != nil {
		return "", fmt.Errorf("markdown: %w", err)
	}
	return buf.String(), nil
}

func renderHighlight(lang, code any) (string, error) {
	var buf bytes.Buffer
	if err := quick.Highlight(&buf, stringify(code), stringify(lang), "html", "github"); err != nil {
		return "", fmt.Errorf("highlight: %w", err)
	}
	return buf.String(), nil
}

// assetPath maps a bundle-relative asset reference onto the public asset
// route. Traversal outside the asset root is rejected.
func assetPath(v any) (string, error) {
	raw := stringify(v)
	if raw == "" || strings.HasPrefix(raw, "/") || strings.Contains(raw, "\\") {
		return "", fmt.Errorf("asset: invalid path %q", raw)
	}
	clean := path.Clean(raw)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("asset: %q escapes the asset root", raw)
	}
	return "/assets/" + clean, nil
}

func jsonify(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("jsonify: %w", err)
	}
	return string(data), nil
}
