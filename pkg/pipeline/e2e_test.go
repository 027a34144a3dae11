package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/siteloom/backend/pkg/bundle"
	"github.com/siteloom/backend/pkg/ledger"
	"github.com/siteloom/backend/pkg/runtime"
	"github.com/siteloom/backend/pkg/storage"
)

// TestBuildAndServeFlow drives the full path: enqueue through the gateway,
// build through the worker, then load and render the artifact.
func TestBuildAndServeFlow(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemStore()
	q := newMemQueue()

	fs, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	sources := map[string]string{
		"manifest.json": `{
			"schemaVersion": 1,
			"name": "aurora",
			"version": "1.0.0",
			"entry": "layout.tmpl",
			"routes": [{"path": "/", "template": "templates/home.tmpl"}]
		}`,
		"layout.tmpl":         `<html>{{template "siteloom/sdk/head" .}}<body>{{template "templates/home.tmpl" .}}</body></html>`,
		"templates/home.tmpl": `<main><h1>Aurora Launch</h1>{{markdown .Body}}</main>`,
	}
	for name, content := range sources {
		if _, err := fs.WriteBytes(ctx, "sources/v1/"+name, []byte(content)); err != nil {
			t.Fatalf("write source %s: %v", name, err)
		}
	}

	seedVersion(t, store, "v1")
	resolver := bundle.NewResolver(bundle.DefaultPolicy())
	compiler := bundle.NewCompiler(bundle.NewStorageSource(fs, "sources"), fs, store,
		resolver, "builds", discardLogger())

	g := NewGateway(store, q, 3, time.Second, discardLogger())
	w := NewWorker(q, store, compiler, NewMetrics(), discardLogger(), 1)

	job, err := g.Enqueue(ctx, "v1", "corr-e2e")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := drain(ctx, w, q); err != nil {
		t.Fatalf("drain: %v", err)
	}

	row, err := store.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("job row: %v", err)
	}
	if row.Status != ledger.JobSucceeded {
		t.Fatalf("job status %s, want %s (error: %s)", row.Status, ledger.JobSucceeded, row.Error)
	}
	v, err := store.Version(ctx, "v1")
	if err != nil {
		t.Fatalf("version row: %v", err)
	}
	if v.Status != ledger.VersionBuilt {
		t.Fatalf("version status %s, want %s", v.Status, ledger.VersionBuilt)
	}
	if v.BuildLog == "" {
		t.Fatalf("build log not recorded on the version")
	}

	loader := runtime.NewLoader(fs, resolver, "builds", 2*time.Second, discardLogger())
	mod := loader.Load(ctx, "v1")
	if mod == nil {
		t.Fatalf("built artifact did not load")
	}
	out, err := mod.Render(ctx, "", map[string]any{"Body": "launch *notes*"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "<h1>Aurora Launch</h1>") || !strings.Contains(out, "<em>notes</em>") {
		t.Fatalf("rendered output wrong: %s", out)
	}
}
