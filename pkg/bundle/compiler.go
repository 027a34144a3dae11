package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/siteloom/backend/pkg/manifest"
	"github.com/siteloom/backend/pkg/storage"
)

// Status is the outcome of a compiler invocation.
type Status string

const (
	StatusBuilt  Status = "BUILT"
	StatusFailed Status = "FAILED"
)

// Result is the typed outcome of Compile. A failed build carries the error
// in Err; the caller decides retry versus terminal handling.
type Result struct {
	Status    Status
	OutputKey string
	Checksum  string
	Log       []string
	Err       error
}

// Versions receives lifecycle transitions for the version under build.
type Versions interface {
	SetBuilding(ctx context.Context, versionID string) error
	SetBuilt(ctx context.Context, versionID, buildLog string) error
	SetBuildFailed(ctx context.Context, versionID, buildLog string) error
}

// Logger matches the structured loggers used across services.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Compiler turns an author's source tree into a single linked artifact,
// enforcing the resolver's allow-list on every module reference.
type Compiler struct {
	source   Source
	store    storage.Store
	versions Versions
	resolver *Resolver
	prefix   string
	logger   Logger
}

func NewCompiler(source Source, store storage.Store, versions Versions, resolver *Resolver, prefix string, logger Logger) *Compiler {
	if prefix == "" {
		prefix = "builds"
	}
	return &Compiler{
		source:   source,
		store:    store,
		versions: versions,
		resolver: resolver,
		prefix:   prefix,
		logger:   logger,
	}
}

// Compile builds the artifact for a version. The version transitions to
// building before any work and to built or failed afterwards, with the build
// log recorded on the version row. No artifact is ever written for a failed
// build.
func (c *Compiler) Compile(ctx context.Context, versionID string) Result {
	ctx, span := otel.Tracer("bundle").Start(ctx, "compiler.Compile")
	span.SetAttributes(attribute.String("bundle.version_id", versionID))
	defer span.End()

	var log []string
	logf := func(format string, args ...any) {
		log = append(log, fmt.Sprintf(format, args...))
	}
	fail := func(err error) Result {
		logf("build failed: %v", err)
		if verr := c.versions.SetBuildFailed(ctx, versionID, strings.Join(log, "\n")); verr != nil {
			c.logger.Error("record failed build", "versionID", versionID, "error", verr)
		}
		return Result{Status: StatusFailed, Log: log, Err: err}
	}

	raw, err := c.source.Manifest(ctx, versionID)
	if err != nil {
		return fail(fmt.Errorf("%w: manifest unavailable: %v", ErrManifestInvalid, err))
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrManifestInvalid, err))
	}
	logf("manifest %s@%s validated", m.Name, m.Version)

	if err := c.versions.SetBuilding(ctx, versionID); err != nil {
		return fail(fmt.Errorf("%w: mark building: %v", ErrCompileFailed, err))
	}

	wrapper := GenerateWrapper(m)
	lk := newLinker(c.resolver, func(rel string) ([]byte, error) {
		return c.source.ReadModule(ctx, versionID, rel)
	})
	modules, err := lk.run(wrapper)
	if err != nil {
		return fail(err)
	}
	logf("linked %d modules", len(modules)-1)

	echo, err := json.Marshal(m)
	if err != nil {
		return fail(fmt.Errorf("%w: encode manifest echo: %v", ErrCompileFailed, err))
	}
	art := &Artifact{
		Schema:    artifactSchema,
		VersionID: versionID,
		Entry:     LayoutName,
		Manifest:  echo,
		Modules:   modules,
		Templates: TemplateKeys(m),
		BuiltAt:   time.Now().UTC(),
	}
	data, err := art.Encode()
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrCompileFailed, err))
	}

	if err := c.store.EnsurePrefix(ctx, c.prefix); err != nil {
		return fail(fmt.Errorf("%w: ensure prefix: %v", ErrCompileFailed, err))
	}
	key := ArtifactKey(c.prefix, versionID)
	sum := storage.Checksum(data)
	logf("artifact %s (%d bytes, blake3 %s)", key, len(data), sum)

	// Status commits before the artifact reaches its deterministic key: a
	// failed status write must never leave a servable artifact behind for a
	// version recorded as failed. The inverse window (built status, write
	// fails) downgrades the version to failed through fail(), and the loader
	// treats a missing artifact as not available.
	if err := c.versions.SetBuilt(ctx, versionID, strings.Join(log, "\n")); err != nil {
		return fail(fmt.Errorf("%w: mark built: %v", ErrCompileFailed, err))
	}
	if _, err := c.store.WriteBytes(ctx, key, data); err != nil {
		return fail(fmt.Errorf("%w: write artifact: %v", ErrCompileFailed, err))
	}
	c.logger.Info("bundle built", "versionID", versionID, "key", key, "modules", len(modules)-1)
	return Result{Status: StatusBuilt, OutputKey: key, Checksum: sum, Log: log}
}
