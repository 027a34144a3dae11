package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/siteloom/backend/pkg/auth"
	"github.com/siteloom/backend/pkg/bundle"
	"github.com/siteloom/backend/pkg/config"
	"github.com/siteloom/backend/pkg/ledger"
	"github.com/siteloom/backend/pkg/manifest"
	"github.com/siteloom/backend/pkg/pipeline"
	"github.com/siteloom/backend/pkg/queue"
	"github.com/siteloom/backend/pkg/runtime"
	"github.com/siteloom/backend/pkg/storage"
	"github.com/siteloom/backend/pkg/telemetry"
)

type server struct {
	cfg     config.GatewayConfig
	store   ledger.Store
	objects storage.Store
	gateway *pipeline.Gateway
	loader  *runtime.Loader
	logger  *slog.Logger
}

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "siteloom-gateway")
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("tracer shutdown: %v", err)
		}
	}()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	objects, err := cfg.Storage.Open()
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}

	var store ledger.Store
	if cfg.DatabaseDSN != "" {
		pg, err := ledger.NewPostgresStore(cfg.DatabaseDSN)
		if err != nil {
			log.Fatalf("open ledger: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		log.Println("no database configured, using in-memory ledger")
		store = ledger.NewMemStore()
	}

	q, err := queue.NewRedisQueue(cfg.RedisURL, cfg.QueueName)
	if err != nil {
		log.Fatalf("connect queue: %v", err)
	}
	defer q.Close()

	resolver, err := loadResolver(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("load policy: %v", err)
	}

	srv := &server{
		cfg:     cfg,
		store:   store,
		objects: objects,
		gateway: pipeline.NewGateway(store, q, cfg.MaxAttempts, cfg.RetryBackoff, logger),
		loader:  runtime.NewLoader(objects, resolver, cfg.BuildPrefix, cfg.RenderTimeout, logger),
		logger:  logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(timeoutMiddleware(60 * time.Second))

	router.Get("/healthz", healthzHandler)

	router.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.APIKey))
		r.Post("/versions", srv.handleCreateVersion)
		r.Get("/versions/{versionID}", srv.handleGetVersion)
		r.Post("/versions/{versionID}/build", srv.handleEnqueueBuild)
		r.Get("/build-jobs/{jobID}", srv.handleGetJob)
		r.Post("/bundles/{bundleID}/publish", srv.handlePublish)
	})

	router.Get("/render/{versionID}", srv.handleRender)
	router.Get("/render/{versionID}/*", srv.handleRender)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("gateway shutdown error: %v", err)
		}
	}()

	log.Printf("gateway listening on %s", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway listen failed: %v", err)
	}

	<-ctx.Done()
	log.Println("gateway stopped")
}

func loadResolver(policyFile string) (*bundle.Resolver, error) {
	if policyFile == "" {
		return bundle.NewResolver(bundle.DefaultPolicy()), nil
	}
	data, err := os.ReadFile(policyFile)
	if err != nil {
		return nil, err
	}
	policy, err := bundle.LoadPolicy(data)
	if err != nil {
		return nil, err
	}
	return bundle.NewResolver(policy), nil
}

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type createVersionRequest struct {
	ID       string            `json:"id,omitempty"`
	BundleID string            `json:"bundleId"`
	Version  string            `json:"version"`
	Manifest json.RawMessage   `json:"manifest"`
	Files    map[string]string `json:"files,omitempty"`
}

// handleCreateVersion registers a draft version: the manifest is validated
// up front and the source files are staged into storage for the build worker.
func (s *server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req createVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.BundleID) == "" {
		writeError(w, http.StatusBadRequest, "bundleId is required")
		return
	}
	if _, err := bundleManifest(req.Manifest); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	// File names and client-supplied ids become storage keys; anything that
	// would clean to a path outside sources/<id>/ is rejected up front.
	for name := range req.Files {
		if err := validSourceName(name); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else if err := validVersionID(id); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if _, err := s.store.Version(r.Context(), id); err == nil {
		writeError(w, http.StatusConflict, "version already exists")
		return
	} else if !errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "check version: "+err.Error())
		return
	}

	prefix := path.Join(s.cfg.SourcePrefix, id)
	if err := s.objects.EnsurePrefix(r.Context(), prefix); err != nil {
		writeError(w, http.StatusInternalServerError, "stage sources: "+err.Error())
		return
	}
	if _, err := s.objects.WriteBytes(r.Context(), path.Join(prefix, "manifest.json"), req.Manifest); err != nil {
		writeError(w, http.StatusInternalServerError, "stage manifest: "+err.Error())
		return
	}
	for name, content := range req.Files {
		if _, err := s.objects.WriteBytes(r.Context(), path.Join(prefix, name), []byte(content)); err != nil {
			writeError(w, http.StatusInternalServerError, "stage file "+name+": "+err.Error())
			return
		}
	}

	now := time.Now().UTC()
	v := ledger.BundleVersion{
		ID:        id,
		BundleID:  req.BundleID,
		Version:   req.Version,
		Manifest:  req.Manifest,
		Status:    ledger.VersionDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateVersion(r.Context(), v); err != nil {
		writeError(w, http.StatusInternalServerError, "create version: "+err.Error())
		return
	}
	s.logger.Info("version registered", "versionID", id, "bundleID", req.BundleID)
	writeJSON(w, http.StatusCreated, v)
}

// validVersionID accepts only a single clean path segment, so the id cannot
// address another version's prefix.
func validVersionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id is required")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." || id != path.Clean(id) {
		return fmt.Errorf("invalid version id %q", id)
	}
	return nil
}

// validSourceName accepts relative paths that stay inside the version's
// source prefix.
func validSourceName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("file name is required")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("file name %q must be a relative path", name)
	}
	if clean := path.Clean(name); clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("file name %q escapes the version prefix", name)
	}
	return nil
}

func bundleManifest(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, errors.New("manifest is required")
	}
	if _, err := manifest.Parse(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.store.Version(r.Context(), chi.URLParam(r, "versionID"))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "version not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleEnqueueBuild submits a build. Re-submitting while a build is in
// flight returns the existing job unchanged.
func (s *server) handleEnqueueBuild(w http.ResponseWriter, r *http.Request) {
	versionID := chi.URLParam(r, "versionID")
	correlationID := middleware.GetReqID(r.Context())

	job, err := s.gateway.Enqueue(r.Context(), versionID, correlationID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "version not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.gateway.Job(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type publishRequest struct {
	VersionID string `json:"versionId"`
}

// handlePublish moves the bundle's publish pointer. Rebuilds never move it;
// this explicit call is the only way.
func (s *server) handlePublish(w http.ResponseWriter, r *http.Request) {
	bundleID := chi.URLParam(r, "bundleID")
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VersionID == "" {
		writeError(w, http.StatusBadRequest, "versionId is required")
		return
	}
	err := s.store.Publish(r.Context(), bundleID, req.VersionID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "version not found for bundle")
	case errors.Is(err, ledger.ErrNotBuilt):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.logger.Info("version published", "bundleID", bundleID, "versionID", req.VersionID)
		writeJSON(w, http.StatusOK, map[string]string{"bundleId": bundleID, "versionId": req.VersionID})
	}
}

// handleRender serves a built version. A version without a loadable artifact
// renders the fallback page instead of an error.
func (s *server) handleRender(w http.ResponseWriter, r *http.Request) {
	versionID := chi.URLParam(r, "versionID")
	key := strings.Trim(chi.URLParam(r, "*"), "/")

	mod := s.loader.Load(r.Context(), versionID)
	if mod == nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("<!doctype html><title>Not available</title><p>This site version is not available.</p>"))
		return
	}

	data := map[string]any{}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			data[name] = values[0]
		}
	}

	out, err := mod.Render(r.Context(), key, data)
	if errors.Is(err, runtime.ErrUnknownTemplate) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("render failed", "versionID", versionID, "template", key, "error", err)
		writeError(w, http.StatusInternalServerError, "render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(out))
}
