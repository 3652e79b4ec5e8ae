// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TheMapleseed/Term-Limits/internal/config"
	"github.com/TheMapleseed/Term-Limits/internal/hashgen"
	"github.com/TheMapleseed/Term-Limits/internal/manifest"
	"github.com/TheMapleseed/Term-Limits/internal/protect"
	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/session"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
	"github.com/TheMapleseed/Term-Limits/internal/validator"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultListen is used when Options.Listen is empty.
	DefaultListen = "127.0.0.1:8787"

	// DefaultMaxBodyBytes bounds validation requests.
	DefaultMaxBodyBytes = 4 << 20

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second
)

// Response headers carrying verification material.
const (
	HeaderIntegrity = "X-Module-Integrity"
	HeaderSignature = "X-Module-Signature"
	HeaderLevel     = "X-Module-Level"
	HeaderKeyID     = "X-Module-Key-Id"
	HeaderBuildID   = "X-Build-Id"
)

// ============================================================================
// OPTIONS
// ============================================================================

// Options configures a Server.
type Options struct {
	Listen string
	// OutDir holds the artifacts named by the manifest
	OutDir   string
	Manifest *manifest.SignedManifest
	// Keys needs only public halves
	Keys   *signing.KeySet
	Policy validator.Policy
	// Verifier checks bearer tokens; nil means no session can be established
	Verifier *session.Verifier
	// KeyRing enables the unwrap endpoint for encrypted levels
	KeyRing    protect.KeySource
	Permission string

	RateLimit    float64
	Burst        int
	MaxBodyBytes int64
	ReadTimeout  time.Duration

	Audit  audit.Recorder
	Logger *zap.Logger
	// Registry receives server and validator metrics; nil creates a private one
	Registry *prometheus.Registry
}

// OptionsFromConfig copies the server settings. Manifest, Keys, Verifier,
// and KeyRing are left for the caller.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	policy, err := validator.PolicyFromConfig(cfg.Validator)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Listen:       cfg.Server.Listen,
		OutDir:       cfg.Build.OutDir,
		Policy:       policy,
		Permission:   cfg.Protection.TopSecretPermission,
		RateLimit:    cfg.Server.RateLimit,
		Burst:        cfg.Server.Burst,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
	}, nil
}

// OpenManifest loads and verifies the sealed manifest. A failed
// verification is recorded as MANIFEST_TAMPERED.
func OpenManifest(path string, keys *signing.KeySet, rec audit.Recorder) (*manifest.SignedManifest, error) {
	sm, err := manifest.LoadVerified(path, keys.Manifest.Public)
	if err != nil && (errors.Is(err, manifest.ErrTampered) || errors.Is(err, manifest.ErrUnsigned)) && rec != nil {
		_ = rec.Record(audit.Event{
			EventType: audit.EventManifestTampered,
			Success:   false,
			Detail:    err.Error(),
			Metadata:  map[string]string{"path": path},
		})
	}
	return sm, err
}

// ============================================================================
// SERVER
// ============================================================================

// Server serves protected modules and validation at the edge.
type Server struct {
	opts       Options
	router     *mux.Router
	handler    http.Handler
	limiter    *RateLimiter
	registry   *prometheus.Registry
	vmetrics   *validator.Metrics
	strategies *protect.Registry
	logger     *zap.Logger
	audit      audit.Recorder

	mu        sync.RWMutex
	sealed    *manifest.SignedManifest
	validator *validator.Validator
}

// New creates a Server for a verified manifest.
func New(opts Options) (*Server, error) {
	if opts.Manifest == nil || opts.Manifest.Manifest == nil {
		return nil, errors.New("server: manifest required")
	}
	if opts.Keys == nil {
		return nil, errors.New("server: public keys required")
	}
	if opts.OutDir == "" {
		return nil, errors.New("server: artifact directory required")
	}
	if opts.Listen == "" {
		opts.Listen = DefaultListen
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 50
	}
	if opts.Burst <= 0 {
		opts.Burst = 100
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.Permission == "" {
		opts.Permission = protect.DefaultPermission
	}
	if opts.Policy == (validator.Policy{}) {
		opts.Policy = validator.DefaultPolicy()
	}

	s := &Server{
		opts:     opts,
		router:   mux.NewRouter(),
		limiter:  NewRateLimiter(opts.RateLimit, opts.Burst),
		registry: opts.Registry,
		logger:   opts.Logger,
		audit:    opts.Audit,
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	s.vmetrics = validator.NewMetrics(s.registry)
	s.strategies = protect.NewRegistry(opts.KeyRing, opts.Permission)
	s.SetManifest(opts.Manifest)

	s.setupRoutes()
	s.handler = Chain(
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.logger),
		RateLimitMiddleware(s.limiter, s.logger),
	)(s.router)
	return s, nil
}

// SetManifest swaps in a newly verified manifest.
func (s *Server) SetManifest(sm *manifest.SignedManifest) {
	v := validator.New(sm.Manifest, s.opts.Keys, s.opts.Policy,
		validator.WithLogger(s.logger),
		validator.WithMetrics(s.vmetrics))
	s.mu.Lock()
	s.sealed, s.validator = sm, v
	s.mu.Unlock()
}

func (s *Server) current() (*manifest.SignedManifest, *validator.Validator) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed, s.validator
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Limiter exposes the per-client rate limiter.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.Use(newHTTPMetrics(s.registry).middleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/manifest.json", s.handleManifest).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/validate", s.handleValidate).Methods(http.MethodPost)
	// Module IDs contain slashes; the unwrap route is registered first
	s.router.HandleFunc("/v1/modules/{id:.+}/unwrap", s.handleUnwrap).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/modules/{id:.+}", s.handleModule).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// ============================================================================
// HANDLERS
// ============================================================================

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	BuildID string `json:"build_id"`
	Modules int    `json:"modules"`
	Unwrap  bool   `json:"unwrap"`
	Session bool   `json:"session"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sm, _ := s.current()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		BuildID: sm.Manifest.BuildID,
		Modules: sm.Manifest.Len(),
		Unwrap:  s.opts.KeyRing != nil,
		Session: s.opts.Verifier != nil,
	})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	sm, _ := s.current()
	data, err := sm.Bytes()
	if err != nil {
		s.logger.Error("Failed to encode manifest", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "manifest unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderBuildID, sm.Manifest.BuildID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleModule serves artifact bytes. CONFIDENTIAL and above need a bearer
// token whose clearance dominates the module level.
func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sm, _ := s.current()
	entry, ok := sm.Manifest.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown module")
		return
	}

	var sc *session.Context
	if entry.Level >= classification.Confidential {
		var status int
		var err error
		if sc, status, err = s.authenticate(r, entry.Level); err != nil {
			writeError(w, status, err.Error())
			return
		}
	}

	data, status, err := s.readArtifact(entry)
	if err != nil {
		s.recordIntegrityFailure(entry, sc, err)
		writeError(w, status, err.Error())
		return
	}

	h := w.Header()
	h.Set("Content-Type", contentType(entry))
	h.Set(HeaderIntegrity, entry.Integrity)
	h.Set(HeaderSignature, entry.Signature)
	h.Set(HeaderLevel, entry.Level.String())
	h.Set(HeaderKeyID, entry.KeyID)
	h.Set(HeaderBuildID, sm.Manifest.BuildID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleUnwrap decrypts a module for an authorized session.
func (s *Server) handleUnwrap(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sm, _ := s.current()
	entry, ok := sm.Manifest.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown module")
		return
	}

	sc, status, err := s.authenticate(r, entry.Level)
	if err != nil {
		s.recordUnwrap(entry, sc, false, err.Error())
		writeError(w, status, err.Error())
		return
	}
	if entry.Confidential && s.opts.KeyRing == nil {
		writeError(w, http.StatusServiceUnavailable, "unwrap keys not configured")
		return
	}

	data, status, err := s.readArtifact(entry)
	if err != nil {
		s.recordIntegrityFailure(entry, sc, err)
		writeError(w, status, err.Error())
		return
	}
	strategy, err := s.strategies.ByName(entry.Strategy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	env, err := protect.ParseArtifact(entry.Strategy, entry.Level, data)
	if err != nil {
		s.recordUnwrap(entry, sc, false, err.Error())
		writeError(w, http.StatusInternalServerError, "artifact is not a valid envelope")
		return
	}

	src, err := strategy.Unprotect(r.Context(), env, sc.Binding(entry.ID, sm.Manifest.BuildID))
	if err != nil {
		s.recordUnwrap(entry, sc, false, err.Error())
		switch {
		case errors.Is(err, protect.ErrUnauthorized):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, protect.ErrEpochRetired), errors.Is(err, protect.ErrUnknownEpoch):
			writeError(w, http.StatusGone, err.Error())
		default:
			s.logger.Error("Unwrap failed", append(sc.Fields(), zap.String("module_id", entry.ID), zap.Error(err))...)
			writeError(w, http.StatusInternalServerError, "unwrap failed")
		}
		return
	}

	s.recordUnwrap(entry, sc, true, "")
	w.Header().Set("Content-Type", sourceType(entry.ID))
	w.Header().Set(HeaderLevel, entry.Level.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(src)
}

// ValidateRequest is the body of POST /v1/validate.
type ValidateRequest struct {
	ModuleID string `json:"module_id"`
	// Artifact is base64 in JSON
	Artifact    []byte                       `json:"artifact"`
	Environment *validator.EnvironmentReport `json:"environment,omitempty"`
}

// handleValidate runs the validator. A bearer token is optional, but one
// that is present must verify.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", s.opts.MaxBodyBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ModuleID == "" {
		writeError(w, http.StatusBadRequest, "module_id is required")
		return
	}

	var sc *session.Context
	if r.Header.Get("Authorization") != "" {
		var status int
		var err error
		if sc, status, err = s.authenticate(r, classification.Public); err != nil {
			writeError(w, status, err.Error())
			return
		}
	}

	_, v := s.current()
	res, err := v.Validate(r.Context(), validator.Request{
		ModuleID:    req.ModuleID,
		Artifact:    req.Artifact,
		Context:     sc,
		Environment: req.Environment,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !res.Allowed {
		meta := map[string]string{
			"assurance":  string(res.Assurance),
			"risk_score": fmt.Sprint(res.RiskScore),
		}
		for _, name := range res.Failed() {
			meta["failed_"+name] = "true"
		}
		s.record(audit.Event{
			EventType: audit.EventValidationFail,
			ModuleID:  req.ModuleID,
			SessionID: sessionID(sc),
			Success:   false,
			Metadata:  meta,
		})
	}
	writeJSON(w, http.StatusOK, res)
}

// authenticate verifies the bearer token for level: 401 for a missing or bad
// token, 403 for insufficient clearance.
func (s *Server) authenticate(r *http.Request, level classification.Level) (*session.Context, int, error) {
	if s.opts.Verifier == nil {
		return nil, http.StatusUnauthorized, errors.New("session verification not configured")
	}
	raw := session.StripBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return nil, http.StatusUnauthorized, errors.New("bearer token required")
	}
	sc, err := s.opts.Verifier.Verify(raw)
	if err != nil {
		return nil, http.StatusUnauthorized, err
	}
	if err := sc.Require(level); err != nil {
		return sc, http.StatusForbidden, err
	}
	return sc, http.StatusOK, nil
}

// readArtifact loads the artifact and checks it against the manifest.
func (s *Server) readArtifact(e manifest.Entry) ([]byte, int, error) {
	rel := filepath.FromSlash(e.ArtifactPath)
	if !filepath.IsLocal(rel) {
		return nil, http.StatusInternalServerError, errors.New("artifact path outside output directory")
	}
	data, err := os.ReadFile(filepath.Join(s.opts.OutDir, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, http.StatusNotFound, errors.New("artifact missing")
		}
		return nil, http.StatusInternalServerError, errors.New("artifact unreadable")
	}
	if hashgen.SumArtifact(data) != e.Integrity {
		return nil, http.StatusInternalServerError, errors.New("artifact integrity mismatch")
	}
	return data, http.StatusOK, nil
}

func (s *Server) recordIntegrityFailure(e manifest.Entry, sc *session.Context, err error) {
	s.logger.Error("Artifact check failed", zap.String("module_id", e.ID), zap.Error(err))
	s.record(audit.Event{
		EventType: audit.EventValidationFail,
		ModuleID:  e.ID,
		SessionID: sessionID(sc),
		Success:   false,
		Detail:    err.Error(),
		Metadata:  map[string]string{"check": validator.CheckIntegrity},
	})
}

func (s *Server) recordUnwrap(e manifest.Entry, sc *session.Context, ok bool, detail string) {
	s.record(audit.Event{
		EventType: audit.EventUnwrap,
		ModuleID:  e.ID,
		SessionID: sessionID(sc),
		Success:   ok,
		Detail:    detail,
		Metadata: map[string]string{
			"level":    e.Level.String(),
			"strategy": e.Strategy,
		},
	})
}

func (s *Server) record(e audit.Event) {
	if err := s.audit.Record(e); err != nil {
		s.logger.Warn("Audit write failed", zap.String("event_type", e.EventType), zap.Error(err))
	}
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// ListenAndServe listens on Options.Listen until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: s.opts.ReadTimeout,
		WriteTimeout:      2 * s.opts.ReadTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.limiter.run(sweepCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	sm, _ := s.current()
	s.logger.Info("Server started",
		zap.String("addr", ln.Addr().String()),
		zap.String("build_id", sm.Manifest.BuildID),
		zap.Int("modules", sm.Manifest.Len()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func contentType(e manifest.Entry) string {
	if e.Strategy == protect.StrategyPassthrough {
		return sourceType(e.ID)
	}
	return "application/json"
}

// sourceType is the Content-Type of a module's plain source, taken from
// its extension. Script modules and unknown extensions are JavaScript.
func sourceType(id string) string {
	switch ext := path.Ext(id); ext {
	case "", ".js", ".mjs", ".cjs", ".jsx", ".ts", ".tsx":
		return "application/javascript"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/javascript"
	}
}

func sessionID(sc *session.Context) string {
	if sc == nil {
		return ""
	}
	return sc.SessionID
}
