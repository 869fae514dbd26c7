// Package api provides the hub's REST surface: version lifecycle, update
// checks, package downloads, and the admin endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/txn2/update-hub/pkg/analytics"
	"github.com/txn2/update-hub/pkg/apperr"
	"github.com/txn2/update-hub/pkg/auth"
	"github.com/txn2/update-hub/pkg/download"
	"github.com/txn2/update-hub/pkg/hub"
	"github.com/txn2/update-hub/pkg/ratelimit"
	"github.com/txn2/update-hub/pkg/version"
)

// Snapshotter is the snapshot side of a rate limiter, implemented by both
// the memory limiter and the postgres store.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]ratelimit.BucketSnapshot, error)
}

// Handler provides the REST API endpoints.
type Handler struct {
	mux         *http.ServeMux
	registry    *version.Registry
	coordinator *download.Coordinator
	hub         *hub.Hub
	limiter     ratelimit.Limiter
	snapshots   Snapshotter
	recorder    analytics.Recorder
	gate        *auth.Gate
	logger      *slog.Logger

	// maxUploadBytes bounds multipart upload memory and request size.
	maxUploadBytes int64
}

// Config wires the handler's collaborators.
type Config struct {
	Registry       *version.Registry
	Coordinator    *download.Coordinator
	Hub            *hub.Hub
	Limiter        ratelimit.Limiter
	Snapshots      Snapshotter
	Recorder       analytics.Recorder
	Gate           *auth.Gate
	Logger         *slog.Logger
	MaxUploadBytes int64
}

// NewHandler creates the API handler and registers its routes.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 512 << 20
	}
	h := &Handler{
		mux:            http.NewServeMux(),
		registry:       cfg.Registry,
		coordinator:    cfg.Coordinator,
		hub:            cfg.Hub,
		limiter:        cfg.Limiter,
		snapshots:      cfg.Snapshots,
		recorder:       cfg.Recorder,
		gate:           cfg.Gate,
		logger:         cfg.Logger,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// registerRoutes registers all API routes. Mutating version-lifecycle
// routes require the admin role; public client routes carry the api-category
// rate limit instead.
func (h *Handler) registerRoutes() {
	admin := func(fn http.HandlerFunc) http.Handler {
		if h.gate == nil {
			return fn
		}
		return auth.RequireRole(h.gate, "admin", h.logger)(fn)
	}
	public := func(fn http.HandlerFunc) http.Handler {
		return h.apiLimit(fn)
	}

	h.mux.Handle("POST /api/v1/versions", admin(h.publishVersion))
	h.mux.Handle("GET /api/v1/versions", public(h.listVersions))
	h.mux.Handle("GET /api/v1/versions/{number}", public(h.getVersion))
	h.mux.Handle("PATCH /api/v1/versions/{number}/activate", admin(h.activateVersion))
	h.mux.Handle("PATCH /api/v1/versions/{number}/rollback", admin(h.rollbackVersion))
	h.mux.Handle("DELETE /api/v1/versions/{number}", admin(h.deleteVersion))
	h.mux.Handle("GET /api/v1/versions/{number}/history", admin(h.versionHistory))

	h.mux.Handle("GET /api/v1/updates/latest", public(h.latestVersion))
	h.mux.Handle("GET /api/v1/updates/check", public(h.checkUpdate))
	h.mux.HandleFunc("GET /api/v1/updates/download/{number}", h.downloadVersion)
	h.mux.Handle("POST /api/v1/updates/verify", public(h.verifyChecksum))

	h.mux.Handle("GET /api/v1/admin/ratelimits", admin(h.rateLimitBuckets))
	h.mux.Handle("GET /api/v1/admin/sessions", admin(h.liveSessions))
	h.mux.Handle("GET /api/v1/analytics/downloads", admin(h.queryDownloadEvents))
}

// apiLimit enforces the api-category rate limit on public endpoints.
func (h *Handler) apiLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := h.limiter.Check(r.Context(), clientKey(r), ratelimit.CategoryAPI)
		if err != nil {
			h.logger.Error("api rate limit check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		if !decision.Allowed {
			writeAppErr(w, apperr.RateLimited(decision.RetryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey picks the rate-limit identity for a request: the declared
// client id when present, the remote host otherwise.
func clientKey(r *http.Request) string {
	if id := r.URL.Query().Get("client_id"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppErr maps a kinded error onto the wire: status from the kind, the
// kind itself in the body, and Retry-After for rate-limit denials.
func writeAppErr(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(ae.RetryAfter.Seconds())+1))
	}

	status := apperr.HTTPStatus(err)
	body := map[string]string{"error": err.Error(), "kind": string(apperr.KindOf(err))}
	if status == http.StatusInternalServerError {
		// Internal details stay in the log.
		body["error"] = "internal error"
	}
	writeJSON(w, status, body)
}
