package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/txn2/update-hub/pkg/analytics"
	"github.com/txn2/update-hub/pkg/apperr"
	"github.com/txn2/update-hub/pkg/auth"
	"github.com/txn2/update-hub/pkg/ratelimit"
	"github.com/txn2/update-hub/pkg/version"
)

// listVersionsResponse is the paginated version listing.
type listVersionsResponse struct {
	Versions []*version.Version `json:"versions"`
	Total    int                `json:"total"`
	Page     int                `json:"page"`
	Size     int                `json:"size"`
}

// publishVersion accepts a multipart upload: a "package" file part plus
// metadata fields.
func (h *Handler) publishVersion(w http.ResponseWriter, r *http.Request) {
	decision, err := h.limiter.Check(r.Context(), clientKey(r), ratelimit.CategoryUpload)
	if err != nil {
		h.logger.Error("upload rate limit check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	if !decision.Allowed {
		writeAppErr(w, apperr.RateLimited(decision.RetryAfter))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "parsing multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("package")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing package file part")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading package content: "+err.Error())
		return
	}

	in := version.PublishInput{
		VersionNumber:        r.FormValue("version_number"),
		Mandatory:            r.FormValue("mandatory") == "true",
		Activate:             r.FormValue("activate") == "true",
		ReleaseChannel:       r.FormValue("release_channel"),
		MinimumClientVersion: r.FormValue("minimum_client_version"),
		CreatedBy:            initiator(r),
	}
	in.ReleaseDate = time.Now().UTC()
	if raw := r.FormValue("release_date"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "release_date must be RFC 3339")
			return
		}
		in.ReleaseDate = parsed
	}

	v, err := h.registry.Publish(r.Context(), in, header.Filename, data)
	if err != nil {
		writeAppErr(w, err)
		return
	}

	h.recordAdminAction(r, "publish", v.VersionNumber, true)
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) listVersions(w http.ResponseWriter, r *http.Request) {
	var f version.Filter
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		f.Active = &active
	}
	f.Channel = r.URL.Query().Get("channel")
	f.Page = intQuery(r, "page", 1)
	f.Size = intQuery(r, "size", 20)

	versions, total, err := h.registry.List(r.Context(), f)
	if err != nil {
		h.logger.Error("listing versions failed", "error", err)
		writeAppErr(w, err)
		return
	}
	if versions == nil {
		versions = []*version.Version{}
	}
	writeJSON(w, http.StatusOK, listVersionsResponse{
		Versions: versions,
		Total:    total,
		Page:     f.Page,
		Size:     f.Size,
	})
}

func (h *Handler) getVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.registry.Get(r.Context(), r.PathValue("number"))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) activateVersion(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")
	v, err := h.registry.Activate(r.Context(), number, initiator(r))
	if err != nil {
		h.recordAdminAction(r, "activate", number, false)
		writeAppErr(w, err)
		return
	}
	h.recordAdminAction(r, "activate", number, true)
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) rollbackVersion(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")
	v, err := h.registry.Rollback(r.Context(), number, initiator(r))
	if err != nil {
		h.recordAdminAction(r, "rollback", number, false)
		writeAppErr(w, err)
		return
	}
	h.recordAdminAction(r, "rollback", number, true)
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) deleteVersion(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")
	if err := h.registry.Delete(r.Context(), number); err != nil {
		writeAppErr(w, err)
		return
	}
	h.recordAdminAction(r, "delete", number, true)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) versionHistory(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")

	// History for an unknown version is a 404, not an empty list.
	if _, err := h.registry.Get(r.Context(), number); err != nil {
		writeAppErr(w, err)
		return
	}

	records, err := h.registry.History(r.Context(), number, intQuery(r, "limit", 50))
	if err != nil {
		h.logger.Error("listing version history failed", "version", number, "error", err)
		writeAppErr(w, err)
		return
	}
	if records == nil {
		records = []*version.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// recordAdminAction emits an admin analytics event; failures only log.
func (h *Handler) recordAdminAction(r *http.Request, action, versionNumber string, success bool) {
	event := analytics.NewEvent(analytics.EventAdminAction)
	event.VersionNumber = versionNumber
	event.Success = success
	event.Detail = map[string]any{"action": action, "initiator": initiator(r)}
	if err := h.recorder.Record(r.Context(), *event); err != nil {
		h.logger.Warn("recording admin action failed", "action", action, "error", err)
	}
}

// initiator names the authenticated caller, or "anonymous" on an open hub.
func initiator(r *http.Request) string {
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		if p.Name != "" {
			return p.Name
		}
		return p.Subject
	}
	return "anonymous"
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
