package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/txn2/update-hub/pkg/apperr"
	"github.com/txn2/update-hub/pkg/download"
)

// verifyRequest is the body for a checksum verification call.
type verifyRequest struct {
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	ClientID string `json:"client_id"`
}

// verifyResponse reports whether a client-computed checksum matches.
type verifyResponse struct {
	Version string `json:"version"`
	Valid   bool   `json:"valid"`
}

func (h *Handler) latestVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.registry.Latest(r.Context())
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) checkUpdate(w http.ResponseWriter, r *http.Request) {
	current := r.URL.Query().Get("currentVersion")
	if current == "" {
		writeError(w, http.StatusBadRequest, "currentVersion query parameter is required")
		return
	}
	result, err := h.registry.CheckUpdate(r.Context(), current)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// downloadVersion streams package content, honoring a bytes=N- range for
// resume. The download rate limit is applied inside the coordinator, so
// this route skips the api-category middleware.
func (h *Handler) downloadVersion(w http.ResponseWriter, r *http.Request) {
	offset, ranged, err := parseRangeOffset(r.Header.Get("Range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := download.Request{
		ClientID:      clientKey(r),
		ClientIP:      remoteHost(r),
		UserAgent:     r.UserAgent(),
		VersionNumber: r.PathValue("number"),
		RangeOffset:   offset,
	}

	handle, err := h.coordinator.Initiate(r.Context(), req)
	if err != nil {
		if ranged && apperr.IsKind(err, apperr.KindValidation) {
			h.writeRangeNotSatisfiable(w, r)
			return
		}
		writeAppErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", handle.Version.FileName))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("X-Checksum", handle.Version.Checksum)
	w.Header().Set("Content-Length", strconv.FormatInt(handle.Size-handle.Offset, 10))

	if ranged || handle.Offset > 0 {
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", handle.Offset, handle.Size-1, handle.Size))
		w.WriteHeader(http.StatusPartialContent)
	}

	sent, copyErr := io.Copy(w, handle.Reader)
	// The request context dies with the client; recording the outcome of
	// an aborted transfer still has to reach the store.
	h.coordinator.Complete(context.WithoutCancel(r.Context()), handle, sent, copyErr)
}

// writeRangeNotSatisfiable answers a resume offset past the end of the
// package, reporting the actual size when the version is known.
func (h *Handler) writeRangeNotSatisfiable(w http.ResponseWriter, r *http.Request) {
	if v, err := h.registry.Get(r.Context(), r.PathValue("number")); err == nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", v.FileSize))
	}
	writeError(w, http.StatusRequestedRangeNotSatisfiable,
		"requested range starts beyond the end of the package")
}

func (h *Handler) verifyChecksum(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parsing request body: "+err.Error())
		return
	}
	if req.Version == "" || req.Checksum == "" {
		writeError(w, http.StatusBadRequest, "version and checksum are required")
		return
	}

	valid, err := h.registry.Verify(r.Context(), req.Version, req.Checksum, req.ClientID)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Version: req.Version, Valid: valid})
}

// parseRangeOffset extracts the start offset from a "bytes=N-" range
// header. Multi-range and suffix forms are not supported.
func parseRangeOffset(header string) (offset int64, ranged bool, err error) {
	if header == "" {
		return 0, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || !strings.HasSuffix(spec, "-") || strings.Contains(spec, ",") {
		return 0, false, fmt.Errorf("unsupported range %q, only bytes=N- is accepted", header)
	}
	offset, err = strconv.ParseInt(strings.TrimSuffix(spec, "-"), 10, 64)
	if err != nil || offset < 0 {
		return 0, false, fmt.Errorf("unsupported range %q, only bytes=N- is accepted", header)
	}
	return offset, true, nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
