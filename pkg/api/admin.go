package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/txn2/update-hub/pkg/analytics"
	"github.com/txn2/update-hub/pkg/ratelimit"
)

// rateLimitBuckets lists live rate-limit state, optionally filtered to one
// category.
func (h *Handler) rateLimitBuckets(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.snapshots.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("rate limit snapshot failed", "error", err)
		writeAppErr(w, err)
		return
	}

	if category := r.URL.Query().Get("category"); category != "" {
		filtered := snaps[:0]
		for _, s := range snaps {
			if s.Category == ratelimit.Category(category) {
				filtered = append(filtered, s)
			}
		}
		snaps = filtered
	}
	if snaps == nil {
		snaps = []ratelimit.BucketSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// liveSessions lists the websocket connections currently held by this node.
func (h *Handler) liveSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Snapshot())
}

// queryDownloadEvents searches recorded analytics events.
func (h *Handler) queryDownloadEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := analytics.QueryFilter{
		Type:          analytics.EventType(q.Get("type")),
		ClientID:      q.Get("client_id"),
		VersionNumber: q.Get("version"),
		Limit:         intQuery(r, "limit", 100),
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}
	if raw := q.Get("success"); raw != "" {
		success, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "success must be a boolean")
			return
		}
		filter.Success = &success
	}
	if raw := q.Get("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC 3339")
			return
		}
		filter.StartTime = &parsed
	}
	if raw := q.Get("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC 3339")
			return
		}
		filter.EndTime = &parsed
	}

	events, err := h.recorder.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("querying analytics events failed", "error", err)
		writeAppErr(w, err)
		return
	}
	if events == nil {
		events = []analytics.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
