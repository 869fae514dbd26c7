package api

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	mrand "math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/txn2/update-hub/pkg/analytics"
	"github.com/txn2/update-hub/pkg/apperr"
	"github.com/txn2/update-hub/pkg/auth"
	"github.com/txn2/update-hub/pkg/blob"
	"github.com/txn2/update-hub/pkg/download"
	"github.com/txn2/update-hub/pkg/hub"
	"github.com/txn2/update-hub/pkg/pack"
	"github.com/txn2/update-hub/pkg/ratelimit"
	"github.com/txn2/update-hub/pkg/version"
)

// memVersionStore is a full in-memory version.Store for handler tests.
type memVersionStore struct {
	mu       sync.Mutex
	versions map[string]*version.Version
	history  map[string][]*version.HistoryRecord
	nextID   int64
	nextRec  int64
}

func newMemVersionStore() *memVersionStore {
	return &memVersionStore{
		versions: make(map[string]*version.Version),
		history:  make(map[string][]*version.HistoryRecord),
	}
}

func (s *memVersionStore) Insert(_ context.Context, v *version.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[v.VersionNumber]; ok {
		return apperr.Newf(apperr.KindDuplicateVersion, "version %s already exists", v.VersionNumber)
	}
	s.nextID++
	v.ID = s.nextID
	clone := *v
	s.versions[v.VersionNumber] = &clone
	return nil
}

func (s *memVersionStore) GetByNumber(_ context.Context, number string) (*version.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[number]
	if !ok {
		return nil, nil
	}
	clone := *v
	return &clone, nil
}

func (s *memVersionStore) List(_ context.Context, f version.Filter) ([]*version.Version, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*version.Version
	for _, v := range s.versions {
		if f.Active != nil && v.Active != *f.Active {
			continue
		}
		if f.Channel != "" && v.ReleaseChannel != f.Channel {
			continue
		}
		clone := *v
		matched = append(matched, &clone)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	total := len(matched)
	start := (f.Page - 1) * f.Size
	if start > total {
		start = total
	}
	end := start + f.Size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *memVersionStore) Activate(_ context.Context, number string, action version.HistoryAction, initiator string) (*version.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.versions[number]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "version %s not found", number)
	}

	hadActive := false
	for _, v := range s.versions {
		if v.Active {
			hadActive = true
			v.Active = false
		}
	}
	target.Active = true

	if action == "" {
		action = version.ActionUpdate
		if !hadActive {
			action = version.ActionInstall
		}
	}
	s.nextRec++
	s.history[number] = append(s.history[number], &version.HistoryRecord{
		ID:            fmt.Sprintf("rec-%d", s.nextRec),
		VersionID:     target.ID,
		VersionNumber: number,
		Action:        action,
		Timestamp:     time.Now().UTC(),
		Success:       true,
		Initiator:     initiator,
	})

	clone := *target
	return &clone, nil
}

func (s *memVersionStore) Delete(_ context.Context, number string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[number]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "version %s not found", number)
	}
	if v.Active {
		return apperr.New(apperr.KindConflict, "cannot delete the active version")
	}
	delete(s.versions, number)
	return nil
}

func (s *memVersionStore) CurrentActive(context.Context) (*version.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.Active {
			clone := *v
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *memVersionStore) AppendHistory(_ context.Context, rec *version.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRec++
	clone := *rec
	if clone.ID == "" {
		clone.ID = fmt.Sprintf("rec-%d", s.nextRec)
	}
	s.history[rec.VersionNumber] = append(s.history[rec.VersionNumber], &clone)
	return nil
}

func (s *memVersionStore) ListHistory(_ context.Context, number string, limit int) ([]*version.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.history[number]
	var out []*version.HistoryRecord
	for i := len(records) - 1; i >= 0 && len(out) < limit; i-- {
		clone := *records[i]
		out = append(out, &clone)
	}
	return out, nil
}

func (s *memVersionStore) Close() error { return nil }

var _ version.Store = (*memVersionStore)(nil)

// memSessionStore is the minimal download.Store the handler paths need.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*download.Session
	nextID   int64
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*download.Session)}
}

func (s *memSessionStore) GetOrCreate(_ context.Context, clientID string, versionID int64, versionNumber, clientIP, userAgent string) (*download.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := clientID + "/" + versionNumber
	if sess, ok := s.sessions[key]; ok {
		sess.Attempts++
		if sess.Status != download.StatusCompleted {
			sess.Status = download.StatusInProgress
		}
		clone := *sess
		return &clone, nil
	}
	s.nextID++
	sess := &download.Session{
		ID:             s.nextID,
		VersionID:      versionID,
		VersionNumber:  versionNumber,
		ClientID:       clientID,
		StartedAt:      time.Now(),
		LastActivityAt: time.Now(),
		Status:         download.StatusStarted,
		ClientIP:       clientIP,
		UserAgent:      userAgent,
	}
	s.sessions[key] = sess
	clone := *sess
	return &clone, nil
}

func (s *memSessionStore) RecordProgress(ctx context.Context, id, bytesTransferred int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ID == id && bytesTransferred > sess.BytesTransferred {
			sess.BytesTransferred = bytesTransferred
		}
	}
	return nil
}

func (s *memSessionStore) MarkCompleted(ctx context.Context, id, bytesTransferred int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ID == id {
			sess.Status = download.StatusCompleted
			sess.BytesTransferred = bytesTransferred
		}
	}
	return nil
}

func (s *memSessionStore) MarkFailed(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ID == id {
			sess.Status = download.StatusFailed
		}
	}
	return nil
}

// session returns a copy of the tracked session for assertions.
func (s *memSessionStore) session(clientID, versionNumber string) (download.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[clientID+"/"+versionNumber]
	if !ok {
		return download.Session{}, false
	}
	return *sess, true
}

func (s *memSessionStore) SweepStale(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (s *memSessionStore) Close() error { return nil }

var _ download.Store = (*memSessionStore)(nil)

// memRecorder keeps events in memory and answers the analytics endpoint.
type memRecorder struct {
	mu     sync.Mutex
	events []analytics.Event
}

func (r *memRecorder) Record(ctx context.Context, event analytics.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *memRecorder) Query(_ context.Context, filter analytics.QueryFilter) ([]analytics.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []analytics.Event
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.ClientID != "" && e.ClientID != filter.ClientID {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *memRecorder) Close() error { return nil }

type apiFixture struct {
	ts       *httptest.Server
	store    *memVersionStore
	sessions *memSessionStore
	recorder *memRecorder

	pkgData  []byte
	checksum string
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newAPIFixture(t *testing.T, limits map[ratelimit.Category]ratelimit.CategoryConfig) *apiFixture {
	t.Helper()

	if limits == nil {
		limits = ratelimit.DefaultConfigs()
	}

	blobs, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	store := newMemVersionStore()
	registry := version.NewRegistry(store, blobs, pack.New(pack.Config{}), nil)

	limiter := ratelimit.NewMemoryLimiter(limits)
	sessions := newMemSessionStore()
	recorder := &memRecorder{}
	coordinator := download.NewCoordinator(registry, sessions, blobs, limiter, recorder, nil)

	gate := auth.NewGate(auth.Config{APIKeys: []auth.APIKey{
		{Name: "release-bot", Hash: hashKey(t, "admin-key"), Roles: []string{"admin"}},
		{Name: "dashboard", Hash: hashKey(t, "viewer-key"), Roles: []string{"viewer"}},
	}})

	h := hub.New(hub.DefaultConfig(), hub.NewMemorySessionStore(), limiter, gate, nil)
	t.Cleanup(func() { _ = h.Close() })

	handler := NewHandler(Config{
		Registry:    registry,
		Coordinator: coordinator,
		Hub:         h,
		Limiter:     limiter,
		Snapshots:   limiter,
		Recorder:    recorder,
		Gate:        gate,
	})

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	pkgData := testPackage(t, "application payload for the api tests")
	sum := sha256.Sum256(pkgData)

	return &apiFixture{
		ts:       ts,
		store:    store,
		sessions: sessions,
		recorder: recorder,
		pkgData:  pkgData,
		checksum: hex.EncodeToString(sum[:]),
	}
}

func testPackage(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("app.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// do issues a request against the fixture server, tagging it with a stable
// client id so every test gets its own rate-limit bucket.
func (f *apiFixture) do(t *testing.T, method, path, apiKey string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("X-Client-ID", "test-"+t.Name())
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func publishForm(t *testing.T, data []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, value := range fields {
		require.NoError(t, mw.WriteField(name, value))
	}
	fw, err := mw.CreateFormFile("package", "app.zip")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (f *apiFixture) publish(t *testing.T, number string, extra map[string]string) version.Version {
	t.Helper()
	fields := map[string]string{"version_number": number}
	for k, v := range extra {
		fields[k] = v
	}
	body, contentType := publishForm(t, f.pkgData, fields)
	resp := f.do(t, http.MethodPost, "/api/v1/versions", "admin-key", body, contentType)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[version.Version](t, resp)
}

func TestPublishAndGetVersion(t *testing.T) {
	f := newAPIFixture(t, nil)

	v := f.publish(t, "1.0.0", map[string]string{"release_channel": "stable", "mandatory": "true"})
	assert.Equal(t, "1.0.0", v.VersionNumber)
	assert.Equal(t, "stable", v.ReleaseChannel)
	assert.True(t, v.Mandatory)
	assert.False(t, v.Active)
	assert.Equal(t, f.checksum, v.Checksum)
	assert.Equal(t, "release-bot", v.CreatedBy)

	resp := f.do(t, http.MethodGet, "/api/v1/versions/1.0.0", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[version.Version](t, resp)
	assert.Equal(t, v.ID, got.ID)

	resp = f.do(t, http.MethodGet, "/api/v1/versions/9.9.9", "", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestPublishRejectsBadPackage(t *testing.T) {
	f := newAPIFixture(t, nil)

	body, contentType := publishForm(t, []byte("not a zip archive"),
		map[string]string{"version_number": "1.0.0"})
	resp := f.do(t, http.MethodPost, "/api/v1/versions", "admin-key", body, contentType)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPublishDuplicateConflicts(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", nil)

	body, contentType := publishForm(t, f.pkgData, map[string]string{"version_number": "1.0.0"})
	resp := f.do(t, http.MethodPost, "/api/v1/versions", "admin-key", body, contentType)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListVersionsFiltered(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", map[string]string{"release_channel": "stable"})
	f.publish(t, "1.1.0", map[string]string{"release_channel": "beta"})
	f.publish(t, "1.2.0", map[string]string{"release_channel": "stable"})

	resp := f.do(t, http.MethodGet, "/api/v1/versions?channel=stable", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decodeBody[listVersionsResponse](t, resp)
	assert.Equal(t, 2, listing.Total)
	require.Len(t, listing.Versions, 2)

	resp = f.do(t, http.MethodGet, "/api/v1/versions?page=2&size=2", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing = decodeBody[listVersionsResponse](t, resp)
	assert.Equal(t, 3, listing.Total)
	assert.Len(t, listing.Versions, 1)
	assert.Equal(t, 2, listing.Page)

	resp = f.do(t, http.MethodGet, "/api/v1/versions?active=bananas", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestActivateLatestAndCheck(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", nil)
	f.publish(t, "2.0.0", map[string]string{"mandatory": "true"})

	resp := f.do(t, http.MethodPatch, "/api/v1/versions/2.0.0/activate", "admin-key", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	activated := decodeBody[version.Version](t, resp)
	assert.True(t, activated.Active)

	resp = f.do(t, http.MethodGet, "/api/v1/updates/latest", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	latest := decodeBody[version.Version](t, resp)
	assert.Equal(t, "2.0.0", latest.VersionNumber)

	resp = f.do(t, http.MethodGet, "/api/v1/updates/check?currentVersion=1.0.0", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	check := decodeBody[version.CheckResult](t, resp)
	assert.True(t, check.UpdateAvailable)
	assert.True(t, check.Mandatory)
	assert.Equal(t, "2.0.0", check.LatestVersion)

	resp = f.do(t, http.MethodGet, "/api/v1/updates/check?currentVersion=2.0.0", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	check = decodeBody[version.CheckResult](t, resp)
	assert.False(t, check.UpdateAvailable)

	resp = f.do(t, http.MethodGet, "/api/v1/updates/check?currentVersion=garbage", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/updates/check", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestLatestWithoutActiveVersion(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", nil)

	resp := f.do(t, http.MethodGet, "/api/v1/updates/latest", "", nil, "")
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRollback(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", map[string]string{"activate": "true"})
	f.publish(t, "2.0.0", map[string]string{"activate": "true"})

	resp := f.do(t, http.MethodPatch, "/api/v1/versions/1.0.0/rollback", "admin-key", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	restored := decodeBody[version.Version](t, resp)
	assert.True(t, restored.Active)
	assert.Equal(t, "1.0.0", restored.VersionNumber)

	resp = f.do(t, http.MethodGet, "/api/v1/versions/1.0.0/history", "admin-key", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	records := decodeBody[[]version.HistoryRecord](t, resp)
	require.NotEmpty(t, records)
	assert.Equal(t, version.ActionRollback, records[0].Action)
	assert.Equal(t, "release-bot", records[0].Initiator)
}

func TestDeleteVersion(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", map[string]string{"activate": "true"})
	f.publish(t, "2.0.0", nil)

	resp := f.do(t, http.MethodDelete, "/api/v1/versions/2.0.0", "admin-key", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/versions/2.0.0", "", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodDelete, "/api/v1/versions/1.0.0", "admin-key", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHistoryUnknownVersion(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/v1/versions/9.9.9/history", "admin-key", nil, "")
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadFull(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", nil)

	resp := f.do(t, http.MethodGet, "/api/v1/updates/download/1.0.0", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, f.checksum, resp.Header.Get("X-Checksum"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "app.zip")

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, f.pkgData, got)

	started, err := f.recorder.Query(context.Background(),
		analytics.QueryFilter{Type: analytics.EventDownloadStarted})
	require.NoError(t, err)
	assert.Len(t, started, 1)
}

func TestDownloadRange(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", nil)

	offset := int64(len(f.pkgData) / 2)
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/v1/updates/download/1.0.0", nil)
	require.NoError(t, err)
	req.Header.Set("X-Client-ID", "range-client")
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t,
		fmt.Sprintf("bytes %d-%d/%d", offset, len(f.pkgData)-1, len(f.pkgData)),
		resp.Header.Get("Content-Range"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, f.pkgData[offset:], got)
}

func TestDownloadRangePastEnd(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", nil)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/v1/updates/download/1.0.0", nil)
	require.NoError(t, err)
	req.Header.Set("X-Client-ID", "range-client")
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", 1<<30))

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("bytes */%d", len(f.pkgData)), resp.Header.Get("Content-Range"))
}

func TestDownloadBadRangeHeader(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", nil)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/v1/updates/download/1.0.0", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-100,200-300")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadRangeFromZero(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", nil)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/v1/updates/download/1.0.0", nil)
	require.NoError(t, err)
	req.Header.Set("X-Client-ID", "range-client")
	req.Header.Set("Range", "bytes=0-")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t,
		fmt.Sprintf("bytes 0-%d/%d", len(f.pkgData)-1, len(f.pkgData)),
		resp.Header.Get("Content-Range"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, f.pkgData, got)
}

func TestDownloadClientDisconnectRecordsOutcome(t *testing.T) {
	f := newAPIFixture(t, nil)

	// A payload of incompressible bytes keeps the zip large enough that
	// the stream cannot fit in socket buffers before the client bails.
	payload := make([]byte, 6<<20)
	_, err := mrand.New(mrand.NewSource(1)).Read(payload)
	require.NoError(t, err)

	body, contentType := publishForm(t, testPackage(t, string(payload)),
		map[string]string{"version_number": "2.0.0"})
	resp := f.do(t, http.MethodPost, "/api/v1/versions", "admin-key", body, contentType)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/updates/download/2.0.0", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = io.ReadFull(resp.Body, make([]byte, 64<<10))
	require.NoError(t, err)
	_ = resp.Body.Close()

	// The aborted transfer still lands in the session store and the
	// analytics log even though the request context died with the client.
	require.Eventually(t, func() bool {
		events, err := f.recorder.Query(context.Background(),
			analytics.QueryFilter{Type: analytics.EventDownloadFailed})
		if err != nil || len(events) == 0 {
			return false
		}
		sess, ok := f.sessions.session("test-"+t.Name(), "2.0.0")
		return ok && sess.BytesTransferred > 0 && sess.Status != download.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDownloadRateLimited(t *testing.T) {
	limits := ratelimit.DefaultConfigs()
	limits[ratelimit.CategoryDownload] = ratelimit.CategoryConfig{
		Limit: 1, Window: time.Minute, Penalty: time.Minute,
	}
	f := newAPIFixture(t, limits)
	f.publish(t, "1.0.0", nil)

	resp := f.do(t, http.MethodGet, "/api/v1/updates/download/1.0.0", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/updates/download/1.0.0", "", nil, "")
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestPublishRateLimited(t *testing.T) {
	limits := ratelimit.DefaultConfigs()
	limits[ratelimit.CategoryUpload] = ratelimit.CategoryConfig{
		Limit: 1, Window: time.Minute, Penalty: time.Minute,
	}
	f := newAPIFixture(t, limits)
	f.publish(t, "1.0.0", nil)

	body, contentType := publishForm(t, f.pkgData, map[string]string{"version_number": "1.1.0"})
	resp := f.do(t, http.MethodPost, "/api/v1/versions", "admin-key", body, contentType)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestVerifyChecksum(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", nil)

	body := fmt.Sprintf(`{"version":"1.0.0","checksum":%q,"client_id":"client-7"}`, f.checksum)
	resp := f.do(t, http.MethodPost, "/api/v1/updates/verify", "",
		strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verified := decodeBody[verifyResponse](t, resp)
	assert.True(t, verified.Valid)

	body = `{"version":"1.0.0","checksum":"` + strings.Repeat("0", 64) + `"}`
	resp = f.do(t, http.MethodPost, "/api/v1/updates/verify", "",
		strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verified = decodeBody[verifyResponse](t, resp)
	assert.False(t, verified.Valid)

	body = `{"version":"9.9.9","checksum":"` + strings.Repeat("0", 64) + `"}`
	resp = f.do(t, http.MethodPost, "/api/v1/updates/verify", "",
		strings.NewReader(body), "application/json")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/v1/updates/verify", "",
		strings.NewReader(`{"version":"1.0.0"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	f := newAPIFixture(t, nil)

	body, contentType := publishForm(t, f.pkgData, map[string]string{"version_number": "1.0.0"})
	resp := f.do(t, http.MethodPost, "/api/v1/versions", "", body, contentType)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	body, contentType = publishForm(t, f.pkgData, map[string]string{"version_number": "1.0.0"})
	resp = f.do(t, http.MethodPost, "/api/v1/versions", "viewer-key", body, contentType)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/admin/ratelimits", "viewer-key", nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAPIRateLimit(t *testing.T) {
	limits := ratelimit.DefaultConfigs()
	limits[ratelimit.CategoryAPI] = ratelimit.CategoryConfig{
		Limit: 2, Window: time.Minute, Penalty: time.Minute,
	}
	f := newAPIFixture(t, limits)

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodGet, "/api/v1/versions", "", nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp := f.do(t, http.MethodGet, "/api/v1/versions", "", nil, "")
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRateLimitBuckets(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/v1/versions", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/admin/ratelimits", "admin-key", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snaps := decodeBody[[]ratelimit.BucketSnapshot](t, resp)
	require.NotEmpty(t, snaps)

	resp = f.do(t, http.MethodGet, "/api/v1/admin/ratelimits?category=connect", "admin-key", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snaps = decodeBody[[]ratelimit.BucketSnapshot](t, resp)
	assert.Empty(t, snaps)
}

func TestLiveSessionsEmpty(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/v1/admin/sessions", "admin-key", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conns := decodeBody[[]hub.ConnInfo](t, resp)
	assert.Empty(t, conns)
}

func TestAnalyticsDownloadEvents(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.publish(t, "1.0.0", nil)

	resp := f.do(t, http.MethodGet, "/api/v1/updates/download/1.0.0", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/analytics/downloads?type=download_completed", "admin-key", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decodeBody[[]analytics.Event](t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, "1.0.0", events[0].VersionNumber)

	resp = f.do(t, http.MethodGet, "/api/v1/analytics/downloads?success=bananas", "admin-key", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/analytics/downloads?start=not-a-time", "admin-key", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}
