package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/update-hub/pkg/hub"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, nil), mock
}

func TestCreate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO connected_sessions`).
		WithArgs("sess-1", "device-1", "2.0.0", "linux/amd64", "10.0.0.9:55000", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Create(context.Background(), &hub.SessionRecord{
		ID:          "sess-1",
		ClientID:    "device-1",
		AppVersion:  "2.0.0",
		Platform:    "linux/amd64",
		RemoteAddr:  "10.0.0.9:55000",
		ConnectedAt: now,
		LastSeenAt:  now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouch(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE connected_sessions SET last_seen_at`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Touch(context.Background(), "sess-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDisconnected(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE connected_sessions`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkDisconnected(context.Background(), "sess-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListConnected(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "client_id", "app_version", "platform", "remote_addr",
		"connected_at", "last_seen_at", "disconnected_at",
	}).
		AddRow("sess-1", "device-1", "2.0.0", "linux/amd64", "10.0.0.9:55000", now, now, nil).
		AddRow("sess-2", "device-2", "2.1.0", "darwin/arm64", "10.0.0.10:55001", now, now, nil)

	mock.ExpectQuery(`SELECT .+ FROM connected_sessions`).WillReturnRows(rows)

	records, err := store.ListConnected(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "device-1", records[0].ClientID)
	assert.True(t, records[0].Connected())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM connected_sessions`).
		WithArgs("3600 seconds").
		WillReturnResult(sqlmock.NewResult(0, 4))

	removed, err := store.Cleanup(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
