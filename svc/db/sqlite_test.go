package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/est/p.est.im/pkg/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "pastes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testPaste(id string, expiresAt int64) *domain.Paste {
	now := time.Now().Unix()
	return &domain.Paste{
		ID:      id,
		Content: []byte("Hello World"),
		Uploader: domain.UploaderInfo{
			Addr:      "203.0.113.9",
			UserAgent: "curl/8.0",
		},
		System: domain.SystemInfo{
			MIME:        "text/plain",
			TokenDigest: "digest",
		},
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := testPaste("abc123", time.Now().Add(time.Hour).Unix())
	p.System.Width = 320
	p.System.Height = 240
	require.NoError(t, store.Insert(ctx, p))

	got, err := store.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, p.Content, got.Content)
	assert.Equal(t, p.Uploader, got.Uploader)
	assert.Equal(t, p.System, got.System)
	assert.Equal(t, p.CreatedAt, got.CreatedAt)
	assert.Equal(t, p.ExpiresAt, got.ExpiresAt)
	assert.Equal(t, int64(0), got.Counters.Views)
}

func TestInsertDuplicateIsConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour).Unix()
	require.NoError(t, store.Insert(ctx, testPaste("dup", exp)))

	err := store.Insert(ctx, testPaste("dup", exp))
	assert.Equal(t, domain.ErrConflict, errors.Cause(err))
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.Equal(t, domain.ErrNotFound, errors.Cause(err))
}

func TestGetReturnsExpiredRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := testPaste("stale1", time.Now().Add(-time.Hour).Unix())
	require.NoError(t, store.Insert(ctx, p))

	got, err := store.Get(ctx, "stale1")
	require.NoError(t, err, "expired rows must still be readable so callers can classify them")
	assert.True(t, got.Expired(time.Now()))
}

func TestDeleteRemovesRowAndFreesID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour).Unix()
	require.NoError(t, store.Insert(ctx, testPaste("gone", exp)))
	require.NoError(t, store.Delete(ctx, "gone"))

	_, err := store.Get(ctx, "gone")
	assert.Equal(t, domain.ErrNotFound, errors.Cause(err))

	// the id is reusable once the row is deleted
	require.NoError(t, store.Insert(ctx, testPaste("gone", exp)))
}

func TestDeleteMissing(t *testing.T) {
	store := newTestStore(t)
	err := store.Delete(context.Background(), "nope")
	assert.Equal(t, domain.ErrNotFound, errors.Cause(err))
}

func TestUpdateAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, testPaste("viewed", time.Now().Add(time.Hour).Unix())))

	stamp := time.Now().Unix()
	require.NoError(t, store.UpdateAccess(ctx, "viewed", domain.Counters{Views: 7}, stamp))

	got, err := store.Get(ctx, "viewed")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Counters.Views)
	assert.Equal(t, stamp, got.LastAccessAt)
}

func TestSweepExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Insert(ctx, testPaste("old1", now.Add(-time.Hour).Unix())))
	require.NoError(t, store.Insert(ctx, testPaste("old2", now.Add(-time.Minute).Unix())))
	require.NoError(t, store.Insert(ctx, testPaste("live", now.Add(time.Hour).Unix())))

	n, err := store.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Get(ctx, "old1")
	assert.Equal(t, domain.ErrNotFound, errors.Cause(err))
	_, err = store.Get(ctx, "live")
	assert.NoError(t, err)

	// second sweep finds nothing
	n, err = store.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
