package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"shadowtun/internal/storage"
	"shadowtun/internal/storage/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "shadowtun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndGetMapping(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	m := &models.Mapping{IP: "10.0.0.5", Domain: "example.com"}
	require.NoError(t, db.SaveMapping(ctx, m))
	assert.False(t, m.CreatedAt.IsZero())

	got, err := db.GetMapping(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "example.com", got.Domain)
	assert.WithinDuration(t, m.CreatedAt, got.CreatedAt, time.Second)

	_, err = db.GetMapping(ctx, "10.0.0.6")
	assert.Error(t, err)
}

func TestSaveMappingReusedAddress(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, db.SaveMapping(ctx, &models.Mapping{IP: "10.0.0.5", Domain: "example.com", CreatedAt: old, LastSeen: old}))

	// Same domain keeps created_at.
	require.NoError(t, db.SaveMapping(ctx, &models.Mapping{IP: "10.0.0.5", Domain: "example.com"}))
	got, err := db.GetMapping(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.WithinDuration(t, old, got.CreatedAt, time.Second)
	assert.WithinDuration(t, time.Now(), got.LastSeen, 5*time.Second)

	// A different domain replaces the mapping.
	require.NoError(t, db.SaveMapping(ctx, &models.Mapping{IP: "10.0.0.5", Domain: "example.org"}))
	got, err = db.GetMapping(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "example.org", got.Domain)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)

	n, err := db.CountMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListMappings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, db.SaveMappings(ctx, []*models.Mapping{
		{IP: "10.0.0.2", Domain: "a.example.com", LastSeen: base},
		{IP: "10.0.0.3", Domain: "b.example.com", LastSeen: base.Add(time.Second)},
		{IP: "10.0.0.4", Domain: "other.net", LastSeen: base.Add(2 * time.Second)},
	}))

	all, err := db.ListMappings(ctx, storage.MappingFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "other.net", all[0].Domain)

	found, err := db.ListMappings(ctx, storage.MappingFilter{SearchTerm: "example"})
	require.NoError(t, err)
	assert.Len(t, found, 2)

	limited, err := db.ListMappings(ctx, storage.MappingFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPruneMappings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, db.SaveMappings(ctx, []*models.Mapping{
		{IP: "10.0.0.2", Domain: "stale.example", LastSeen: now.Add(-48 * time.Hour)},
		{IP: "10.0.0.3", Domain: "fresh.example", LastSeen: now},
	}))

	n, err := db.PruneMappings(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := db.ListMappings(ctx, storage.MappingFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh.example", left[0].Domain)
}

func TestTransactionRollback(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SaveMapping(ctx, &models.Mapping{IP: "10.0.0.9", Domain: "gone.example"}))
	require.NoError(t, tx.Rollback())

	n, err := db.CountMappings(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = (&Tx{}).BeginTx(ctx)
	assert.Error(t, err)
}

func TestSettings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	v, err := db.GetSetting(ctx, "schema_version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, db.SetSetting(ctx, "last_device", "utun7"))
	require.NoError(t, db.SetSetting(ctx, "last_device", "utun8"))
	v, err = db.GetSetting(ctx, "last_device")
	require.NoError(t, err)
	assert.Equal(t, "utun8", v)

	all, err := db.GetAllSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = db.GetSetting(ctx, "missing")
	assert.Error(t, err)
}

func TestActiveSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := db.GetActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)

	require.NoError(t, db.SetActiveSession(ctx, &models.ActiveSession{
		PID:        os.Getpid(),
		DeviceName: "utun7",
		Server:     "203.0.113.1:8388",
		DNSListen:  "0.0.0.0:53",
	}))

	s, err = db.GetActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, int64(1), s.ID)
	assert.Equal(t, "utun7", s.DeviceName)
	assert.Equal(t, os.Getpid(), s.PID)

	require.NoError(t, db.ClearActiveSession(ctx))
	s, err = db.GetActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)
}
