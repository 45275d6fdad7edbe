package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(filepath.Join(t.TempDir(), "nested", "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertIncrement(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	exists, err := db.Exists(ctx, "/bin/a", "alice")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, db.Insert(ctx, "/bin/a", 100, "alice"))
	exists, err = db.Exists(ctx, "/bin/a", "alice")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, db.Increment(ctx, "/bin/a", 50, "alice"))

	spent, ok, err := db.Usage(ctx, "/bin/a", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(150), spent)

	// the same executable for another user is a separate row
	exists, err = db.Exists(ctx, "/bin/a", "bob")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, db.Insert(ctx, "/bin/a", 7, "bob"))

	// a duplicate insert violates the key
	require.Error(t, db.Insert(ctx, "/bin/a", 1, "bob"))

	// incrementing a missing row is reported
	require.Error(t, db.Increment(ctx, "/bin/missing", 1, "alice"))

	rows, err := db.ListUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []UsageRecord{
		{ExePath: "/bin/a", Username: "alice", NanosecondsSpent: 150},
		{ExePath: "/bin/a", Username: "bob", NanosecondsSpent: 7},
	}, rows)
}

func TestSchemaSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "usage.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Insert(ctx, "/bin/a", 42, "alice"))
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()

	spent, ok, err := db.Usage(ctx, "/bin/a", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), spent)
}

func TestCloseInterruptedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.enter())
	require.ErrorIs(t, db.Close(), ErrInterrupted)

	db.leave()
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.Exists(ctx, "/bin/a", "alice")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, db.Insert(ctx, "/bin/a", 1, "alice"), ErrClosed)
}
