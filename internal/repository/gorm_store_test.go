package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-live/relation-service/pkg/database"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	return newPooledTestDB(t, 1)
}

func newPooledTestDB(t *testing.T, maxOpen int) *gorm.DB {
	t.Helper()
	db, err := database.New(&database.Config{
		Driver:       "sqlite",
		FilePath:     filepath.Join(t.TempDir(), "relation.db"),
		MaxOpenConns: maxOpen,
		LogLevel:     "silent",
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// stepClock returns a clock that advances by one second per call.
func stepClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestInsertEdge(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEdgeRepository(newTestDB(t), nil)

	edge, err := repo.InsertEdge(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Len(t, edge.ID, 26)
	assert.Equal(t, "u1", edge.FollowerID)
	assert.Equal(t, "u2", edge.FollowingID)
	assert.False(t, edge.CreatedAt.IsZero())

	_, err = repo.InsertEdge(ctx, "u1", "u2")
	assert.ErrorIs(t, err, ErrDuplicateEdge)

	// The reverse direction is a distinct edge.
	_, err = repo.InsertEdge(ctx, "u2", "u1")
	require.NoError(t, err)

	_, err = repo.InsertEdge(ctx, "u3", "u3")
	assert.ErrorIs(t, err, ErrSelfReference)
}

func TestDeleteEdge(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEdgeRepository(newTestDB(t), nil)

	created, err := repo.InsertEdge(ctx, "u1", "u2")
	require.NoError(t, err)

	deleted, err := repo.DeleteEdge(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, created.ID, deleted.ID)

	_, err = repo.DeleteEdge(ctx, "u1", "u2")
	assert.ErrorIs(t, err, ErrEdgeNotFound)

	ok, err := repo.IsFollowing(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	// A deleted pair can be followed again.
	_, err = repo.InsertEdge(ctx, "u1", "u2")
	require.NoError(t, err)
}

func TestListByFollowingPagination(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEdgeRepository(newTestDB(t), stepClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	var followers []string
	for i := 0; i < 25; i++ {
		id := "f" + string(rune('a'+i))
		followers = append(followers, id)
		_, err := repo.InsertEdge(ctx, id, "x")
		require.NoError(t, err)
	}

	var seen []string
	for page, want := range []int{10, 10, 5} {
		edges, total, err := repo.ListByFollowing(ctx, "x", page+1, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(25), total)
		require.Len(t, edges, want)
		for i := 1; i < len(edges); i++ {
			assert.True(t, edges[i-1].CreatedAt.After(edges[i].CreatedAt))
		}
		for _, e := range edges {
			seen = append(seen, e.FollowerID)
		}
	}

	// Newest first: the last inserted follower leads.
	require.Len(t, seen, 25)
	for i := range seen {
		assert.Equal(t, followers[24-i], seen[i])
	}

	edges, total, err := repo.ListByFollowing(ctx, "x", 4, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(25), total)
	assert.Empty(t, edges)
}

func TestListTieBreakByID(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := NewGormEdgeRepository(newTestDB(t), func() time.Time { return fixed })

	for _, id := range []string{"a", "b", "c"} {
		_, err := repo.InsertEdge(ctx, "u1", id)
		require.NoError(t, err)
	}

	edges, total, err := repo.ListByFollower(ctx, "u1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, edges, 3)
	for i := 1; i < len(edges); i++ {
		assert.Equal(t, edges[i-1].CreatedAt, edges[i].CreatedAt)
		assert.Greater(t, edges[i-1].ID, edges[i].ID)
	}
}

func TestListClampsPageSize(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEdgeRepository(newTestDB(t), nil)

	_, err := repo.InsertEdge(ctx, "u1", "u2")
	require.NoError(t, err)

	edges, total, err := repo.ListByFollower(ctx, "u1", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, edges, 1)
}

func TestBatchIsFollowing(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEdgeRepository(newTestDB(t), nil)

	_, err := repo.InsertEdge(ctx, "u1", "u2")
	require.NoError(t, err)
	_, err = repo.InsertEdge(ctx, "u1", "u4")
	require.NoError(t, err)

	got, err := repo.BatchIsFollowing(ctx, "u1", []string{"u2", "u3", "u4"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"u2": true, "u3": false, "u4": true}, got)

	got, err = repo.BatchIsFollowing(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCounterIncrement(t *testing.T) {
	ctx := context.Background()
	repo := NewGormCounterRepository(newTestDB(t), nil)

	require.NoError(t, repo.CreateCounterRow(ctx, "u1"))
	assert.ErrorIs(t, repo.CreateCounterRow(ctx, "u1"), ErrCounterExists)

	require.NoError(t, repo.IncrementFollowers(ctx, "u1", 1))
	require.NoError(t, repo.IncrementFollowers(ctx, "u1", 1))
	require.NoError(t, repo.IncrementFollowing(ctx, "u1", 1))

	c, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.FollowersCount)
	assert.Equal(t, int64(1), c.FollowingCount)

	require.NoError(t, repo.IncrementFollowers(ctx, "u1", -2))
	c, err = repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.FollowersCount)
}

func TestCounterNeverNegative(t *testing.T) {
	ctx := context.Background()
	repo := NewGormCounterRepository(newTestDB(t), nil)
	require.NoError(t, repo.CreateCounterRow(ctx, "u1"))

	err := repo.IncrementFollowing(ctx, "u1", -1)
	require.ErrorIs(t, err, ErrNegativeCounter)

	var cerr *CounterError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "u1", cerr.EntityID)
	assert.Equal(t, FieldFollowing, cerr.Field)
	assert.Equal(t, int64(0), cerr.Current)
	assert.Equal(t, int64(-1), cerr.Delta)

	c, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.FollowingCount)
}

func TestCounterNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewGormCounterRepository(newTestDB(t), nil)

	_, err := repo.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrCounterNotFound)

	err = repo.IncrementFollowers(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ErrCounterNotFound)

	err = repo.SetDegrees(ctx, "ghost", 1, 1)
	assert.ErrorIs(t, err, ErrCounterNotFound)
}

func TestSetDegreesAndListEntityIDs(t *testing.T) {
	ctx := context.Background()
	repo := NewGormCounterRepository(newTestDB(t), nil)

	for _, id := range []string{"c", "a", "b", "d"} {
		require.NoError(t, repo.CreateCounterRow(ctx, id))
	}

	require.NoError(t, repo.SetDegrees(ctx, "b", 7, 3))
	c, err := repo.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.FollowersCount)
	assert.Equal(t, int64(3), c.FollowingCount)

	assert.ErrorIs(t, repo.SetDegrees(ctx, "b", -1, 0), ErrNegativeCounter)

	ids, err := repo.ListEntityIDs(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ids, err = repo.ListEntityIDs(ctx, "b", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, ids)
}

func TestAtomicRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(newTestDB(t), nil)
	require.NoError(t, store.Counters().CreateCounterRow(ctx, "u1"))

	err := store.Atomic(ctx, func(edges EdgeStore, counters CounterStore) error {
		if _, err := edges.InsertEdge(ctx, "u1", "u2"); err != nil {
			return err
		}
		if err := counters.IncrementFollowing(ctx, "u1", 1); err != nil {
			return err
		}
		// u2 has no counter row.
		return counters.IncrementFollowers(ctx, "u2", 1)
	})
	require.ErrorIs(t, err, ErrCounterNotFound)

	ok, err := store.Edges().IsFollowing(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := store.Counters().Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.FollowingCount)
}

func TestAtomicCommits(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(newTestDB(t), nil)
	require.NoError(t, store.Ping(ctx))

	err := store.Atomic(ctx, func(edges EdgeStore, counters CounterStore) error {
		_, err := edges.InsertEdge(ctx, "u1", "u2")
		return err
	})
	require.NoError(t, err)

	n, err := store.Edges().CountByFollowing(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = store.Edges().CountByFollower(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNormalizePage(t *testing.T) {
	cases := []struct {
		page, size, def int
		wantPage        int
		wantSize        int
	}{
		{0, 0, 20, 1, 20},
		{-3, 5, 20, 1, 5},
		{2, 500, 20, 2, MaxPageSize},
		{1, -1, 0, 1, 1},
	}
	for _, tc := range cases {
		p, s := NormalizePage(tc.page, tc.size, tc.def)
		assert.Equal(t, tc.wantPage, p)
		assert.Equal(t, tc.wantSize, s)
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(ErrTransient))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("database is locked")))
	assert.False(t, IsTransient(ErrDuplicateEdge))
	assert.False(t, IsTransient(&CounterError{Err: ErrNegativeCounter}))
}

func TestConcurrentInsertEdgeUniqueIndexDecides(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEdgeRepository(newPooledTestDB(t, 10), nil)

	const n = 20
	var inserted, duplicates atomic.Int32
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := repo.InsertEdge(ctx, "a", "b")
			switch {
			case err == nil:
				inserted.Add(1)
			case errors.Is(err, ErrDuplicateEdge):
				duplicates.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), inserted.Load())
	assert.Equal(t, int32(n-1), duplicates.Load())
	count, err := repo.CountByFollowing(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
