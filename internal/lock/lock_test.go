package lock

import (
	"strings"
	"testing"
	"time"

	"revfs/internal/clock"
	"revfs/internal/errors"
	"revfs/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTable(t *testing.T) (*Table, *clock.FakeClock) {
	t.Helper()
	s, err := storage.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	c := clock.Fake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewTable(s, c, zap.NewNop(), nil), c
}

func TestLockAndGet(t *testing.T) {
	table, c := newTable(t)

	l, err := table.Lock(Request{Path: "trunk/a.txt", Owner: "harry", Comment: "editing"})
	require.NoError(t, err)
	assert.Equal(t, "/trunk/a.txt", l.Path)
	assert.True(t, strings.HasPrefix(l.Token, TokenScheme))
	assert.Equal(t, c.Now(), l.Created)

	got, err := table.Get("/trunk/a.txt")
	require.NoError(t, err)
	assert.Equal(t, l.Token, got.Token)
	assert.Equal(t, "editing", got.Comment)

	_, err = table.Get("/trunk/b.txt")
	assert.True(t, errors.Is(err, errors.ErrNoSuchLock))
}

func TestLockConflicts(t *testing.T) {
	table, _ := newTable(t)
	first, err := table.Lock(Request{Path: "/f", Owner: "harry"})
	require.NoError(t, err)

	t.Run("locked", func(t *testing.T) {
		_, err := table.Lock(Request{Path: "/f", Owner: "sally"})
		assert.True(t, errors.Is(err, errors.ErrPathLocked))
	})

	t.Run("refresh by owner", func(t *testing.T) {
		l, err := table.Lock(Request{Path: "/f", Owner: "harry", Token: first.Token, Comment: "again"})
		require.NoError(t, err)
		assert.Equal(t, first.Token, l.Token)
		assert.Equal(t, "again", l.Comment)
	})

	t.Run("refresh by other user", func(t *testing.T) {
		_, err := table.Lock(Request{Path: "/f", Owner: "sally", Token: first.Token})
		assert.True(t, errors.Is(err, errors.ErrLockOwnerMismatch))
	})

	t.Run("steal", func(t *testing.T) {
		l, err := table.Lock(Request{Path: "/f", Owner: "sally", Steal: true})
		require.NoError(t, err)
		assert.NotEqual(t, first.Token, l.Token)
		assert.Equal(t, "sally", l.Owner)
	})
}

func TestUnlock(t *testing.T) {
	table, _ := newTable(t)
	l, err := table.Lock(Request{Path: "/f", Owner: "harry"})
	require.NoError(t, err)

	assert.True(t, errors.Is(table.Unlock("/f", "opaquelocktoken:wrong", "harry", false), errors.ErrBadLockToken))
	assert.True(t, errors.Is(table.Unlock("/f", l.Token, "sally", false), errors.ErrLockOwnerMismatch))

	require.NoError(t, table.Unlock("/f", l.Token, "harry", false))
	assert.True(t, errors.Is(table.Unlock("/f", l.Token, "harry", false), errors.ErrNoSuchLock))

	_, err = table.Lock(Request{Path: "/f", Owner: "harry"})
	require.NoError(t, err)
	require.NoError(t, table.Unlock("/f", "", "admin", true))
	_, err = table.Get("/f")
	assert.True(t, errors.Is(err, errors.ErrNoSuchLock))
}

func TestExpiredLocks(t *testing.T) {
	table, c := newTable(t)
	expires := c.Now().Add(time.Hour)

	_, err := table.Lock(Request{Path: "/f", Owner: "harry", Expires: &expires})
	require.NoError(t, err)

	past := c.Now().Add(-time.Minute)
	_, err = table.Lock(Request{Path: "/g", Owner: "harry", Expires: &past})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	c.Advance(2 * time.Hour)
	_, err = table.Get("/f")
	assert.True(t, errors.Is(err, errors.ErrNoSuchLock))

	locks, err := table.LocksUnder("/")
	require.NoError(t, err)
	assert.Empty(t, locks)

	// An expired lock no longer blocks a new one.
	_, err = table.Lock(Request{Path: "/f", Owner: "sally"})
	require.NoError(t, err)
}

func TestLocksUnder(t *testing.T) {
	table, _ := newTable(t)
	for _, p := range []string{"/a/x", "/a/b/y", "/ab", "/c"} {
		_, err := table.Lock(Request{Path: p, Owner: "harry"})
		require.NoError(t, err)
	}

	paths := func(locks []*Lock) []string {
		var out []string
		for _, l := range locks {
			out = append(out, l.Path)
		}
		return out
	}

	locks, err := table.LocksUnder("/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a/b/y", "/a/x"}, paths(locks))

	locks, err = table.LocksUnder("/")
	require.NoError(t, err)
	assert.Len(t, locks, 4)

	locks, err = table.LocksUnder("/c")
	require.NoError(t, err)
	assert.Equal(t, []string{"/c"}, paths(locks))
}
