package noderev

import (
	"context"
	"testing"

	"revfs/internal/content"
	"revfs/internal/errors"
	"revfs/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIDString(t *testing.T) {
	tests := []struct {
		id   ID
		want string
	}{
		{ID{NodeID: "0-0", Rev: 0}, "0-0.r0"},
		{ID{NodeID: "3-12", Rev: 15}, "3-12.r15"},
		{ID{NodeID: "_2", Rev: -1, Txn: "4-2abc"}, "_2.t4-2abc"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.String())
			parsed, err := ParseID(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.id, parsed)
		})
	}

	for _, bad := range []string{"", "abc", "x.q1", "x.rNaN", ".r1"} {
		_, err := ParseID(bad)
		assert.Error(t, err, bad)
	}
}

func TestCloneIsDeep(t *testing.T) {
	n := &NodeRev{
		ID:      ID{NodeID: "1-1", Rev: 1},
		Kind:    Dir,
		Props:   map[string]string{"a": "1"},
		Entries: map[string]ID{"f": {NodeID: "2-1", Rev: 1}},
	}
	c := n.Successor(ID{NodeID: "1-1", Rev: -1, Txn: "t"})
	c.Props["a"] = "2"
	c.Entries["g"] = ID{NodeID: "_1", Txn: "t"}

	assert.Equal(t, "1", n.Props["a"])
	assert.NotContains(t, n.Entries, "g")
	require.NotNil(t, c.Predecessor)
	assert.Equal(t, n.ID, *c.Predecessor)
	assert.Equal(t, 1, c.PredecessorCount)
}

func TestIndexResolution(t *testing.T) {
	store, err := storage.Open("", true)
	require.NoError(t, err)
	defer store.Close()

	root := &NodeRev{ID: ID{NodeID: "0-0", Rev: 1}, Kind: Dir, CreatedPath: "/",
		Entries: map[string]ID{"trunk": {NodeID: "1-1", Rev: 1}, "README": {NodeID: "2-1", Rev: 1}}}
	trunk := &NodeRev{ID: ID{NodeID: "1-1", Rev: 1}, Kind: Dir, CreatedPath: "/trunk",
		Entries: map[string]ID{"main.go": {NodeID: "3-1", Rev: 1}}}
	readme := &NodeRev{ID: ID{NodeID: "2-1", Rev: 1}, Kind: File, CreatedPath: "/README",
		Text: &content.Ref{Rev: 1, ExpandedSize: 12, Checksum: "abc"}}
	main := &NodeRev{ID: ID{NodeID: "3-1", Rev: 1}, Kind: File, CreatedPath: "/trunk/main.go"}

	require.NoError(t, store.Update(func(tx *storage.Txn) error {
		for _, n := range []*NodeRev{root, trunk, readme, main} {
			if err := PutTx(tx, n); err != nil {
				return err
			}
		}
		return nil
	}))

	x, err := NewIndex(store, 16, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("path", func(t *testing.T) {
		n, err := NodeAtPath(ctx, x, root.ID, "/trunk/main.go")
		require.NoError(t, err)
		assert.Equal(t, main.ID, n.ID)

		n, err = NodeAtPath(ctx, x, root.ID, "/")
		require.NoError(t, err)
		assert.Equal(t, root.ID, n.ID)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := NodeAtPath(ctx, x, root.ID, "/trunk/nope")
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		_, err = NodeAtPath(ctx, x, root.ID, "/README/child")
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	})

	t.Run("list", func(t *testing.T) {
		entries, err := ListDir(ctx, x, root)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "README", entries[0].Name)
		assert.Equal(t, int64(12), entries[0].Size)
		assert.Equal(t, "trunk", entries[1].Name)
		assert.Equal(t, Dir, entries[1].Kind)
	})

	t.Run("lookup", func(t *testing.T) {
		n, err := Lookup(ctx, x, trunk, "main.go")
		require.NoError(t, err)
		assert.Equal(t, "/trunk/main.go", n.CreatedPath)
		_, err = Lookup(ctx, x, readme, "x")
		assert.Error(t, err)
	})

	t.Run("scan", func(t *testing.T) {
		var count int
		require.NoError(t, x.Scan(1, func(n *NodeRev) error {
			count++
			return nil
		}))
		assert.Equal(t, 4, count)
	})

	t.Run("dangling id is corruption", func(t *testing.T) {
		_, err := x.NodeRev(ctx, ID{NodeID: "9-9", Rev: 9})
		assert.True(t, errors.Is(err, errors.ErrCorruptRepository))
	})
}
