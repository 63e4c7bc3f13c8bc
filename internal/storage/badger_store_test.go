package storage

import (
	"testing"
	"time"

	"revfs/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID      string    `json:"id"`
	Value   string    `json:"value"`
	Created time.Time `json:"created"`
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreGetPut(t *testing.T) {
	s := openStore(t)

	var out record
	err := s.Get("missing", &out)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	in := record{ID: "a", Value: "alpha", Created: time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)}
	require.NoError(t, s.Put(Key("rec", "a"), in))
	require.NoError(t, s.Get("rec/a", &out))
	assert.Equal(t, in.Value, out.Value)
	assert.True(t, in.Created.Equal(out.Created))

	require.NoError(t, s.Delete("rec/a"))
	assert.True(t, errors.Is(s.Get("rec/a", &out), errors.ErrNotFound))
}

func TestStoreScanOrder(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Update(func(tx *Txn) error {
		for _, id := range []string{"c", "a", "b"} {
			if err := tx.Put(Key("p", id), record{ID: id}); err != nil {
				return err
			}
		}
		return tx.Put("q/z", record{ID: "z"})
	}))

	var ids []string
	require.NoError(t, s.Scan("p/", func(key string, raw []byte) error {
		var r record
		if err := Decode(raw, &r); err != nil {
			return err
		}
		ids = append(ids, r.ID)
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestBucket(t *testing.T) {
	s := openStore(t)
	b := NewBucket(s, "txn")

	t.Run("create", func(t *testing.T) {
		require.NoError(t, b.Create("1", record{ID: "1", Value: "one"}))
		assert.Error(t, b.Create("1", record{ID: "1"}))
		assert.Error(t, b.Create("", record{}))
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, b.Put("2", record{ID: "2", Value: "two"}))
		var ids []string
		require.NoError(t, b.List(func(id string, raw []byte) error {
			ids = append(ids, id)
			return nil
		}))
		assert.Equal(t, []string{"1", "2"}, ids)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, b.Delete("1"))
		assert.True(t, errors.Is(b.Delete("1"), errors.ErrNotFound))
	})
}
