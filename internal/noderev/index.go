package noderev

import (
	"context"
	"fmt"
	"strconv"

	"revfs/internal/errors"
	"revfs/internal/storage"
	"revfs/internal/validation"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const keyPrefix = "nr"

// Source resolves node-revision ids. The Index serves committed ids; a
// transaction wraps it to also serve its own.
type Source interface {
	NodeRev(ctx context.Context, id ID) (*NodeRev, error)
}

// Index reads committed node-revisions from the metadata store. Entries
// are immutable once written, so the cache never needs invalidating.
type Index struct {
	store  *storage.Store
	cache  *lru.Cache[ID, *NodeRev]
	logger *zap.Logger
}

func NewIndex(store *storage.Store, cacheSize int, logger *zap.Logger) (*Index, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[ID, *NodeRev](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating node-revision cache: %w", err)
	}
	return &Index{store: store, cache: cache, logger: logger}, nil
}

func Key(id ID) string {
	return storage.Key(keyPrefix, strconv.FormatInt(id.Rev, 10), id.NodeID)
}

// RevPrefix is the key prefix of all node-revisions created in rev.
func RevPrefix(rev int64) string {
	return storage.Key(keyPrefix, strconv.FormatInt(rev, 10)) + "/"
}

// NodeRev returns a committed node-revision. Callers must not modify it.
func (x *Index) NodeRev(ctx context.Context, id ID) (*NodeRev, error) {
	if id.InTxn() {
		return nil, fmt.Errorf("index lookup of transaction node %s", id)
	}
	if n, ok := x.cache.Get(id); ok {
		return n, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}

	var n NodeRev
	if err := x.store.Get(Key(id), &n); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Corrupt("missing node-revision %s", id)
		}
		return nil, fmt.Errorf("reading node-revision %s: %w", id, err)
	}
	x.cache.Add(id, &n)
	return &n, nil
}

// PutTx stores a committed node-revision inside a metadata transaction.
func PutTx(tx *storage.Txn, n *NodeRev) error {
	if n.ID.InTxn() {
		return fmt.Errorf("storing uncommitted node %s", n.ID)
	}
	return tx.Put(Key(n.ID), n)
}

// Scan calls fn for every node-revision created in rev.
func (x *Index) Scan(rev int64, fn func(n *NodeRev) error) error {
	return x.store.Scan(RevPrefix(rev), func(key string, raw []byte) error {
		var n NodeRev
		if err := storage.Decode(raw, &n); err != nil {
			return errors.Corrupt("decoding %s: %v", key, err)
		}
		return fn(&n)
	})
}

// Lookup resolves one entry of dir.
func Lookup(ctx context.Context, src Source, dir *NodeRev, name string) (*NodeRev, error) {
	if !dir.IsDir() {
		return nil, errors.NotFound(fmt.Sprintf("%s is not a directory", dir.CreatedPath))
	}
	id, ok := dir.Entries[name]
	if !ok {
		return nil, errors.PathNotFound(validation.Join(dir.CreatedPath, name))
	}
	return src.NodeRev(ctx, id)
}

// NodeAtPath walks from root to the canonical path p.
func NodeAtPath(ctx context.Context, src Source, root ID, p string) (*NodeRev, error) {
	n, err := src.NodeRev(ctx, root)
	if err != nil {
		return nil, err
	}
	for _, name := range validation.Components(p) {
		if !n.IsDir() {
			return nil, errors.PathNotFound(p)
		}
		id, ok := n.Entries[name]
		if !ok {
			return nil, errors.PathNotFound(p)
		}
		if n, err = src.NodeRev(ctx, id); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Entry is one listed child of a directory.
type Entry struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	ID   ID     `json:"id"`
	Size int64  `json:"size"`
}

// ListDir returns dir's entries sorted by name.
func ListDir(ctx context.Context, src Source, dir *NodeRev) ([]Entry, error) {
	if !dir.IsDir() {
		return nil, errors.NotFound(fmt.Sprintf("%s is not a directory", dir.CreatedPath))
	}
	entries := make([]Entry, 0, len(dir.Entries))
	for _, name := range dir.Names() {
		child, err := src.NodeRev(ctx, dir.Entries[name])
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: name, Kind: child.Kind, ID: child.ID, Size: child.Size()})
	}
	return entries, nil
}
