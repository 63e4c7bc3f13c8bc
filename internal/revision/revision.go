// Package revision records committed revisions and the youngest-revision
// pointer, and reads revision properties through the pack manager.
package revision

import (
	"fmt"
	"strconv"
	"time"

	"revfs/internal/errors"
	"revfs/internal/noderev"
	"revfs/internal/pack"
	"revfs/internal/storage"
)

const (
	revPrefix  = "rev"
	currentKey = "current"
)

type Revision struct {
	Number  int64         `json:"number"`
	Root    noderev.ID    `json:"root"`
	Created time.Time     `json:"created"`
	Changes []ChangedPath `json:"changes,omitempty"`
}

// ChangedPath is one entry of a revision's changed-path list. Action is
// one of A, D, R or M.
type ChangedPath struct {
	Path     string            `json:"path"`
	Action   string            `json:"action"`
	NodeKind noderev.Kind      `json:"node_kind,omitempty"`
	TextMod  bool              `json:"text_mod"`
	PropMod  bool              `json:"prop_mod"`
	CopyFrom *noderev.CopyFrom `json:"copy_from,omitempty"`
}

type Store struct {
	meta  *storage.Store
	packs *pack.Manager
}

func NewStore(meta *storage.Store, packs *pack.Manager) *Store {
	return &Store{meta: meta, packs: packs}
}

func key(rev int64) string {
	return storage.Key(revPrefix, strconv.FormatInt(rev, 10))
}

// Youngest returns the newest committed revision.
func (s *Store) Youngest() (int64, error) {
	var rev int64
	if err := s.meta.Get(currentKey, &rev); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return 0, errors.Corrupt("repository has no current revision")
		}
		return 0, err
	}
	return rev, nil
}

// YoungestTx reads the youngest revision inside a metadata transaction.
func YoungestTx(tx *storage.Txn) (int64, error) {
	var rev int64
	if err := tx.Get(currentKey, &rev); err != nil {
		return 0, err
	}
	return rev, nil
}

func (s *Store) Get(rev int64) (*Revision, error) {
	if rev < 0 {
		return nil, errors.NotFound(fmt.Sprintf("no such revision %d", rev))
	}
	youngest, err := s.Youngest()
	if err != nil {
		return nil, err
	}
	if rev > youngest {
		return nil, errors.NotFound(fmt.Sprintf("no such revision %d", rev))
	}

	var r Revision
	if err := s.meta.Get(key(rev), &r); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Corrupt("revision %d is missing its record", rev)
		}
		return nil, err
	}
	return &r, nil
}

// PutTx records rev and makes it the youngest revision. It must run in
// the same metadata transaction as the revision's node-revisions.
func PutTx(tx *storage.Txn, r *Revision) error {
	if err := tx.Put(key(r.Number), r); err != nil {
		return err
	}
	return tx.Put(currentKey, r.Number)
}

func (s *Store) Props(rev int64) (map[string]string, error) {
	if _, err := s.Get(rev); err != nil {
		return nil, err
	}
	return s.packs.ReadRevprops(rev)
}

// SetProps replaces all properties of an existing revision.
func (s *Store) SetProps(rev int64, p map[string]string) error {
	if _, err := s.Get(rev); err != nil {
		return err
	}
	return s.packs.SetRevprops(rev, p)
}
