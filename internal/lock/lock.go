// Package lock implements the repository path lock table. Locks live in
// the metadata store so finalization can check and remove them inside
// the same transaction that promotes a revision.
package lock

import (
	"fmt"
	"strings"
	"time"

	"revfs/internal/clock"
	"revfs/internal/errors"
	"revfs/internal/metrics"
	"revfs/internal/storage"
	"revfs/internal/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	keyPrefix   = "lock"
	TokenScheme = "opaquelocktoken:"
)

type Lock struct {
	Path    string     `json:"path"`
	Token   string     `json:"token"`
	Owner   string     `json:"owner"`
	Comment string     `json:"comment,omitempty"`
	Created time.Time  `json:"created"`
	Expires *time.Time `json:"expires,omitempty"`
}

// Expired reports whether the lock has lapsed at now.
func (l *Lock) Expired(now time.Time) bool {
	return l.Expires != nil && !now.Before(*l.Expires)
}

type Request struct {
	Path    string
	Owner   string
	Comment string
	// Token, when set, is used instead of a generated one. A request whose
	// token matches the current lock refreshes it.
	Token   string
	Steal   bool
	Expires *time.Time
}

type Table struct {
	store   *storage.Store
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewTable(store *storage.Store, c clock.Clock, logger *zap.Logger, m *metrics.Metrics) *Table {
	if c == nil {
		c = clock.Real()
	}
	return &Table{store: store, clock: c, logger: logger, metrics: m}
}

func key(path string) string {
	return keyPrefix + path
}

func NewToken() string {
	return TokenScheme + uuid.NewString()
}

// Lock creates, refreshes or steals the lock on req.Path.
func (t *Table) Lock(req Request) (*Lock, error) {
	p, err := validation.CanonicalPath(req.Path)
	if err != nil {
		return nil, err
	}
	if req.Owner == "" {
		return nil, errors.ValidationError("lock owner is required", map[string]string{"path": p})
	}
	now := t.clock.Now()
	if req.Expires != nil && !now.Before(*req.Expires) {
		return nil, errors.ValidationError("lock expiration is in the past", map[string]string{"path": p})
	}

	var out *Lock
	op := "lock"
	err = t.store.Update(func(tx *storage.Txn) error {
		existing, err := t.GetTx(tx, p)
		if err != nil && !errors.Is(err, errors.ErrNoSuchLock) {
			return err
		}

		token := req.Token
		if existing != nil {
			switch {
			case req.Token != "" && req.Token == existing.Token:
				if existing.Owner != req.Owner {
					return errors.LockOwnerMismatch(p, existing.Owner, req.Owner)
				}
				op = "refresh"
			case req.Steal:
				op = "steal"
			default:
				return errors.PathLocked(p, existing.Owner)
			}
		}
		if token == "" {
			token = NewToken()
		}

		out = &Lock{
			Path:    p,
			Token:   token,
			Owner:   req.Owner,
			Comment: req.Comment,
			Created: now,
			Expires: req.Expires,
		}
		return tx.Put(key(p), out)
	})
	if err != nil {
		return nil, err
	}

	t.metrics.LockOp(op)
	t.logger.Debug("Locked path",
		zap.String("path", p),
		zap.String("owner", out.Owner),
		zap.String("op", op))
	return out, nil
}

// Unlock removes the lock on path. Without breakLock the token must match
// and user, when given, must own the lock.
func (t *Table) Unlock(path, token, user string, breakLock bool) error {
	p, err := validation.CanonicalPath(path)
	if err != nil {
		return err
	}
	err = t.store.Update(func(tx *storage.Txn) error {
		existing, err := t.GetTx(tx, p)
		if err != nil {
			return err
		}
		if !breakLock {
			if token != existing.Token {
				return errors.BadLockToken(p)
			}
			if user != "" && user != existing.Owner {
				return errors.LockOwnerMismatch(p, existing.Owner, user)
			}
		}
		return tx.Delete(key(p))
	})
	if err != nil {
		return err
	}

	op := "unlock"
	if breakLock {
		op = "break"
	}
	t.metrics.LockOp(op)
	t.logger.Debug("Unlocked path", zap.String("path", p), zap.String("op", op))
	return nil
}

// Get returns the live lock on path or NoSuchLock.
func (t *Table) Get(path string) (*Lock, error) {
	p, err := validation.CanonicalPath(path)
	if err != nil {
		return nil, err
	}
	var out *Lock
	err = t.store.View(func(tx *storage.Txn) error {
		out, err = t.GetTx(tx, p)
		return err
	})
	return out, err
}

// GetTx reads the lock on the canonical path p inside tx. An expired lock
// reads as absent and, in a writable tx, is deleted.
func (t *Table) GetTx(tx *storage.Txn, p string) (*Lock, error) {
	var l Lock
	if err := tx.Get(key(p), &l); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.NoSuchLock(p)
		}
		return nil, fmt.Errorf("reading lock %s: %w", p, err)
	}
	if l.Expired(t.clock.Now()) {
		t.reap(tx, p)
		return nil, errors.NoSuchLock(p)
	}
	return &l, nil
}

func (t *Table) reap(tx *storage.Txn, p string) {
	// Deleting in a read-only badger txn fails; expiry is still honored.
	if err := tx.Delete(key(p)); err == nil {
		t.logger.Debug("Removed expired lock", zap.String("path", p))
	}
}

// LocksUnder returns the live locks at or beneath path, ordered by path.
func (t *Table) LocksUnder(path string) ([]*Lock, error) {
	p, err := validation.CanonicalPath(path)
	if err != nil {
		return nil, err
	}
	var out []*Lock
	err = t.store.View(func(tx *storage.Txn) error {
		out, err = t.LocksUnderTx(tx, p)
		return err
	})
	return out, err
}

func (t *Table) LocksUnderTx(tx *storage.Txn, p string) ([]*Lock, error) {
	prefix := key(p)
	if p == "/" {
		prefix = keyPrefix + "/"
	}
	now := t.clock.Now()

	var out []*Lock
	var expired []string
	err := tx.Scan(prefix, func(k string, raw []byte) error {
		lockPath := strings.TrimPrefix(k, keyPrefix)
		if !validation.IsAncestor(p, lockPath) {
			return nil
		}
		var l Lock
		if err := storage.Decode(raw, &l); err != nil {
			return errors.Corrupt("decoding lock %s: %v", lockPath, err)
		}
		if l.Expired(now) {
			expired = append(expired, lockPath)
			return nil
		}
		out = append(out, &l)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, lp := range expired {
		t.reap(tx, lp)
	}
	return out, nil
}

// DeleteTx removes the lock on p inside tx, if any.
func (t *Table) DeleteTx(tx *storage.Txn, p string) error {
	return tx.Delete(key(p))
}
