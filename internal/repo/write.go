package repo

import (
	"context"
	"fmt"
	"time"

	"revfs/internal/commit"
	"revfs/internal/errors"
	"revfs/internal/hooks"
	"revfs/internal/lock"
	"revfs/internal/props"
	"revfs/internal/txn"
	"revfs/internal/validation"

	"go.uber.org/zap"
)

// CommitOptions returns commit options carrying the repository's
// auto-unlock default.
func (r *Repository) CommitOptions(author, log string) txn.CommitOptions {
	return txn.CommitOptions{Author: author, Log: log, AutoUnlock: r.cfg.AutoUnlock}
}

// BeginCommit returns an editor for one commit; OpenRoot picks its base.
func (r *Repository) BeginCommit(opts txn.CommitOptions) *commit.Editor {
	return commit.NewEditor(r.txns, opts, r.logger.Named("editor"))
}

func (r *Repository) ListTransactions() ([]txn.Record, error) {
	return r.txns.ListTransactions()
}

func (r *Repository) PurgeTransaction(id string) error {
	return r.txns.PurgeTransaction(id)
}

// Pack packs every complete shard and returns how many it packed.
func (r *Repository) Pack(ctx context.Context) (int, error) {
	youngest, err := r.revs.Youngest()
	if err != nil {
		return 0, err
	}
	return r.packs.Pack(ctx, youngest)
}

// SetRevisionProperty changes one property of a committed revision; a nil
// value deletes it. The pre-revprop-change hook may veto the change.
func (r *Repository) SetRevisionProperty(ctx context.Context, rev int64, name string, value []byte, user string) error {
	if err := validation.PropName(name); err != nil {
		return err
	}
	r.revpropMu.Lock()
	defer r.revpropMu.Unlock()

	current, err := r.revs.Props(rev)
	if err != nil {
		return err
	}
	old, had := current[name]

	var action string
	switch {
	case value == nil && !had:
		return nil
	case value == nil:
		action = "D"
	case had:
		action = "M"
	default:
		action = "A"
	}
	if name == props.Date && value != nil {
		if _, err := props.ParseDate(string(value)); err != nil {
			return errors.ValidationError(fmt.Sprintf("malformed %s value", props.Date), map[string]string{"value": string(value)})
		}
	}

	args := []string{revString(rev), user, name, action}
	if err := r.hooks.Run(ctx, hooks.PreRevpropChange, args, value); err != nil {
		return err
	}

	updated := props.Clone(current)
	props.Apply(updated, name, value)
	if err := r.revs.SetProps(rev, updated); err != nil {
		return err
	}
	r.logger.Info("Changed revision property",
		zap.Int64("rev", rev),
		zap.String("name", name),
		zap.String("action", action),
		zap.String("user", user))

	if err := r.hooks.Run(ctx, hooks.PostRevpropChange, args, []byte(old)); err != nil {
		r.logger.Warn("post-revprop-change hook failed", zap.Int64("rev", rev), zap.Error(err))
	}
	return nil
}

// LockRequest asks for a lock on an existing file at the youngest revision.
type LockRequest struct {
	Path    string
	Owner   string
	Comment string
	Token   string
	Steal   bool
	Expires *time.Time
}

func (r *Repository) Lock(ctx context.Context, req LockRequest) (*lock.Lock, error) {
	p, err := validation.CanonicalPath(req.Path)
	if err != nil {
		return nil, err
	}
	youngest, err := r.revs.Youngest()
	if err != nil {
		return nil, err
	}
	n, err := r.Node(ctx, youngest, p)
	if err != nil {
		return nil, err
	}
	if n.IsDir() {
		return nil, errors.ValidationError(fmt.Sprintf("%s is a directory", p), nil)
	}

	if err := r.hooks.Run(ctx, hooks.PreLock, []string{p, req.Owner, req.Comment, flag(req.Steal)}, nil); err != nil {
		return nil, err
	}
	l, err := r.locks.Lock(lock.Request{
		Path:    p,
		Owner:   req.Owner,
		Comment: req.Comment,
		Token:   req.Token,
		Steal:   req.Steal,
		Expires: req.Expires,
	})
	if err != nil {
		return nil, err
	}
	if err := r.hooks.Run(ctx, hooks.PostLock, []string{req.Owner}, []byte(p+"\n")); err != nil {
		r.logger.Warn("post-lock hook failed", zap.String("path", p), zap.Error(err))
	}
	return l, nil
}

func (r *Repository) Unlock(ctx context.Context, path, token, user string, breakLock bool) error {
	p, err := validation.CanonicalPath(path)
	if err != nil {
		return err
	}
	if err := r.hooks.Run(ctx, hooks.PreUnlock, []string{p, user, token, flag(breakLock)}, nil); err != nil {
		return err
	}
	if err := r.locks.Unlock(p, token, user, breakLock); err != nil {
		return err
	}
	if err := r.hooks.Run(ctx, hooks.PostUnlock, []string{user}, []byte(p+"\n")); err != nil {
		r.logger.Warn("post-unlock hook failed", zap.String("path", p), zap.Error(err))
	}
	return nil
}

// GetLock returns the lock on path or NoSuchLock.
func (r *Repository) GetLock(path string) (*lock.Lock, error) {
	return r.locks.Get(path)
}

// Locks lists the locks at or beneath path.
func (r *Repository) Locks(path string) ([]*lock.Lock, error) {
	return r.locks.LocksUnder(path)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func revString(rev int64) string {
	return fmt.Sprintf("%d", rev)
}
