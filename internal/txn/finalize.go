package txn

import (
	"context"
	"strings"
	"time"

	"revfs/internal/content"
	"revfs/internal/errors"
	"revfs/internal/hooks"
	"revfs/internal/layout"
	"revfs/internal/lock"
	"revfs/internal/noderev"
	"revfs/internal/props"
	"revfs/internal/revision"
	"revfs/internal/storage"
	"revfs/shared/utils"

	"go.uber.org/zap"
)

// Commit finalizes the transaction into the next revision. Nothing is
// published unless every check passes; the post-commit hook runs after
// the revision is visible and its failure is reported in CommitInfo.
func (t *Txn) Commit(ctx context.Context) (*CommitInfo, error) {
	started := time.Now()
	info, err := t.finalize(ctx)
	if err != nil {
		t.m.metrics.CommitFinished(strings.ToLower(string(errors.TypeOf(err))), started)
		t.m.logger.Info("Commit failed", zap.String("txn", t.rec.ID), zap.Error(err))
		return nil, err
	}
	t.m.metrics.CommitFinished("ok", started)
	t.m.metrics.SetYoungest(info.Revision)

	if err := t.m.hooks.Run(ctx, hooks.PostCommit, []string{revString(info.Revision), t.rec.ID}, nil); err != nil {
		info.PostCommitErr = err
		t.m.logger.Warn("post-commit hook failed", zap.Int64("rev", info.Revision), zap.Error(err))
	}
	return info, nil
}

func (t *Txn) finalize(ctx context.Context) (*CommitInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	if t.writing {
		return nil, errors.ProtocolViolation("transaction %s has an open text", t.rec.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}

	m := t.m
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	youngest, err := m.revisions.Youngest()
	if err != nil {
		return nil, err
	}
	head, err := m.revisions.Get(youngest)
	if err != nil {
		return nil, err
	}
	if err := t.checkConflicts(ctx, head); err != nil {
		return nil, err
	}

	changes := t.changes.list()
	if err := m.meta.View(func(tx *storage.Txn) error {
		_, err := t.checkLocks(tx, changes)
		return err
	}); err != nil {
		return nil, err
	}

	if err := m.hooks.Run(ctx, hooks.PreCommit, []string{t.rec.ID}, changeListing(changes)); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}

	rev := youngest + 1
	date := m.clock.Now()
	nodes, root, shared, err := t.promote(ctx, rev)
	if err != nil {
		return nil, err
	}

	revprops := props.Clone(t.opts.RevProps)
	revprops[props.Date] = props.FormatDate(date)
	if t.opts.Author != "" {
		revprops[props.Author] = t.opts.Author
	}
	if t.opts.Log != "" {
		revprops[props.Log] = t.opts.Log
	}

	size, err := t.publishRevFile(rev)
	if err != nil {
		return nil, err
	}
	if err := m.packs.WriteNewRevprops(rev, revprops); err != nil {
		t.unpublishRevFile(rev)
		return nil, err
	}

	err = m.meta.Update(func(tx *storage.Txn) error {
		current, err := revision.YoungestTx(tx)
		if err != nil {
			return err
		}
		if current != youngest {
			return errors.Conflict("/", "youngest revision moved from r%d to r%d", youngest, current)
		}
		release, err := t.checkLocks(tx, changes)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if err := noderev.PutTx(tx, n); err != nil {
				return err
			}
		}
		for _, ref := range shared {
			if err := content.RecordSharedTx(tx, ref); err != nil {
				return err
			}
		}
		if err := revision.PutTx(tx, &revision.Revision{Number: rev, Root: root, Created: date, Changes: changedPaths(changes)}); err != nil {
			return err
		}
		for _, p := range release {
			if err := m.locks.DeleteTx(tx, p); err != nil {
				return err
			}
		}
		return tx.Delete(m.records.Key(t.rec.ID))
	})
	if err != nil {
		if rmErr := m.packs.RemoveRevprops(rev); rmErr != nil {
			m.logger.Warn("removing unpublished revision properties", zap.Int64("rev", rev), zap.Error(rmErr))
		}
		t.unpublishRevFile(rev)
		return nil, err
	}

	t.done = true
	if err := m.layout.FS.RemoveAll(m.layout.TxnDir(t.rec.ID)); err != nil {
		m.logger.Warn("removing committed transaction directory", zap.String("txn", t.rec.ID), zap.Error(err))
	}
	m.metrics.RevisionBytes(size)
	m.logger.Info("Committed revision",
		zap.Int64("rev", rev),
		zap.String("txn", t.rec.ID),
		zap.String("author", t.opts.Author),
		zap.Int("changes", len(changes)),
	)
	return &CommitInfo{Revision: rev, Date: date, Author: t.opts.Author}, nil
}

// checkConflicts compares every expected base with the youngest tree.
// A transaction whose base is no longer the youngest revision conflicts
// even when its own paths are untouched.
func (t *Txn) checkConflicts(ctx context.Context, head *revision.Revision) error {
	for _, p := range utils.SortedKeys(t.expected) {
		if p == "/" {
			continue
		}
		want := t.expected[p]
		cur, err := noderev.NodeAtPath(ctx, t.m.index, head.Root, p)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}
		switch {
		case want.IsZero():
			if err == nil {
				return errors.Conflict(p, "path was added in r%d", head.Number)
			}
		case err != nil:
			return errors.Conflict(p, "path was deleted after r%d", t.rec.BaseRev)
		case cur.ID != want:
			return errors.Conflict(p, "path is out of date (base r%d, youngest r%d)", t.rec.BaseRev, head.Number)
		}
	}

	if head.Root != t.expected["/"] {
		return errors.Conflict("/", "transaction based on r%d is out of date; youngest is r%d", t.rec.BaseRev, head.Number)
	}
	return nil
}

// checkLocks verifies the committer holds every lock its changes touch
// and returns the lock paths to remove with the commit.
func (t *Txn) checkLocks(tx *storage.Txn, changes []Change) ([]string, error) {
	release := make(map[string]bool)
	for _, ch := range changes {
		var locks []*lock.Lock
		if ch.Kind == Modify {
			l, err := t.m.locks.GetTx(tx, ch.Path)
			switch {
			case err == nil:
				locks = []*lock.Lock{l}
			case !errors.Is(err, errors.ErrNoSuchLock):
				return nil, err
			}
		} else {
			var err error
			if locks, err = t.m.locks.LocksUnderTx(tx, ch.Path); err != nil {
				return nil, err
			}
		}

		for _, l := range locks {
			token, ok := t.opts.LockTokens[l.Path]
			if !ok {
				return nil, errors.NoLockToken(l.Path)
			}
			if token != l.Token {
				return nil, errors.BadLockToken(l.Path)
			}
			if t.opts.Author != "" && l.Owner != t.opts.Author {
				return nil, errors.LockOwnerMismatch(l.Path, l.Owner, t.opts.Author)
			}
			// Locks on deleted or replaced paths go regardless of AutoUnlock.
			if t.opts.AutoUnlock || ch.Kind == Delete || ch.Kind == Replace {
				release[l.Path] = true
			}
		}
	}

	return utils.SortedKeys(release), nil
}

// promote converts the transaction tree reachable from its root into
// committed node-revisions of rev. It also returns the new
// representations eligible for sharing.
func (t *Txn) promote(ctx context.Context, rev int64) ([]*noderev.NodeRev, noderev.ID, []content.Ref, error) {
	var nodes []*noderev.NodeRev
	var shared []content.Ref

	var walk func(id noderev.ID) (noderev.ID, error)
	walk = func(id noderev.ID) (noderev.ID, error) {
		if !id.InTxn() {
			return id, nil
		}
		if err := ctx.Err(); err != nil {
			return noderev.ID{}, errors.FromContext(err)
		}
		n, ok := t.nodes[id.NodeID]
		if !ok {
			return noderev.ID{}, errors.Corrupt("transaction %s lost node %s", t.rec.ID, id)
		}

		c := n.Clone()
		c.ID = committedID(id.NodeID, rev)
		for name, child := range c.Entries {
			promoted, err := walk(child)
			if err != nil {
				return noderev.ID{}, err
			}
			c.Entries[name] = promoted
		}
		if c.Text != nil && c.Text.Txn == t.rec.ID {
			ref := c.Text.Promote(t.rec.ID, rev)
			c.Text = &ref
			shared = append(shared, ref)
		}
		if len(c.Props) == 0 {
			c.Props = nil
		}
		nodes = append(nodes, c)
		return c.ID, nil
	}

	root, err := walk(t.root)
	if err != nil {
		return nil, noderev.ID{}, nil, err
	}
	if !root.InTxn() && root.Rev != rev {
		// Nothing was touched; the revision still needs its own root.
		n, err := t.m.index.NodeRev(ctx, root)
		if err != nil {
			return nil, noderev.ID{}, nil, err
		}
		c := n.Successor(noderev.ID{NodeID: n.ID.NodeID, Rev: rev})
		nodes = append(nodes, c)
		root = c.ID
	}
	return nodes, root, shared, nil
}

func committedID(nodeID string, rev int64) noderev.ID {
	if strings.HasPrefix(nodeID, "_") {
		nodeID = nodeID[1:] + "-" + revString(rev)
	}
	return noderev.ID{NodeID: nodeID, Rev: rev}
}

// publishRevFile moves the proto-revision into place as the revision
// file and returns its size.
func (t *Txn) publishRevFile(rev int64) (int64, error) {
	l := t.m.layout
	if err := l.FS.MkdirAll(l.RevShardDir(l.Shard(rev)), 0o755); err != nil {
		return 0, err
	}
	proto, dst := l.ProtoRevPath(t.rec.ID), l.RevPath(rev)
	if _, err := l.FS.Stat(proto); err != nil {
		if !layout.IsNotExist(err) {
			return 0, err
		}
		f, err := l.FS.Create(proto)
		if err != nil {
			return 0, err
		}
		f.Close()
	}
	if err := l.FS.Rename(proto, dst); err != nil {
		return 0, err
	}
	info, err := l.FS.Stat(dst)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (t *Txn) unpublishRevFile(rev int64) {
	l := t.m.layout
	if err := l.FS.Rename(l.RevPath(rev), l.ProtoRevPath(t.rec.ID)); err != nil {
		t.m.logger.Error("restoring proto-revision", zap.Int64("rev", rev), zap.String("txn", t.rec.ID), zap.Error(err))
	}
}
