// Package txn stages commits. A Txn is a mutable copy-on-write tree based
// on a committed revision; finalization validates it against the
// youngest revision and promotes it to the next one.
package txn

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"revfs/internal/clock"
	"revfs/internal/content"
	"revfs/internal/errors"
	"revfs/internal/hooks"
	"revfs/internal/layout"
	"revfs/internal/lock"
	"revfs/internal/logging"
	"revfs/internal/metrics"
	"revfs/internal/noderev"
	"revfs/internal/pack"
	"revfs/internal/props"
	"revfs/internal/revision"
	"revfs/internal/storage"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

const (
	recordPrefix = "txn"
	capabilities = "revfs"
)

// CommitOptions are fixed when the transaction begins.
type CommitOptions struct {
	Author string
	Log    string
	// RevProps are extra revision properties; Author and Log win over
	// entries with the same names.
	RevProps map[string]string
	// LockTokens maps locked paths to the tokens the committer holds.
	LockTokens map[string]string
	// AutoUnlock releases the locks whose tokens were used.
	AutoUnlock bool
}

// Record is the persisted description of a live transaction.
type Record struct {
	ID      string    `json:"id"`
	BaseRev int64     `json:"base_rev"`
	Author  string    `json:"author,omitempty"`
	Created time.Time `json:"created"`
}

type CommitInfo struct {
	Revision int64     `json:"revision"`
	Date     time.Time `json:"date"`
	Author   string    `json:"author,omitempty"`
	// PostCommitErr is the post-commit hook failure, if any. The revision
	// exists regardless.
	PostCommitErr error `json:"-"`
}

type Options struct {
	Layout    *layout.Layout
	Meta      *storage.Store
	Index     *noderev.Index
	Contents  *content.Store
	Revisions *revision.Store
	Packs     *pack.Manager
	Locks     *lock.Table
	Hooks     hooks.Runner
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type Manager struct {
	layout    *layout.Layout
	meta      *storage.Store
	records   *storage.Bucket
	index     *noderev.Index
	contents  *content.Store
	revisions *revision.Store
	packs     *pack.Manager
	locks     *lock.Table
	hooks     hooks.Runner
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics

	// commitMu serializes finalization around the youngest-revision pointer.
	commitMu sync.Mutex
}

func NewManager(opts Options) *Manager {
	if opts.Hooks == nil {
		opts.Hooks = hooks.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	opts.Logger = logging.OrNop(opts.Logger)
	return &Manager{
		layout:    opts.Layout,
		meta:      opts.Meta,
		records:   storage.NewBucket(opts.Meta, recordPrefix),
		index:     opts.Index,
		contents:  opts.Contents,
		revisions: opts.Revisions,
		packs:     opts.Packs,
		locks:     opts.Locks,
		hooks:     opts.Hooks,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Begin creates a transaction against base and runs the start-commit hook.
func (m *Manager) Begin(ctx context.Context, base int64, opts CommitOptions) (*Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}
	rev, err := m.revisions.Get(base)
	if err != nil {
		return nil, err
	}

	rec := Record{
		ID:      fmt.Sprintf("%d-%s", base, ksuid.New().String()),
		BaseRev: base,
		Author:  opts.Author,
		Created: m.clock.Now(),
	}
	if err := m.records.Create(rec.ID, rec); err != nil {
		return nil, fmt.Errorf("recording transaction: %w", err)
	}
	if err := m.layout.FS.MkdirAll(m.layout.TxnDir(rec.ID), 0o755); err != nil {
		m.records.Delete(rec.ID)
		return nil, fmt.Errorf("creating transaction directory: %w", err)
	}

	if err := m.hooks.Run(ctx, hooks.StartCommit, []string{opts.Author, capabilities, rec.ID}, nil); err != nil {
		m.purge(rec.ID)
		return nil, err
	}

	t := newTxn(m, rec, rev.Root, opts)
	m.logger.Debug("Began transaction", zap.String("txn", rec.ID), zap.Int64("base", base))
	return t, nil
}

// ListTransactions returns every live or abandoned transaction record.
func (m *Manager) ListTransactions() ([]Record, error) {
	var out []Record
	err := m.records.List(func(id string, raw []byte) error {
		var rec Record
		if err := storage.Decode(raw, &rec); err != nil {
			return errors.Corrupt("decoding transaction %s: %v", id, err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// PurgeTransaction removes a transaction's record and staging files.
func (m *Manager) PurgeTransaction(id string) error {
	if err := m.records.Delete(id); err != nil {
		return err
	}
	if err := m.layout.FS.RemoveAll(m.layout.TxnDir(id)); err != nil {
		return fmt.Errorf("removing transaction %s: %w", id, err)
	}
	m.logger.Info("Purged transaction", zap.String("txn", id))
	return nil
}

func (m *Manager) purge(id string) {
	if err := m.PurgeTransaction(id); err != nil && !errors.Is(err, errors.ErrNotFound) {
		m.logger.Warn("purging transaction", zap.String("txn", id), zap.Error(err))
	}
}

func revString(rev int64) string {
	return strconv.FormatInt(rev, 10)
}

// Bootstrap creates revision 0, an empty root directory, in a new
// repository.
func (m *Manager) Bootstrap() error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if _, err := m.revisions.Youngest(); err == nil {
		return errors.ValidationError("repository already has revisions", nil)
	}

	l := m.layout
	if err := l.FS.MkdirAll(l.RevShardDir(0), 0o755); err != nil {
		return err
	}
	f, err := l.FS.Create(l.RevPath(0))
	if err != nil {
		return fmt.Errorf("creating r0: %w", err)
	}
	f.Close()

	created := m.clock.Now()
	if err := m.packs.WriteNewRevprops(0, map[string]string{props.Date: props.FormatDate(created)}); err != nil {
		return err
	}

	root := &noderev.NodeRev{
		ID:          noderev.ID{NodeID: "0-0", Rev: 0},
		Kind:        noderev.Dir,
		CreatedPath: "/",
		Entries:     map[string]noderev.ID{},
	}
	return m.meta.Update(func(tx *storage.Txn) error {
		if err := noderev.PutTx(tx, root); err != nil {
			return err
		}
		return revision.PutTx(tx, &revision.Revision{Number: 0, Root: root.ID, Created: created})
	})
}
