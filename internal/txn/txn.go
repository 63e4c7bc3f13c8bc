package txn

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"revfs/internal/content"
	"revfs/internal/errors"
	"revfs/internal/noderev"
	"revfs/internal/props"
	"revfs/internal/validation"

	"go.uber.org/zap"
)

// Txn is one in-progress commit. Its methods are safe for concurrent use,
// but only one TextWriter may be open at a time.
type Txn struct {
	m    *Manager
	rec  Record
	opts CommitOptions

	mu       sync.Mutex
	baseRoot noderev.ID
	root     noderev.ID
	nodes    map[string]*noderev.NodeRev
	nextNode int
	changes  *changeSet
	// expected holds, per path, the committed node-revision the change
	// was based on. A zero ID means the path must not exist.
	expected map[string]noderev.ID
	writing  bool
	done     bool
}

func newTxn(m *Manager, rec Record, root noderev.ID, opts CommitOptions) *Txn {
	return &Txn{
		m:        m,
		rec:      rec,
		opts:     opts,
		baseRoot: root,
		root:     root,
		nodes:    make(map[string]*noderev.NodeRev),
		nextNode: 1,
		changes:  newChangeSet(),
		expected: map[string]noderev.ID{"/": root},
	}
}

func (t *Txn) ID() string     { return t.rec.ID }
func (t *Txn) BaseRev() int64 { return t.rec.BaseRev }
func (t *Txn) Record() Record { return t.rec }
func (t *Txn) Author() string { return t.opts.Author }

// source resolves ids for tree walks. Callers hold t.mu.
type source struct{ t *Txn }

func (s source) NodeRev(ctx context.Context, id noderev.ID) (*noderev.NodeRev, error) {
	if id.InTxn() {
		if id.Txn != s.t.rec.ID {
			return nil, fmt.Errorf("node %s belongs to another transaction", id)
		}
		n, ok := s.t.nodes[id.NodeID]
		if !ok {
			return nil, errors.Corrupt("transaction %s lost node %s", s.t.rec.ID, id)
		}
		return n, nil
	}
	return s.t.m.index.NodeRev(ctx, id)
}

func (t *Txn) check() error {
	if t.done {
		return errors.ProtocolViolation("transaction %s is finished", t.rec.ID)
	}
	return nil
}

func (t *Txn) txnID(nodeID string) noderev.ID {
	return noderev.ID{NodeID: nodeID, Rev: -1, Txn: t.rec.ID}
}

func (t *Txn) freshID() noderev.ID {
	id := t.txnID("_" + strconv.Itoa(t.nextNode))
	t.nextNode++
	return id
}

// Node returns the node at p in the transaction tree. The result must not
// be modified.
func (t *Txn) Node(ctx context.Context, p string) (*noderev.NodeRev, error) {
	p, err := validation.CanonicalPath(p)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return noderev.NodeAtPath(ctx, source{t}, t.root, p)
}

// BaseNode returns the node at p in the base revision.
func (t *Txn) BaseNode(ctx context.Context, p string) (*noderev.NodeRev, error) {
	p, err := validation.CanonicalPath(p)
	if err != nil {
		return nil, err
	}
	return noderev.NodeAtPath(ctx, t.m.index, t.baseRoot, p)
}

// ListDir lists a directory of the transaction tree.
func (t *Txn) ListDir(ctx context.Context, p string) ([]noderev.Entry, error) {
	p, err := validation.CanonicalPath(p)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := noderev.NodeAtPath(ctx, source{t}, t.root, p)
	if err != nil {
		return nil, err
	}
	return noderev.ListDir(ctx, source{t}, n)
}

// expect records the committed node currently at p as the base of a
// change, provided it is also what the base revision has there.
func (t *Txn) expect(ctx context.Context, p string, n *noderev.NodeRev) {
	if _, ok := t.expected[p]; ok {
		return
	}
	if n == nil {
		if _, err := noderev.NodeAtPath(ctx, t.m.index, t.baseRoot, p); errors.Is(err, errors.ErrNotFound) {
			t.expected[p] = noderev.ID{}
		}
		return
	}
	if n.ID.InTxn() {
		return
	}
	base, err := noderev.NodeAtPath(ctx, t.m.index, t.baseRoot, p)
	if err == nil && base.ID == n.ID {
		t.expected[p] = n.ID
	}
}

// mutable returns a transaction-owned copy of the node at p, cloning p
// and its ancestors on first use.
func (t *Txn) mutable(ctx context.Context, p string) (*noderev.NodeRev, error) {
	if p == "/" {
		n, err := source{t}.NodeRev(ctx, t.root)
		if err != nil {
			return nil, err
		}
		if n.ID.InTxn() {
			return n, nil
		}
		c := t.clone(n)
		t.root = c.ID
		return c, nil
	}

	parent, err := t.mutable(ctx, validation.Parent(p))
	if err != nil {
		return nil, err
	}
	name := validation.Base(p)
	n, err := noderev.Lookup(ctx, source{t}, parent, name)
	if err != nil {
		return nil, err
	}
	if n.ID.InTxn() {
		return n, nil
	}
	c := t.clone(n)
	c.CreatedPath = p
	parent.Entries[name] = c.ID
	return c, nil
}

// clone makes a transaction successor of the committed node n. It keeps
// n's node id unless the transaction already holds that node elsewhere.
func (t *Txn) clone(n *noderev.NodeRev) *noderev.NodeRev {
	id := t.txnID(n.ID.NodeID)
	if _, taken := t.nodes[n.ID.NodeID]; taken {
		id = t.freshID()
	}
	c := n.Successor(id)
	if c.IsDir() && c.Entries == nil {
		c.Entries = make(map[string]noderev.ID)
	}
	t.nodes[id.NodeID] = c
	return c
}

// Open marks p as the base of upcoming changes, verifying it exists.
func (t *Txn) Open(ctx context.Context, p string, kind noderev.Kind) error {
	p, err := validation.CanonicalPath(p)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	n, err := noderev.NodeAtPath(ctx, source{t}, t.root, p)
	if err != nil {
		return err
	}
	if n.Kind != kind {
		return errors.PathNotFound(p)
	}
	t.expect(ctx, p, n)
	return nil
}

// Add creates a file or directory at p, optionally as a copy of a
// committed node.
func (t *Txn) Add(ctx context.Context, p string, kind noderev.Kind, from *noderev.CopyFrom) error {
	p, err := validation.CanonicalPath(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return errors.ProtocolViolation("cannot add the root directory")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}

	parent, err := t.mutable(ctx, validation.Parent(p))
	if err != nil {
		return err
	}
	if !parent.IsDir() {
		return errors.PathNotFound(validation.Parent(p))
	}
	name := validation.Base(p)
	if _, exists := parent.Entries[name]; exists {
		return errors.Conflict(p, "path already exists")
	}

	var n *noderev.NodeRev
	if from != nil {
		src, err := t.copySource(ctx, *from)
		if err != nil {
			return err
		}
		if src.Kind != kind {
			return errors.ValidationError(fmt.Sprintf("copy source %s is a %s", from.Path, src.Kind), nil)
		}
		n = src.Successor(t.freshID())
		cf := *from
		n.CopyFrom = &cf
	} else {
		n = &noderev.NodeRev{ID: t.freshID(), Kind: kind}
		if kind == noderev.Dir {
			n.Entries = make(map[string]noderev.ID)
		}
	}
	n.CreatedPath = p
	if n.IsDir() && n.Entries == nil {
		n.Entries = make(map[string]noderev.ID)
	}
	t.nodes[n.ID.NodeID] = n
	parent.Entries[name] = n.ID

	t.expect(ctx, p, nil)
	t.changes.added(p, kind, n.CopyFrom)
	return nil
}

func (t *Txn) copySource(ctx context.Context, from noderev.CopyFrom) (*noderev.NodeRev, error) {
	fp, err := validation.CanonicalPath(from.Path)
	if err != nil {
		return nil, err
	}
	rev, err := t.m.revisions.Get(from.Rev)
	if err != nil {
		return nil, err
	}
	return noderev.NodeAtPath(ctx, t.m.index, rev.Root, fp)
}

// Delete removes p and everything beneath it.
func (t *Txn) Delete(ctx context.Context, p string) error {
	p, err := validation.CanonicalPath(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return errors.ProtocolViolation("cannot delete the root directory")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}

	parent, err := t.mutable(ctx, validation.Parent(p))
	if err != nil {
		return err
	}
	name := validation.Base(p)
	n, err := noderev.Lookup(ctx, source{t}, parent, name)
	if err != nil {
		return err
	}
	t.expect(ctx, p, n)
	delete(parent.Entries, name)
	t.changes.deleted(p, n.Kind)
	return nil
}

// SetProp sets or, with a nil value, removes a node property.
func (t *Txn) SetProp(ctx context.Context, p, name string, value []byte) error {
	p, err := validation.CanonicalPath(p)
	if err != nil {
		return err
	}
	if err := validation.PropName(name); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}

	n, err := t.mutable(ctx, p)
	if err != nil {
		return err
	}
	if n.Props == nil {
		n.Props = make(map[string]string)
	}
	props.Apply(n.Props, name, value)
	if len(n.Props) == 0 {
		n.Props = nil
	}
	t.changes.modified(p, n.Kind, false, true)
	return nil
}

// BaseText opens the current text of the file at p. The reader is nil
// for an empty file.
func (t *Txn) BaseText(ctx context.Context, p string) (io.ReadCloser, *noderev.NodeRev, error) {
	n, err := t.Node(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if n.IsDir() {
		return nil, nil, errors.ValidationError(fmt.Sprintf("%s is a directory", p), nil)
	}
	if n.Text == nil {
		return nil, n, nil
	}
	rc, err := t.m.contents.Read(ctx, *n.Text)
	if err != nil {
		return nil, nil, err
	}
	return rc, n, nil
}

// TextWriter receives the new text of one file.
type TextWriter struct {
	t    *Txn
	path string
	node *noderev.NodeRev
	w    *content.Writer
	done bool
}

// OpenText starts replacing the text of the file at p. The new text is
// stored as a delta against the current one where possible.
func (t *Txn) OpenText(ctx context.Context, p string) (*TextWriter, error) {
	p, err := validation.CanonicalPath(p)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	if t.writing {
		return nil, errors.ProtocolViolation("transaction %s already has an open text", t.rec.ID)
	}

	n, err := t.mutable(ctx, p)
	if err != nil {
		return nil, err
	}
	if n.IsDir() {
		return nil, errors.ValidationError(fmt.Sprintf("%s is a directory", p), nil)
	}
	var base *content.Ref
	if n.Text != nil && !n.Text.InTxn() {
		ref := *n.Text
		base = &ref
	}
	w, err := t.m.contents.NewWriter(ctx, t.rec.ID, base)
	if err != nil {
		return nil, err
	}
	t.writing = true
	return &TextWriter{t: t, path: p, node: n, w: w}, nil
}

func (tw *TextWriter) Write(p []byte) (int, error) {
	return tw.w.Write(p)
}

// Close stores the text and makes it the file's content.
func (tw *TextWriter) Close() (content.Ref, error) {
	if tw.done {
		return content.Ref{}, errors.ProtocolViolation("text of %s already closed", tw.path)
	}
	tw.done = true
	ref, err := tw.w.Close()

	t := tw.t
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writing = false
	if err != nil {
		return content.Ref{}, err
	}
	tw.node.Text = &ref
	t.changes.modified(tw.path, noderev.File, true, false)
	return ref, nil
}

// Abort drops the partially written text.
func (tw *TextWriter) Abort() {
	if tw.done {
		return
	}
	tw.done = true
	tw.w.Abort()
	tw.t.mu.Lock()
	tw.t.writing = false
	tw.t.mu.Unlock()
}

// Changes returns the changed paths in order.
func (t *Txn) Changes() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changes.list()
}

// Abort discards the transaction.
func (t *Txn) Abort() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	t.mu.Unlock()

	t.m.logger.Debug("Aborted transaction", zap.String("txn", t.rec.ID))
	return t.m.PurgeTransaction(t.rec.ID)
}
