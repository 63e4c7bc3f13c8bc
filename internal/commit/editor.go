// Package commit drives a transaction through the tree-delta editor
// protocol. The Editor is an explicit state machine: calls that are not
// legal in the current state fail with ProtocolViolation and abort the
// edit.
package commit

import (
	"context"
	"fmt"
	"io"

	"revfs/internal/delta"
	"revfs/internal/errors"
	"revfs/internal/logging"
	"revfs/internal/noderev"
	"revfs/internal/txn"
	"revfs/internal/validation"
	"revfs/shared/utils"

	"go.uber.org/zap"
)

type State int

const (
	Unopened State = iota
	RootOpen
	DirOpen
	FileOpen
	Closed
	Aborted
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case RootOpen:
		return "root-open"
	case DirOpen:
		return "dir-open"
	case FileOpen:
		return "file-open"
	case Closed:
		return "closed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Beginner starts transactions; *txn.Manager implements it.
type Beginner interface {
	Begin(ctx context.Context, base int64, opts txn.CommitOptions) (*txn.Txn, error)
}

type Editor struct {
	txns   Beginner
	opts   txn.CommitOptions
	logger *zap.Logger

	state State
	txn   *txn.Txn
	dirs  []string
	file  string
	text  *textDelta
}

type textDelta struct {
	base    io.ReadCloser
	w       *txn.TextWriter
	applier *delta.Applier
}

func NewEditor(txns Beginner, opts txn.CommitOptions, logger *zap.Logger) *Editor {
	return &Editor{txns: txns, opts: opts, logger: logging.OrNop(logger)}
}

func (e *Editor) State() State {
	return e.state
}

// TxnID names the underlying transaction once the root is open.
func (e *Editor) TxnID() string {
	if e.txn == nil {
		return ""
	}
	return e.txn.ID()
}

// violation aborts the edit and reports a protocol error.
func (e *Editor) violation(format string, args ...any) error {
	err := errors.ProtocolViolation(format, args...)
	e.logger.Warn("Editor protocol violation", zap.String("state", e.state.String()), zap.Error(err))
	e.abort()
	return err
}

// fail aborts the edit and passes err through.
func (e *Editor) fail(err error) error {
	e.abort()
	return err
}

func (e *Editor) current() string {
	if len(e.dirs) == 0 {
		return "/"
	}
	return e.dirs[len(e.dirs)-1]
}

func (e *Editor) inDir(op string) error {
	if e.state != RootOpen && e.state != DirOpen {
		return e.violation("%s while %s", op, e.state)
	}
	return nil
}

// child canonicalizes p and checks it is an entry of the open directory.
func (e *Editor) child(op, p string) (string, error) {
	if err := e.inDir(op); err != nil {
		return "", err
	}
	cp, err := validation.CanonicalPath(p)
	if err != nil {
		return "", e.fail(err)
	}
	if cp == "/" || validation.Parent(cp) != e.current() {
		return "", e.violation("%s %s outside open directory %s", op, cp, e.current())
	}
	return cp, nil
}

func (e *Editor) OpenRoot(ctx context.Context, base int64) error {
	if e.state != Unopened {
		return e.violation("open root while %s", e.state)
	}
	t, err := e.txns.Begin(ctx, base, e.opts)
	if err != nil {
		e.state = Aborted
		return err
	}
	e.txn = t
	e.state = RootOpen
	return nil
}

func (e *Editor) AddDirectory(ctx context.Context, p string, from *noderev.CopyFrom) error {
	p, err := e.child("add directory", p)
	if err != nil {
		return err
	}
	if err := e.txn.Add(ctx, p, noderev.Dir, from); err != nil {
		return err
	}
	e.dirs = append(e.dirs, p)
	e.state = DirOpen
	return nil
}

func (e *Editor) OpenDirectory(ctx context.Context, p string) error {
	p, err := e.child("open directory", p)
	if err != nil {
		return err
	}
	if err := e.txn.Open(ctx, p, noderev.Dir); err != nil {
		return err
	}
	e.dirs = append(e.dirs, p)
	e.state = DirOpen
	return nil
}

// ChangeDirectoryProperty sets a property of the open directory; a nil
// value deletes it.
func (e *Editor) ChangeDirectoryProperty(ctx context.Context, name string, value []byte) error {
	if err := e.inDir("change directory property"); err != nil {
		return err
	}
	return e.txn.SetProp(ctx, e.current(), name, value)
}

func (e *Editor) CloseDirectory() error {
	if e.state != DirOpen {
		return e.violation("close directory while %s", e.state)
	}
	e.dirs = e.dirs[:len(e.dirs)-1]
	if len(e.dirs) == 0 {
		e.state = RootOpen
	}
	return nil
}

func (e *Editor) DeleteEntry(ctx context.Context, p string) error {
	p, err := e.child("delete entry", p)
	if err != nil {
		return err
	}
	return e.txn.Delete(ctx, p)
}

func (e *Editor) AddFile(ctx context.Context, p string, from *noderev.CopyFrom) error {
	p, err := e.child("add file", p)
	if err != nil {
		return err
	}
	if err := e.txn.Add(ctx, p, noderev.File, from); err != nil {
		return err
	}
	e.file = p
	e.state = FileOpen
	return nil
}

func (e *Editor) OpenFile(ctx context.Context, p string) error {
	p, err := e.child("open file", p)
	if err != nil {
		return err
	}
	if err := e.txn.Open(ctx, p, noderev.File); err != nil {
		return err
	}
	e.file = p
	e.state = FileOpen
	return nil
}

func (e *Editor) ChangeFileProperty(ctx context.Context, name string, value []byte) error {
	if e.state != FileOpen || e.text != nil {
		return e.violation("change file property while %s", e.state)
	}
	return e.txn.SetProp(ctx, e.file, name, value)
}

// ApplyTextDelta starts replacing the open file's text with the result of
// applying the coming windows to its current text. A non-empty
// baseChecksum must match that text.
func (e *Editor) ApplyTextDelta(ctx context.Context, baseChecksum string) error {
	if e.state != FileOpen || e.text != nil {
		return e.violation("apply text delta while %s", e.state)
	}

	if baseChecksum != "" {
		n, err := e.txn.Node(ctx, e.file)
		if err != nil {
			return e.fail(err)
		}
		if n.Checksum() != baseChecksum {
			return e.fail(errors.ChecksumMismatch(e.file, baseChecksum, n.Checksum()))
		}
	}

	base, _, err := e.txn.BaseText(ctx, e.file)
	if err != nil {
		return e.fail(err)
	}
	w, err := e.txn.OpenText(ctx, e.file)
	if err != nil {
		if base != nil {
			base.Close()
		}
		return e.fail(err)
	}

	e.text = &textDelta{base: base, w: w, applier: delta.NewApplier(base, w)}
	return nil
}

// TextDeltaChunk applies one window. Windows must arrive in order.
func (e *Editor) TextDeltaChunk(ctx context.Context, win *delta.Window) error {
	if e.text == nil {
		return e.violation("text delta window without apply text delta")
	}
	if err := ctx.Err(); err != nil {
		return e.fail(errors.FromContext(err))
	}
	if err := e.text.applier.Apply(win); err != nil {
		return e.fail(err)
	}
	return nil
}

func (e *Editor) TextDeltaEnd() error {
	if e.text == nil {
		return e.violation("text delta end without apply text delta")
	}
	td := e.text
	e.text = nil
	if td.base != nil {
		td.base.Close()
	}
	if _, err := td.w.Close(); err != nil {
		return e.fail(err)
	}
	return nil
}

// CloseFile finishes the open file. A non-empty expectedChecksum must
// match its final text.
func (e *Editor) CloseFile(ctx context.Context, p, expectedChecksum string) error {
	if e.state != FileOpen {
		return e.violation("close file while %s", e.state)
	}
	if e.text != nil {
		return e.violation("close file %s with an unfinished text delta", e.file)
	}
	cp, err := validation.CanonicalPath(p)
	if err != nil || cp != e.file {
		return e.violation("close file %s while %s is open", p, e.file)
	}

	if expectedChecksum != "" {
		n, err := e.txn.Node(ctx, e.file)
		if err != nil {
			return e.fail(err)
		}
		if n.Checksum() != expectedChecksum {
			return e.fail(errors.ChecksumMismatch(e.file, expectedChecksum, n.Checksum()))
		}
	}

	e.file = ""
	if len(e.dirs) == 0 {
		e.state = RootOpen
	} else {
		e.state = DirOpen
	}
	return nil
}

// CloseEdit finalizes the transaction into a new revision.
func (e *Editor) CloseEdit(ctx context.Context) (*txn.CommitInfo, error) {
	if e.state != RootOpen {
		return nil, e.violation("close edit while %s", e.state)
	}
	info, err := e.txn.Commit(ctx)
	if err != nil {
		return nil, e.fail(err)
	}
	e.state = Closed
	return info, nil
}

// AbortEdit discards the transaction. Once the edit is aborted or
// committed it does nothing; a committed revision stays.
func (e *Editor) AbortEdit() error {
	return e.abort()
}

func (e *Editor) abort() error {
	if e.state == Aborted || e.state == Closed {
		return nil
	}
	e.state = Aborted
	if e.text != nil {
		if e.text.base != nil {
			e.text.base.Close()
		}
		e.text.w.Abort()
		e.text = nil
	}
	e.dirs = nil
	e.file = ""
	if e.txn == nil {
		return nil
	}
	if err := e.txn.Abort(); err != nil {
		e.logger.Warn("aborting transaction", zap.String("txn", e.txn.ID()), zap.Error(err))
		return err
	}
	return nil
}

// SendText drives a complete text delta that turns base into target.
func (e *Editor) SendText(ctx context.Context, base, target []byte, windowSize int) error {
	if err := e.ApplyTextDelta(ctx, utils.HashContent(base)); err != nil {
		return err
	}
	for _, win := range delta.Diff(base, target, windowSize) {
		if err := e.TextDeltaChunk(ctx, win); err != nil {
			return err
		}
	}
	return e.TextDeltaEnd()
}
