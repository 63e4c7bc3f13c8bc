package content

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path"

	"revfs/internal/delta"
	"revfs/internal/errors"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Writer appends one representation to a transaction's proto-revision
// file. Only one Writer per transaction may be open at a time.
type Writer struct {
	store    *Store
	txn      string
	f        afero.File
	offset   int64
	buf      *bufio.Writer
	body     *countingWriter
	enc      *delta.Encoder
	baseRC   io.ReadCloser
	hops     int
	sha      hash.Hash
	b3       *blake3.Hasher
	expanded int64
	closed   bool
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// NewWriter starts a representation in txn. With a committed base whose
// chain is still below the configured limit the text is stored as a
// delta against base; otherwise as a fulltext.
func (s *Store) NewWriter(ctx context.Context, txn string, base *Ref) (*Writer, error) {
	useDelta := false
	if base != nil && !base.InTxn() {
		f, off, err := s.open(*base)
		if err != nil {
			return nil, errors.CorruptBase(err)
		}
		_, err = s.header(f, off, *base)
		f.Close()
		if err != nil {
			return nil, errors.CorruptBase(err)
		}
		useDelta = base.Hops+1 <= s.opts.MaxDeltaChain
	}

	protoRev := s.layout.ProtoRevPath(txn)
	if err := s.layout.FS.MkdirAll(path.Dir(protoRev), 0o755); err != nil {
		return nil, err
	}
	f, err := s.layout.FS.OpenFile(protoRev, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening proto-revision: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	w := &Writer{
		store:  s,
		txn:    txn,
		f:      f,
		offset: info.Size(),
		sha:    sha256.New(),
		b3:     blake3.New(),
	}
	w.buf = bufio.NewWriter(f)

	if useDelta {
		baseRC, err := s.Read(ctx, *base)
		if err != nil {
			f.Close()
			if errors.Is(err, errors.ErrCancelled) {
				return nil, err
			}
			return nil, errors.CorruptBase(err)
		}
		w.baseRC = baseRC
		w.hops = base.Hops + 1
		fmt.Fprintf(w.buf, "%s %d %d %d %d %d\n", deltaHeader, base.Rev, base.Offset, base.Size, base.ExpandedSize, w.hops)
		w.body = &countingWriter{w: w.buf}
		w.enc = delta.NewEncoder(baseRC, base.ExpandedSize, w.body, s.opts.WindowSize, s.opts.Compression)
	} else {
		fmt.Fprintf(w.buf, "%s\n", plainHeader)
		w.body = &countingWriter{w: w.buf}
	}
	return w, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed representation writer")
	}
	w.sha.Write(p)
	w.b3.Write(p)
	w.expanded += int64(len(p))
	if w.enc != nil {
		return w.enc.Write(p)
	}
	return w.body.Write(p)
}

// Close finishes the representation. When an identical text is already
// stored in a committed revision the new bytes are dropped and the
// existing reference is returned instead.
func (w *Writer) Close() (Ref, error) {
	if w.closed {
		return Ref{}, fmt.Errorf("representation writer already closed")
	}
	w.closed = true
	defer w.releaseBase()

	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			w.truncate()
			return Ref{}, err
		}
	}
	size := w.body.n
	if _, err := w.buf.WriteString(trailer); err != nil {
		w.truncate()
		return Ref{}, err
	}
	if err := w.buf.Flush(); err != nil {
		w.truncate()
		return Ref{}, err
	}

	ref := Ref{
		Rev:          -1,
		Txn:          w.txn,
		Offset:       w.offset,
		Size:         size,
		ExpandedSize: w.expanded,
		Checksum:     hex.EncodeToString(w.sha.Sum(nil)),
		Digest:       hex.EncodeToString(w.b3.Sum(nil)),
		Hops:         w.hops,
	}

	shared, ok, err := w.store.SharedRef(ref.Digest)
	if err != nil {
		w.store.logger.Warn("rep-cache lookup failed", zap.Error(err))
	} else if ok && shared.Checksum == ref.Checksum && shared.ExpandedSize == ref.ExpandedSize {
		w.truncate()
		return shared, nil
	}

	if err := w.f.Close(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Abort discards everything written by w.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.releaseBase()
	w.truncate()
}

func (w *Writer) truncate() {
	if err := w.f.Truncate(w.offset); err != nil {
		w.store.logger.Warn("truncating proto-revision", zap.String("txn", w.txn), zap.Error(err))
	}
	w.f.Close()
}

func (w *Writer) releaseBase() {
	if w.baseRC != nil {
		w.baseRC.Close()
		w.baseRC = nil
	}
}
