package delta

import (
	"io"

	"revfs/internal/codec"
	"revfs/internal/errors"
)

// SourceView serves windows' source views from a forward-only reader,
// buffering only the current view.
type SourceView struct {
	r   io.Reader
	buf []byte
	off int64
}

// NewSourceView wraps r; a nil r behaves as an empty source.
func NewSourceView(r io.Reader) *SourceView {
	return &SourceView{r: r}
}

// View returns source bytes [off, off+n). The slice is valid until the
// next call.
func (v *SourceView) View(off int64, n int) ([]byte, error) {
	if off < v.off {
		return nil, errors.Corrupt("delta source view moved backwards (%d < %d)", off, v.off)
	}
	if n == 0 {
		return nil, nil
	}

	end := v.off + int64(len(v.buf))
	if off >= end {
		if off > end && v.r != nil {
			if _, err := io.CopyN(io.Discard, v.r, off-end); err != nil {
				return nil, sourceErr(err, "delta source shorter than view offset %d", off)
			}
		}
		v.buf = v.buf[:0]
	} else {
		v.buf = append(v.buf[:0], v.buf[off-v.off:]...)
	}
	v.off = off

	if need := n - len(v.buf); need > 0 {
		if v.r == nil {
			return nil, errors.Corrupt("delta source view [%d,+%d) past end of empty source", off, n)
		}
		start := len(v.buf)
		v.buf = append(v.buf, make([]byte, need)...)
		if _, err := io.ReadFull(v.r, v.buf[start:]); err != nil {
			return nil, sourceErr(err, "delta source view [%d,+%d) past end of source", off, n)
		}
	}
	return v.buf[:n], nil
}

// sourceErr reports a short source as corruption and passes other
// failures of the underlying reader through.
func sourceErr(err error, format string, args ...any) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Corrupt(format, args...)
	}
	return err
}

// Applier applies windows in order against a forward-read source,
// writing the reconstructed target to w.
type Applier struct {
	view    *SourceView
	w       io.Writer
	scratch []byte
	written int64
}

func NewApplier(source io.Reader, target io.Writer) *Applier {
	return &Applier{view: NewSourceView(source), w: target}
}

func (a *Applier) Apply(win *Window) error {
	src, err := a.view.View(win.SourceOffset, win.SourceLen)
	if err != nil {
		return err
	}
	out, err := win.Apply(src, a.scratch[:0])
	if err != nil {
		return err
	}
	a.scratch = out
	n, err := a.w.Write(out)
	a.written += int64(n)
	return err
}

// Written is the number of target bytes produced so far.
func (a *Applier) Written() int64 {
	return a.written
}

// Encoder turns a stream of target bytes into encoded windows against a
// source of known length.
type Encoder struct {
	view       *SourceView
	sourceLen  int64
	out        io.Writer
	windowSize int
	tag        codec.CompressionTag
	buf        []byte
	index      int64
	closed     bool
}

func NewEncoder(source io.Reader, sourceLen int64, out io.Writer, windowSize int, tag codec.CompressionTag) *Encoder {
	return &Encoder{
		view:       NewSourceView(source),
		sourceLen:  sourceLen,
		out:        out,
		windowSize: windowSize,
		tag:        tag,
	}
}

func (e *Encoder) Write(p []byte) (int, error) {
	e.buf = append(e.buf, p...)
	for len(e.buf) > e.windowSize {
		if err := e.emit(e.buf[:e.windowSize], false); err != nil {
			return 0, err
		}
		e.buf = append(e.buf[:0], e.buf[e.windowSize:]...)
	}
	return len(p), nil
}

// Close emits the final window.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if len(e.buf) == 0 {
		return nil
	}
	return e.emit(e.buf, true)
}

func (e *Encoder) emit(target []byte, last bool) error {
	off, n := ViewFor(e.index, e.windowSize, last, e.sourceLen)
	src, err := e.view.View(off, n)
	if err != nil {
		return err
	}
	w := Compute(src, target)
	w.SourceOffset = off
	e.index++
	return EncodeWindow(e.out, w, e.tag)
}
