package content

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"revfs/internal/delta"
	"revfs/internal/errors"

	"github.com/spf13/afero"
)

type plainReader struct {
	ctx       context.Context
	r         io.Reader
	f         afero.File
	remaining int64
}

func (p *plainReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, errors.FromContext(err)
	}
	if p.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(b)) > p.remaining {
		b = b[:p.remaining]
	}
	n, err := p.r.Read(b)
	p.remaining -= int64(n)
	if err == io.EOF && p.remaining > 0 {
		return n, errors.Corrupt("representation truncated")
	}
	return n, err
}

func (p *plainReader) Close() error {
	return p.f.Close()
}

// deltaReader expands one window at a time from a delta body against the
// reader of its base representation.
type deltaReader struct {
	ctx      context.Context
	windows  *bufio.Reader
	base     io.ReadCloser
	f        afero.File
	applier  *delta.Applier
	out      bytes.Buffer
	expected int64
	done     bool
}

func newDeltaReader(ctx context.Context, windows *bufio.Reader, base io.ReadCloser, f afero.File, expected int64) *deltaReader {
	d := &deltaReader{ctx: ctx, windows: windows, base: base, f: f, expected: expected}
	d.applier = delta.NewApplier(base, &d.out)
	return d
}

func (d *deltaReader) Read(b []byte) (int, error) {
	for d.out.Len() == 0 {
		if d.done {
			return 0, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return 0, errors.FromContext(err)
		}

		w, err := delta.DecodeWindow(d.windows)
		if err == io.EOF {
			d.done = true
			if d.applier.Written() != d.expected {
				return 0, errors.Corrupt("delta expanded to %d bytes, expected %d", d.applier.Written(), d.expected)
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		if err := d.applier.Apply(w); err != nil {
			return 0, err
		}
	}
	return d.out.Read(b)
}

func (d *deltaReader) Close() error {
	err := d.base.Close()
	if ferr := d.f.Close(); err == nil {
		err = ferr
	}
	return err
}
