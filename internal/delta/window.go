// Package delta implements windowed binary deltas. A target text is cut
// into windows; each window is rebuilt from a view of the source text,
// from bytes already produced for the same window, and from literal data
// carried in the window.
package delta

import (
	"fmt"

	"revfs/internal/errors"
)

type OpKind uint8

const (
	// CopySource copies Length bytes from the source view at Offset.
	CopySource OpKind = iota
	// CopyTarget copies Length bytes of this window's output starting at
	// Offset. The ranges may overlap, which repeats a pattern.
	CopyTarget
	// New copies Length bytes of NewData starting at Offset.
	New
)

func (k OpKind) String() string {
	switch k {
	case CopySource:
		return "source"
	case CopyTarget:
		return "target"
	case New:
		return "new"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

type Op struct {
	Kind   OpKind
	Offset int
	Length int
}

// Window is one self-contained delta instruction block. The source view
// is [SourceOffset, SourceOffset+SourceLen) of the source text.
type Window struct {
	SourceOffset int64
	SourceLen    int
	TargetLen    int
	Ops          []Op
	NewData      []byte
}

// Apply rebuilds the window's target from source, appending it to dst.
func (w *Window) Apply(source, dst []byte) ([]byte, error) {
	if len(source) != w.SourceLen {
		return nil, errors.Corrupt("delta window: source view is %d bytes, expected %d", len(source), w.SourceLen)
	}

	start := len(dst)
	for i, op := range w.Ops {
		if op.Length < 0 || op.Offset < 0 {
			return nil, errors.Corrupt("delta window: op %d has negative range", i)
		}
		if len(dst)-start+op.Length > w.TargetLen {
			return nil, errors.Corrupt("delta window: output exceeds target length %d", w.TargetLen)
		}
		switch op.Kind {
		case CopySource:
			if op.Offset+op.Length > len(source) {
				return nil, errors.Corrupt("delta window: op %d reads past source view", i)
			}
			dst = append(dst, source[op.Offset:op.Offset+op.Length]...)
		case CopyTarget:
			produced := len(dst) - start
			if op.Offset >= produced && op.Length > 0 {
				return nil, errors.Corrupt("delta window: op %d copies from unwritten target", i)
			}
			from := start + op.Offset
			for j := 0; j < op.Length; j++ {
				dst = append(dst, dst[from+j])
			}
		case New:
			if op.Offset+op.Length > len(w.NewData) {
				return nil, errors.Corrupt("delta window: op %d reads past new data", i)
			}
			dst = append(dst, w.NewData[op.Offset:op.Offset+op.Length]...)
		default:
			return nil, errors.Corrupt("delta window: op %d has unknown kind %d", i, op.Kind)
		}
	}

	if len(dst)-start != w.TargetLen {
		return nil, errors.Corrupt("delta window: produced %d bytes, expected %d", len(dst)-start, w.TargetLen)
	}
	return dst, nil
}

// ViewFor returns the source view used for the window at index. Views of
// successive windows never move backwards, so a source can be consumed
// in a single forward pass. The last window may see up to two windows
// of remaining source.
func ViewFor(index int64, windowSize int, last bool, sourceLen int64) (int64, int) {
	off := index * int64(windowSize)
	if off > sourceLen {
		off = sourceLen
	}
	span := int64(windowSize)
	if last {
		span *= 2
	}
	end := off + span
	if end > sourceLen {
		end = sourceLen
	}
	return off, int(end - off)
}
