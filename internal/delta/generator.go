package delta

import "bytes"

// matchBlock is the granularity at which source and target blocks are
// indexed. Matches shorter than this are emitted as new data.
const matchBlock = 16

func blockHash(b []byte) uint32 {
	h := uint32(2166136261)
	for _, c := range b[:matchBlock] {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}

// Compute builds a window producing target from the source view.
// SourceOffset is left for the caller to set.
func Compute(source, target []byte) *Window {
	w := &Window{SourceLen: len(source), TargetLen: len(target)}

	srcIndex := make(map[uint32]int)
	for p := 0; p+matchBlock <= len(source); p += matchBlock {
		h := blockHash(source[p:])
		if _, ok := srcIndex[h]; !ok {
			srcIndex[h] = p
		}
	}
	tgtIndex := make(map[uint32]int)
	nextTgt := 0

	litStart := 0
	flush := func(end int) {
		if end > litStart {
			w.Ops = append(w.Ops, Op{Kind: New, Offset: len(w.NewData), Length: end - litStart})
			w.NewData = append(w.NewData, target[litStart:end]...)
		}
	}

	i := 0
	for i+matchBlock <= len(target) {
		for nextTgt+matchBlock <= i {
			h := blockHash(target[nextTgt:])
			if _, ok := tgtIndex[h]; !ok {
				tgtIndex[h] = nextTgt
			}
			nextTgt += matchBlock
		}

		h := blockHash(target[i:])
		kind, at, length, from := New, 0, 0, i

		if off, ok := srcIndex[h]; ok && bytes.Equal(source[off:off+matchBlock], target[i:i+matchBlock]) {
			n := matchBlock
			for off+n < len(source) && i+n < len(target) && source[off+n] == target[i+n] {
				n++
			}
			start := i
			for off > 0 && start > litStart && source[off-1] == target[start-1] {
				off--
				start--
				n++
			}
			kind, at, length, from = CopySource, off, n, start
		}
		if off, ok := tgtIndex[h]; ok && bytes.Equal(target[off:off+matchBlock], target[i:i+matchBlock]) {
			n := matchBlock
			for i+n < len(target) && target[off+n] == target[i+n] {
				n++
			}
			if n > length {
				kind, at, length, from = CopyTarget, off, n, i
			}
		}

		if length == 0 {
			i++
			continue
		}
		flush(from)
		w.Ops = append(w.Ops, Op{Kind: kind, Offset: at, Length: length})
		i = from + length
		litStart = i
	}
	flush(len(target))
	return w
}

// Diff cuts target into windows of windowSize against source.
func Diff(source, target []byte, windowSize int) []*Window {
	var windows []*Window
	for index := int64(0); index*int64(windowSize) < int64(len(target)); index++ {
		start := index * int64(windowSize)
		end := start + int64(windowSize)
		last := end >= int64(len(target))
		if last {
			end = int64(len(target))
		}
		off, n := ViewFor(index, windowSize, last, int64(len(source)))
		w := Compute(source[off:off+int64(n)], target[start:end])
		w.SourceOffset = off
		windows = append(windows, w)
	}
	return windows
}
