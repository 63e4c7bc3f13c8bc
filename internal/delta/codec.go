package delta

import (
	"bufio"
	"encoding/binary"
	"io"

	"revfs/internal/codec"
	"revfs/internal/errors"
)

// maxField bounds decoded lengths so a corrupt header cannot trigger a
// huge allocation.
const maxField = 1 << 30

// EncodeWindow writes w as:
//
//	uvarint sourceOffset, sourceLen, targetLen, instrLen, newLen
//	byte    compression tag
//	uvarint payloadLen
//	payload (instructions followed by new data, possibly compressed)
func EncodeWindow(out io.Writer, w *Window, tag codec.CompressionTag) error {
	var instr []byte
	var scratch [binary.MaxVarintLen64]byte
	for _, op := range w.Ops {
		instr = append(instr, byte(op.Kind))
		instr = append(instr, scratch[:binary.PutUvarint(scratch[:], uint64(op.Length))]...)
		if op.Kind != New {
			instr = append(instr, scratch[:binary.PutUvarint(scratch[:], uint64(op.Offset))]...)
		}
	}

	raw := make([]byte, 0, len(instr)+len(w.NewData))
	raw = append(raw, instr...)
	raw = append(raw, w.NewData...)
	payload, used, err := codec.Compress(raw, tag)
	if err != nil {
		return err
	}

	var header []byte
	for _, v := range []uint64{uint64(w.SourceOffset), uint64(w.SourceLen), uint64(w.TargetLen), uint64(len(instr)), uint64(len(w.NewData))} {
		header = append(header, scratch[:binary.PutUvarint(scratch[:], v)]...)
	}
	header = append(header, byte(used))
	header = append(header, scratch[:binary.PutUvarint(scratch[:], uint64(len(payload)))]...)

	if _, err := out.Write(header); err != nil {
		return err
	}
	_, err = out.Write(payload)
	return err
}

// DecodeWindow reads the next window. It returns io.EOF when r is
// exhausted at a window boundary.
func DecodeWindow(r *bufio.Reader) (*Window, error) {
	if _, err := r.Peek(1); err == io.EOF {
		return nil, io.EOF
	}

	var fields [5]uint64
	for i := range fields {
		v, err := readField(r)
		if err != nil {
			return nil, err
		}
		fields[i] = v
	}
	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, errors.Corrupt("delta window truncated")
	}
	payloadLen, err := readField(r)
	if err != nil {
		return nil, err
	}

	payload, err := io.ReadAll(io.LimitReader(r, int64(payloadLen)))
	if err != nil || uint64(len(payload)) != payloadLen {
		return nil, errors.Corrupt("delta window payload truncated")
	}
	instrLen, newLen := int(fields[3]), int(fields[4])
	raw, err := codec.Decompress(payload, codec.CompressionTag(tagByte), instrLen+newLen)
	if err != nil {
		return nil, errors.Corrupt("delta window: %v", err)
	}

	w := &Window{
		SourceOffset: int64(fields[0]),
		SourceLen:    int(fields[1]),
		TargetLen:    int(fields[2]),
		NewData:      raw[instrLen:],
	}
	ops, err := decodeOps(raw[:instrLen])
	if err != nil {
		return nil, err
	}
	w.Ops = ops
	return w, nil
}

func readField(r *bufio.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, errors.Corrupt("delta window header truncated")
	}
	if v > maxField {
		return 0, errors.Corrupt("delta window field %d out of range", v)
	}
	return v, nil
}

func decodeOps(instr []byte) ([]Op, error) {
	var ops []Op
	newOffset := 0
	for len(instr) > 0 {
		kind := OpKind(instr[0])
		instr = instr[1:]
		length, n := binary.Uvarint(instr)
		if n <= 0 || length > maxField {
			return nil, errors.Corrupt("delta window: bad instruction length")
		}
		instr = instr[n:]

		op := Op{Kind: kind, Length: int(length)}
		switch kind {
		case CopySource, CopyTarget:
			off, n := binary.Uvarint(instr)
			if n <= 0 || off > maxField {
				return nil, errors.Corrupt("delta window: bad instruction offset")
			}
			instr = instr[n:]
			op.Offset = int(off)
		case New:
			op.Offset = newOffset
			newOffset += op.Length
		default:
			return nil, errors.Corrupt("delta window: unknown instruction %d", kind)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
