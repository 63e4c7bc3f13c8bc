package delta

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"testing"

	"revfs/internal/codec"
	"revfs/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomText(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	words := []string{"alpha ", "beta ", "gamma ", "delta\n", "epsilon ", "zeta\n"}
	var buf bytes.Buffer
	for buf.Len() < n {
		buf.WriteString(words[r.Intn(len(words))])
	}
	return buf.Bytes()[:n]
}

func applyAll(t *testing.T, source []byte, windows []*Window) []byte {
	t.Helper()
	var out bytes.Buffer
	a := NewApplier(bytes.NewReader(source), &out)
	for _, w := range windows {
		require.NoError(t, a.Apply(w))
	}
	assert.Equal(t, int64(out.Len()), a.Written())
	return out.Bytes()
}

func TestDiffApply(t *testing.T) {
	base := randomText(1, 50_000)
	edited := append([]byte{}, base[:20_000]...)
	edited = append(edited, []byte("inserted paragraph\n")...)
	edited = append(edited, base[25_000:]...)

	tests := []struct {
		name       string
		source     []byte
		target     []byte
		windowSize int
	}{
		{"identical", base, base, 8 * 1024},
		{"edited", base, edited, 8 * 1024},
		{"from empty", nil, base, 4 * 1024},
		{"to empty", base, nil, 4 * 1024},
		{"truncated", base, base[:1000], 1024},
		{"grown", base[:1000], base, 1024},
		{"single window", base[:3000], edited[:3500], 100 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			windows := Diff(tt.source, tt.target, tt.windowSize)
			got := applyAll(t, tt.source, windows)
			assert.Equal(t, len(tt.target), len(got))
			assert.True(t, bytes.Equal(tt.target, got))

			var prev int64
			for _, w := range windows {
				assert.GreaterOrEqual(t, w.SourceOffset, prev, "source views must move forward")
				prev = w.SourceOffset
			}
		})
	}
}

func TestComputeUsesCopies(t *testing.T) {
	source := randomText(2, 4096)
	w := Compute(source, source)
	assert.Empty(t, w.NewData)
	require.Len(t, w.Ops, 1)
	assert.Equal(t, Op{Kind: CopySource, Offset: 0, Length: len(source)}, w.Ops[0])

	repeated := bytes.Repeat([]byte("0123456789abcdef"), 64)
	w = Compute(nil, repeated)
	assert.Len(t, w.NewData, matchBlock)
	assert.Equal(t, CopyTarget, w.Ops[len(w.Ops)-1].Kind)

	out, err := w.Apply(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, repeated, out)
}

func TestApplyOverlappingTargetCopy(t *testing.T) {
	w := &Window{
		TargetLen: 7,
		NewData:   []byte("ab"),
		Ops: []Op{
			{Kind: New, Offset: 0, Length: 2},
			{Kind: CopyTarget, Offset: 0, Length: 5},
		},
	}
	out, err := w.Apply(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "abababa", string(out))
}

func TestApplyRejectsBadWindows(t *testing.T) {
	tests := []struct {
		name   string
		window *Window
		source []byte
	}{
		{"source too short", &Window{SourceLen: 4, TargetLen: 0}, []byte("ab")},
		{"copy past source", &Window{SourceLen: 2, TargetLen: 3, Ops: []Op{{Kind: CopySource, Offset: 0, Length: 3}}}, []byte("ab")},
		{"copy from future", &Window{TargetLen: 2, Ops: []Op{{Kind: CopyTarget, Offset: 0, Length: 2}}}, nil},
		{"new past data", &Window{TargetLen: 2, NewData: []byte("a"), Ops: []Op{{Kind: New, Offset: 0, Length: 2}}}, nil},
		{"short target", &Window{TargetLen: 5, NewData: []byte("a"), Ops: []Op{{Kind: New, Offset: 0, Length: 1}}}, nil},
		{"unknown op", &Window{TargetLen: 1, Ops: []Op{{Kind: OpKind(9), Length: 1}}}, nil},
		{"target copy past length", &Window{TargetLen: 3, NewData: []byte("ab"), Ops: []Op{
			{Kind: New, Offset: 0, Length: 2},
			{Kind: CopyTarget, Offset: 0, Length: 1 << 30},
		}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.window.Apply(tt.source, nil)
			assert.True(t, errors.Is(err, errors.ErrCorruptRepository))
		})
	}
}

func TestWindowCodec(t *testing.T) {
	base := randomText(3, 30_000)
	target := append(randomText(4, 2000), base[5000:25_000]...)

	for _, tag := range []codec.CompressionTag{codec.CompressionNone, codec.CompressionLZ4, codec.CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			windows := Diff(base, target, 8*1024)

			var buf bytes.Buffer
			for _, w := range windows {
				require.NoError(t, EncodeWindow(&buf, w, tag))
			}

			r := bufio.NewReader(&buf)
			var decoded []*Window
			for {
				w, err := DecodeWindow(r)
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				decoded = append(decoded, w)
			}
			require.Len(t, decoded, len(windows))
			assert.Equal(t, target, applyAll(t, base, decoded))
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeWindow(&buf, Compute(nil, []byte("hello world")), codec.CompressionNone))
	data := buf.Bytes()

	_, err := DecodeWindow(bufio.NewReader(bytes.NewReader(data[:len(data)-3])))
	assert.True(t, errors.Is(err, errors.ErrCorruptRepository))
}

func TestDecodeOversizedPayload(t *testing.T) {
	var data []byte
	for _, v := range []uint64{0, 0, 4, 2, 2} {
		data = binary.AppendUvarint(data, v)
	}
	data = append(data, byte(codec.CompressionNone))
	data = binary.AppendUvarint(data, 1<<29)
	data = append(data, "abcd"...)

	_, err := DecodeWindow(bufio.NewReader(bytes.NewReader(data)))
	assert.True(t, errors.Is(err, errors.ErrCorruptRepository))
}

func TestEncoderMatchesDiff(t *testing.T) {
	base := randomText(5, 40_000)
	target := append(append([]byte{}, base[:10_000]...), randomText(6, 15_000)...)

	var streamed bytes.Buffer
	enc := NewEncoder(bytes.NewReader(base), int64(len(base)), &streamed, 4096, codec.CompressionNone)
	for off := 0; off < len(target); off += 777 {
		end := off + 777
		if end > len(target) {
			end = len(target)
		}
		_, err := enc.Write(target[off:end])
		require.NoError(t, err)
	}
	require.NoError(t, enc.Close())

	var direct bytes.Buffer
	for _, w := range Diff(base, target, 4096) {
		require.NoError(t, EncodeWindow(&direct, w, codec.CompressionNone))
	}
	assert.Equal(t, direct.Bytes(), streamed.Bytes())
}

func TestSourceViewBackwards(t *testing.T) {
	v := NewSourceView(bytes.NewReader([]byte("0123456789")))
	got, err := v.View(2, 3)
	require.NoError(t, err)
	assert.Equal(t, "234", string(got))

	got, err = v.View(3, 4)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(got))

	_, err = v.View(1, 1)
	assert.True(t, errors.Is(err, errors.ErrCorruptRepository))

	_, err = v.View(8, 5)
	assert.True(t, errors.Is(err, errors.ErrCorruptRepository))
}
