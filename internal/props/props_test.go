package props

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"revfs/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]string
	}{
		{"empty", map[string]string{}},
		{"simple", map[string]string{Author: "harry", Log: "initial import"}},
		{"multiline value", map[string]string{Log: "line one\nline two\n\nEND\n"}},
		{"empty value", map[string]string{"svn:needs-lock": ""}},
		{"binary value", map[string]string{"blob": "\x00\x01\xff\nK 3\n"}},
		{"unicode", map[string]string{"ключ": "значение ✓"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Unmarshal(Marshal(tt.props))
			require.NoError(t, err)
			assert.Equal(t, tt.props, out)
		})
	}
}

func TestEncodeFormat(t *testing.T) {
	data := Marshal(map[string]string{"b": "22", "a": "1"})
	assert.Equal(t, "K 1\na\nV 1\n1\nK 1\nb\nV 2\n22\nEND\n", string(data))
}

func TestDecodeIndentedValueLine(t *testing.T) {
	out, err := Unmarshal([]byte("K 3\nkey\n V 5\nvalue\nEND\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"key": "value"}, out)
}

func TestDecodeSequential(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("K 1\na\nV 1\nx\nEND\nK 1\nb\nV 1\ny\nEND\n"))
	first, err := Decode(r)
	require.NoError(t, err)
	second, err := Decode(r)
	require.NoError(t, err)
	assert.Equal(t, "x", first["a"])
	assert.Equal(t, "y", second["b"])
}

func TestDecodeCorrupt(t *testing.T) {
	for _, in := range []string{
		"",
		"K 3\nkey\n",
		"K x\nkey\nV 1\nv\nEND\n",
		"K 3\nkeyV 1\nv\nEND\n",
		"X 3\nkey\nV 1\nv\nEND\n",
		"K 3\nkey\nV 10\nshort\n",
	} {
		_, err := Unmarshal([]byte(in))
		assert.True(t, errors.Is(err, errors.ErrCorruptRepository), "input %q", in)
	}
}

func TestDateAndApply(t *testing.T) {
	when := time.Date(2024, 2, 29, 23, 59, 58, 123456000, time.UTC)
	s := FormatDate(when)
	assert.Equal(t, "2024-02-29T23:59:58.123456Z", s)
	parsed, err := ParseDate(s)
	require.NoError(t, err)
	assert.True(t, when.Equal(parsed))

	p := Clone(nil)
	Apply(p, "k", []byte("v"))
	assert.Equal(t, "v", p["k"])
	Apply(p, "k", nil)
	assert.NotContains(t, p, "k")
}
