package codec

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCBORDeterministic(t *testing.T) {
	type record struct {
		Name    string            `json:"name"`
		Props   map[string]string `json:"props"`
		Created time.Time         `json:"created"`
	}

	in := record{
		Name:    "trunk",
		Props:   map[string]string{"b": "2", "a": "1", "c": "3"},
		Created: time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC),
	}

	first, err := Marshal(in)
	require.NoError(t, err)
	second, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var out record
	require.NoError(t, Unmarshal(first, &out))
	assert.Equal(t, in.Props, out.Props)
	assert.True(t, in.Created.Equal(out.Created), "sub-second precision survives")
}

func TestCompressRoundTrip(t *testing.T) {
	text := bytes.Repeat([]byte("all work and no play makes a dull repository\n"), 200)
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	for _, tag := range []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			for _, data := range [][]byte{text, random, []byte("tiny")} {
				packed, used, err := Compress(data, tag)
				require.NoError(t, err)
				if tag == CompressionNone {
					assert.Equal(t, CompressionNone, used)
				}
				out, err := Decompress(packed, used, len(data))
				require.NoError(t, err)
				assert.Equal(t, data, out)
			}
		})
	}
}

func TestDecompressRejectsImplausibleSize(t *testing.T) {
	packed, used, err := Compress(bytes.Repeat([]byte("x"), 1000), CompressionLZ4)
	require.NoError(t, err)
	require.Equal(t, CompressionLZ4, used)

	_, err = Decompress(packed, used, 1<<29)
	assert.Error(t, err)
	_, err = Decompress(packed, used, -1)
	assert.Error(t, err)
	_, err = Decompress([]byte("abc"), CompressionZstd, MaxDecodedSize+1)
	assert.Error(t, err)
	_, err = Decompress([]byte("abc"), CompressionNone, 1<<20)
	assert.Error(t, err)
}

func TestCompressTextShrinks(t *testing.T) {
	text := bytes.Repeat([]byte("abcdefgh"), 1000)
	packed, used, err := Compress(text, CompressionZstd)
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, used)
	assert.Less(t, len(packed), len(text))
}

func TestParseCompressionTag(t *testing.T) {
	tag, err := ParseCompressionTag("lz4")
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, tag)

	_, err = ParseCompressionTag("snappy")
	assert.Error(t, err)
}
