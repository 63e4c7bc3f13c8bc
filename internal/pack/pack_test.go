package pack

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"testing"

	"revfs/internal/codec"
	"revfs/internal/errors"
	"revfs/internal/layout"
	"revfs/internal/props"
	"revfs/internal/storage"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManifestUpdatePackName(t *testing.T) {
	m, err := ParseManifest(20, []byte("1.0\n2.0\n3.0\n4.0\n5.0\n"))
	require.NoError(t, err)

	name, err := m.PackName(22)
	require.NoError(t, err)
	assert.Equal(t, "3.0", name)

	name, err = m.UpdatePackName(22, 2)
	require.NoError(t, err)
	assert.Equal(t, "22.1", name)

	for rev, want := range map[int64]string{20: "1.0", 21: "2.0", 22: "22.1", 23: "4.0", 24: "5.0"} {
		got, err := m.PackName(rev)
		require.NoError(t, err)
		assert.Equal(t, want, got, "r%d", rev)
	}
	assert.Equal(t, "1.0\n2.0\n22.1\n4.0\n5.0\n", string(m.Marshal()))
}

func TestManifestSharedPack(t *testing.T) {
	m, err := ParseManifest(100, []byte("100.0\n100.0\n100.0\n103.0\n103.0\n"))
	require.NoError(t, err)

	name, err := m.UpdatePackName(101, 2)
	require.NoError(t, err)
	assert.Equal(t, "100.1", name)
	assert.Equal(t, []string{"100.1", "100.1", "100.1", "103.0", "103.0"}, m.Names)

	name, err = m.UpdatePackName(100, 3)
	require.NoError(t, err)
	assert.Equal(t, "100.2", name)

	gen, err := Generation(name)
	require.NoError(t, err)
	assert.Equal(t, 3, gen)
}

func TestManifestErrors(t *testing.T) {
	_, err := ParseManifest(0, []byte("1.0\nbogus\n"))
	assert.True(t, errors.Is(err, errors.ErrCorruptRepository))

	m, err := ParseManifest(10, []byte("10.0\n"))
	require.NoError(t, err)
	_, err = m.PackName(11)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = m.UpdatePackName(10, 0)
	assert.Error(t, err)
}

type fixture struct {
	mgr  *Manager
	l    *layout.Layout
	meta *storage.Store
}

// newFixture lays out revisions 0..count-1 as plain files with shard size 4.
func newFixture(t *testing.T, count int64, packSize int64) *fixture {
	t.Helper()
	l := layout.New(afero.NewMemMapFs(), "/repo", 4)
	require.NoError(t, l.Init())
	meta, err := storage.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	for rev := int64(0); rev < count; rev++ {
		require.NoError(t, l.FS.MkdirAll(l.RevShardDir(l.Shard(rev)), 0o755))
		require.NoError(t, afero.WriteFile(l.FS, l.RevPath(rev), revData(rev), 0o644))
		require.NoError(t, l.WriteFileAtomic(l.RevpropPath(rev), props.Marshal(revProps(rev))))
	}

	mgr := New(l, meta, Options{Compression: codec.CompressionZstd, RevpropPackSize: packSize}, zap.NewNop(), nil)
	return &fixture{mgr: mgr, l: l, meta: meta}
}

func revData(rev int64) []byte {
	return []byte(fmt.Sprintf("PLAIN\ncontents of revision %d\nENDREP\n", rev))
}

func revProps(rev int64) map[string]string {
	return map[string]string{
		props.Author: "sally",
		props.Log:    fmt.Sprintf("commit number %d", rev),
	}
}

func readRev(t *testing.T, mgr *Manager, rev int64) []byte {
	t.Helper()
	f, off, err := mgr.OpenRevision(rev)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, len(revData(rev)))
	_, err = f.ReadAt(buf, off)
	if err == io.EOF {
		err = nil
	}
	require.NoError(t, err)
	return buf
}

func TestPackIsReadTransparent(t *testing.T) {
	f := newFixture(t, 10, 120)
	ctx := context.Background()

	n, err := f.mgr.Pack(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "only shards 0 and 1 are complete")

	min, err := f.mgr.MinUnpacked()
	require.NoError(t, err)
	assert.Equal(t, int64(8), min)

	for rev := int64(0); rev < 10; rev++ {
		assert.Equal(t, revData(rev), readRev(t, f.mgr, rev))
		p, err := f.mgr.ReadRevprops(rev)
		require.NoError(t, err)
		assert.Equal(t, revProps(rev), p)
	}

	exists, err := afero.Exists(f.l.FS, f.l.RevPath(3))
	require.NoError(t, err)
	assert.False(t, exists, "packed revision files are removed")

	manifest, err := f.mgr.Manifest(1)
	require.NoError(t, err)
	assert.Len(t, manifest.Names, 4)
	assert.Equal(t, "4.0", manifest.Names[0])
	assert.Greater(t, len(map[string]bool{manifest.Names[0]: true, manifest.Names[3]: true}), 1,
		"small pack size splits the shard into several property packs")

	n, err = f.mgr.Pack(ctx, 9)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSetRevpropsRewritesPack(t *testing.T) {
	f := newFixture(t, 4, 64*1024)
	_, err := f.mgr.Pack(context.Background(), 3)
	require.NoError(t, err)

	before, err := f.mgr.PackName(2)
	require.NoError(t, err)
	assert.Equal(t, "0.0", before)

	updated := revProps(2)
	updated[props.Log] = "reworded"
	require.NoError(t, f.mgr.SetRevprops(2, updated))

	for rev := int64(0); rev < 4; rev++ {
		name, err := f.mgr.PackName(rev)
		require.NoError(t, err)
		assert.Equal(t, "0.1", name)
	}
	p, err := f.mgr.ReadRevprops(2)
	require.NoError(t, err)
	assert.Equal(t, "reworded", p[props.Log])
	p, err = f.mgr.ReadRevprops(1)
	require.NoError(t, err)
	assert.Equal(t, revProps(1), p)

	exists, err := afero.Exists(f.l.FS, f.l.RevpropPackFile(0, "0.0"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSetRevpropsUnpacked(t *testing.T) {
	f := newFixture(t, 2, 1024)
	require.NoError(t, f.mgr.SetRevprops(1, map[string]string{props.Log: "new"}))
	p, err := f.mgr.ReadRevprops(1)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{props.Log: "new"}, p)
}

func TestPackCancelled(t *testing.T) {
	f := newFixture(t, 8, 1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.mgr.Pack(ctx, 7)
	assert.True(t, errors.Is(err, errors.ErrCancelled))

	min, err := f.mgr.MinUnpacked()
	require.NoError(t, err)
	assert.Zero(t, min)
	assert.Equal(t, revData(1), readRev(t, f.mgr, 1))

	exists, err := afero.DirExists(f.l.FS, layout.TempDir(f.l.PackDir(0)))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPackShardCancelledMidway(t *testing.T) {
	f := newFixture(t, 4, 1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.mgr.packShard(ctx, 0)
	assert.True(t, errors.Is(err, errors.ErrCancelled))
	exists, err := afero.DirExists(f.l.FS, layout.TempDir(f.l.RevpropPackDir(0)))
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = afero.Exists(f.l.FS, f.l.PackFile(0))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPropPackCodec(t *testing.T) {
	blobs := [][]byte{props.Marshal(revProps(5)), props.Marshal(nil), props.Marshal(revProps(7))}
	for _, tag := range []codec.CompressionTag{codec.CompressionNone, codec.CompressionLZ4, codec.CompressionZstd} {
		data, err := encodePropPack(5, blobs, tag)
		require.NoError(t, err)
		first, got, err := decodePropPack(data)
		require.NoError(t, err)
		assert.Equal(t, int64(5), first)
		assert.Equal(t, blobs, got)
	}

	_, _, err := decodePropPack([]byte{0})
	assert.True(t, errors.Is(err, errors.ErrCorruptRepository))
}

func TestPropPackCorruptHeader(t *testing.T) {
	raw := func(body string) []byte {
		out := []byte{byte(codec.CompressionNone)}
		out = binary.AppendUvarint(out, uint64(len(body)))
		return append(out, body...)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"huge count", raw("5\n999999999999\n1\n\nx")},
		{"huge blob", raw("5\n1\n999999999999\n\nx")},
		{"sizes overflow", raw("5\n2\n1\n9223372036854775807\n\nx")},
		{"huge length", append([]byte{byte(codec.CompressionLZ4)}, binary.AppendUvarint(nil, 1<<40)...)},
		{"implausible lz4 length", append(binary.AppendUvarint([]byte{byte(codec.CompressionLZ4)}, 1<<20), 0x10, 'x')},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodePropPack(tt.data)
			assert.True(t, errors.Is(err, errors.ErrCorruptRepository))
		})
	}
}
