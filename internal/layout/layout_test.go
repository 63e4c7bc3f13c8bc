package layout

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	l := New(afero.NewMemMapFs(), "/repo", 1000)

	assert.Equal(t, "/repo/revs/0/42", l.RevPath(42))
	assert.Equal(t, "/repo/revs/2/2500", l.RevPath(2500))
	assert.Equal(t, "/repo/revs/2.pack/pack", l.PackFile(2))
	assert.Equal(t, "/repo/revs/2.pack/manifest", l.PackManifest(2))
	assert.Equal(t, "/repo/revprops/1/1999", l.RevpropPath(1999))
	assert.Equal(t, "/repo/revprops/1.pack/1000.0", l.RevpropPackFile(1, "1000.0"))
	assert.Equal(t, "/repo/txns/5-abc/proto-rev", l.ProtoRevPath("5-abc"))
	assert.Equal(t, int64(2000), l.ShardStart(2))
}

func TestWriteFileAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := New(fs, "/repo", 10)
	require.NoError(t, l.Init())

	target := l.RevpropPath(3)
	require.NoError(t, l.WriteFileAtomic(target, []byte("one")))
	require.NoError(t, l.WriteFileAtomic(target, []byte("two")))

	data, err := afero.ReadFile(fs, target)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	exists, err := afero.Exists(fs, target+".tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMoveFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := New(fs, "/repo", 10)
	src := TempDir(l.PackDir(0))
	require.NoError(t, afero.WriteFile(fs, src+"/pack", []byte("p"), 0o644))
	require.NoError(t, afero.WriteFile(fs, src+"/manifest", []byte("m"), 0o644))

	require.NoError(t, l.MoveFiles(src, l.PackDir(0)))

	data, err := afero.ReadFile(fs, l.PackFile(0))
	require.NoError(t, err)
	assert.Equal(t, "p", string(data))
	_, err = fs.Stat(src + "/pack")
	assert.True(t, IsNotExist(err))
}
