// Package layout names the files of a repository on disk and wraps the
// filesystem they live on.
package layout

import (
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/spf13/afero"
)

const (
	RevsDir     = "revs"
	RevpropsDir = "revprops"
	TxnsDir     = "txns"
	HooksDir    = "hooks"
	MetaDir     = "meta"
	FormatFile  = "format"

	packSuffix = ".pack"
	tmpSuffix  = ".tmp"
)

// Layout resolves repository paths relative to Root on FS. Paths use
// forward slashes so the same layout works on afero's memory filesystem.
type Layout struct {
	FS        afero.Fs
	Root      string
	ShardSize int64
}

func New(fs afero.Fs, root string, shardSize int64) *Layout {
	return &Layout{FS: fs, Root: root, ShardSize: shardSize}
}

func (l *Layout) join(parts ...string) string {
	return path.Join(append([]string{l.Root}, parts...)...)
}

func (l *Layout) Shard(rev int64) int64 {
	return rev / l.ShardSize
}

// ShardStart is the first revision of shard.
func (l *Layout) ShardStart(shard int64) int64 {
	return shard * l.ShardSize
}

func (l *Layout) FormatPath() string { return l.join(FormatFile) }
func (l *Layout) MetaPath() string   { return l.join(MetaDir) }
func (l *Layout) HooksPath() string  { return l.join(HooksDir) }

func (l *Layout) RevShardDir(shard int64) string {
	return l.join(RevsDir, strconv.FormatInt(shard, 10))
}

func (l *Layout) RevPath(rev int64) string {
	return path.Join(l.RevShardDir(l.Shard(rev)), strconv.FormatInt(rev, 10))
}

func (l *Layout) PackDir(shard int64) string {
	return l.join(RevsDir, fmt.Sprintf("%d%s", shard, packSuffix))
}

func (l *Layout) PackFile(shard int64) string {
	return path.Join(l.PackDir(shard), "pack")
}

func (l *Layout) PackManifest(shard int64) string {
	return path.Join(l.PackDir(shard), "manifest")
}

func (l *Layout) RevpropShardDir(shard int64) string {
	return l.join(RevpropsDir, strconv.FormatInt(shard, 10))
}

func (l *Layout) RevpropPath(rev int64) string {
	return path.Join(l.RevpropShardDir(l.Shard(rev)), strconv.FormatInt(rev, 10))
}

func (l *Layout) RevpropPackDir(shard int64) string {
	return l.join(RevpropsDir, fmt.Sprintf("%d%s", shard, packSuffix))
}

func (l *Layout) RevpropManifest(shard int64) string {
	return path.Join(l.RevpropPackDir(shard), "manifest")
}

func (l *Layout) RevpropPackFile(shard int64, name string) string {
	return path.Join(l.RevpropPackDir(shard), name)
}

// TempDir is the staging directory used while dir is being rebuilt.
func TempDir(dir string) string {
	return dir + tmpSuffix
}

func (l *Layout) TxnDir(id string) string {
	return l.join(TxnsDir, id)
}

func (l *Layout) ProtoRevPath(id string) string {
	return path.Join(l.TxnDir(id), "proto-rev")
}

// Init creates the top-level directories.
func (l *Layout) Init() error {
	for _, dir := range []string{RevsDir, RevpropsDir, TxnsDir, HooksDir, MetaDir} {
		if err := l.FS.MkdirAll(l.join(dir), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// WriteFileAtomic writes data to a sibling temporary file and renames it
// over name.
func (l *Layout) WriteFileAtomic(name string, data []byte) error {
	if err := l.FS.MkdirAll(path.Dir(name), 0o755); err != nil {
		return err
	}
	tmp := name + tmpSuffix
	if err := afero.WriteFile(l.FS, tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := l.FS.Rename(tmp, name); err != nil {
		l.FS.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// MoveFiles renames every regular file in src into dst, creating dst.
func (l *Layout) MoveFiles(src, dst string) error {
	if err := l.FS.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	infos, err := afero.ReadDir(l.FS, src)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		if err := l.FS.Rename(path.Join(src, info.Name()), path.Join(dst, info.Name())); err != nil {
			return fmt.Errorf("moving %s: %w", info.Name(), err)
		}
	}
	return nil
}

func IsNotExist(err error) bool {
	return os.IsNotExist(err)
}
