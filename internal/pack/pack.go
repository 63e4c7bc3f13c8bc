// Package pack moves complete shards of revisions into pack files and
// serves reads transparently whether a revision is packed or not.
package pack

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"revfs/internal/codec"
	"revfs/internal/errors"
	"revfs/internal/layout"
	"revfs/internal/metrics"
	"revfs/internal/props"
	"revfs/internal/storage"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const minUnpackedKey = "min-unpacked-rev"

type Options struct {
	Compression     codec.CompressionTag
	RevpropPackSize int64
}

// Manager owns the packed and unpacked revision layouts. Packing and
// property-pack rewrites are serialized by mu; reads take no lock and
// retry once when a switch removes the file they were about to open.
type Manager struct {
	layout  *layout.Layout
	meta    *storage.Store
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu sync.Mutex

	offsetsMu sync.RWMutex
	offsets   map[int64][]int64
}

func New(l *layout.Layout, meta *storage.Store, opts Options, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if opts.RevpropPackSize <= 0 {
		opts.RevpropPackSize = 64 * 1024
	}
	return &Manager{
		layout:  l,
		meta:    meta,
		opts:    opts,
		logger:  logger,
		metrics: m,
		offsets: make(map[int64][]int64),
	}
}

// MinUnpacked is the oldest revision still stored as individual files.
func (m *Manager) MinUnpacked() (int64, error) {
	var rev int64
	err := m.meta.Get(minUnpackedKey, &rev)
	if errors.Is(err, errors.ErrNotFound) {
		return 0, nil
	}
	return rev, err
}

func (m *Manager) IsPacked(rev int64) (bool, error) {
	min, err := m.MinUnpacked()
	if err != nil {
		return false, err
	}
	return rev < min, nil
}

// OpenRevision opens the file holding rev and returns the offset at
// which rev's data starts in it.
func (m *Manager) OpenRevision(rev int64) (afero.File, int64, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		packed, err := m.IsPacked(rev)
		if err != nil {
			return nil, 0, err
		}

		var f afero.File
		var off int64
		if packed {
			shard := m.layout.Shard(rev)
			offsets, err := m.packOffsets(shard)
			if err != nil {
				return nil, 0, err
			}
			off = offsets[rev-m.layout.ShardStart(shard)]
			f, err = m.layout.FS.Open(m.layout.PackFile(shard))
			lastErr = err
		} else {
			f, err = m.layout.FS.Open(m.layout.RevPath(rev))
			lastErr = err
		}
		if lastErr == nil {
			return f, off, nil
		}
		if !os.IsNotExist(lastErr) {
			return nil, 0, lastErr
		}
	}
	return nil, 0, errors.NotFound(fmt.Sprintf("revision file for r%d: %v", rev, lastErr))
}

func (m *Manager) packOffsets(shard int64) ([]int64, error) {
	m.offsetsMu.RLock()
	offsets, ok := m.offsets[shard]
	m.offsetsMu.RUnlock()
	if ok {
		return offsets, nil
	}

	data, err := afero.ReadFile(m.layout.FS, m.layout.PackManifest(shard))
	if err != nil {
		return nil, errors.Corrupt("reading pack manifest of shard %d: %v", shard, err)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		v, err := strconv.ParseInt(sc.Text(), 10, 64)
		if err != nil {
			return nil, errors.Corrupt("pack manifest of shard %d: bad offset %q", shard, sc.Text())
		}
		offsets = append(offsets, v)
	}
	if int64(len(offsets)) != m.layout.ShardSize {
		return nil, errors.Corrupt("pack manifest of shard %d has %d entries, expected %d", shard, len(offsets), m.layout.ShardSize)
	}

	m.offsetsMu.Lock()
	m.offsets[shard] = offsets
	m.offsetsMu.Unlock()
	return offsets, nil
}

// Manifest returns the property-pack manifest of a packed shard.
func (m *Manager) Manifest(shard int64) (*Manifest, error) {
	data, err := afero.ReadFile(m.layout.FS, m.layout.RevpropManifest(shard))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(fmt.Sprintf("shard %d is not packed", shard))
		}
		return nil, err
	}
	return ParseManifest(m.layout.ShardStart(shard), data)
}

// PackName returns the property pack identifier of a packed revision.
func (m *Manager) PackName(rev int64) (string, error) {
	manifest, err := m.Manifest(m.layout.Shard(rev))
	if err != nil {
		return "", err
	}
	return manifest.PackName(rev)
}

// ReadRevprops returns the revision properties of rev.
func (m *Manager) ReadRevprops(rev int64) (map[string]string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		packed, err := m.IsPacked(rev)
		if err != nil {
			return nil, err
		}
		var p map[string]string
		if packed {
			p, lastErr = m.readPackedRevprops(rev)
		} else {
			var data []byte
			data, lastErr = afero.ReadFile(m.layout.FS, m.layout.RevpropPath(rev))
			if lastErr == nil {
				p, lastErr = props.Unmarshal(data)
			}
		}
		if lastErr == nil {
			return p, nil
		}
		if !os.IsNotExist(lastErr) {
			return nil, lastErr
		}
	}
	return nil, errors.NotFound(fmt.Sprintf("revision properties of r%d: %v", rev, lastErr))
}

func (m *Manager) readPackedRevprops(rev int64) (map[string]string, error) {
	shard := m.layout.Shard(rev)
	manifest, err := m.Manifest(shard)
	if err != nil {
		return nil, err
	}
	name, err := manifest.PackName(rev)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(m.layout.FS, m.layout.RevpropPackFile(shard, name))
	if err != nil {
		return nil, err
	}
	first, blobs, err := decodePropPack(data)
	if err != nil {
		return nil, err
	}
	if rev < first || rev >= first+int64(len(blobs)) {
		return nil, errors.Corrupt("property pack %s does not hold r%d", name, rev)
	}
	return props.Unmarshal(blobs[rev-first])
}

// WriteNewRevprops writes the property file of a revision that is being
// created. It never touches packs.
func (m *Manager) WriteNewRevprops(rev int64, p map[string]string) error {
	return m.layout.WriteFileAtomic(m.layout.RevpropPath(rev), props.Marshal(p))
}

// RemoveRevprops deletes the property file of an unpublished revision.
func (m *Manager) RemoveRevprops(rev int64) error {
	return m.layout.FS.Remove(m.layout.RevpropPath(rev))
}

// SetRevprops replaces the properties of an existing revision, rewriting
// its property pack when the revision is packed.
func (m *Manager) SetRevprops(rev int64, p map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	packed, err := m.IsPacked(rev)
	if err != nil {
		return err
	}
	if !packed {
		return m.layout.WriteFileAtomic(m.layout.RevpropPath(rev), props.Marshal(p))
	}
	return m.rewritePropPack(rev, p)
}

func (m *Manager) rewritePropPack(rev int64, p map[string]string) error {
	shard := m.layout.Shard(rev)
	manifest, err := m.Manifest(shard)
	if err != nil {
		return err
	}
	oldName, err := manifest.PackName(rev)
	if err != nil {
		return err
	}
	data, err := afero.ReadFile(m.layout.FS, m.layout.RevpropPackFile(shard, oldName))
	if err != nil {
		return errors.Corrupt("reading property pack %s: %v", oldName, err)
	}
	first, blobs, err := decodePropPack(data)
	if err != nil {
		return err
	}
	blobs[rev-first] = props.Marshal(p)

	gen, err := Generation(oldName)
	if err != nil {
		return errors.Corrupt("%v", err)
	}
	newName, err := manifest.UpdatePackName(rev, gen+1)
	if err != nil {
		return err
	}

	packed, err := encodePropPack(first, blobs, m.opts.Compression)
	if err != nil {
		return err
	}
	if err := m.layout.WriteFileAtomic(m.layout.RevpropPackFile(shard, newName), packed); err != nil {
		return err
	}
	if err := m.layout.WriteFileAtomic(m.layout.RevpropManifest(shard), manifest.Marshal()); err != nil {
		m.layout.FS.Remove(m.layout.RevpropPackFile(shard, newName))
		return err
	}
	if newName != oldName {
		if err := m.layout.FS.Remove(m.layout.RevpropPackFile(shard, oldName)); err != nil {
			m.logger.Warn("removing superseded property pack", zap.String("pack", oldName), zap.Error(err))
		}
	}

	m.logger.Info("rewrote property pack",
		zap.Int64("rev", rev),
		zap.String("old", oldName),
		zap.String("new", newName),
	)
	return nil
}

// Pack packs every complete shard at or below youngest that is still
// unpacked and returns how many shards it packed.
func (m *Manager) Pack(ctx context.Context, youngest int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	min, err := m.MinUnpacked()
	if err != nil {
		return 0, err
	}

	packed := 0
	for shard := m.layout.Shard(min); m.layout.ShardStart(shard+1)-1 <= youngest; shard++ {
		if err := ctx.Err(); err != nil {
			return packed, errors.FromContext(err)
		}
		started := time.Now()
		if err := m.packShard(ctx, shard); err != nil {
			return packed, fmt.Errorf("packing shard %d: %w", shard, err)
		}
		m.metrics.ShardPacked(started)
		m.logger.Info("packed shard", zap.Int64("shard", shard), zap.Duration("took", time.Since(started)))
		packed++
	}
	return packed, nil
}

func (m *Manager) packShard(ctx context.Context, shard int64) (err error) {
	revTmp := layout.TempDir(m.layout.PackDir(shard))
	propTmp := layout.TempDir(m.layout.RevpropPackDir(shard))
	fs := m.layout.FS

	for _, dir := range []string{revTmp, propTmp} {
		if err := fs.RemoveAll(dir); err != nil {
			return err
		}
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	defer func() {
		fs.RemoveAll(revTmp)
		fs.RemoveAll(propTmp)
	}()

	if err := m.buildContentPack(ctx, shard, revTmp); err != nil {
		return err
	}
	if err := m.buildPropPacks(ctx, shard, propTmp); err != nil {
		return err
	}

	// New files go in place first; readers only follow them once
	// min-unpacked-rev moves past the shard.
	if err := m.layout.MoveFiles(revTmp, m.layout.PackDir(shard)); err != nil {
		return err
	}
	if err := m.layout.MoveFiles(propTmp, m.layout.RevpropPackDir(shard)); err != nil {
		return err
	}
	if err := m.meta.Put(minUnpackedKey, m.layout.ShardStart(shard+1)); err != nil {
		return err
	}

	if err := fs.RemoveAll(m.layout.RevShardDir(shard)); err != nil {
		m.logger.Warn("removing packed revision files", zap.Int64("shard", shard), zap.Error(err))
	}
	if err := fs.RemoveAll(m.layout.RevpropShardDir(shard)); err != nil {
		m.logger.Warn("removing packed revprop files", zap.Int64("shard", shard), zap.Error(err))
	}
	return nil
}

func (m *Manager) buildContentPack(ctx context.Context, shard int64, dir string) error {
	out, err := m.layout.FS.Create(path.Join(dir, "pack"))
	if err != nil {
		return err
	}
	defer out.Close()

	var offsets strings.Builder
	var pos int64
	first := m.layout.ShardStart(shard)
	for rev := first; rev < first+m.layout.ShardSize; rev++ {
		if err := ctx.Err(); err != nil {
			return errors.FromContext(err)
		}
		in, err := m.layout.FS.Open(m.layout.RevPath(rev))
		if err != nil {
			return fmt.Errorf("opening r%d: %w", rev, err)
		}
		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			return fmt.Errorf("copying r%d: %w", rev, err)
		}
		fmt.Fprintf(&offsets, "%d\n", pos)
		pos += n
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return afero.WriteFile(m.layout.FS, path.Join(dir, "manifest"), []byte(offsets.String()), 0o644)
}

func (m *Manager) buildPropPacks(ctx context.Context, shard int64, dir string) error {
	first := m.layout.ShardStart(shard)
	manifest := &Manifest{FirstRev: first}

	var group [][]byte
	var groupFirst, groupSize int64
	flush := func() error {
		if len(group) == 0 {
			return nil
		}
		name := FormatName(groupFirst, 0)
		data, err := encodePropPack(groupFirst, group, m.opts.Compression)
		if err != nil {
			return err
		}
		if err := afero.WriteFile(m.layout.FS, path.Join(dir, name), data, 0o644); err != nil {
			return err
		}
		for range group {
			manifest.Names = append(manifest.Names, name)
		}
		group, groupSize = nil, 0
		return nil
	}

	for rev := first; rev < first+m.layout.ShardSize; rev++ {
		if err := ctx.Err(); err != nil {
			return errors.FromContext(err)
		}
		blob, err := afero.ReadFile(m.layout.FS, m.layout.RevpropPath(rev))
		if err != nil {
			return fmt.Errorf("reading revprops of r%d: %w", rev, err)
		}
		if _, err := props.Unmarshal(blob); err != nil {
			return fmt.Errorf("revprops of r%d: %w", rev, err)
		}
		if len(group) > 0 && groupSize+int64(len(blob)) > m.opts.RevpropPackSize {
			if err := flush(); err != nil {
				return err
			}
		}
		if len(group) == 0 {
			groupFirst = rev
		}
		group = append(group, blob)
		groupSize += int64(len(blob))
	}
	if err := flush(); err != nil {
		return err
	}
	return afero.WriteFile(m.layout.FS, path.Join(dir, "manifest"), manifest.Marshal(), 0o644)
}

// A property pack is a compression tag byte, the uvarint length of the
// uncompressed body, then the (possibly compressed) body:
//
//	<first rev>\n<count>\n<size>\n...\n\n<blob><blob>...
func encodePropPack(first int64, blobs [][]byte, tag codec.CompressionTag) ([]byte, error) {
	var body bytes.Buffer
	fmt.Fprintf(&body, "%d\n%d\n", first, len(blobs))
	for _, b := range blobs {
		fmt.Fprintf(&body, "%d\n", len(b))
	}
	body.WriteByte('\n')
	for _, b := range blobs {
		body.Write(b)
	}

	payload, used, err := codec.Compress(body.Bytes(), tag)
	if err != nil {
		return nil, err
	}
	out := []byte{byte(used)}
	out = binary.AppendUvarint(out, uint64(body.Len()))
	return append(out, payload...), nil
}

func decodePropPack(data []byte) (int64, [][]byte, error) {
	if len(data) < 2 {
		return 0, nil, errors.Corrupt("property pack truncated")
	}
	tag := codec.CompressionTag(data[0])
	size, n := binary.Uvarint(data[1:])
	if n <= 0 || size > codec.MaxDecodedSize {
		return 0, nil, errors.Corrupt("property pack: bad length")
	}
	body, err := codec.Decompress(data[1+n:], tag, int(size))
	if err != nil {
		return 0, nil, errors.Corrupt("property pack: %v", err)
	}

	r := bufio.NewReader(bytes.NewReader(body))
	readInt := func() (int64, error) {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, errors.Corrupt("property pack header truncated")
		}
		v, err := strconv.ParseInt(strings.TrimSuffix(line, "\n"), 10, 64)
		if err != nil || v < 0 {
			return 0, errors.Corrupt("property pack header: bad number %q", line)
		}
		return v, nil
	}

	first, err := readInt()
	if err != nil {
		return 0, nil, err
	}
	count, err := readInt()
	if err != nil {
		return 0, nil, err
	}
	// Each size line takes at least two bytes.
	if count > int64(len(body)/2) {
		return 0, nil, errors.Corrupt("property pack header: count %d exceeds pack", count)
	}
	sizes := make([]int64, count)
	var total int64
	for i := range sizes {
		if sizes[i], err = readInt(); err != nil {
			return 0, nil, err
		}
		if sizes[i] > int64(len(body))-total {
			return 0, nil, errors.Corrupt("property pack header: sizes exceed pack")
		}
		total += sizes[i]
	}
	if b, err := r.ReadByte(); err != nil || b != '\n' {
		return 0, nil, errors.Corrupt("property pack header not terminated")
	}

	blobs := make([][]byte, count)
	for i, sz := range sizes {
		blobs[i] = make([]byte, sz)
		if _, err := io.ReadFull(r, blobs[i]); err != nil {
			return 0, nil, errors.Corrupt("property pack body truncated")
		}
	}
	return first, blobs, nil
}
