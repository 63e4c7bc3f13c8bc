// Package content stores file contents as representations: fulltexts or
// windowed deltas against an earlier representation. Representations are
// appended to a transaction's proto-revision file, which later becomes
// the revision file, so a (revision, offset) pair stays valid forever.
package content

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"revfs/internal/codec"
	"revfs/internal/errors"
	"revfs/internal/layout"
	"revfs/internal/storage"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	plainHeader = "PLAIN"
	deltaHeader = "DELTA"
	trailer     = "ENDREP\n"

	repCachePrefix = "repcache"
	maxHeaderLen   = 256
)

// Files opens the physical file holding a committed revision. The
// returned offset is where the revision starts inside that file.
type Files interface {
	OpenRevision(rev int64) (afero.File, int64, error)
}

type Options struct {
	// MaxDeltaChain is the longest allowed delta chain; a write that
	// would exceed it stores a fulltext. Zero disables deltas.
	MaxDeltaChain int
	WindowSize    int
	Compression   codec.CompressionTag
	CacheSize     int
}

type Store struct {
	layout  *layout.Layout
	files   Files
	meta    *storage.Store
	opts    Options
	headers *lru.Cache[string, header]
	logger  *zap.Logger
}

type header struct {
	plain bool
	base  Ref
	len   int64
}

func New(l *layout.Layout, files Files, meta *storage.Store, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 100 * 1024
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	headers, err := lru.New[string, header](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating header cache: %w", err)
	}
	return &Store{
		layout:  l,
		files:   files,
		meta:    meta,
		opts:    opts,
		headers: headers,
		logger:  logger,
	}, nil
}

func (s *Store) open(ref Ref) (afero.File, int64, error) {
	if ref.InTxn() {
		f, err := s.layout.FS.Open(s.layout.ProtoRevPath(ref.Txn))
		if err != nil {
			return nil, 0, fmt.Errorf("opening proto-revision of %s: %w", ref.Txn, err)
		}
		return f, 0, nil
	}
	return s.files.OpenRevision(ref.Rev)
}

func (s *Store) header(f afero.File, base int64, ref Ref) (header, error) {
	if h, ok := s.headers.Get(ref.cacheKey()); ok {
		return h, nil
	}

	buf := make([]byte, maxHeaderLen)
	n, err := f.ReadAt(buf, base+ref.Offset)
	if err != nil && err != io.EOF {
		return header{}, err
	}
	line, _, ok := bytes.Cut(buf[:n], []byte("\n"))
	if !ok {
		return header{}, errors.Corrupt("representation %s: missing header", ref)
	}

	h := header{len: int64(len(line)) + 1}
	fields := strings.Fields(string(line))
	switch {
	case len(fields) == 1 && fields[0] == plainHeader:
		h.plain = true
	case len(fields) == 6 && fields[0] == deltaHeader:
		var nums [5]int64
		for i := range nums {
			v, err := strconv.ParseInt(fields[i+1], 10, 64)
			if err != nil {
				return header{}, errors.Corrupt("representation %s: malformed header %q", ref, line)
			}
			nums[i] = v
		}
		h.base = Ref{Rev: nums[0], Offset: nums[1], Size: nums[2], ExpandedSize: nums[3], Hops: int(nums[4]) - 1}
	default:
		return header{}, errors.Corrupt("representation %s: malformed header %q", ref, line)
	}

	// Transaction representations are mutable until promotion.
	if !ref.InTxn() {
		s.headers.Add(ref.cacheKey(), h)
	}
	return h, nil
}

// Read streams the expanded text of ref, walking its delta chain down to
// a fulltext and applying windows in order.
func (s *Store) Read(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}

	f, base, err := s.open(ref)
	if err != nil {
		return nil, err
	}
	h, err := s.header(f, base, ref)
	if err != nil {
		f.Close()
		return nil, err
	}

	body := io.NewSectionReader(f, base+ref.Offset+h.len, ref.Size)
	if h.plain {
		return &plainReader{ctx: ctx, r: body, f: f, remaining: ref.ExpandedSize}, nil
	}

	baseRC, err := s.Read(ctx, h.base)
	if err != nil {
		f.Close()
		if errors.Is(err, errors.ErrCancelled) {
			return nil, err
		}
		return nil, errors.Corrupt("representation %s: broken delta chain: %v", ref, err)
	}
	return newDeltaReader(ctx, bufio.NewReader(body), baseRC, f, ref.ExpandedSize), nil
}

// ReadAll reads the whole expanded text of ref.
func (s *Store) ReadAll(ctx context.Context, ref Ref) ([]byte, error) {
	rc, err := s.Read(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// VerifyChecksum re-expands ref and compares its SHA-256 and length with
// the recorded ones.
func (s *Store) VerifyChecksum(ctx context.Context, ref Ref) error {
	rc, err := s.Read(ctx, ref)
	if err != nil {
		return err
	}
	defer rc.Close()

	h := sha256.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return err
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != ref.Checksum || n != ref.ExpandedSize {
		return errors.ChecksumMismatch(ref.String(), ref.Checksum, actual)
	}
	return nil
}

// WriteFulltext stores data as a new fulltext in txn.
func (s *Store) WriteFulltext(ctx context.Context, txn string, data []byte) (Ref, error) {
	w, err := s.NewWriter(ctx, txn, nil)
	if err != nil {
		return Ref{}, err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return Ref{}, err
	}
	return w.Close()
}

// WriteDelta stores the contents of src in txn as a delta against base,
// or as a fulltext when the chain through base is already at its limit.
func (s *Store) WriteDelta(ctx context.Context, txn string, base Ref, src io.Reader) (Ref, error) {
	w, err := s.NewWriter(ctx, txn, &base)
	if err != nil {
		return Ref{}, err
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Abort()
		return Ref{}, err
	}
	return w.Close()
}

// SharedRef returns a committed representation with the given BLAKE3
// digest, if one is recorded.
func (s *Store) SharedRef(digest string) (Ref, bool, error) {
	var ref Ref
	err := s.meta.Get(storage.Key(repCachePrefix, digest), &ref)
	if errors.Is(err, errors.ErrNotFound) {
		return Ref{}, false, nil
	}
	if err != nil {
		return Ref{}, false, err
	}
	return ref, true, nil
}

// RecordSharedTx registers a committed representation for sharing.
func RecordSharedTx(tx *storage.Txn, ref Ref) error {
	if ref.Digest == "" || ref.InTxn() {
		return nil
	}
	key := storage.Key(repCachePrefix, ref.Digest)
	exists, err := tx.Exists(key)
	if err != nil || exists {
		return err
	}
	return tx.Put(key, ref)
}
