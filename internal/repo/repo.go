// Package repo assembles the storage components into a repository and
// exposes the read, lock, property and commit operations drivers use.
package repo

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"revfs/internal/clock"
	"revfs/internal/codec"
	"revfs/internal/config"
	"revfs/internal/content"
	"revfs/internal/errors"
	"revfs/internal/hooks"
	"revfs/internal/layout"
	"revfs/internal/lock"
	"revfs/internal/logging"
	"revfs/internal/metrics"
	"revfs/internal/noderev"
	"revfs/internal/pack"
	"revfs/internal/revision"
	"revfs/internal/storage"
	"revfs/internal/txn"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const formatVersion = 1

type Options struct {
	Config config.RepositoryConfig
	Hooks  config.HooksConfig
	// FS defaults to the operating system filesystem.
	FS afero.Fs
	// InMemoryMeta keeps the metadata store in memory.
	InMemoryMeta bool
	// HookRunner replaces the executable hook runner.
	HookRunner hooks.Runner
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type Repository struct {
	cfg        config.RepositoryConfig
	windowSize int
	layout     *layout.Layout
	meta       *storage.Store
	packs      *pack.Manager
	contents   *content.Store
	index      *noderev.Index
	revs       *revision.Store
	locks      *lock.Table
	txns       *txn.Manager
	hooks      hooks.Runner
	execHooks  *hooks.ExecRunner
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics.Metrics

	// revpropMu serializes revision property edits from read to write.
	revpropMu sync.Mutex
}

// Create initializes a new repository at opts.Config.Path holding the
// empty revision 0.
func Create(opts Options) (*Repository, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, errors.ValidationError(err.Error(), nil)
	}
	fs := opts.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	l := layout.New(fs, opts.Config.Path, opts.Config.ShardSize)
	if exists, _ := afero.Exists(fs, l.FormatPath()); exists {
		return nil, errors.ValidationError(fmt.Sprintf("repository already exists at %s", opts.Config.Path), nil)
	}
	if err := l.Init(); err != nil {
		return nil, err
	}
	format := fmt.Sprintf("%d\nlayout sharded %d\n", formatVersion, opts.Config.ShardSize)
	if err := l.WriteFileAtomic(l.FormatPath(), []byte(format)); err != nil {
		return nil, err
	}

	opts.FS = fs
	r, err := open(opts, l)
	if err != nil {
		return nil, err
	}
	if err := r.txns.Bootstrap(); err != nil {
		r.Close()
		return nil, err
	}
	r.metrics.SetYoungest(0)
	r.logger.Info("Created repository", zap.String("path", opts.Config.Path), zap.Int64("shard_size", opts.Config.ShardSize))
	return r, nil
}

// Open opens an existing repository. The shard size recorded at creation
// overrides the configured one.
func Open(opts Options) (*Repository, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, errors.ValidationError(err.Error(), nil)
	}
	fs := opts.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	l := layout.New(fs, opts.Config.Path, opts.Config.ShardSize)
	data, err := afero.ReadFile(fs, l.FormatPath())
	if err != nil {
		if layout.IsNotExist(err) {
			return nil, errors.NotFound(fmt.Sprintf("no repository at %s", opts.Config.Path))
		}
		return nil, err
	}
	shardSize, err := parseFormat(string(data))
	if err != nil {
		return nil, err
	}
	l.ShardSize = shardSize
	opts.Config.ShardSize = shardSize
	opts.FS = fs

	r, err := open(opts, l)
	if err != nil {
		return nil, err
	}
	youngest, err := r.revs.Youngest()
	if err != nil {
		r.Close()
		return nil, err
	}
	r.metrics.SetYoungest(youngest)
	return r, nil
}

func parseFormat(s string) (int64, error) {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) != 2 {
		return 0, errors.Corrupt("malformed format file")
	}
	if v, err := strconv.Atoi(lines[0]); err != nil || v != formatVersion {
		return 0, errors.Corrupt("unsupported repository format %q", lines[0])
	}
	fields := strings.Fields(lines[1])
	if len(fields) != 3 || fields[0] != "layout" || fields[1] != "sharded" {
		return 0, errors.Corrupt("malformed layout line %q", lines[1])
	}
	n, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.Corrupt("malformed shard size %q", fields[2])
	}
	return n, nil
}

func open(opts Options, l *layout.Layout) (*Repository, error) {
	logger := logging.OrNop(opts.Logger)
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	cfg := opts.Config

	windowSize, err := cfg.WindowSize()
	if err != nil {
		return nil, errors.ValidationError(err.Error(), nil)
	}
	propPackSize, err := cfg.RevpropPackBytes()
	if err != nil {
		return nil, errors.ValidationError(err.Error(), nil)
	}
	deltaTag, err := codec.ParseCompressionTag(cfg.DeltaCompression)
	if err != nil {
		return nil, errors.ValidationError(err.Error(), nil)
	}
	packTag, err := codec.ParseCompressionTag(cfg.PackCompression)
	if err != nil {
		return nil, errors.ValidationError(err.Error(), nil)
	}

	meta, err := storage.Open(filepath.Join(cfg.Path, layout.MetaDir), opts.InMemoryMeta)
	if err != nil {
		return nil, err
	}

	r := &Repository{
		cfg:        cfg,
		windowSize: windowSize,
		layout:     l,
		meta:       meta,
		clock:      c,
		logger:     logger,
		metrics:    opts.Metrics,
	}
	r.packs = pack.New(l, meta, pack.Options{Compression: packTag, RevpropPackSize: propPackSize}, logger.Named("pack"), opts.Metrics)
	r.contents, err = content.New(l, r.packs, meta, content.Options{
		MaxDeltaChain: cfg.MaxDeltaChain,
		WindowSize:    windowSize,
		Compression:   deltaTag,
		CacheSize:     cfg.CacheSize,
	}, logger.Named("content"))
	if err != nil {
		meta.Close()
		return nil, err
	}
	r.index, err = noderev.NewIndex(meta, cfg.CacheSize, logger.Named("noderev"))
	if err != nil {
		meta.Close()
		return nil, err
	}
	r.revs = revision.NewStore(meta, r.packs)
	r.locks = lock.NewTable(meta, c, logger.Named("lock"), opts.Metrics)

	switch {
	case opts.HookRunner != nil:
		r.hooks = opts.HookRunner
	case opts.Hooks.Enabled:
		timeout, err := opts.Hooks.TimeoutDuration()
		if err != nil {
			meta.Close()
			return nil, errors.ValidationError(err.Error(), nil)
		}
		dir := opts.Hooks.Dir
		if dir == "" {
			dir = filepath.Join(cfg.Path, layout.HooksDir)
		}
		r.execHooks, err = hooks.NewExecRunner(dir, cfg.Path, timeout, logger.Named("hooks"), opts.Metrics)
		if err != nil {
			meta.Close()
			return nil, err
		}
		r.hooks = r.execHooks
	default:
		r.hooks = hooks.Nop()
	}

	r.txns = txn.NewManager(txn.Options{
		Layout:    l,
		Meta:      meta,
		Index:     r.index,
		Contents:  r.contents,
		Revisions: r.revs,
		Packs:     r.packs,
		Locks:     r.locks,
		Hooks:     r.hooks,
		Clock:     c,
		Logger:    logger.Named("txn"),
		Metrics:   opts.Metrics,
	})
	return r, nil
}

func (r *Repository) Close() error {
	if r.execHooks != nil {
		if err := r.execHooks.Close(); err != nil {
			r.logger.Warn("closing hook watcher", zap.Error(err))
		}
	}
	return r.meta.Close()
}

func (r *Repository) Path() string {
	return r.cfg.Path
}

// WindowSize is the delta window size drivers should use.
func (r *Repository) WindowSize() int {
	return r.windowSize
}
