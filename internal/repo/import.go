package repo

import (
	"context"
	"path"

	"revfs/internal/commit"
	"revfs/internal/errors"
	"revfs/internal/txn"
	"revfs/internal/validation"
	"revfs/shared/utils"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Import commits the tree under srcDir of src as dst in a new revision,
// creating missing parent directories of dst. It drives the commit
// editor exactly as a remote client would.
func (r *Repository) Import(ctx context.Context, src afero.Fs, srcDir, dst string, opts txn.CommitOptions) (*txn.CommitInfo, error) {
	dst, err := validation.CanonicalPath(dst)
	if err != nil {
		return nil, err
	}
	youngest, err := r.revs.Youngest()
	if err != nil {
		return nil, err
	}

	ed := r.BeginCommit(opts)
	if err := ed.OpenRoot(ctx, youngest); err != nil {
		return nil, err
	}
	info, err := r.importTree(ctx, ed, youngest, src, srcDir, dst)
	if err != nil {
		ed.AbortEdit()
		return nil, err
	}
	return info, nil
}

func (r *Repository) importTree(ctx context.Context, ed *commit.Editor, base int64, src afero.Fs, srcDir, dst string) (*txn.CommitInfo, error) {
	// Walk down to dst, opening what exists and adding the rest.
	opened := 0
	cur := "/"
	for _, name := range validation.Components(dst) {
		cur = validation.Join(cur, name)
		n, err := r.Node(ctx, base, cur)
		switch {
		case err == nil && !n.IsDir():
			return nil, errors.Conflict(cur, "path exists and is not a directory")
		case err == nil && cur == dst:
			return nil, errors.Conflict(cur, "path already exists")
		case err == nil:
			err = ed.OpenDirectory(ctx, cur)
		case errors.Is(err, errors.ErrNotFound):
			err = ed.AddDirectory(ctx, cur, nil)
		}
		if err != nil {
			return nil, err
		}
		opened++
	}

	count, err := r.importDir(ctx, ed, src, srcDir, dst)
	if err != nil {
		return nil, err
	}
	for ; opened > 0; opened-- {
		if err := ed.CloseDirectory(); err != nil {
			return nil, err
		}
	}

	info, err := ed.CloseEdit(ctx)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Imported tree",
		zap.String("source", srcDir),
		zap.String("path", dst),
		zap.Int("files", count),
		zap.Int64("rev", info.Revision))
	return info, nil
}

func (r *Repository) importDir(ctx context.Context, ed *commit.Editor, src afero.Fs, dir, dst string) (int, error) {
	infos, err := afero.ReadDir(src, dir)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return count, errors.FromContext(err)
		}
		from := path.Join(dir, info.Name())
		to := validation.Join(dst, info.Name())

		if info.IsDir() {
			if err := ed.AddDirectory(ctx, to, nil); err != nil {
				return count, err
			}
			n, err := r.importDir(ctx, ed, src, from, to)
			count += n
			if err != nil {
				return count, err
			}
			if err := ed.CloseDirectory(); err != nil {
				return count, err
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		data, err := afero.ReadFile(src, from)
		if err != nil {
			return count, err
		}
		if err := ed.AddFile(ctx, to, nil); err != nil {
			return count, err
		}
		if err := ed.SendText(ctx, nil, data, r.windowSize); err != nil {
			return count, err
		}
		if err := ed.CloseFile(ctx, to, utils.HashContent(data)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
