package repo

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"revfs/internal/errors"
	"revfs/internal/noderev"
	"revfs/internal/revision"
	"revfs/internal/validation"

	"go.uber.org/zap"
)

func (r *Repository) Youngest() (int64, error) {
	return r.revs.Youngest()
}

func (r *Repository) Revision(rev int64) (*revision.Revision, error) {
	return r.revs.Get(rev)
}

func (r *Repository) RevisionProps(rev int64) (map[string]string, error) {
	return r.revs.Props(rev)
}

// Node returns the node-revision at p in rev.
func (r *Repository) Node(ctx context.Context, rev int64, p string) (*noderev.NodeRev, error) {
	p, err := validation.CanonicalPath(p)
	if err != nil {
		return nil, err
	}
	root, err := r.revs.Get(rev)
	if err != nil {
		return nil, err
	}
	return noderev.NodeAtPath(ctx, r.index, root.Root, p)
}

func (r *Repository) ListDir(ctx context.Context, rev int64, p string) ([]noderev.Entry, error) {
	n, err := r.Node(ctx, rev, p)
	if err != nil {
		return nil, err
	}
	return noderev.ListDir(ctx, r.index, n)
}

// ReadFile streams the text of the file at p in rev.
func (r *Repository) ReadFile(ctx context.Context, rev int64, p string) (io.ReadCloser, error) {
	n, err := r.Node(ctx, rev, p)
	if err != nil {
		return nil, err
	}
	if n.IsDir() {
		return nil, errors.ValidationError(fmt.Sprintf("%s is a directory", p), nil)
	}
	if n.Text == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return r.contents.Read(ctx, *n.Text)
}

// VerifyResult summarizes a Verify run.
type VerifyResult struct {
	Revisions       int `json:"revisions"`
	Representations int `json:"representations"`
}

// Verify re-reads every representation created in [start, end] and checks
// its checksum, along with each revision's root and properties.
func (r *Repository) Verify(ctx context.Context, start, end int64) (*VerifyResult, error) {
	youngest, err := r.revs.Youngest()
	if err != nil {
		return nil, err
	}
	if end < 0 || end > youngest {
		end = youngest
	}
	if start < 0 || start > end {
		return nil, errors.ValidationError(fmt.Sprintf("invalid revision range %d:%d", start, end), nil)
	}

	res := &VerifyResult{}
	for rev := start; rev <= end; rev++ {
		if err := ctx.Err(); err != nil {
			return res, errors.FromContext(err)
		}
		rec, err := r.revs.Get(rev)
		if err != nil {
			return res, err
		}
		if _, err := r.index.NodeRev(ctx, rec.Root); err != nil {
			return res, fmt.Errorf("r%d root: %w", rev, err)
		}
		if _, err := r.revs.Props(rev); err != nil {
			return res, fmt.Errorf("r%d properties: %w", rev, err)
		}

		err = r.index.Scan(rev, func(n *noderev.NodeRev) error {
			if n.Text == nil || n.Text.Rev != rev {
				return nil
			}
			if err := r.contents.VerifyChecksum(ctx, *n.Text); err != nil {
				return fmt.Errorf("r%d %s: %w", rev, n.CreatedPath, err)
			}
			res.Representations++
			return nil
		})
		if err != nil {
			return res, err
		}
		res.Revisions++
	}
	r.logger.Info("Verified revisions",
		zap.Int64("start", start),
		zap.Int64("end", end),
		zap.Int("representations", res.Representations))
	return res, nil
}
