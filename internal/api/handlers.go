// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"revfs/internal/errors"
	"revfs/internal/lock"
	"revfs/internal/logging"
	"revfs/internal/noderev"
	"revfs/internal/revision"
	"revfs/internal/validation"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Reader is the part of the repository the inspection API serves.
type Reader interface {
	Youngest() (int64, error)
	Revision(rev int64) (*revision.Revision, error)
	RevisionProps(rev int64) (map[string]string, error)
	Node(ctx context.Context, rev int64, p string) (*noderev.NodeRev, error)
	ListDir(ctx context.Context, rev int64, p string) ([]noderev.Entry, error)
	ReadFile(ctx context.Context, rev int64, p string) (io.ReadCloser, error)
	Locks(p string) ([]*lock.Lock, error)
}

type Handler struct {
	repo   Reader
	logger *zap.Logger
}

func NewHandler(repo Reader, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logging.OrNop(logger)}
}

type YoungestResponse struct {
	Youngest int64 `json:"youngest"`
}

type RevisionResponse struct {
	Number  int64                  `json:"number"`
	Root    string                 `json:"root"`
	Created time.Time              `json:"created"`
	Props   map[string]string      `json:"props"`
	Changes []revision.ChangedPath `json:"changes"`
}

// TreeResponse describes a node; Entries is set for directories.
type TreeResponse struct {
	Path     string            `json:"path"`
	Kind     noderev.Kind      `json:"kind"`
	ID       string            `json:"id"`
	Size     int64             `json:"size"`
	Checksum string            `json:"checksum,omitempty"`
	Props    map[string]string `json:"props,omitempty"`
	Entries  []noderev.Entry   `json:"entries,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encoding response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var e *errors.Error
	if !errors.As(err, &e) {
		e = errors.Internal("internal error", err)
	}
	if e.Code >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	h.writeJSON(w, errors.StatusCode(e), e)
}

func (h *Handler) revParam(r *http.Request) (int64, error) {
	return validation.Revision(chi.URLParam(r, "rev"))
}

func pathParam(r *http.Request) (string, error) {
	p := r.URL.Query().Get("path")
	if p == "" {
		p = "/"
	}
	return validation.CanonicalPath(p)
}

func (h *Handler) Youngest(w http.ResponseWriter, r *http.Request) {
	rev, err := h.repo.Youngest()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, YoungestResponse{Youngest: rev})
}

func (h *Handler) Revision(w http.ResponseWriter, r *http.Request) {
	rev, err := h.revParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	rec, err := h.repo.Revision(rev)
	if err != nil {
		h.writeError(w, err)
		return
	}
	p, err := h.repo.RevisionProps(rev)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, RevisionResponse{
		Number:  rec.Number,
		Root:    rec.Root.String(),
		Created: rec.Created,
		Props:   p,
		Changes: rec.Changes,
	})
}

func (h *Handler) Tree(w http.ResponseWriter, r *http.Request) {
	rev, err := h.revParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	p, err := pathParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	n, err := h.repo.Node(r.Context(), rev, p)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := TreeResponse{Path: p, Kind: n.Kind, ID: n.ID.String(), Props: n.Props}
	if n.IsDir() {
		resp.Entries, err = h.repo.ListDir(r.Context(), rev, p)
		if err != nil {
			h.writeError(w, err)
			return
		}
	} else {
		resp.Size = n.Size()
		resp.Checksum = n.Checksum()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Cat(w http.ResponseWriter, r *http.Request) {
	rev, err := h.revParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	p, err := pathParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	rc, err := h.repo.ReadFile(r.Context(), rev, p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Revision", strconv.FormatInt(rev, 10))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Error("streaming file", zap.Int64("rev", rev), zap.String("path", p), zap.Error(err))
	}
}

func (h *Handler) Locks(w http.ResponseWriter, r *http.Request) {
	p, err := pathParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	locks, err := h.repo.Locks(p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if locks == nil {
		locks = []*lock.Lock{}
	}
	h.writeJSON(w, http.StatusOK, locks)
}
