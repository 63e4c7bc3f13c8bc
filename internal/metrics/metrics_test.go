package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.CommitFinished("ok", time.Now())
	m.CommitFinished("ok", time.Now())
	m.CommitFinished("conflict", time.Now())
	m.LockOp("lock")
	m.SetYoungest(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commits.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("conflict")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.youngest))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.locks.WithLabelValues("lock")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ShardPacked(time.Now())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "revfs_packed_shards_total 1")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CommitFinished("ok", time.Now())
		m.SetYoungest(1)
		m.RevisionBytes(10)
		m.ShardPacked(time.Now())
		m.LockOp("unlock")
		m.HookRun("pre-commit", "ok")
		m.HTTPRequest(http.MethodGet, http.StatusOK, time.Now())
	})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
