package main

import (
	"bytes"
	"context"
	"testing"

	"revfs/internal/config"
	"revfs/internal/repo"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		in         string
		start, end int64
		wantErr    bool
	}{
		{"", 0, 7, false},
		{"3", 3, 3, false},
		{"2:5", 2, 5, false},
		{"HEAD:1", 7, 1, false},
		{"x", 0, 0, true},
		{"1:-2", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, end, err := parseRange(tt.in, 7)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}

func TestPrintLog(t *testing.T) {
	color.NoColor = true
	cfg := config.DefaultRepository()
	cfg.Path = "/repo"
	r, err := repo.Create(repo.Options{Config: cfg, FS: afero.NewMemMapFs(), InMemoryMeta: true})
	require.NoError(t, err)
	defer r.Close()

	src := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(src, "/in/a.txt", []byte("a"), 0o644))
	_, err = r.Import(context.Background(), src, "/in", "/proj", r.CommitOptions("harry", "add project\n"))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printLog(&out, r, 1, 0, true))
	s := out.String()
	assert.Contains(t, s, "r1 | harry |")
	assert.Contains(t, s, "| 1 line(s)")
	assert.Contains(t, s, "   A /proj\n")
	assert.Contains(t, s, "   A /proj/a.txt\n")
	assert.Contains(t, s, "\nadd project\n")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("r1 |")), bytes.Index(out.Bytes(), []byte("r0 |")))
}
