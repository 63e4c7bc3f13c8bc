package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"revfs/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeHook(t *testing.T, dir string, hook Hook, script string) {
	t.Helper()
	body := "#!/bin/sh\n" + script + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(hook)), []byte(body), 0o755))
}

func newExecRunner(t *testing.T, timeout time.Duration) (*ExecRunner, string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("hook scripts need a POSIX shell")
	}
	repo := t.TempDir()
	dir := filepath.Join(repo, "hooks")
	require.NoError(t, os.Mkdir(dir, 0o755))
	r, err := NewExecRunner(dir, repo, timeout, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, dir, repo
}

func TestExecRunnerMissingHook(t *testing.T) {
	r, _, _ := newExecRunner(t, time.Second)
	assert.NoError(t, r.Run(context.Background(), PreCommit, []string{"txn"}, nil))
}

func TestExecRunnerArgsAndStdin(t *testing.T) {
	r, dir, repo := newExecRunner(t, 5*time.Second)
	out := filepath.Join(repo, "out")
	writeHook(t, dir, PreRevpropChange, fmt.Sprintf(`echo "$@" > %s; cat >> %s`, out, out))

	err := r.Run(context.Background(), PreRevpropChange, []string{"3", "harry", "svn:log", "M"}, []byte("new log"))
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, repo+" 3 harry svn:log M\nnew log", string(data))
}

func TestExecRunnerFailure(t *testing.T) {
	r, dir, _ := newExecRunner(t, 5*time.Second)
	writeHook(t, dir, PreCommit, `echo "log message required" >&2; exit 1`)

	err := r.Run(context.Background(), PreCommit, []string{"5-abc"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrHookFailure))
	assert.Contains(t, err.Error(), "log message required")
}

func TestExecRunnerTimeout(t *testing.T) {
	r, dir, _ := newExecRunner(t, 100*time.Millisecond)
	writeHook(t, dir, PreLock, `exec sleep 5`)

	err := r.Run(context.Background(), PreLock, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrHookFailure))
	assert.Contains(t, err.Error(), "timed out")
}

func TestExecRunnerNoticesNewHooks(t *testing.T) {
	r, dir, _ := newExecRunner(t, 5*time.Second)
	require.NoError(t, r.Run(context.Background(), StartCommit, nil, nil))

	writeHook(t, dir, StartCommit, `echo denied >&2; exit 1`)
	assert.Eventually(t, func() bool {
		err := r.Run(context.Background(), StartCommit, nil, nil)
		return errors.Is(err, errors.ErrHookFailure)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFuncRunner(t *testing.T) {
	f := NewFuncRunner()
	f.On(PreCommit, func(args []string, stdin []byte) error {
		if strings.HasPrefix(args[0], "bad") {
			return fmt.Errorf("rejected %s", args[0])
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, f.Run(ctx, PreCommit, []string{"good"}, nil))
	err := f.Run(ctx, PreCommit, []string{"bad-txn"}, nil)
	assert.True(t, errors.Is(err, errors.ErrHookFailure))
	assert.Contains(t, err.Error(), "rejected bad-txn")
	require.NoError(t, f.Run(ctx, PostCommit, []string{"1"}, nil))

	assert.Len(t, f.Calls(PreCommit), 2)
	assert.Equal(t, []string{"1"}, f.Calls(PostCommit)[0].Args)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.True(t, errors.Is(f.Run(cancelled, PreCommit, nil, nil), errors.ErrCancelled))
}
