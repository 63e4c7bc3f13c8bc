// Package hooks runs repository hook programs. A hook is an executable
// named after its event in the repository's hooks directory; a missing
// hook always succeeds.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"revfs/internal/errors"
	"revfs/internal/metrics"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type Hook string

// The pre-commit hook receives the pending changes on stdin, one
// "<action> <path>" line each.
const (
	StartCommit       Hook = "start-commit"
	PreCommit         Hook = "pre-commit"
	PostCommit        Hook = "post-commit"
	PreLock           Hook = "pre-lock"
	PostLock          Hook = "post-lock"
	PreUnlock         Hook = "pre-unlock"
	PostUnlock        Hook = "post-unlock"
	PreRevpropChange  Hook = "pre-revprop-change"
	PostRevpropChange Hook = "post-revprop-change"
)

// All lists every hook the repository invokes.
var All = []Hook{
	StartCommit, PreCommit, PostCommit,
	PreLock, PostLock, PreUnlock, PostUnlock,
	PreRevpropChange, PostRevpropChange,
}

// Runner invokes a hook with args (after the repository path) and stdin.
// A failing hook yields a HookFailure error carrying its stderr.
type Runner interface {
	Run(ctx context.Context, hook Hook, args []string, stdin []byte) error
}

type nopRunner struct{}

func (nopRunner) Run(context.Context, Hook, []string, []byte) error { return nil }

// Nop is a Runner for repositories with hooks disabled.
func Nop() Runner { return nopRunner{} }

// ExecRunner runs hook executables from Dir. Lookups are cached and the
// cache is dropped whenever the directory changes.
type ExecRunner struct {
	dir      string
	repoRoot string
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	cache   map[Hook]string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewExecRunner(dir, repoRoot string, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) (*ExecRunner, error) {
	r := &ExecRunner{
		dir:      dir,
		repoRoot: repoRoot,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
		cache:    make(map[Hook]string),
		done:     make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating hook watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		// Without a watch every lookup goes to the filesystem.
		watcher.Close()
		logger.Debug("Hook directory not watched", zap.String("dir", dir), zap.Error(err))
		return r, nil
	}
	r.watcher = watcher
	go r.watchLoop()
	return r, nil
}

func (r *ExecRunner) watchLoop() {
	defer close(r.done)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.mu.Lock()
			r.cache = make(map[Hook]string)
			r.mu.Unlock()
			r.logger.Debug("Hook directory changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("hook watcher error", zap.Error(err))
		}
	}
}

// Close stops the directory watcher.
func (r *ExecRunner) Close() error {
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	<-r.done
	return err
}

// lookup returns the hook's executable path, or "" when there is none.
func (r *ExecRunner) lookup(hook Hook) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		if p, ok := r.cache[hook]; ok {
			return p
		}
	}

	p := filepath.Join(r.dir, string(hook))
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		p = ""
	}
	if r.watcher != nil {
		r.cache[hook] = p
	}
	return p
}

func (r *ExecRunner) Run(ctx context.Context, hook Hook, args []string, stdin []byte) error {
	path := r.lookup(hook)
	if path == "" {
		return nil
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, path, append([]string{r.repoRoot}, args...)...)
	cmd.Dir = r.repoRoot
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	logger := r.logger.With(zap.String("hook", string(hook)), zap.Duration("elapsed", time.Since(started)))

	switch {
	case err == nil:
		r.metrics.HookRun(string(hook), "ok")
		logger.Debug("Hook succeeded")
		return nil
	case ctx.Err() != nil:
		r.metrics.HookRun(string(hook), "cancelled")
		return errors.FromContext(ctx.Err())
	case runCtx.Err() != nil:
		r.metrics.HookRun(string(hook), "timeout")
		logger.Warn("Hook timed out", zap.Duration("timeout", r.timeout))
		return errors.HookFailure(string(hook), fmt.Sprintf("timed out after %s", r.timeout))
	default:
		r.metrics.HookRun(string(hook), "failed")
		msg := strings.TrimRight(stderr.String(), "\n")
		if msg == "" {
			msg = err.Error()
		}
		logger.Info("Hook failed", zap.Error(err))
		return errors.HookFailure(string(hook), msg)
	}
}

// Invocation records one call made through a FuncRunner.
type Invocation struct {
	Hook  Hook
	Args  []string
	Stdin []byte
}

// FuncRunner dispatches hooks to Go functions; unregistered hooks succeed.
type FuncRunner struct {
	mu    sync.Mutex
	funcs map[Hook]func(args []string, stdin []byte) error
	calls []Invocation
}

func NewFuncRunner() *FuncRunner {
	return &FuncRunner{funcs: make(map[Hook]func([]string, []byte) error)}
}

// On registers fn for hook. A non-nil error from fn that is not already a
// HookFailure is reported as one.
func (f *FuncRunner) On(hook Hook, fn func(args []string, stdin []byte) error) {
	f.mu.Lock()
	f.funcs[hook] = fn
	f.mu.Unlock()
}

func (f *FuncRunner) Run(ctx context.Context, hook Hook, args []string, stdin []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}
	f.mu.Lock()
	f.calls = append(f.calls, Invocation{Hook: hook, Args: append([]string(nil), args...), Stdin: append([]byte(nil), stdin...)})
	fn := f.funcs[hook]
	f.mu.Unlock()

	if fn == nil {
		return nil
	}
	if err := fn(args, stdin); err != nil {
		if errors.Is(err, errors.ErrHookFailure) {
			return err
		}
		return errors.HookFailure(string(hook), err.Error())
	}
	return nil
}

// Calls returns the invocations of hook so far.
func (f *FuncRunner) Calls(hook Hook) []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Invocation
	for _, c := range f.calls {
		if c.Hook == hook {
			out = append(out, c)
		}
	}
	return out
}
