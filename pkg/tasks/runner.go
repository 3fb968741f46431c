package tasks

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// MaxOutputBytes caps the combined stdout and stderr kept for one process.
const MaxOutputBytes = 1 << 20

// waitDelay bounds how long Wait blocks on output pipes held open by
// grandchildren after the process group has been killed.
const waitDelay = 2 * time.Second

// Invocation is one process launch.
type Invocation struct {
	Name  string
	Args  []string
	Dir   string
	Env   map[string]string
	Stdin io.Reader
}

// ProcessOutput is what a finished process left behind.
type ProcessOutput struct {
	Output    []byte
	Truncated bool
	ExitCode  int
}

// Runner launches processes. Pluggable for tests.
//
// Run returns a nil error when the process ran to completion, whatever its
// exit code. It returns ctx.Err() when the context ended first, and
// exec.ErrNotFound (wrapped) when the executable does not exist.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (ProcessOutput, error)
}

// ExecRunner runs real processes in their own process group so a timeout
// kills the whole tree.
type ExecRunner struct {
	MaxOutput int
}

func (r ExecRunner) Run(ctx context.Context, inv Invocation) (ProcessOutput, error) {
	limit := r.MaxOutput
	if limit <= 0 {
		limit = MaxOutputBytes
	}

	cmd := exec.CommandContext(ctx, inv.Name, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = mergeEnv(os.Environ(), inv.Env)
	cmd.Stdin = inv.Stdin
	buf := &cappedBuffer{limit: limit}
	cmd.Stdout = buf
	cmd.Stderr = buf
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	err := cmd.Run()
	out := ProcessOutput{Output: buf.Bytes(), Truncated: buf.Truncated()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		out.ExitCode = -1
		return out, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		out.ExitCode = -1
		return out, err
	}
	return out, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				name = kv[:i]
				break
			}
		}
		if _, ok := overrides[name]; !ok {
			env = append(env, kv)
		}
	}
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// cappedBuffer keeps the first limit bytes written and silently discards the
// rest, so a chatty child never blocks on a full pipe.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
