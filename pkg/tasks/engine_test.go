package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []Invocation
	fn    func(ctx context.Context, inv Invocation) (ProcessOutput, error)
}

func (f *fakeRunner) Run(ctx context.Context, inv Invocation) (ProcessOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return ProcessOutput{}, nil
	}
	return fn(ctx, inv)
}

func (f *fakeRunner) spawns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) invocations() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Invocation(nil), f.calls...)
}

func fakeLookPath(available ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, a := range available {
			if a == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", exec.ErrNotFound
	}
}

func mkTask(t *testing.T, kind Kind, payload any) Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return Task{ID: "t1", Kind: kind, Payload: raw, CreatedAt: time.Now()}
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestDisallowedCommandsNeverSpawn(t *testing.T) {
	payloads := []CommandPayload{
		{Command: "rm -rf /"},
		{Command: "rm", Args: []string{"-rf", "/"}},
		{Command: "sudo", Args: []string{"-u", "root", "rm", "-fr", "/*"}},
		{Command: "env", Args: []string{"FOO=1", "rm", "--recursive", "--force", "/usr"}},
		{Command: "dd", Args: []string{"if=/dev/zero", "of=/dev/sda", "bs=1M"}},
		{Command: "echo wiped > /dev/nvme0n1"},
		{Command: "shutdown -h now"},
		{Command: "bash", Args: []string{"-c", "reboot"}},
		{Command: "kill", Args: []string{"-9", "1"}},
		{Command: ":(){ :|:& };:"},
		{Command: "chmod -R 777 /"},
		{Command: "mkfs.ext4 /dev/sdb1"},
		{Command: "init 0"},
		{Command: `sh -c "sh -c 'rm -rf /'"`},
		{Command: "echo $(rm -rf /)"},
		{Command: "true && systemctl poweroff"},
		{Command: "format C: /q", Shell: "cmd"},
		{Command: "Remove-Item -Recurse -Force C:\\", Shell: "powershell"},
	}

	for _, p := range payloads {
		t.Run(p.Command, func(t *testing.T) {
			runner := &fakeRunner{}
			engine := NewEngine(WithRunner(runner))
			res := engine.Execute(context.Background(), mkTask(t, KindCommand, p))

			require.False(t, res.Success)
			require.Equal(t, DisallowedCommand, res.ErrorKind)
			require.Contains(t, res.Error, "not allowed")
			require.Zero(t, runner.spawns())
		})
	}
}

func TestExecuteEchoTask(t *testing.T) {
	requireUnix(t)
	engine := NewEngine()
	res := engine.Execute(context.Background(), mkTask(t, KindCommand, CommandPayload{Command: "echo", Args: []string{"hi"}}))

	require.True(t, res.Success, res.Error)
	require.Contains(t, res.Output, "hi")
	require.NotNil(t, res.ExitCode)
	require.Equal(t, 0, *res.ExitCode)
	require.Empty(t, res.Error)
}

func TestExecuteShellLineWithEnvAndDir(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	engine := NewEngine()
	res := engine.Execute(context.Background(), mkTask(t, KindCommand, CommandPayload{
		Command:    `echo "$GREETING from $(pwd)"`,
		WorkingDir: dir,
		Env:        map[string]string{"GREETING": "hello"},
	}))
	require.True(t, res.Success, res.Error)
	require.Contains(t, res.Output, "hello from")
}

func TestExecuteTimeoutKillsProcessTree(t *testing.T) {
	requireUnix(t)
	engine := NewEngine(WithDefaultTimeout(300 * time.Millisecond))
	start := time.Now()
	res := engine.Execute(context.Background(), mkTask(t, KindCommand, CommandPayload{
		Command: "sleep 30 & sleep 30; wait",
	}))

	require.Less(t, time.Since(start), 300*time.Millisecond+waitDelay+time.Second)
	require.False(t, res.Success)
	require.Equal(t, Timeout, res.ErrorKind)
	require.Contains(t, res.Error, "timeout")
}

func TestExecuteTimeoutFakeRunner(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context, _ Invocation) (ProcessOutput, error) {
		<-ctx.Done()
		return ProcessOutput{ExitCode: -1}, ctx.Err()
	}}
	for _, task := range []Task{
		mkTask(t, KindCommand, CommandPayload{Command: "sleep", Args: []string{"10"}}),
		mkTask(t, KindScript, ScriptPayload{Script: "sleep 10", Interpreter: "sh"}),
		mkTask(t, KindInstall, InstallPayload{Source: SourcePackage, Name: "curl", Manager: "apt-get"}),
	} {
		start := time.Now()
		e := NewEngine(WithRunner(runner), WithDefaultTimeout(50*time.Millisecond), WithLookPath(fakeLookPath("sh", "apt-get")), WithTempRoot(t.TempDir()))
		res := e.Execute(context.Background(), task)
		require.Less(t, time.Since(start), time.Second)
		require.Equal(t, Timeout, res.ErrorKind, string(task.Kind))
		require.GreaterOrEqual(t, res.DurationMs, int64(50))
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	runner := &fakeRunner{fn: func(context.Context, Invocation) (ProcessOutput, error) {
		return ProcessOutput{Output: []byte("starting\nboom\n"), ExitCode: 3}, nil
	}}
	engine := NewEngine(WithRunner(runner))
	res := engine.Execute(context.Background(), mkTask(t, KindCommand, CommandPayload{Command: "false"}))

	require.False(t, res.Success)
	require.Equal(t, ExecutionFailed, res.ErrorKind)
	require.NotNil(t, res.ExitCode)
	require.Equal(t, 3, *res.ExitCode)
	require.Contains(t, res.Error, "exit code 3")
	require.Contains(t, res.Error, "boom")
	require.Contains(t, res.Output, "starting")
}

func TestExecuteCommandNotFound(t *testing.T) {
	requireUnix(t)
	engine := NewEngine()
	res := engine.Execute(context.Background(), mkTask(t, KindCommand, CommandPayload{Command: "steward-no-such-binary"}))
	require.False(t, res.Success)
	require.Equal(t, DependencyMissing, res.ErrorKind)
}

func TestExecuteOutputIsCapped(t *testing.T) {
	requireUnix(t)
	engine := NewEngine(WithRunner(ExecRunner{MaxOutput: 16}))
	res := engine.Execute(context.Background(), mkTask(t, KindCommand, CommandPayload{Command: "yes | head -n 1000"}))
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Output, 16)
	require.Equal(t, true, res.Metadata["truncated"])
}

func TestExecuteRejectsBadTasks(t *testing.T) {
	engine := NewEngine(WithRunner(&fakeRunner{}))

	res := engine.Execute(context.Background(), Task{ID: "x", Kind: "reboot", Payload: json.RawMessage(`{}`)})
	require.Equal(t, UnsupportedKind, res.ErrorKind)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)

	cases := map[string]json.RawMessage{
		"empty":          nil,
		"null":           json.RawMessage(`null`),
		"missing field":  json.RawMessage(`{"args":["x"]}`),
		"unknown field":  json.RawMessage(`{"command":"ls","sudo":true}`),
		"wrong type":     json.RawMessage(`{"command":42}`),
		"bad shell name": json.RawMessage(`{"command":"ls","shell":"fish"}`),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			res := engine.Execute(context.Background(), Task{ID: "x", Kind: KindCommand, Payload: raw})
			require.Equal(t, InvalidPayload, res.ErrorKind)
			require.Contains(t, res.Error, "invalid payload")
		})
	}
}

func TestTaskTimeout(t *testing.T) {
	require.Equal(t, 90*time.Second, Task{TimeoutSeconds: 90}.Timeout(time.Minute))
	require.Equal(t, time.Minute, Task{}.Timeout(time.Minute))
	require.Equal(t, DefaultTimeout, Task{}.Timeout(0))
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", executionFailed(2, "bad"))
	require.True(t, errors.Is(err, ErrExecutionFailed))
	require.False(t, errors.Is(err, ErrTimeout))
	require.Equal(t, ExecutionFailed, KindOf(err))
	require.Equal(t, ExecutionFailed, KindOf(errors.New("plain")))
	require.Equal(t, "command not allowed: fork bomb", disallowed("fork bomb").Error())
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "abcde", string(b.Bytes()))
	require.True(t, b.Truncated())
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"PATH=/bin", "HOME=/root"}, map[string]string{"HOME": "/tmp", "LANG": "C"})
	require.Equal(t, []string{"PATH=/bin", "HOME=/tmp", "LANG=C"}, env)
	require.True(t, strings.HasPrefix(mergeEnv([]string{"A=1"}, nil)[0], "A="))
}
