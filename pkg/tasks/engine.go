package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SecurityProbe returns the host's current security facts for posture
// validation of policy tasks.
type SecurityProbe func(ctx context.Context) (map[string]any, error)

// Executor runs one task to completion. *Engine implements it.
type Executor interface {
	Execute(ctx context.Context, task Task) Result
}

// Engine dispatches tasks to the command, script, install and policy
// strategies. It keeps no state between calls and never retries.
type Engine struct {
	runner         Runner
	settings       *SettingsRegistry
	security       SecurityProbe
	http           *http.Client
	tempRoot       string
	defaultTimeout time.Duration
	goos           string
	lookPath       func(string) (string, error)
	logger         zerolog.Logger
}

type EngineOption func(*Engine)

func WithRunner(r Runner) EngineOption {
	return func(e *Engine) { e.runner = r }
}

func WithSettings(s *SettingsRegistry) EngineOption {
	return func(e *Engine) { e.settings = s }
}

func WithSecurityProbe(p SecurityProbe) EngineOption {
	return func(e *Engine) { e.security = p }
}

// WithHTTPClient sets the client used for URL-based installs.
func WithHTTPClient(c *http.Client) EngineOption {
	return func(e *Engine) { e.http = c }
}

// WithTempRoot sets the parent directory for per-task temporary directories.
func WithTempRoot(dir string) EngineOption {
	return func(e *Engine) { e.tempRoot = dir }
}

func WithDefaultTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

func WithLookPath(fn func(string) (string, error)) EngineOption {
	return func(e *Engine) { e.lookPath = fn }
}

// WithPlatform overrides the target OS used for tool selection.
func WithPlatform(goos string) EngineOption {
	return func(e *Engine) { e.goos = goos }
}

func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		runner:         ExecRunner{},
		http:           &http.Client{Timeout: 30 * time.Minute},
		defaultTimeout: DefaultTimeout,
		goos:           runtime.GOOS,
		lookPath:       exec.LookPath,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.settings == nil {
		e.settings = DefaultSettings(e.goos)
	}
	return e
}

// Execute runs task under its timeout and always returns a Result. Failures
// are classified into Result.ErrorKind.
func (e *Engine) Execute(ctx context.Context, task Task) Result {
	start := time.Now()
	timeout := task.Timeout(e.defaultTimeout)
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := e.logger.With().Str("task_id", task.ID).Str("kind", string(task.Kind)).Logger()
	logger.Debug().Dur("timeout", timeout).Msg("Executing task")

	var (
		res Result
		err error
	)
	switch task.Kind {
	case KindCommand:
		var p CommandPayload
		if err = decodePayload(task.Payload, &p); err == nil {
			res, err = e.runCommand(taskCtx, p)
		}
	case KindScript:
		var p ScriptPayload
		if err = decodePayload(task.Payload, &p); err == nil {
			res, err = e.runScript(taskCtx, p)
		}
	case KindInstall:
		var p InstallPayload
		if err = decodePayload(task.Payload, &p); err == nil {
			res, err = e.runInstall(taskCtx, logger, p)
		}
	case KindPolicy:
		var p PolicyPayload
		if err = decodePayload(task.Payload, &p); err == nil {
			res, err = e.runPolicy(taskCtx, logger, p)
		}
	default:
		err = &Error{Kind: UnsupportedKind, Message: fmt.Sprintf("%q", task.Kind)}
	}

	res.DurationMs = time.Since(start).Milliseconds()
	res.Success = err == nil
	if err != nil {
		te := classify(taskCtx, err, timeout)
		res.Error = te.Error()
		res.ErrorKind = te.Kind
		if te.Kind == ExecutionFailed && res.ExitCode == nil && te.ExitCode != 0 {
			res.ExitCode = intPtr(te.ExitCode)
		}
		logger.Warn().Str("error_kind", string(te.Kind)).Int64("duration_ms", res.DurationMs).Msg(res.Error)
		return res
	}
	logger.Debug().Int64("duration_ms", res.DurationMs).Msg("Task succeeded")
	return res
}

func classify(taskCtx context.Context, err error, timeout time.Duration) *Error {
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Message: fmt.Sprintf("task exceeded %s", timeout)}
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: ExecutionFailed, Message: "cancelled", Err: err}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return &Error{Kind: DependencyMissing, Err: err}
	}
	return &Error{Kind: ExecutionFailed, Err: err}
}

// wrapStep prefixes err with the step that produced it, keeping its kind.
func wrapStep(step string, err error) error {
	var te *Error
	if errors.As(err, &te) {
		msg := step
		if te.Message != "" {
			msg = step + ": " + te.Message
		}
		return &Error{Kind: te.Kind, ExitCode: te.ExitCode, Message: msg, Err: te.Err}
	}
	return fmt.Errorf("%s: %w", step, err)
}

// runProcess launches inv and maps the outcome onto a Result. A non-zero
// exit is ExecutionFailed.
func (e *Engine) runProcess(ctx context.Context, inv Invocation) (Result, error) {
	out, err := e.runner.Run(ctx, inv)
	res := Result{Output: string(out.Output)}
	if out.Truncated {
		res.setMeta("truncated", true)
	}
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return res, dependencyMissing(inv.Name, err)
		}
		return res, err
	}
	res.ExitCode = intPtr(out.ExitCode)
	if out.ExitCode != 0 {
		return res, executionFailed(out.ExitCode, lastLine(res.Output))
	}
	return res, nil
}

// lastLine returns the final non-empty output line, truncated for error text.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	line := strings.TrimSpace(lines[len(lines)-1])
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}

func (e *Engine) findTool(candidates ...string) (string, error) {
	for _, name := range candidates {
		if path, err := e.lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", dependencyMissing(strings.Join(candidates, " or ")+" not found on PATH", nil)
}

var _ Executor = (*Engine)(nil)
