package tasks

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type interpreter struct {
	binaries []string
	ext      string
	prefix   []string
}

var interpreters = map[string]interpreter{
	"sh":         {binaries: []string{"sh"}, ext: ".sh"},
	"bash":       {binaries: []string{"bash"}, ext: ".sh"},
	"zsh":        {binaries: []string{"zsh"}, ext: ".zsh"},
	"python":     {binaries: []string{"python3", "python"}, ext: ".py"},
	"python3":    {binaries: []string{"python3"}, ext: ".py"},
	"powershell": {binaries: []string{"powershell", "pwsh"}, ext: ".ps1", prefix: []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File"}},
	"pwsh":       {binaries: []string{"pwsh"}, ext: ".ps1", prefix: []string{"-NoProfile", "-NonInteractive", "-File"}},
	"node":       {binaries: []string{"node"}, ext: ".js"},
	"perl":       {binaries: []string{"perl"}, ext: ".pl"},
	"ruby":       {binaries: []string{"ruby"}, ext: ".rb"},
}

// runScript writes the script into a private temporary directory, runs it,
// and removes the directory on every return path.
func (e *Engine) runScript(ctx context.Context, p ScriptPayload) (Result, error) {
	interp, ok := interpreters[p.Interpreter]
	if !ok {
		return Result{}, invalidPayload("unknown interpreter "+p.Interpreter, nil)
	}
	if posixShells[p.Interpreter] {
		if err := CheckShell(p.Script); err != nil {
			return Result{}, err
		}
	}
	bin, err := e.findTool(interp.binaries...)
	if err != nil {
		return Result{}, err
	}

	dir, err := os.MkdirTemp(e.tempRoot, "steward-script-")
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to remove script directory")
		}
	}()

	path := filepath.Join(dir, uuid.NewString()+interp.ext)
	if err := os.WriteFile(path, []byte(p.Script), 0o700); err != nil {
		return Result{}, err
	}

	args := make([]string, 0, len(interp.prefix)+1+len(p.Args))
	args = append(args, interp.prefix...)
	args = append(args, path)
	args = append(args, p.Args...)
	return e.runProcess(ctx, Invocation{Name: bin, Args: args, Dir: dir, Env: p.Env})
}
