package tasks

import (
	"context"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

func (e *Engine) runCommand(ctx context.Context, p CommandPayload) (Result, error) {
	inv, err := e.commandInvocation(p)
	if err != nil {
		return Result{}, err
	}
	return e.runProcess(ctx, inv)
}

// commandInvocation builds the process launch for p after the denylist has
// accepted it. A bare command line with no args runs through the default
// shell.
func (e *Engine) commandInvocation(p CommandPayload) (Invocation, error) {
	inv := Invocation{Dir: p.WorkingDir, Env: p.Env}

	shell := p.Shell
	if shell == "" && len(p.Args) == 0 && strings.ContainsAny(strings.TrimSpace(p.Command), " \t|&;<>$`") {
		shell = e.defaultShell()
	}
	if shell == "" {
		argv := append([]string{p.Command}, p.Args...)
		if err := CheckArgs(argv); err != nil {
			return inv, err
		}
		inv.Name, inv.Args = p.Command, p.Args
		return inv, nil
	}

	line := p.Command
	switch shell {
	case "cmd", "powershell", "pwsh":
		if len(p.Args) > 0 {
			line += " " + strings.Join(p.Args, " ")
		}
		if err := checkSegments(line, 0); err != nil {
			return inv, err
		}
	default:
		for _, a := range p.Args {
			q, err := syntax.Quote(a, syntax.LangBash)
			if err != nil {
				return inv, invalidPayload("quote argument", err)
			}
			line += " " + q
		}
		if err := CheckShell(line); err != nil {
			return inv, err
		}
	}

	inv.Name = shell
	switch shell {
	case "cmd":
		inv.Args = []string{"/C", line}
	case "powershell", "pwsh":
		inv.Args = []string{"-NoProfile", "-NonInteractive", "-Command", line}
	default:
		inv.Args = []string{"-c", line}
	}
	return inv, nil
}

func (e *Engine) defaultShell() string {
	if e.goos == "windows" {
		return "cmd"
	}
	return "sh"
}
