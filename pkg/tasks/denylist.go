package tasks

import (
	"path"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// maxShellDepth bounds nested `sh -c` / eval unwrapping.
const maxShellDepth = 4

// Wrappers that run their trailing arguments as a command.
var commandWrappers = map[string]bool{
	"sudo": true, "doas": true, "env": true, "nohup": true, "nice": true,
	"ionice": true, "timeout": true, "time": true, "exec": true, "command": true,
	"builtin": true, "stdbuf": true, "setsid": true, "busybox": true,
}

var posixShells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true, "ash": true,
}

var blockDevicePrefixes = []string{
	"/dev/sd", "/dev/hd", "/dev/vd", "/dev/xvd", "/dev/nvme", "/dev/mmcblk",
	"/dev/disk", "/dev/rdisk", "/dev/mapper/", "/dev/dm-", "/dev/md",
	`\\.\physicaldrive`,
}

var systemDirs = map[string]bool{
	"/": true, "/bin": true, "/boot": true, "/dev": true, "/etc": true,
	"/lib": true, "/lib64": true, "/sbin": true, "/usr": true, "/var": true,
	"/home": true, "/root": true, "/system": true, "/library": true, "/applications": true,
}

var (
	windowsDriveRe = regexp.MustCompile(`^[a-z]:$`)
	funcDefRe      = regexp.MustCompile(`([A-Za-z_:][A-Za-z0-9_:]*)\(\)\{`)
)

// CheckArgs reports a DisallowedCommand error when argv matches a
// destructive pattern.
func CheckArgs(argv []string) error {
	return checkArgv(argv, 0)
}

// CheckShell parses a POSIX shell command line or script and checks every
// simple command and output redirect in it.
func CheckShell(line string) error {
	return checkShellLine(line, 0)
}

func checkArgv(argv []string, depth int) error {
	argv = unwrapCommand(argv)
	if len(argv) == 0 {
		return nil
	}
	name := commandName(argv[0])
	args := argv[1:]

	switch {
	case posixShells[name]:
		if line, ok := shellCommandArg(args); ok {
			return checkShellLine(line, depth+1)
		}
	case name == "eval":
		return checkShellLine(strings.Join(args, " "), depth+1)
	case name == "cmd":
		if line, ok := windowsCommandArg(args, "/c", "/k"); ok {
			return checkSegments(line, depth+1)
		}
	case name == "powershell" || name == "pwsh":
		if line, ok := windowsCommandArg(args, "-command", "-c"); ok {
			return checkSegments(line, depth+1)
		}
	case name == "rm":
		if hasRecursiveFlag(args) && (anyArg(args, isRootTarget) || contains(args, "--no-preserve-root")) {
			return disallowed("recursive deletion of a system path")
		}
	case name == "dd":
		for _, a := range args {
			if strings.HasPrefix(a, "of=") && isBlockDevice(a[3:]) {
				return disallowed("raw disk write")
			}
		}
	case name == "mkfs" || strings.HasPrefix(name, "mkfs.") || name == "mke2fs" || name == "wipefs" || name == "diskpart":
		return disallowed("disk format")
	case name == "shutdown" || name == "reboot" || name == "halt" || name == "poweroff":
		return disallowed("system shutdown")
	case name == "init" || name == "telinit":
		if contains(args, "0") || contains(args, "6") {
			return disallowed("system shutdown")
		}
	case name == "systemctl":
		for _, verb := range []string{"poweroff", "reboot", "halt", "kexec"} {
			if contains(args, verb) {
				return disallowed("system shutdown")
			}
		}
	case name == "kill":
		if killsInit(args) {
			return disallowed("kill of init process")
		}
	case name == "killall5":
		return disallowed("kill of every process")
	case name == "chmod" || name == "chown" || name == "chgrp":
		if hasRecursiveFlag(args) && anyArg(args, isRootTarget) {
			return disallowed("recursive permission change of a system path")
		}
	case name == "format":
		if anyArg(args, isWindowsRoot) {
			return disallowed("disk format")
		}
	case name == "rd" || name == "rmdir" || name == "del" || name == "erase":
		if containsFold(args, "/s") && anyArg(args, isWindowsRoot) {
			return disallowed("recursive deletion of a system path")
		}
	case name == "remove-item" || name == "ri":
		if containsFold(args, "-recurse") && anyArg(args, isWindowsRoot) {
			return disallowed("recursive deletion of a system path")
		}
	case name == "stop-computer" || name == "restart-computer":
		return disallowed("system shutdown")
	}
	return nil
}

func checkShellLine(line string, depth int) error {
	if depth > maxShellDepth {
		return disallowed("shell nesting too deep")
	}
	if isForkBomb(line) {
		return disallowed("fork bomb")
	}

	file, err := syntax.NewParser().Parse(strings.NewReader(line), "")
	if err != nil {
		return checkSegments(line, depth)
	}

	var found error
	syntax.Walk(file, func(node syntax.Node) bool {
		if found != nil {
			return false
		}
		switch n := node.(type) {
		case *syntax.FuncDecl:
			if callsItself(n) {
				found = disallowed("fork bomb")
			}
		case *syntax.CallExpr:
			found = checkArgv(words(n.Args), depth)
		case *syntax.Redirect:
			if isOutputRedirect(n.Op) && n.Word != nil && isBlockDevice(wordText(n.Word)) {
				found = disallowed("raw disk write")
			}
		}
		return found == nil
	})
	return found
}

// checkSegments is the fallback for lines the POSIX parser rejects, such as
// cmd.exe and PowerShell command lines.
func checkSegments(line string, depth int) error {
	if depth > maxShellDepth {
		return disallowed("shell nesting too deep")
	}
	segments := strings.FieldsFunc(line, func(r rune) bool {
		return r == '&' || r == '|' || r == ';' || r == '\n'
	})
	for _, seg := range segments {
		fields := strings.Fields(seg)
		for i, f := range fields {
			fields[i] = strings.Trim(f, `"'`)
		}
		if err := checkArgv(fields, depth); err != nil {
			return err
		}
	}
	return nil
}

func unwrapCommand(argv []string) []string {
	for len(argv) > 0 {
		name := commandName(argv[0])
		if !commandWrappers[name] {
			return argv
		}
		rest := argv[1:]
		switch name {
		case "env":
			for len(rest) > 0 && (strings.HasPrefix(rest[0], "-") || strings.Contains(rest[0], "=")) {
				rest = rest[1:]
			}
		case "timeout":
			rest = skipFlags(rest, nil)
			if len(rest) > 0 {
				rest = rest[1:]
			}
		case "sudo", "doas":
			rest = skipFlags(rest, map[string]bool{"-u": true, "-g": true, "-C": true, "-p": true, "-U": true, "-r": true, "-t": true})
		case "nice", "ionice":
			rest = skipFlags(rest, map[string]bool{"-n": true, "-c": true, "-p": true})
		default:
			rest = skipFlags(rest, nil)
		}
		argv = rest
	}
	return argv
}

// skipFlags drops leading flags; flags in withValue also drop their operand.
func skipFlags(args []string, withValue map[string]bool) []string {
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		flag := args[0]
		args = args[1:]
		if flag == "--" {
			break
		}
		if withValue[flag] && len(args) > 0 {
			args = args[1:]
		}
	}
	return args
}

func commandName(s string) string {
	s = strings.ToLower(strings.Trim(s, `"'`))
	if i := strings.LastIndexAny(s, `/\`); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSuffix(s, ".exe")
}

// shellCommandArg returns the command string of `sh -c <string>`.
func shellCommandArg(args []string) (string, bool) {
	hasC := false
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			if !strings.HasPrefix(a, "--") && strings.Contains(a[1:], "c") {
				hasC = true
			}
			continue
		}
		if hasC {
			return a, true
		}
		return "", false
	}
	return "", false
}

func windowsCommandArg(args []string, flags ...string) (string, bool) {
	for i, a := range args {
		for _, f := range flags {
			if strings.EqualFold(a, f) && i+1 < len(args) {
				return strings.Join(args[i+1:], " "), true
			}
		}
	}
	return "", false
}

func hasRecursiveFlag(args []string) bool {
	for _, a := range args {
		if a == "--recursive" {
			return true
		}
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.ContainsAny(a[1:], "rR") {
			return true
		}
	}
	return false
}

func isRootTarget(p string) bool {
	p = strings.Trim(p, `"'`)
	if strings.HasPrefix(p, "-") || p == "" {
		return false
	}
	if !strings.HasPrefix(p, "/") {
		return false
	}
	p = strings.TrimSuffix(p, "*")
	return systemDirs[strings.ToLower(path.Clean(p))]
}

func isWindowsRoot(p string) bool {
	orig := strings.ToLower(strings.Trim(p, `"'`))
	p = strings.TrimRight(orig, `\/*`)
	if p == "" {
		return strings.ContainsAny(orig, `\/`)
	}
	if windowsDriveRe.MatchString(p) {
		return true
	}
	return strings.HasSuffix(p, `:\windows`) || strings.HasSuffix(p, `:/windows`)
}

func isBlockDevice(p string) bool {
	p = strings.ToLower(strings.Trim(p, `"'`))
	for _, prefix := range blockDevicePrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// killsInit reports whether kill args target PID 1 or every process (-1).
func killsInit(args []string) bool {
	operands := args
	if len(operands) > 1 && strings.HasPrefix(operands[0], "-") {
		if operands[0] == "-s" || operands[0] == "-n" {
			operands = operands[1:]
		}
		operands = operands[1:]
	}
	for _, a := range operands {
		if a == "--" {
			continue
		}
		if a == "1" || a == "-1" {
			return true
		}
	}
	return false
}

func isOutputRedirect(op syntax.RedirOperator) bool {
	switch op {
	case syntax.RdrOut, syntax.AppOut, syntax.RdrAll, syntax.AppAll, syntax.ClbOut, syntax.RdrInOut:
		return true
	}
	return false
}

func callsItself(fn *syntax.FuncDecl) bool {
	if fn.Name == nil || fn.Body == nil {
		return false
	}
	name := fn.Name.Value
	self := false
	syntax.Walk(fn.Body, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok && len(call.Args) > 0 && wordText(call.Args[0]) == name {
			self = true
		}
		return !self
	})
	return self
}

// isForkBomb catches the classic `f(){ f|f& };f` shape textually, including
// forms the parser rejects.
func isForkBomb(line string) bool {
	compact := strings.Join(strings.Fields(line), "")
	for _, m := range funcDefRe.FindAllStringSubmatch(compact, -1) {
		name := m[1]
		if strings.Contains(compact, name+"|"+name+"&") {
			return true
		}
	}
	return false
}

func words(ws []*syntax.Word) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, wordText(w))
	}
	return out
}

// wordText renders the literal parts of a word. Expansions become "$" so they
// never match a concrete path.
func wordText(w *syntax.Word) string {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, dp := range p.Parts {
				if lit, ok := dp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				} else {
					sb.WriteString("$")
				}
			}
		default:
			sb.WriteString("$")
		}
	}
	return sb.String()
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func containsFold(args []string, want string) bool {
	for _, a := range args {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}

func anyArg(args []string, pred func(string) bool) bool {
	for _, a := range args {
		if pred(a) {
			return true
		}
	}
	return false
}
