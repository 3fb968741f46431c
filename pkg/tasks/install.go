package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxDownloadBytes caps a single URL install download.
const maxDownloadBytes = 4 << 30

type packageManager struct {
	binary  string
	env     map[string]string
	install func(name, version string) []string
}

var packageManagers = map[string]packageManager{
	"apt-get": {binary: "apt-get", env: map[string]string{"DEBIAN_FRONTEND": "noninteractive"}, install: func(n, v string) []string {
		return []string{"install", "-y", joinVersion(n, "=", v)}
	}},
	"apt": {binary: "apt", env: map[string]string{"DEBIAN_FRONTEND": "noninteractive"}, install: func(n, v string) []string {
		return []string{"install", "-y", joinVersion(n, "=", v)}
	}},
	"dnf": {binary: "dnf", install: func(n, v string) []string {
		return []string{"install", "-y", joinVersion(n, "-", v)}
	}},
	"yum": {binary: "yum", install: func(n, v string) []string {
		return []string{"install", "-y", joinVersion(n, "-", v)}
	}},
	"zypper": {binary: "zypper", install: func(n, v string) []string {
		return []string{"--non-interactive", "install", joinVersion(n, "=", v)}
	}},
	"pacman": {binary: "pacman", install: func(n, _ string) []string {
		return []string{"-S", "--noconfirm", "--needed", n}
	}},
	"apk": {binary: "apk", install: func(n, v string) []string {
		return []string{"add", "--no-cache", joinVersion(n, "=", v)}
	}},
	"brew": {binary: "brew", env: map[string]string{"HOMEBREW_NO_AUTO_UPDATE": "1"}, install: func(n, v string) []string {
		return []string{"install", joinVersion(n, "@", v)}
	}},
	"winget": {binary: "winget", install: func(n, v string) []string {
		args := []string{"install", "--id", n, "-e", "--silent", "--accept-package-agreements", "--accept-source-agreements"}
		if v != "" {
			args = append(args, "--version", v)
		}
		return args
	}},
	"choco": {binary: "choco", install: func(n, v string) []string {
		args := []string{"install", n, "-y", "--no-progress"}
		if v != "" {
			args = append(args, "--version", v)
		}
		return args
	}},
}

// managerOrder is the auto-detection order per OS.
var managerOrder = map[string][]string{
	"linux":   {"apt-get", "dnf", "yum", "zypper", "pacman", "apk"},
	"darwin":  {"brew"},
	"windows": {"winget", "choco"},
}

func joinVersion(name, sep, version string) string {
	if version == "" {
		return name
	}
	return name + sep + version
}

func (e *Engine) runInstall(ctx context.Context, logger zerolog.Logger, p InstallPayload) (Result, error) {
	res := Result{Metadata: map[string]any{"source": p.Source}}
	if err := p.check(); err != nil {
		return res, invalidPayload(err.Error(), nil)
	}
	for _, v := range []string{p.Name, p.Version, p.StoreID} {
		if strings.HasPrefix(v, "-") {
			return res, invalidPayload(fmt.Sprintf("argument %q looks like a flag", v), nil)
		}
	}

	if p.PreInstall != nil {
		pre, err := e.runScript(ctx, *p.PreInstall)
		res.setMeta("pre_install_output", pre.Output)
		if err != nil {
			return res, wrapStep("pre-install script", err)
		}
	}

	var (
		step Result
		err  error
	)
	switch p.Source {
	case SourcePackage:
		step, err = e.installPackage(ctx, p)
	case SourceStore:
		step, err = e.installFromStore(ctx, p)
	case SourceArchive, SourceInstaller:
		step, err = e.installFromURL(ctx, p)
	}
	res.Output = step.Output
	res.ExitCode = step.ExitCode
	for k, v := range step.Metadata {
		res.setMeta(k, v)
	}
	if err != nil {
		return res, err
	}

	if p.PostInstall != nil {
		post, err := e.runScript(ctx, *p.PostInstall)
		res.setMeta("post_install_output", post.Output)
		if err != nil {
			logger.Warn().Err(err).Msg("Post-install script failed")
			res.setMeta("post_install_error", err.Error())
		}
	}
	return res, nil
}

func (e *Engine) installPackage(ctx context.Context, p InstallPayload) (Result, error) {
	name := p.Manager
	var bin string
	if name != "" {
		path, err := e.lookPath(packageManagers[name].binary)
		if err != nil {
			return Result{}, dependencyMissing("package manager "+name+" not found", err)
		}
		bin = path
	} else {
		for _, candidate := range managerOrder[e.goos] {
			if path, err := e.lookPath(packageManagers[candidate].binary); err == nil {
				name, bin = candidate, path
				break
			}
		}
		if bin == "" {
			return Result{}, dependencyMissing("no supported package manager found", nil)
		}
	}

	pm := packageManagers[name]
	res, err := e.runProcess(ctx, Invocation{Name: bin, Args: pm.install(p.Name, p.Version), Env: pm.env})
	res.setMeta("manager", name)
	return res, err
}

func (e *Engine) installFromStore(ctx context.Context, p InstallPayload) (Result, error) {
	store := p.Store
	if store == "" {
		switch e.goos {
		case "darwin":
			store = "mas"
		case "windows":
			store = "msstore"
		default:
			store = "snap"
		}
	}

	var tool string
	var args []string
	switch store {
	case "snap":
		tool, args = "snap", []string{"install", p.StoreID}
	case "flatpak":
		tool, args = "flatpak", []string{"install", "-y", "--noninteractive", p.StoreID}
	case "mas":
		tool, args = "mas", []string{"install", p.StoreID}
	case "msstore":
		tool, args = "winget", []string{"install", "--id", p.StoreID, "--source", "msstore", "--silent", "--accept-package-agreements", "--accept-source-agreements"}
	}
	bin, err := e.findTool(tool)
	if err != nil {
		return Result{}, err
	}
	res, err := e.runProcess(ctx, Invocation{Name: bin, Args: args})
	res.setMeta("store", store)
	return res, err
}

var archiveFormats = map[string]bool{"tar.gz": true, "tgz": true, "tar.zst": true, "zip": true}

var installerFormats = map[string]bool{"deb": true, "rpm": true, "pkg": true, "msi": true, "sh": true}

// detectFormat returns the explicit format, or the one implied by the URL path.
func detectFormat(explicit, rawURL string) string {
	if explicit != "" {
		return explicit
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := strings.ToLower(path.Base(u.Path))
	for _, f := range []string{"tar.gz", "tgz", "tar.zst", "zip", "deb", "rpm", "pkg", "msi", "sh"} {
		if strings.HasSuffix(name, "."+f) {
			return f
		}
	}
	return ""
}

// installFromURL downloads into a private temporary directory that is removed
// regardless of outcome, then extracts or runs the artifact.
func (e *Engine) installFromURL(ctx context.Context, p InstallPayload) (Result, error) {
	format := detectFormat(p.Format, p.URL)
	res := Result{Metadata: map[string]any{"format": format}}
	switch {
	case p.Source == SourceArchive && !archiveFormats[format]:
		return res, invalidPayload(fmt.Sprintf("unsupported archive format %q", format), nil)
	case p.Source == SourceInstaller && !installerFormats[format]:
		return res, invalidPayload(fmt.Sprintf("unsupported installer format %q", format), nil)
	}
	if p.Source == SourceArchive && !filepath.IsAbs(p.Destination) {
		return res, invalidPayload("destination must be an absolute path", nil)
	}

	dir, err := os.MkdirTemp(e.tempRoot, "steward-install-")
	if err != nil {
		return res, err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to remove install directory")
		}
	}()

	file := filepath.Join(dir, uuid.NewString()+"."+format)
	n, sum, err := e.download(ctx, p.URL, file)
	if err != nil {
		return res, wrapStep("download", err)
	}
	res.setMeta("bytes", n)
	res.setMeta("sha256", sum)
	if p.Checksum != "" && !strings.EqualFold(p.Checksum, sum) {
		return res, executionFailed(0, fmt.Sprintf("checksum mismatch: expected %s, got %s", strings.ToLower(p.Checksum), sum))
	}

	if p.Source == SourceArchive {
		stats, err := extractArchive(ctx, file, format, p.Destination)
		res.setMeta("destination", p.Destination)
		res.setMeta("entries", stats.entries)
		res.setMeta("extracted_bytes", stats.bytes)
		if err != nil {
			return res, wrapStep("extract", err)
		}
		res.Output = fmt.Sprintf("extracted %d entries into %s", stats.entries, p.Destination)
		return res, nil
	}

	inv, err := e.installerInvocation(format, file, p.Args)
	if err != nil {
		return res, err
	}
	out, err := e.runProcess(ctx, inv)
	res.Output, res.ExitCode = out.Output, out.ExitCode
	for k, v := range out.Metadata {
		res.setMeta(k, v)
	}
	return res, err
}

func (e *Engine) installerInvocation(format, file string, extra []string) (Invocation, error) {
	var tool string
	var args []string
	switch format {
	case "deb":
		tool, args = "dpkg", []string{"-i", file}
	case "rpm":
		tool, args = "rpm", []string{"-Uvh", "--replacepkgs", file}
	case "pkg":
		tool, args = "installer", []string{"-pkg", file, "-target", "/"}
	case "msi":
		tool, args = "msiexec", []string{"/i", file, "/qn", "/norestart"}
	case "sh":
		body, err := os.ReadFile(file)
		if err != nil {
			return Invocation{}, err
		}
		if err := CheckShell(string(body)); err != nil {
			return Invocation{}, err
		}
		tool, args = "sh", []string{file}
	}
	bin, err := e.findTool(tool)
	if err != nil {
		return Invocation{}, err
	}
	return Invocation{Name: bin, Args: append(args, extra...), Dir: filepath.Dir(file)}, nil
}

// download streams rawURL into dest and returns the size and SHA-256.
func (e *Engine) download(ctx context.Context, rawURL, dest string) (int64, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return 0, "", invalidPayload(fmt.Sprintf("unsupported url %q", rawURL), err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("User-Agent", "steward-agent")
	resp, err := e.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", executionFailed(0, fmt.Sprintf("GET %s: status %d", u.Redacted(), resp.StatusCode))
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return n, "", err
	}
	if n > maxDownloadBytes {
		return n, "", executionFailed(0, fmt.Sprintf("download exceeds %d bytes", int64(maxDownloadBytes)))
	}
	if err := f.Sync(); err != nil {
		return n, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
