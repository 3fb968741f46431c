// Package tasks executes administrator-issued tasks under a safety filter and
// a hard timeout.
package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultTimeout bounds a task that does not carry its own timeout.
const DefaultTimeout = 5 * time.Minute

// Kind discriminates the task payload.
type Kind string

const (
	KindCommand Kind = "command"
	KindScript  Kind = "script"
	KindInstall Kind = "install"
	KindPolicy  Kind = "policy"
)

// Task is immutable once fetched from the platform.
type Task struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Timeout returns the task's own timeout, or fallback when it has none.
func (t Task) Timeout(fallback time.Duration) time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTimeout
}

type CommandPayload struct {
	Command    string            `json:"command" validate:"required"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	// Shell runs Command as a shell command line. Empty runs it directly,
	// unless it has no args and contains whitespace.
	Shell string `json:"shell,omitempty" validate:"omitempty,oneof=sh bash zsh dash powershell pwsh cmd"`
}

type ScriptPayload struct {
	Script      string            `json:"script" validate:"required"`
	Interpreter string            `json:"interpreter" validate:"required,oneof=sh bash zsh python python3 powershell pwsh node perl ruby"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// Install sources.
const (
	SourcePackage   = "package"
	SourceStore     = "store"
	SourceArchive   = "archive"
	SourceInstaller = "installer"
)

type InstallPayload struct {
	Source      string         `json:"source" validate:"required,oneof=package store archive installer"`
	Name        string         `json:"name,omitempty"`
	Version     string         `json:"version,omitempty"`
	Manager     string         `json:"manager,omitempty" validate:"omitempty,oneof=apt-get apt dnf yum zypper pacman apk brew winget choco"`
	Store       string         `json:"store,omitempty" validate:"omitempty,oneof=snap flatpak mas msstore"`
	StoreID     string         `json:"store_id,omitempty"`
	URL         string         `json:"url,omitempty" validate:"omitempty,url"`
	Checksum    string         `json:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`
	Format      string         `json:"format,omitempty" validate:"omitempty,oneof=tar.gz tgz tar.zst zip deb rpm pkg msi sh"`
	Destination string         `json:"destination,omitempty"`
	Args        []string       `json:"args,omitempty"`
	PreInstall  *ScriptPayload `json:"pre_install,omitempty"`
	PostInstall *ScriptPayload `json:"post_install,omitempty"`
}

func (p InstallPayload) check() error {
	switch p.Source {
	case SourcePackage:
		if p.Name == "" {
			return fmt.Errorf("package install requires name")
		}
	case SourceStore:
		if p.StoreID == "" {
			return fmt.Errorf("store install requires store_id")
		}
	case SourceArchive:
		if p.URL == "" || p.Destination == "" {
			return fmt.Errorf("archive install requires url and destination")
		}
	case SourceInstaller:
		if p.URL == "" {
			return fmt.Errorf("installer install requires url")
		}
	}
	return nil
}

// Policy categories.
const (
	CategorySecurity      = "security"
	CategoryConfiguration = "configuration"
	CategoryCompliance    = "compliance"
)

type PolicyPayload struct {
	Category   string          `json:"category" validate:"required,oneof=security configuration compliance"`
	Name       string          `json:"name,omitempty"`
	Settings   []SettingChange `json:"settings" validate:"required,min=1,dive"`
	Validation *PolicyCheck    `json:"validation,omitempty"`
	Rollback   *PolicyAction   `json:"rollback,omitempty"`
}

// SettingChange names a registered setting and the value to apply.
type SettingChange struct {
	Name  string          `json:"name" validate:"required"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PolicyCheck validates an applied policy. All supplied parts must pass.
type PolicyCheck struct {
	Command       *CommandPayload `json:"command,omitempty"`
	Script        *ScriptPayload  `json:"script,omitempty"`
	PostureChecks []string        `json:"posture_checks,omitempty"`
}

func (c PolicyCheck) empty() bool {
	return c.Command == nil && c.Script == nil && len(c.PostureChecks) == 0
}

// PolicyAction undoes a policy: a command, a script, or a list of settings
// to re-apply.
type PolicyAction struct {
	Command  *CommandPayload `json:"command,omitempty"`
	Script   *ScriptPayload  `json:"script,omitempty"`
	Settings []SettingChange `json:"settings,omitempty" validate:"omitempty,dive"`
}

// Result is the outcome reported for one task. A failed result always
// carries Error.
type Result struct {
	Success    bool           `json:"success"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (r *Result) setMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

var validate = validator.New()

// decodePayload strictly decodes raw into v and validates its struct tags.
func decodePayload(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return invalidPayload("payload is empty", nil)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalidPayload("decode payload", err)
	}
	if err := validate.Struct(v); err != nil {
		return invalidPayload("validate payload", err)
	}
	return nil
}

func intPtr(v int) *int { return &v }
