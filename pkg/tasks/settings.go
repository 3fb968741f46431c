package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// SettingEnv is what a setting may use to apply itself.
type SettingEnv struct {
	GOOS string
	// Run executes a trusted, predefined command. It bypasses the denylist.
	Run func(ctx context.Context, name string, args ...string) (string, error)
	// WriteFile writes a configuration file.
	WriteFile func(path string, data []byte, perm os.FileMode) error
}

// Setting is a named, predefined configuration change a policy task may
// apply. Apply receives the raw JSON value from the task.
type Setting struct {
	Name        string
	Category    string
	Description string
	Apply       func(ctx context.Context, env SettingEnv, value json.RawMessage) (string, error)
}

// SettingsRegistry holds the settings policy tasks can reference.
type SettingsRegistry struct {
	mu       sync.RWMutex
	settings map[string]Setting
}

func NewSettingsRegistry(settings ...Setting) *SettingsRegistry {
	r := &SettingsRegistry{settings: make(map[string]Setting, len(settings))}
	for _, s := range settings {
		r.settings[s.Name] = s
	}
	return r
}

// Register adds s. Names are unique.
func (r *SettingsRegistry) Register(s Setting) error {
	if s.Name == "" || s.Apply == nil {
		return fmt.Errorf("setting requires a name and an apply function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.settings[s.Name]; exists {
		return fmt.Errorf("setting %q already registered", s.Name)
	}
	r.settings[s.Name] = s
	return nil
}

func (r *SettingsRegistry) Lookup(name string) (Setting, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[name]
	return s, ok
}

func (r *SettingsRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.settings))
	for name := range r.settings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func boolValue(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 {
		return true, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("expected boolean value: %w", err)
	}
	return v, nil
}

func intValue(raw json.RawMessage) (int, error) {
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("expected integer value: %w", err)
	}
	return v, nil
}

func unsupportedOn(goos string) error {
	return dependencyMissing("setting not supported on "+goos, nil)
}

const sshdDropIn = "/etc/ssh/sshd_config.d/50-steward.conf"

// DefaultSettings returns the built-in settings for goos.
func DefaultSettings(goos string) *SettingsRegistry {
	return NewSettingsRegistry(
		Setting{
			Name:        "firewall.enabled",
			Category:    CategorySecurity,
			Description: "Turn the host firewall on or off",
			Apply: func(ctx context.Context, env SettingEnv, value json.RawMessage) (string, error) {
				on, err := boolValue(value)
				if err != nil {
					return "", invalidPayload(err.Error(), nil)
				}
				switch env.GOOS {
				case "linux":
					if on {
						return env.Run(ctx, "ufw", "--force", "enable")
					}
					return env.Run(ctx, "ufw", "disable")
				case "darwin":
					state := "off"
					if on {
						state = "on"
					}
					return env.Run(ctx, "/usr/libexec/ApplicationFirewall/socketfilterfw", "--setglobalstate", state)
				case "windows":
					state := "off"
					if on {
						state = "on"
					}
					return env.Run(ctx, "netsh", "advfirewall", "set", "allprofiles", "state", state)
				}
				return "", unsupportedOn(env.GOOS)
			},
		},
		Setting{
			Name:        "updates.automatic",
			Category:    CategoryConfiguration,
			Description: "Enable or disable automatic OS updates",
			Apply: func(ctx context.Context, env SettingEnv, value json.RawMessage) (string, error) {
				on, err := boolValue(value)
				if err != nil {
					return "", invalidPayload(err.Error(), nil)
				}
				switch env.GOOS {
				case "linux":
					verb := "disable"
					if on {
						verb = "enable"
					}
					return env.Run(ctx, "systemctl", verb, "--now", "unattended-upgrades")
				case "darwin":
					state := "off"
					if on {
						state = "on"
					}
					return env.Run(ctx, "softwareupdate", "--schedule", state)
				case "windows":
					start := "disabled"
					if on {
						start = "auto"
					}
					return env.Run(ctx, "sc.exe", "config", "wuauserv", "start=", start)
				}
				return "", unsupportedOn(env.GOOS)
			},
		},
		Setting{
			Name:        "ssh.password_authentication",
			Category:    CategorySecurity,
			Description: "Allow or forbid SSH password logins",
			Apply: func(ctx context.Context, env SettingEnv, value json.RawMessage) (string, error) {
				on, err := boolValue(value)
				if err != nil {
					return "", invalidPayload(err.Error(), nil)
				}
				if env.GOOS != "linux" {
					return "", unsupportedOn(env.GOOS)
				}
				setting := "no"
				if on {
					setting = "yes"
				}
				conf := fmt.Sprintf("# managed by steward\nPasswordAuthentication %s\n", setting)
				if err := env.WriteFile(sshdDropIn, []byte(conf), 0o644); err != nil {
					return "", err
				}
				return env.Run(ctx, "systemctl", "reload", "sshd")
			},
		},
		Setting{
			Name:        "screen_lock.timeout_seconds",
			Category:    CategoryCompliance,
			Description: "Idle time before the screen locks",
			Apply: func(ctx context.Context, env SettingEnv, value json.RawMessage) (string, error) {
				secs, err := intValue(value)
				if err != nil || secs <= 0 {
					return "", invalidPayload("screen lock timeout must be a positive integer", err)
				}
				switch env.GOOS {
				case "darwin":
					return env.Run(ctx, "defaults", "-currentHost", "write", "com.apple.screensaver", "idleTime", "-int", fmt.Sprint(secs))
				case "windows":
					return env.Run(ctx, "reg", "add", `HKCU\Control Panel\Desktop`, "/v", "ScreenSaveTimeOut", "/t", "REG_SZ", "/d", fmt.Sprint(secs), "/f")
				case "linux":
					return env.Run(ctx, "gsettings", "set", "org.gnome.desktop.session", "idle-delay", fmt.Sprint(secs))
				}
				return "", unsupportedOn(env.GOOS)
			},
		},
	)
}

// settingEnv binds settings to the engine's runner.
func (e *Engine) settingEnv() SettingEnv {
	return SettingEnv{
		GOOS: e.goos,
		Run: func(ctx context.Context, name string, args ...string) (string, error) {
			res, err := e.runProcess(ctx, Invocation{Name: name, Args: args})
			return strings.TrimSpace(res.Output), err
		},
		WriteFile: func(path string, data []byte, perm os.FileMode) error {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			return os.WriteFile(path, data, perm)
		},
	}
}
