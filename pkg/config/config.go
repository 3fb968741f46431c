package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its config file.
const DefaultPath = "/etc/steward/agent.yaml"

type AgentConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Execution ExecutionConfig `yaml:"execution"`
	Journal   JournalConfig   `yaml:"journal"`
	Reporting ReportingConfig `yaml:"reporting"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	URL             string `yaml:"url"`
	EnrollToken     string `yaml:"enroll_token"`
	EnrollTokenFile string `yaml:"enroll_token_file"`
	RequestTimeout  int    `yaml:"request_timeout_s" validate:"gte=0"`
	// Startup enrollment retry.
	RetryInitialMs  int `yaml:"retry_initial_ms" validate:"gte=0"`
	RetryMaxMs      int `yaml:"retry_max_ms" validate:"gte=0"`
	RetryMaxRetries int `yaml:"retry_max_attempts" validate:"gte=0"`
}

type AuthConfig struct {
	CredentialPath string `yaml:"credential_path" validate:"required"`
	KeyPath        string `yaml:"key_path" validate:"required"`
	RefreshBufferS int    `yaml:"refresh_buffer_s" validate:"gte=0"`
}

type ScheduleConfig struct {
	CheckInIntervalS   int     `yaml:"checkin_interval_s" validate:"min=10,max=300"`
	TelemetryIntervalM int     `yaml:"telemetry_interval_m" validate:"min=1,max=60"`
	HealthIntervalS    int     `yaml:"health_interval_s"`
	BackoffInitialS    int     `yaml:"backoff_initial_s" validate:"min=1"`
	BackoffMaxS        int     `yaml:"backoff_max_s" validate:"min=1"`
	BackoffJitter      float64 `yaml:"backoff_jitter" validate:"min=0,max=0.5"`
	MaxRetries         int     `yaml:"max_retries" validate:"min=1"`
	ShutdownGraceS     int     `yaml:"shutdown_grace_s" validate:"gte=0"`
}

type ExecutionConfig struct {
	DefaultTimeoutS int    `yaml:"default_timeout_s" validate:"min=1"`
	MaxOutputBytes  int    `yaml:"max_output_bytes" validate:"gte=0"`
	TempDir         string `yaml:"temp_dir"`
}

type JournalConfig struct {
	// DSN is a sqlite file path; empty keeps the journal in memory.
	DSN  string `yaml:"dsn"`
	Keep int    `yaml:"keep" validate:"gte=0"`
}

type ReportingConfig struct {
	InspectorTimeoutS int  `yaml:"inspector_timeout_s" validate:"gte=0"`
	DeviceCacheS      int  `yaml:"device_cache_s" validate:"gte=0"`
	SendSnapshot      bool `yaml:"send_snapshot"`
}

type HealthConfig struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s" validate:"gte=0"`
	ProbeTimeoutS int `yaml:"probe_timeout_s" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Server: ServerConfig{
			URL:             "https://localhost:8443",
			RequestTimeout:  30,
			RetryInitialMs:  500,
			RetryMaxMs:      30000,
			RetryMaxRetries: 10,
		},
		Auth: AuthConfig{
			CredentialPath: "/var/lib/steward/credential.age",
			KeyPath:        "/var/lib/steward/credential.key",
			RefreshBufferS: 300,
		},
		Schedule: ScheduleConfig{
			CheckInIntervalS:   60,
			TelemetryIntervalM: 15,
			HealthIntervalS:    300,
			BackoffInitialS:    5,
			BackoffMaxS:        300,
			BackoffJitter:      0.1,
			MaxRetries:         5,
			ShutdownGraceS:     30,
		},
		Execution: ExecutionConfig{
			DefaultTimeoutS: 300,
			MaxOutputBytes:  1 << 20,
		},
		Journal: JournalConfig{
			Keep: 1000,
		},
		Reporting: ReportingConfig{
			InspectorTimeoutS: 10,
			DeviceCacheS:      3600,
			SendSnapshot:      true,
		},
		Health: HealthConfig{
			TimeDriftMaxS: 120,
			ProbeTimeoutS: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides. A missing file is not
// an error.
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if url := os.Getenv("STEWARD_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if token := os.Getenv("STEWARD_ENROLL_TOKEN"); token != "" {
		cfg.Server.EnrollToken = token
	}
	if tokenFile := os.Getenv("STEWARD_ENROLL_TOKEN_FILE"); tokenFile != "" {
		cfg.Server.EnrollTokenFile = tokenFile
	}
	if level := os.Getenv("STEWARD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if cfg.Server.EnrollToken == "" && cfg.Server.EnrollTokenFile == "" {
		if defaultPath := defaultTokenPath(path); defaultPath != "" {
			cfg.Server.EnrollTokenFile = defaultPath
		}
	}

	return cfg, nil
}

func defaultTokenPath(configPath string) string {
	if configPath == "" {
		return ""
	}
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "enroll.token")
}

// EnrollmentToken returns the inline token, or the trimmed contents of the
// token file. A missing token file yields "" without error.
func (c *AgentConfig) EnrollmentToken() (string, error) {
	if c.Server.EnrollToken != "" {
		return c.Server.EnrollToken, nil
	}
	if c.Server.EnrollTokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Server.EnrollTokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read enroll token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks ranges and cross-field rules, and fills zero values that
// have a safe default.
func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if err := checkServerURL(c.Server.URL); err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fieldError(verrs[0])
		}
		return err
	}
	if c.Schedule.HealthIntervalS == 0 {
		c.Schedule.HealthIntervalS = 5 * c.Schedule.CheckInIntervalS
	}
	if c.Schedule.HealthIntervalS < c.Schedule.CheckInIntervalS {
		return ErrHealthInterval
	}
	if c.Schedule.BackoffInitialS > c.Schedule.BackoffMaxS {
		return ErrBackoffRange
	}

	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 30
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Execution.MaxOutputBytes == 0 {
		c.Execution.MaxOutputBytes = 1 << 20
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// checkServerURL requires https, except for loopback hosts.
func checkServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &Error{fmt.Sprintf("server URL %q is not an absolute URL", raw)}
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
	}
	return ErrInsecureServerURL
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func fieldError(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.Namespace(), "AgentConfig.")
	switch fe.Tag() {
	case "min", "gte":
		return &Error{fmt.Sprintf("%s must be >= %s", field, fe.Param())}
	case "max", "lte":
		return &Error{fmt.Sprintf("%s must be <= %s", field, fe.Param())}
	case "oneof":
		return &Error{fmt.Sprintf("%s must be one of: %s", field, fe.Param())}
	case "required":
		return &Error{fmt.Sprintf("%s is required", field)}
	default:
		return &Error{fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())}
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c ServerConfig) Timeout() time.Duration { return seconds(c.RequestTimeout) }

func (c AuthConfig) RefreshBuffer() time.Duration { return seconds(c.RefreshBufferS) }

func (c ScheduleConfig) CheckInInterval() time.Duration { return seconds(c.CheckInIntervalS) }

func (c ScheduleConfig) TelemetryInterval() time.Duration {
	return time.Duration(c.TelemetryIntervalM) * time.Minute
}

func (c ScheduleConfig) HealthInterval() time.Duration { return seconds(c.HealthIntervalS) }

func (c ScheduleConfig) BackoffInitial() time.Duration { return seconds(c.BackoffInitialS) }

func (c ScheduleConfig) BackoffMax() time.Duration { return seconds(c.BackoffMaxS) }

func (c ScheduleConfig) ShutdownGrace() time.Duration { return seconds(c.ShutdownGraceS) }

func (c ExecutionConfig) DefaultTimeout() time.Duration { return seconds(c.DefaultTimeoutS) }

var (
	ErrMissingServerURL  = &Error{"server URL is required"}
	ErrInsecureServerURL = &Error{"server URL must be https (http is allowed only for loopback)"}
	ErrHealthInterval    = &Error{"schedule.health_interval_s must be >= schedule.checkin_interval_s"}
	ErrBackoffRange      = &Error{"schedule.backoff_initial_s must be <= schedule.backoff_max_s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
