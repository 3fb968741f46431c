// Package telemetry turns inspector facts into the payloads the agent sends:
// the periodic telemetry report and the lighter snapshot attached to each
// check-in.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/steward/pkg/posture"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// SchemaVersion is bumped when the payload shape changes incompatibly.
const SchemaVersion = 1

// ErrNoData is returned when every inspector call failed.
var ErrNoData = errors.New("inspector returned no data")

// Payload is one telemetry report.
type Payload struct {
	ID            string                 `json:"id"`
	SchemaVersion int                    `json:"schema_version"`
	AgentVersion  string                 `json:"agent_version,omitempty"`
	CollectedAt   time.Time              `json:"collected_at"`
	Device        *posture.DeviceInfo    `json:"device,omitempty"`
	Metrics       *posture.SystemMetrics `json:"metrics,omitempty"`
	Security      *posture.SecurityInfo  `json:"security,omitempty"`
	Compliance    map[string]any         `json:"compliance,omitempty"`
	Errors        map[string]string      `json:"errors,omitempty"`
}

// Snapshot is the system summary sent with every check-in.
type Snapshot struct {
	Hostname         string    `json:"hostname"`
	OS               string    `json:"os"`
	Arch             string    `json:"arch"`
	OSName           string    `json:"os_name,omitempty"`
	AgentVersion     string    `json:"agent_version,omitempty"`
	UptimeSeconds    int64     `json:"uptime_seconds,omitempty"`
	Load1            float64   `json:"load_1"`
	MemoryFreeBytes  uint64    `json:"memory_free_bytes,omitempty"`
	DiskUsagePercent float64   `json:"disk_usage_percent"`
	TakenAt          time.Time `json:"taken_at"`
}

// Assembler collects from an inspector. Device info changes rarely, so it is
// cached for DeviceTTL and shared between telemetry and check-in snapshots.
type Assembler struct {
	inspector    posture.Inspector
	agentVersion string
	deviceTTL    time.Duration
	now          func() time.Time
	logger       zerolog.Logger

	mu       sync.Mutex
	device   *posture.DeviceInfo
	deviceAt time.Time
}

type Option func(*Assembler)

func WithAgentVersion(v string) Option { return func(a *Assembler) { a.agentVersion = v } }

// WithDeviceTTL sets how long device info is reused. Zero re-probes every time.
func WithDeviceTTL(d time.Duration) Option { return func(a *Assembler) { a.deviceTTL = d } }

func WithClock(now func() time.Time) Option { return func(a *Assembler) { a.now = now } }

func WithLogger(logger zerolog.Logger) Option { return func(a *Assembler) { a.logger = logger } }

func NewAssembler(inspector posture.Inspector, opts ...Option) *Assembler {
	a := &Assembler{
		inspector: inspector,
		deviceTTL: time.Hour,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Collect builds a full Payload. Partial inspector failures are carried in
// Payload.Errors; only a total failure is an error.
func (a *Assembler) Collect(ctx context.Context) (any, error) {
	p, err := a.Payload(ctx)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (a *Assembler) Payload(ctx context.Context) (*Payload, error) {
	p := &Payload{
		ID:            uuid.NewString(),
		SchemaVersion: SchemaVersion,
		AgentVersion:  a.agentVersion,
		CollectedAt:   a.now().UTC(),
	}
	var failed *multierror.Error
	record := func(source string, err error) {
		if p.Errors == nil {
			p.Errors = make(map[string]string)
		}
		p.Errors[source] = err.Error()
		failed = multierror.Append(failed, fmt.Errorf("%s: %w", source, err))
	}

	if dev, err := a.deviceInfo(ctx); err != nil {
		record("device", err)
	} else {
		p.Device = dev
	}
	if m, err := a.inspector.GetSystemMetrics(ctx); err != nil {
		record("metrics", err)
	} else {
		p.Metrics = &m
	}
	if s, err := a.inspector.GetSecurityInfo(ctx); err != nil {
		record("security", err)
	} else {
		p.Security = &s
		p.Compliance = s.Facts()
	}

	if p.Device == nil && p.Metrics == nil && p.Security == nil {
		return nil, fmt.Errorf("%w: %w", ErrNoData, failed.ErrorOrNil())
	}
	if failed != nil {
		a.logger.Warn().Err(failed).Msg("Telemetry payload is partial")
	}
	return p, nil
}

// Snapshot builds the check-in summary. It never fails outright: missing
// facts are left zero and the error describes what was missing.
func (a *Assembler) Snapshot(ctx context.Context) (any, error) {
	s := &Snapshot{AgentVersion: a.agentVersion, TakenAt: a.now().UTC()}
	var result *multierror.Error

	if dev, err := a.deviceInfo(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("device: %w", err))
	} else {
		s.Hostname, s.OS, s.Arch, s.OSName = dev.Hostname, dev.OS, dev.Arch, dev.OSName
	}
	if m, err := a.inspector.GetSystemMetrics(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("metrics: %w", err))
	} else {
		s.UptimeSeconds = m.UptimeSeconds
		s.Load1 = m.Load1
		s.MemoryFreeBytes = m.MemoryFreeBytes
		s.DiskUsagePercent = m.DiskUsagePercent()
	}
	return s, result.ErrorOrNil()
}

// DeviceInfo returns the cached device info, probing when it is stale.
func (a *Assembler) DeviceInfo(ctx context.Context) (posture.DeviceInfo, error) {
	dev, err := a.deviceInfo(ctx)
	if err != nil {
		return posture.DeviceInfo{}, err
	}
	return *dev, nil
}

func (a *Assembler) deviceInfo(ctx context.Context) (*posture.DeviceInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device != nil && a.deviceTTL > 0 && a.now().Sub(a.deviceAt) < a.deviceTTL {
		return a.device, nil
	}
	dev, err := a.inspector.GetDeviceInfo(ctx)
	if err != nil {
		return nil, err
	}
	if dev.AgentVersion == "" {
		dev.AgentVersion = a.agentVersion
	}
	a.device, a.deviceAt = &dev, a.now()
	return a.device, nil
}
