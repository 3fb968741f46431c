// Package orchestrator builds the agent context: one explicit object that
// owns the credential, transport, task engine, scheduler and event bus, and
// exposes the operations a front-end calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/steward/pkg/auth"
	"github.com/haasonsaas/steward/pkg/config"
	"github.com/haasonsaas/steward/pkg/credential"
	"github.com/haasonsaas/steward/pkg/events"
	"github.com/haasonsaas/steward/pkg/health"
	"github.com/haasonsaas/steward/pkg/journal"
	"github.com/haasonsaas/steward/pkg/posture"
	"github.com/haasonsaas/steward/pkg/scheduler"
	"github.com/haasonsaas/steward/pkg/tasks"
	"github.com/haasonsaas/steward/pkg/telemetry"
	"github.com/haasonsaas/steward/pkg/transport"
	"github.com/rs/zerolog"
)

// Options carries the config plus the seams tests replace. Zero values get
// the production implementation.
type Options struct {
	Config  *config.AgentConfig
	Version string
	Logger  zerolog.Logger

	Store      credential.Store
	Inspector  posture.Inspector
	Runner     tasks.Runner
	HTTPClient *http.Client
	Clock      func() time.Time
}

// Status is the AgentStatus snapshot, recomputed on every call.
type Status struct {
	Enrolled         bool                  `json:"enrolled"`
	CredentialValid  bool                  `json:"credential_valid"`
	Identity         string                `json:"identity,omitempty"`
	Running          bool                  `json:"running"`
	Paused           bool                  `json:"paused"`
	LastCheckIn      *time.Time            `json:"last_check_in,omitempty"`
	LastTelemetry    *time.Time            `json:"last_telemetry,omitempty"`
	PendingTaskCount int                   `json:"pending_task_count"`
	Loops            []scheduler.LoopState `json:"loops,omitempty"`
}

type Agent struct {
	cfg     *config.AgentConfig
	version string
	logger  zerolog.Logger

	bus       *events.Broadcaster
	client    *transport.Client
	auth      *auth.Manager
	engine    *tasks.Engine
	journal   *journal.Journal
	assembler *telemetry.Assembler
	health    *health.Checker
	scheduler *scheduler.Scheduler
	logSink   *events.Subscription

	closeOnce sync.Once
}

// New wires the agent and loads any persisted credential. A credential store
// that exists but cannot be read is a startup failure.
func New(ctx context.Context, opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger

	a := &Agent{
		cfg:     cfg,
		version: opts.Version,
		logger:  logger.With().Str("component", "agent").Logger(),
		bus:     events.NewBroadcaster(events.WithLogger(logger.With().Str("component", "events").Logger()), events.WithClock(now)),
	}

	store := opts.Store
	if store == nil {
		fs := credential.NewFileStore(cfg.Auth.CredentialPath, cfg.Auth.KeyPath)
		if err := fs.Check(ctx); err != nil {
			return nil, fmt.Errorf("credential store: %w", err)
		}
		store = fs
	}

	clientOpts := []transport.Option{
		transport.WithTimeout(cfg.Server.Timeout()),
		transport.WithUserAgent("steward-agent/" + opts.Version),
		transport.WithLogger(logger.With().Str("component", "transport").Logger()),
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, transport.WithHTTPClient(opts.HTTPClient))
	}
	client, err := transport.New(cfg.Server.URL, clientOpts...)
	if err != nil {
		return nil, err
	}
	a.client = client

	a.auth = auth.NewManager(store, client,
		auth.WithPublisher(a.bus),
		auth.WithRefreshBuffer(cfg.Auth.RefreshBuffer()),
		auth.WithClock(now),
		auth.WithLogger(logger.With().Str("component", "auth").Logger()),
	)
	if err := a.auth.Load(ctx); err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	inspector := opts.Inspector
	if inspector == nil {
		inspector = posture.NewHostInspector(time.Duration(cfg.Reporting.InspectorTimeoutS)*time.Second,
			posture.WithAgentVersion(opts.Version))
	}
	a.assembler = telemetry.NewAssembler(inspector,
		telemetry.WithAgentVersion(opts.Version),
		telemetry.WithDeviceTTL(time.Duration(cfg.Reporting.DeviceCacheS)*time.Second),
		telemetry.WithClock(now),
		telemetry.WithLogger(logger.With().Str("component", "telemetry").Logger()),
	)

	runner := opts.Runner
	if runner == nil {
		runner = tasks.ExecRunner{MaxOutput: cfg.Execution.MaxOutputBytes}
	}
	a.engine = tasks.NewEngine(
		tasks.WithRunner(runner),
		tasks.WithDefaultTimeout(cfg.Execution.DefaultTimeout()),
		tasks.WithTempRoot(cfg.Execution.TempDir),
		tasks.WithSecurityProbe(func(ctx context.Context) (map[string]any, error) {
			info, err := inspector.GetSecurityInfo(ctx)
			if err != nil {
				return nil, err
			}
			return info.Facts(), nil
		}),
		tasks.WithLogger(logger.With().Str("component", "tasks").Logger()),
	)

	a.journal, err = journal.Open(cfg.Journal.DSN, journal.WithClock(now))
	if err != nil {
		return nil, err
	}

	healthOpts := []health.Option{
		health.WithClock(now),
		health.WithTimeout(time.Duration(cfg.Health.ProbeTimeoutS) * time.Second),
	}
	if cfg.Execution.TempDir != "" {
		healthOpts = append(healthOpts, health.WithCheck("temp dir", health.DirWritable(cfg.Execution.TempDir)))
	}
	if fs, ok := store.(*credential.FileStore); ok {
		healthOpts = append(healthOpts, health.WithCheck("credential store", fs.Check))
	}
	a.health = health.NewChecker(client, time.Duration(cfg.Health.TimeDriftMaxS)*time.Second, healthOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithJournal(a.journal),
		scheduler.WithCollector(a.assembler),
		scheduler.WithHealthChecker(a.health),
		scheduler.WithEvents(a.bus),
		scheduler.WithClock(now),
		scheduler.WithLogger(logger.With().Str("component", "scheduler").Logger()),
	}
	if cfg.Reporting.SendSnapshot {
		schedOpts = append(schedOpts, scheduler.WithSnapshot(a.assembler.Snapshot))
	}
	a.scheduler = scheduler.New(schedulerConfig(cfg, opts.Version), a.auth, client, a.engine, schedOpts...)

	a.logSink = a.bus.Handle(a.logEvent, events.Kinds...)
	return a, nil
}

func schedulerConfig(cfg *config.AgentConfig, version string) scheduler.Config {
	return scheduler.Config{
		CheckInInterval:   cfg.Schedule.CheckInInterval(),
		TelemetryInterval: cfg.Schedule.TelemetryInterval(),
		HealthInterval:    cfg.Schedule.HealthInterval(),
		Backoff: scheduler.Backoff{
			Initial: cfg.Schedule.BackoffInitial(),
			Max:     cfg.Schedule.BackoffMax(),
			Jitter:  cfg.Schedule.BackoffJitter,
		},
		MaxRetries:    cfg.Schedule.MaxRetries,
		ShutdownGrace: cfg.Schedule.ShutdownGrace(),
		AgentVersion:  version,
		JournalKeep:   cfg.Journal.Keep,
		EnrollPoll:    cfg.Schedule.CheckInInterval(),
	}
}

// Enroll exchanges token for a credential, sending this device's info. The
// scheduler resumes on the resulting enrolled event.
func (a *Agent) Enroll(ctx context.Context, token string) (credential.Credential, error) {
	device, err := a.assembler.DeviceInfo(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Device info unavailable; enrolling without it")
	}
	cred, err := a.auth.Enroll(ctx, token, device)
	if err != nil {
		return credential.Credential{}, err
	}
	a.logger.Info().Str("identity", cred.Identity).Msg("Enrollment successful")
	return cred, nil
}

// Reset forgets the credential and pauses the loops. It is idempotent.
func (a *Agent) Reset(ctx context.Context) error {
	a.scheduler.Pause()
	return a.auth.Reset(ctx)
}

// Start runs the loops. Without a credential they start paused and wait for
// Enroll.
func (a *Agent) Start(ctx context.Context) error {
	if !a.auth.Enrolled() {
		a.logger.Info().Msg("Not enrolled; loops wait for enrollment")
		a.scheduler.Pause()
	} else {
		a.scheduler.Resume()
	}
	return a.scheduler.Start(ctx)
}

// Stop halts the loops, giving an in-flight task the shutdown grace period.
func (a *Agent) Stop() { a.scheduler.Stop() }

// Close stops the agent and releases the journal and event bus.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Stop()
		a.logSink.Unsubscribe()
		a.bus.Close()
		err = a.journal.Close()
	})
	return err
}

func (a *Agent) Status() Status {
	st := a.scheduler.Status()
	out := Status{
		Enrolled:         a.auth.Enrolled(),
		CredentialValid:  a.auth.CredentialValid(),
		Identity:         a.auth.Identity(),
		Running:          st.Running,
		Paused:           st.Paused,
		PendingTaskCount: st.PendingTasks,
		Loops:            st.Loops,
	}
	if !st.LastCheckIn.IsZero() {
		t := st.LastCheckIn
		out.LastCheckIn = &t
	}
	if !st.LastTelemetry.IsZero() {
		t := st.LastTelemetry
		out.LastTelemetry = &t
	}
	return out
}

// Subscribe returns a subscription to the given event kinds, or all of them.
func (a *Agent) Subscribe(kinds ...events.Kind) *events.Subscription {
	if len(kinds) == 0 {
		kinds = events.Kinds
	}
	return a.bus.Subscribe(kinds...)
}

// Health runs the health probes once.
func (a *Agent) Health(ctx context.Context) *health.HealthStatus { return a.health.Run(ctx) }

// Journal exposes the task journal for inspection.
func (a *Agent) Journal() *journal.Journal { return a.journal }

// Execute runs one task through the local engine without the platform.
func (a *Agent) Execute(ctx context.Context, task tasks.Task) tasks.Result {
	return a.engine.Execute(ctx, task)
}

// IsUnreachable reports an enrollment failure worth retrying.
func IsUnreachable(err error) bool { return errors.Is(err, auth.ErrUnreachable) }

func (a *Agent) logEvent(e events.Event) {
	ev := a.logger.Info()
	switch e.Kind {
	case events.TaskFailed, events.TelemetryFailed, events.Unenrolled:
		ev = a.logger.Warn()
	case events.Unhealthy:
		ev = a.logger.Error()
	}
	if e.Identity != "" {
		ev = ev.Str("identity", e.Identity)
	}
	if e.TaskID != "" {
		ev = ev.Str("task_id", e.TaskID)
	}
	if e.Loop != "" {
		ev = ev.Str("loop", e.Loop)
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}
	if e.Message != "" {
		ev = ev.Str("detail", e.Message)
	}
	ev.Str("event", string(e.Kind)).Msg("Agent event")
}
