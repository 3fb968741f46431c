// Package scheduler runs the agent's periodic loops: check-in with task
// execution, telemetry, and health. The loops share the single credential
// through the auth manager and pause while the agent is not enrolled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/steward/pkg/auth"
	"github.com/haasonsaas/steward/pkg/credential"
	"github.com/haasonsaas/steward/pkg/events"
	"github.com/haasonsaas/steward/pkg/tasks"
	"github.com/haasonsaas/steward/pkg/transport"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/haasonsaas/steward/pkg/scheduler"

// Loop names.
const (
	LoopCheckIn   = "checkin"
	LoopTelemetry = "telemetry"
	LoopHealth    = "health"
)

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Credentials is the auth manager as the loops see it.
type Credentials interface {
	EnsureValid(ctx context.Context) (credential.Credential, error)
	Refresh(ctx context.Context) (credential.Credential, error)
	Invalidate(ctx context.Context, reason string) error
	// Enrolled re-reads the credential store.
	Enrolled() bool
}

// Platform is the subset of platform calls the loops make.
type Platform interface {
	CheckIn(ctx context.Context, cred credential.Credential, snapshot any) (*transport.CheckInResponse, error)
	ReportResult(ctx context.Context, cred credential.Credential, taskID string, result tasks.Result) error
	SubmitTelemetry(ctx context.Context, cred credential.Credential, payload any) error
}

// Journal records fetched tasks. *journal.Journal implements it.
type Journal interface {
	Begin(ctx context.Context, task tasks.Task) (bool, error)
	Finish(ctx context.Context, taskID string, result tasks.Result) error
	MarkReported(ctx context.Context, taskID string, reportErr error) error
	Prune(ctx context.Context, keep int) (int64, error)
}

// Collector assembles a telemetry payload.
type Collector interface {
	Collect(ctx context.Context) (any, error)
}

// HealthChecker runs local and platform health probes.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// SnapshotFunc returns the system snapshot sent with each check-in.
type SnapshotFunc func(ctx context.Context) (any, error)

// Config holds the loop intervals and retry policy.
type Config struct {
	CheckInInterval   time.Duration
	TelemetryInterval time.Duration
	HealthInterval    time.Duration
	Backoff           Backoff
	// MaxRetries is the failure streak at which a loop reports unhealthy.
	MaxRetries int
	// ShutdownGrace is how long Stop waits for an in-flight task before
	// cancelling it.
	ShutdownGrace time.Duration
	AgentVersion  string
	// JournalKeep bounds the journal after each check-in; 0 keeps everything.
	JournalKeep int
	// EnrollPoll is how often paused loops look for a credential written by
	// another process. 0 waits for an enrolled event only.
	EnrollPoll time.Duration
}

func DefaultConfig() Config {
	return Config{
		CheckInInterval:   60 * time.Second,
		TelemetryInterval: 15 * time.Minute,
		HealthInterval:    5 * time.Minute,
		Backoff:           DefaultBackoff(),
		MaxRetries:        5,
		ShutdownGrace:     30 * time.Second,
		JournalKeep:       1000,
		EnrollPoll:        30 * time.Second,
	}
}

// Scheduler owns the loops and their ScheduleState.
type Scheduler struct {
	cfg       Config
	creds     Credentials
	platform  Platform
	executor  tasks.Executor
	journal   Journal
	collector Collector
	health    HealthChecker
	snapshot  SnapshotFunc
	bus       *events.Broadcaster
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	gate    *gate
	pending atomic.Int32

	mu         sync.Mutex
	loops      map[string]*loop
	running    bool
	cancel     context.CancelFunc
	taskCancel context.CancelFunc
	wg         sync.WaitGroup
	enrolled   *events.Subscription
	minVersion string
}

type Option func(*Scheduler)

func WithJournal(j Journal) Option { return func(s *Scheduler) { s.journal = j } }

func WithCollector(c Collector) Option { return func(s *Scheduler) { s.collector = c } }

func WithHealthChecker(h HealthChecker) Option { return func(s *Scheduler) { s.health = h } }

func WithSnapshot(fn SnapshotFunc) Option { return func(s *Scheduler) { s.snapshot = fn } }

// WithEvents publishes loop events on b and reopens the pause gate when b
// carries an enrolled event.
func WithEvents(b *events.Broadcaster) Option {
	return func(s *Scheduler) {
		s.bus = b
		if b != nil {
			s.publisher = b
		}
	}
}

func WithLogger(logger zerolog.Logger) Option { return func(s *Scheduler) { s.logger = logger } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func New(cfg Config, creds Credentials, platform Platform, executor tasks.Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		creds:     creds,
		platform:  platform,
		executor:  executor,
		publisher: events.Discard,
		logger:    zerolog.Nop(),
		now:       time.Now,
		gate:      newGate(true),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.loops = map[string]*loop{
		LoopCheckIn:   {name: LoopCheckIn, interval: cfg.CheckInInterval, run: s.checkIn, st: LoopState{State: StateIdle}},
		LoopTelemetry: {name: LoopTelemetry, interval: cfg.TelemetryInterval, run: s.sendTelemetry, st: LoopState{State: StateIdle}},
		LoopHealth:    {name: LoopHealth, interval: cfg.HealthInterval, run: s.checkHealth, st: LoopState{State: StateIdle}, startDelay: true},
	}
	return s
}

// Start launches the loops. Check-in and telemetry run immediately; health
// waits one interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	// Task execution outlives the loop context by the shutdown grace.
	taskCtx, taskCancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel, s.taskCancel = cancel, taskCancel
	s.running = true

	if s.bus != nil {
		s.enrolled = s.bus.Handle(func(e events.Event) {
			s.logger.Info().Str("identity", e.Identity).Msg("Enrolled; resuming loops")
			s.gate.open()
		}, events.Enrolled)
	}

	for _, name := range []string{LoopCheckIn, LoopTelemetry, LoopHealth} {
		l := s.loops[name]
		if l.interval <= 0 {
			l.set(func(st *LoopState) { st.State = StateStopped })
			continue
		}
		l.set(func(st *LoopState) { st.State = StateIdle; st.ConsecutiveFailures = 0 })
		s.wg.Add(1)
		go s.runLoop(loopCtx, taskCtx, l)
	}
	s.publisher.Publish(events.Event{Kind: events.Started, Time: s.now()})
	s.logger.Info().
		Dur("checkin_interval", s.cfg.CheckInInterval).
		Dur("telemetry_interval", s.cfg.TelemetryInterval).
		Dur("health_interval", s.cfg.HealthInterval).
		Msg("Scheduler started")
	return nil
}

// Stop cancels every loop and waits for them. An in-flight task gets
// ShutdownGrace to finish before its context is cancelled. No iteration
// starts after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, taskCancel := s.cancel, s.taskCancel
	if s.enrolled != nil {
		s.enrolled.Unsubscribe()
		s.enrolled = nil
	}
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		s.logger.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("Shutdown grace elapsed; cancelling in-flight task")
		taskCancel()
		<-done
	}
	taskCancel()

	for _, l := range s.loops {
		l.set(func(st *LoopState) { st.State = StateStopped; st.NextRunAt = time.Time{} })
	}
	s.pending.Store(0)
	s.publisher.Publish(events.Event{Kind: events.Stopped, Time: s.now()})
	s.logger.Info().Msg("Scheduler stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Resume reopens the pause gate.
func (s *Scheduler) Resume() { s.gate.open() }

// Pause closes the gate; loops park until Resume or an enrolled event.
func (s *Scheduler) Pause() { s.gate.close() }

func (s *Scheduler) Paused() bool { return !s.gate.isOpen() }

// Status is a point-in-time view of the loops.
type Status struct {
	Running       bool        `json:"running"`
	Paused        bool        `json:"paused"`
	LastCheckIn   time.Time   `json:"last_check_in,omitempty"`
	LastTelemetry time.Time   `json:"last_telemetry,omitempty"`
	PendingTasks  int         `json:"pending_tasks"`
	Loops         []LoopState `json:"loops"`
}

func (s *Scheduler) Status() Status {
	st := Status{Running: s.Running(), Paused: s.Paused(), PendingTasks: int(s.pending.Load())}
	for _, name := range []string{LoopCheckIn, LoopTelemetry, LoopHealth} {
		ls := s.loops[name].snapshot()
		st.Loops = append(st.Loops, ls)
		switch name {
		case LoopCheckIn:
			st.LastCheckIn = ls.LastSuccessAt
		case LoopTelemetry:
			st.LastTelemetry = ls.LastSuccessAt
		}
	}
	return st
}

// Loop returns the state of one loop.
func (s *Scheduler) Loop(name string) (LoopState, bool) {
	l, ok := s.loops[name]
	if !ok {
		return LoopState{}, false
	}
	return l.snapshot(), true
}

func (s *Scheduler) runLoop(ctx, taskCtx context.Context, l *loop) {
	defer s.wg.Done()

	var delay time.Duration
	if l.startDelay {
		delay = l.interval
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		l.set(func(st *LoopState) { st.NextRunAt = s.now().Add(delay) })
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !s.gate.isOpen() {
			l.set(func(st *LoopState) { st.State = StatePaused; st.NextRunAt = time.Time{} })
			if err := s.waitEnrolled(ctx); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		delay = s.iterate(ctx, taskCtx, l)
		timer.Reset(delay)
	}
}

// waitEnrolled blocks until the gate opens. While it waits it polls the
// credential store, so an enrollment made by the CLI resumes the loops even
// though its event was published in another process.
func (s *Scheduler) waitEnrolled(ctx context.Context) error {
	if s.cfg.EnrollPoll <= 0 {
		return s.gate.wait(ctx)
	}
	ticker := time.NewTicker(s.cfg.EnrollPoll)
	defer ticker.Stop()
	for {
		select {
		case <-s.gate.done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.creds.Enrolled() {
				s.logger.Info().Msg("Credential found in store; resuming loops")
				s.gate.open()
				return nil
			}
		}
	}
}

// iterate runs one pass of l and returns the wait before the next.
func (s *Scheduler) iterate(ctx, taskCtx context.Context, l *loop) time.Duration {
	started := s.now()
	l.set(func(st *LoopState) { st.State = StateRunning; st.LastRunAt = started })

	spanCtx, span := otel.Tracer(tracerName).Start(ctx, "loop."+l.name, trace.WithAttributes(attribute.String("loop.name", l.name)))
	err := l.run(spanCtx, taskCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	logger := s.logger.With().Str("loop", l.name).Logger()
	switch {
	case err == nil:
		l.set(func(st *LoopState) {
			st.State = StateIdle
			st.LastSuccessAt = s.now()
			st.ConsecutiveFailures = 0
			st.LastError = ""
		})
		return s.cfg.Backoff.next(l.interval, 0)

	case ctx.Err() != nil:
		return l.interval

	case errors.Is(err, auth.ErrNotEnrolled):
		logger.Warn().Err(err).Msg("Not enrolled; pausing loops")
		s.gate.close()
		// An enrolled event may have fired between the failed call and close.
		if s.creds.Enrolled() {
			s.gate.open()
		}
		l.set(func(st *LoopState) { st.State = StatePaused; st.LastError = err.Error() })
		return l.interval
	}

	var failures int
	l.set(func(st *LoopState) {
		st.ConsecutiveFailures++
		failures = st.ConsecutiveFailures
		st.State = StateBackoff
		st.LastError = err.Error()
	})
	delay := s.cfg.Backoff.next(l.interval, failures)
	logger.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("Loop iteration failed")

	if s.cfg.MaxRetries > 0 && failures == s.cfg.MaxRetries {
		logger.Error().Int("failures", failures).Msg("Loop unhealthy")
		s.publisher.Publish(events.Event{
			Kind:    events.Unhealthy,
			Time:    s.now(),
			Loop:    l.name,
			Error:   err.Error(),
			Message: fmt.Sprintf("%s failed %d consecutive times", l.name, failures),
		})
	}
	return delay
}
