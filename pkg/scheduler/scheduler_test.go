package scheduler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/steward/pkg/auth"
	"github.com/haasonsaas/steward/pkg/credential"
	"github.com/haasonsaas/steward/pkg/events"
	"github.com/haasonsaas/steward/pkg/journal"
	"github.com/haasonsaas/steward/pkg/tasks"
	"github.com/haasonsaas/steward/pkg/tracing"
	"github.com/haasonsaas/steward/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

func httpErr(status int) error {
	kind := transport.KindHTTP4xx
	if status >= 500 {
		kind = transport.KindHTTP5xx
	}
	return &transport.Error{Kind: kind, Endpoint: transport.PathCheckIn, StatusCode: status, Message: http.StatusText(status)}
}

type fakeCreds struct {
	mu          sync.Mutex
	enrolled    bool
	secret      string
	refreshes   int
	invalidated string
}

func newFakeCreds() *fakeCreds { return &fakeCreds{enrolled: true, secret: "s1"} }

func (c *fakeCreds) EnsureValid(context.Context) (credential.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enrolled {
		return credential.Credential{}, auth.ErrNotEnrolled
	}
	return credential.Credential{Identity: "agent-1", Secret: c.secret}, nil
}

func (c *fakeCreds) Refresh(context.Context) (credential.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	c.secret = "s2"
	return credential.Credential{Identity: "agent-1", Secret: c.secret}, nil
}

func (c *fakeCreds) Invalidate(_ context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enrolled = false
	c.invalidated = reason
	return nil
}

func (c *fakeCreds) Enrolled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enrolled
}

func (c *fakeCreds) invalidReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}

func (c *fakeCreds) reenroll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enrolled = true
}

type report struct {
	taskID string
	result tasks.Result
}

type fakePlatform struct {
	mu          sync.Mutex
	checkIn     func(cred credential.Credential) (*transport.CheckInResponse, error)
	report      func(taskID string) error
	reports     []report
	telemetry   []any
	checkIns    atomic.Int32
	secretsSeen []string
}

func (p *fakePlatform) CheckIn(_ context.Context, cred credential.Credential, _ any) (*transport.CheckInResponse, error) {
	p.checkIns.Add(1)
	p.mu.Lock()
	p.secretsSeen = append(p.secretsSeen, cred.Secret)
	fn := p.checkIn
	p.mu.Unlock()
	if fn == nil {
		return &transport.CheckInResponse{}, nil
	}
	return fn(cred)
}

func (p *fakePlatform) setCheckIn(fn func(credential.Credential) (*transport.CheckInResponse, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkIn = fn
}

func (p *fakePlatform) ReportResult(_ context.Context, _ credential.Credential, taskID string, result tasks.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.report != nil {
		if err := p.report(taskID); err != nil {
			return err
		}
	}
	p.reports = append(p.reports, report{taskID: taskID, result: result})
	return nil
}

func (p *fakePlatform) SubmitTelemetry(_ context.Context, _ credential.Credential, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.telemetry = append(p.telemetry, payload)
	return nil
}

func (p *fakePlatform) reported() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.reports))
	for _, r := range p.reports {
		ids = append(ids, r.taskID)
	}
	return ids
}

type executorFunc func(ctx context.Context, task tasks.Task) tasks.Result

func (f executorFunc) Execute(ctx context.Context, task tasks.Task) tasks.Result { return f(ctx, task) }

type recordingExecutor struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingExecutor) Execute(_ context.Context, task tasks.Task) tasks.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, task.ID)
	return tasks.Result{Success: true, Output: "ok", DurationMs: 1}
}

func (e *recordingExecutor) ran() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ids...)
}

type collectorFunc func(ctx context.Context) (any, error)

func (f collectorFunc) Collect(ctx context.Context) (any, error) { return f(ctx) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CheckInInterval = 20 * time.Millisecond
	cfg.TelemetryInterval = 0
	cfg.HealthInterval = 0
	cfg.Backoff = Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	cfg.ShutdownGrace = time.Second
	return cfg
}

func echoTask(id string, priority int, created time.Time) tasks.Task {
	return tasks.Task{ID: id, Kind: tasks.KindCommand, Payload: []byte(`{"command":"echo","args":["hi"]}`), Priority: priority, CreatedAt: created}
}

func tasksResponse(ts ...tasks.Task) func(credential.Credential) (*transport.CheckInResponse, error) {
	return func(credential.Credential) (*transport.CheckInResponse, error) {
		return &transport.CheckInResponse{Tasks: ts}, nil
	}
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(journal.MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case e := <-sub.C():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	require.Equal(t, time.Minute, b.Delay(time.Minute, 0))

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 160 * time.Second, 5 * time.Minute, 5 * time.Minute}
	prev := time.Duration(0)
	for i, w := range want {
		got := b.Delay(time.Minute, i+1)
		require.Equal(t, w, got, "failures=%d", i+1)
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
	require.Equal(t, 5*time.Minute, b.Delay(time.Minute, 10000))
}

func TestBackoffDefaultsBounds(t *testing.T) {
	require.Equal(t, 500*time.Millisecond, Backoff{}.Delay(time.Minute, 1))
	require.Equal(t, time.Second, Backoff{Initial: time.Second}.Delay(time.Minute, 6))
}

func TestBackoffJittered(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Minute, Jitter: 0.1}
	require.Equal(t, 9*time.Second, b.Jittered(10*time.Second, 0))
	require.Equal(t, 10*time.Second, b.Jittered(10*time.Second, 0.5))
	require.LessOrEqual(t, b.Jittered(time.Minute, 0.99), time.Minute)

	wide := Backoff{Initial: time.Second, Max: time.Minute, Jitter: 3}
	require.Equal(t, 5*time.Second, wide.Jittered(10*time.Second, 0))

	none := Backoff{Initial: time.Second, Max: time.Minute}
	require.Equal(t, 10*time.Second, none.Jittered(10*time.Second, 0.7))

	for i := 1; i < 20; i++ {
		d := b.next(time.Minute, i)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Minute)
	}
	require.Equal(t, time.Minute, b.next(time.Minute, 0))
}

func TestCheckInRunsTasksByPriority(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	platform := &fakePlatform{}
	platform.setCheckIn(tasksResponse(
		echoTask("low", 1, base),
		echoTask("high-newer", 5, base.Add(time.Minute)),
		echoTask("high-older", 5, base),
	))
	exec := &recordingExecutor{}
	bus := events.NewBroadcaster()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(events.TaskCompleted)

	s := New(testConfig(), newFakeCreds(), platform, exec, WithEvents(bus))
	require.NoError(t, s.checkIn(context.Background(), context.Background()))

	require.Equal(t, []string{"high-older", "high-newer", "low"}, exec.ran())
	require.Equal(t, []string{"high-older", "high-newer", "low"}, platform.reported())
	e := nextEvent(t, sub)
	require.Equal(t, "high-older", e.TaskID)
	require.Equal(t, true, e.Data["reported"])
	require.Zero(t, s.Status().PendingTasks)
}

func TestCheckInSkipsJournaledTasks(t *testing.T) {
	platform := &fakePlatform{}
	platform.setCheckIn(tasksResponse(echoTask("t1", 0, time.Now())))
	exec := &recordingExecutor{}
	j := openJournal(t)

	s := New(testConfig(), newFakeCreds(), platform, exec, WithJournal(j))
	require.NoError(t, s.checkIn(context.Background(), context.Background()))
	require.NoError(t, s.checkIn(context.Background(), context.Background()))

	require.Equal(t, []string{"t1"}, exec.ran())
	entry, err := j.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, entry.Finished())
	require.True(t, entry.Reported)
}

func TestReportFailureIsNotRetried(t *testing.T) {
	platform := &fakePlatform{report: func(string) error { return httpErr(http.StatusBadGateway) }}
	platform.setCheckIn(tasksResponse(echoTask("t1", 0, time.Now())))
	exec := &recordingExecutor{}
	j := openJournal(t)
	bus := events.NewBroadcaster()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(events.TaskCompleted)

	s := New(testConfig(), newFakeCreds(), platform, exec, WithJournal(j), WithEvents(bus))
	err := s.checkIn(context.Background(), context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "report t1")
	require.Equal(t, false, nextEvent(t, sub).Data["reported"])

	require.NoError(t, s.checkIn(context.Background(), context.Background()))
	require.Equal(t, []string{"t1"}, exec.ran())

	entry, err := j.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.False(t, entry.Reported)
	require.NotEmpty(t, entry.ReportError)
}

func TestFailedTaskPublishesTaskFailed(t *testing.T) {
	platform := &fakePlatform{}
	platform.setCheckIn(tasksResponse(echoTask("bad", 0, time.Now())))
	exec := executorFunc(func(context.Context, tasks.Task) tasks.Result {
		return tasks.Result{Error: "command not allowed: rm", ErrorKind: tasks.DisallowedCommand}
	})
	bus := events.NewBroadcaster()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(events.TaskFailed)

	s := New(testConfig(), newFakeCreds(), platform, exec, WithEvents(bus))
	require.NoError(t, s.checkIn(context.Background(), context.Background()))

	e := nextEvent(t, sub)
	require.Equal(t, "bad", e.TaskID)
	require.Equal(t, string(tasks.DisallowedCommand), e.Data["error_kind"])
	require.Equal(t, []string{"bad"}, platform.reported())
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	creds := newFakeCreds()
	platform := &fakePlatform{}
	platform.setCheckIn(func(cred credential.Credential) (*transport.CheckInResponse, error) {
		if cred.Secret == "s1" {
			return nil, httpErr(http.StatusUnauthorized)
		}
		return &transport.CheckInResponse{}, nil
	})

	s := New(testConfig(), creds, platform, &recordingExecutor{})
	require.NoError(t, s.checkIn(context.Background(), context.Background()))
	require.Equal(t, 1, creds.refreshes)
	require.Equal(t, []string{"s1", "s2"}, platform.secretsSeen)

	// A second 401 after the refresh is returned, not retried again.
	platform.setCheckIn(func(credential.Credential) (*transport.CheckInResponse, error) {
		return nil, httpErr(http.StatusUnauthorized)
	})
	err := s.checkIn(context.Background(), context.Background())
	require.True(t, transport.IsUnauthorized(err))
	require.Equal(t, 2, creds.refreshes)
	require.Equal(t, int32(4), platform.checkIns.Load())
}

func TestNotEnrolledSkipsCheckIn(t *testing.T) {
	creds := newFakeCreds()
	creds.enrolled = false
	platform := &fakePlatform{}

	s := New(testConfig(), creds, platform, &recordingExecutor{})
	err := s.checkIn(context.Background(), context.Background())
	require.ErrorIs(t, err, auth.ErrNotEnrolled)
	require.Zero(t, platform.checkIns.Load())
}

func TestNotFoundPausesUntilEnrolled(t *testing.T) {
	creds := newFakeCreds()
	platform := &fakePlatform{}
	platform.setCheckIn(func(credential.Credential) (*transport.CheckInResponse, error) {
		return nil, httpErr(http.StatusNotFound)
	})
	bus := events.NewBroadcaster()
	t.Cleanup(bus.Close)

	s := New(testConfig(), creds, platform, &recordingExecutor{}, WithEvents(bus))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	require.Eventually(t, s.Paused, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "platform reported agent unknown", creds.invalidReason())
	require.Eventually(t, func() bool {
		st, _ := s.Loop(LoopCheckIn)
		return st.State == StatePaused
	}, 2*time.Second, 5*time.Millisecond)

	calls := platform.checkIns.Load()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, calls, platform.checkIns.Load(), "paused loop must not check in")

	platform.setCheckIn(tasksResponse())
	creds.reenroll()
	bus.Publish(events.Event{Kind: events.Enrolled, Identity: "agent-1"})

	require.Eventually(t, func() bool {
		return !s.Paused() && platform.checkIns.Load() > calls
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPausedLoopsResumeWhenCredentialAppearsInStore(t *testing.T) {
	creds := newFakeCreds()
	creds.enrolled = false
	platform := &fakePlatform{}

	cfg := testConfig()
	cfg.EnrollPoll = 10 * time.Millisecond
	s := New(cfg, creds, platform, &recordingExecutor{})
	s.Pause()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	time.Sleep(60 * time.Millisecond)
	require.True(t, s.Paused())
	require.Zero(t, platform.checkIns.Load())

	// Enrolled by another process: no event reaches this scheduler.
	creds.reenroll()
	require.Eventually(t, func() bool {
		return !s.Paused() && platform.checkIns.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)
}

// lateEnrollCreds fails the first EnsureValid as if the credential arrived
// just after it was read.
type lateEnrollCreds struct {
	*fakeCreds
	calls atomic.Int32
}

func (c *lateEnrollCreds) EnsureValid(ctx context.Context) (credential.Credential, error) {
	if c.calls.Add(1) == 1 {
		return credential.Credential{}, auth.ErrNotEnrolled
	}
	return c.fakeCreds.EnsureValid(ctx)
}

func TestEnrollmentDuringFailedIterationDoesNotStrandLoops(t *testing.T) {
	creds := &lateEnrollCreds{fakeCreds: newFakeCreds()}
	platform := &fakePlatform{}

	cfg := testConfig()
	cfg.EnrollPoll = 0
	s := New(cfg, creds, platform, &recordingExecutor{})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		return platform.checkIns.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.False(t, s.Paused())
}

func TestUnhealthyPublishedOnce(t *testing.T) {
	platform := &fakePlatform{}
	platform.setCheckIn(func(credential.Credential) (*transport.CheckInResponse, error) {
		return nil, httpErr(http.StatusServiceUnavailable)
	})
	bus := events.NewBroadcaster()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(events.Unhealthy)

	cfg := testConfig()
	cfg.MaxRetries = 3
	s := New(cfg, newFakeCreds(), platform, &recordingExecutor{}, WithEvents(bus))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	e := nextEvent(t, sub)
	require.Equal(t, LoopCheckIn, e.Loop)
	require.Contains(t, e.Message, "3 consecutive")

	require.Eventually(t, func() bool {
		st, _ := s.Loop(LoopCheckIn)
		return st.ConsecutiveFailures >= 6
	}, 2*time.Second, 5*time.Millisecond)
	select {
	case e := <-sub.C():
		t.Fatalf("unexpected second unhealthy event: %+v", e)
	default:
	}

	st, _ := s.Loop(LoopCheckIn)
	require.Contains(t, st.LastError, "503")
}

func TestBackoffResetsAfterSuccess(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	platform := &fakePlatform{}
	platform.setCheckIn(func(credential.Credential) (*transport.CheckInResponse, error) {
		if fail.Load() {
			return nil, httpErr(http.StatusInternalServerError)
		}
		return &transport.CheckInResponse{}, nil
	})

	s := New(testConfig(), newFakeCreds(), platform, &recordingExecutor{})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		st, _ := s.Loop(LoopCheckIn)
		return st.ConsecutiveFailures >= 2 && st.State == StateBackoff
	}, 2*time.Second, 5*time.Millisecond)

	fail.Store(false)
	require.Eventually(t, func() bool {
		st, _ := s.Loop(LoopCheckIn)
		return st.ConsecutiveFailures == 0 && !st.LastSuccessAt.IsZero() && st.LastError == ""
	}, 2*time.Second, 5*time.Millisecond)
	require.False(t, s.Status().LastCheckIn.IsZero())
}

func TestStartTwice(t *testing.T) {
	s := New(testConfig(), newFakeCreds(), &fakePlatform{}, &recordingExecutor{})
	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	s.Stop()
	s.Stop()
	require.False(t, s.Running())

	st := s.Status()
	require.Len(t, st.Loops, 3)
	for _, l := range st.Loops {
		require.Equal(t, StateStopped, l.State, l.Name)
	}
}

func TestStopHaltsIterations(t *testing.T) {
	platform := &fakePlatform{}
	bus := events.NewBroadcaster()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(events.Stopped)

	s := New(testConfig(), newFakeCreds(), platform, &recordingExecutor{}, WithEvents(bus))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return platform.checkIns.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	nextEvent(t, sub)
	calls := platform.checkIns.Load()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, calls, platform.checkIns.Load())
}

func TestStopLetsInFlightTaskFinish(t *testing.T) {
	started := make(chan struct{})
	platform := &fakePlatform{}
	platform.setCheckIn(tasksResponse(echoTask("slow", 0, time.Now())))
	exec := executorFunc(func(ctx context.Context, task tasks.Task) tasks.Result {
		close(started)
		select {
		case <-time.After(100 * time.Millisecond):
			return tasks.Result{Success: true}
		case <-ctx.Done():
			return tasks.Result{ErrorKind: tasks.Timeout, Error: ctx.Err().Error()}
		}
	})

	s := New(testConfig(), newFakeCreds(), platform, exec, WithJournal(openJournal(t)))
	require.NoError(t, s.Start(context.Background()))
	<-started
	s.Stop()

	require.Equal(t, []string{"slow"}, platform.reported())
	require.True(t, platform.reports[0].result.Success)
}

func TestStopCancelsTaskAfterGrace(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	platform := &fakePlatform{}
	platform.setCheckIn(tasksResponse(echoTask("stuck", 0, time.Now())))
	exec := executorFunc(func(ctx context.Context, task tasks.Task) tasks.Result {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return tasks.Result{ErrorKind: tasks.Timeout, Error: "cancelled"}
	})

	cfg := testConfig()
	cfg.ShutdownGrace = 50 * time.Millisecond
	s := New(cfg, newFakeCreds(), platform, exec, WithJournal(openJournal(t)))
	require.NoError(t, s.Start(context.Background()))
	<-started

	begin := time.Now()
	s.Stop()
	require.True(t, cancelled.Load())
	require.Less(t, time.Since(begin), 2*time.Second)
}

func TestMinVersionWarnsOnce(t *testing.T) {
	var buf bytes.Buffer
	platform := &fakePlatform{}
	platform.setCheckIn(func(credential.Credential) (*transport.CheckInResponse, error) {
		return &transport.CheckInResponse{MinVersion: "2.1.0"}, nil
	})
	cfg := testConfig()
	cfg.AgentVersion = "2.0.3"

	s := New(cfg, newFakeCreds(), platform, &recordingExecutor{}, WithLogger(zerolog.New(&buf)))
	require.NoError(t, s.checkIn(context.Background(), context.Background()))
	require.NoError(t, s.checkIn(context.Background(), context.Background()))
	require.Equal(t, 1, strings.Count(buf.String(), "minimum supported version"))

	buf.Reset()
	s.checkMinVersion("2.0.0")
	require.NotContains(t, buf.String(), "minimum supported version")
}

func TestSendTelemetry(t *testing.T) {
	platform := &fakePlatform{}
	bus := events.NewBroadcaster()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(events.TelemetrySent, events.TelemetryFailed)

	var fail atomic.Bool
	collector := collectorFunc(func(context.Context) (any, error) {
		if fail.Load() {
			return nil, errors.New("inspector unavailable")
		}
		return map[string]any{"cpu": 12.5}, nil
	})

	s := New(testConfig(), newFakeCreds(), platform, &recordingExecutor{}, WithCollector(collector), WithEvents(bus))
	require.NoError(t, s.sendTelemetry(context.Background(), context.Background()))
	require.Equal(t, events.TelemetrySent, nextEvent(t, sub).Kind)
	require.Len(t, platform.telemetry, 1)

	fail.Store(true)
	err := s.sendTelemetry(context.Background(), context.Background())
	require.ErrorContains(t, err, "inspector unavailable")
	e := nextEvent(t, sub)
	require.Equal(t, events.TelemetryFailed, e.Kind)
	require.Equal(t, LoopTelemetry, e.Loop)
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) Check(ctx context.Context) error { return f(ctx) }

func TestCheckHealth(t *testing.T) {
	creds := newFakeCreds()
	s := New(testConfig(), creds, &fakePlatform{}, &recordingExecutor{},
		WithHealthChecker(healthFunc(func(context.Context) error { return errors.New("time drift 10m0s exceeds max 1m0s") })))
	require.ErrorContains(t, s.checkHealth(context.Background(), context.Background()), "time drift")

	creds.enrolled = false
	require.ErrorIs(t, s.checkHealth(context.Background(), context.Background()), auth.ErrNotEnrolled)
}

func TestIterationSpans(t *testing.T) {
	rec := tracing.InstallRecorder(t)

	platform := &fakePlatform{}
	platform.setCheckIn(func(credential.Credential) (*transport.CheckInResponse, error) {
		return nil, httpErr(http.StatusBadGateway)
	})
	s := New(testConfig(), newFakeCreds(), platform, &recordingExecutor{})
	l := s.loops[LoopCheckIn]
	s.iterate(context.Background(), context.Background(), l)

	spans := rec.Tagged("loop.name", LoopCheckIn)
	require.Len(t, spans, 1)
	require.Equal(t, "loop.checkin", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, rec.Failed(), 1)
	require.Equal(t, StateBackoff, l.snapshot().State)
}
