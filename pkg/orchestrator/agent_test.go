package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/steward/pkg/auth"
	"github.com/haasonsaas/steward/pkg/config"
	"github.com/haasonsaas/steward/pkg/credential"
	"github.com/haasonsaas/steward/pkg/events"
	"github.com/haasonsaas/steward/pkg/posture"
	"github.com/haasonsaas/steward/pkg/tasks"
	"github.com/haasonsaas/steward/pkg/transport"
	"github.com/stretchr/testify/require"
)

// platform is a fake management platform speaking the wire contract.
type platform struct {
	mu        sync.Mutex
	secret    string
	expiresAt *time.Time
	queue     []tasks.Task
	results   map[string]tasks.Result
	telemetry int
	unknown   bool
	// rejectOnce makes the next authenticated call fail with 401.
	rejectOnce bool
	refreshes  int
	enrolls    int
}

func newPlatform() *platform {
	return &platform{results: make(map[string]tasks.Result)}
}

func (p *platform) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	r.GET(transport.PathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST(transport.PathEnroll, func(c *gin.Context) {
		var req transport.EnrollRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if req.Token != "good-token" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid enrollment token"})
			return
		}
		p.enrolls++
		p.secret = "secret-1"
		p.unknown = false
		c.JSON(http.StatusOK, transport.EnrollResponse{Identity: "agent-42", Secret: p.secret, ExpiresAt: p.expiresAt})
	})

	authed := r.Group("/v1", func(c *gin.Context) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.unknown {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+p.secret || c.GetHeader(transport.HeaderAgentID) != "agent-42" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad credential"})
			return
		}
		if p.rejectOnce && c.FullPath() != transport.PathRefresh {
			p.rejectOnce = false
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "credential revoked"})
			return
		}
		c.Next()
	})

	authed.POST("/checkin", func(c *gin.Context) {
		p.mu.Lock()
		defer p.mu.Unlock()
		queued := p.queue
		p.queue = nil
		c.JSON(http.StatusOK, transport.CheckInResponse{Tasks: queued})
	})
	authed.POST("/tasks/result", func(c *gin.Context) {
		var req transport.TaskResultRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p.mu.Lock()
		p.results[req.TaskID] = req.Result
		p.mu.Unlock()
		c.Status(http.StatusNoContent)
	})
	authed.POST("/telemetry", func(c *gin.Context) {
		p.mu.Lock()
		p.telemetry++
		p.mu.Unlock()
		c.Status(http.StatusAccepted)
	})
	authed.POST("/refresh", func(c *gin.Context) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.refreshes++
		p.secret = "secret-" + string(rune('1'+p.refreshes))
		c.JSON(http.StatusOK, transport.RefreshResponse{Secret: p.secret})
	})
	return r
}

func (p *platform) enqueue(ts ...tasks.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, ts...)
}

func (p *platform) result(id string) (tasks.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.results[id]
	return r, ok
}

type stubInspector struct{}

func (stubInspector) GetDeviceInfo(context.Context) (posture.DeviceInfo, error) {
	return posture.DeviceInfo{Hostname: "test-host", OS: "linux", Arch: "amd64"}, nil
}

func (stubInspector) GetSystemMetrics(context.Context) (posture.SystemMetrics, error) {
	return posture.SystemMetrics{CPUs: 2}, nil
}

func (stubInspector) GetSecurityInfo(context.Context) (posture.SecurityInfo, error) {
	return posture.SecurityInfo{FirewallEnabled: true}, nil
}

// countingRunner records every spawn and delegates to the real runner.
type countingRunner struct {
	spawns atomic.Int32
	inner  tasks.Runner
}

func (r *countingRunner) Run(ctx context.Context, inv tasks.Invocation) (tasks.ProcessOutput, error) {
	r.spawns.Add(1)
	return r.inner.Run(ctx, inv)
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX echo")
	}
}

type harness struct {
	platform *platform
	runner   *countingRunner
	agent    *Agent
	cfg      *config.AgentConfig
}

func newHarness(t *testing.T, store credential.Store) *harness {
	t.Helper()
	p := newPlatform()
	srv := httptest.NewServer(p.router())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.URL = srv.URL
	cfg.Auth.CredentialPath = filepath.Join(dir, "credential.age")
	cfg.Auth.KeyPath = filepath.Join(dir, "credential.key")
	cfg.Execution.TempDir = dir
	cfg.Schedule.ShutdownGraceS = 1

	h := &harness{platform: p, cfg: cfg, runner: &countingRunner{inner: tasks.ExecRunner{}}}
	h.agent = h.newAgent(t, store)
	return h
}

func (h *harness) newAgent(t *testing.T, store credential.Store) *Agent {
	t.Helper()
	a, err := New(context.Background(), Options{
		Config:    h.cfg,
		Version:   "1.0.0",
		Store:     store,
		Inspector: stubInspector{},
		Runner:    h.runner,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func waitEvent(t *testing.T, sub *events.Subscription, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-sub.C():
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return events.Event{}
		}
	}
}

func commandTask(t *testing.T, id, command string, args ...string) tasks.Task {
	t.Helper()
	payload := `{"command":"` + command + `"`
	if len(args) > 0 {
		payload += `,"args":["` + strings.Join(args, `","`) + `"]`
	}
	payload += `}`
	return tasks.Task{ID: id, Kind: tasks.KindCommand, Payload: []byte(payload), CreatedAt: time.Now()}
}

func TestEnrollEmitsEnrolled(t *testing.T) {
	h := newHarness(t, credential.NewMemoryStore())
	sub := h.agent.Subscribe(events.Enrolled)

	require.False(t, h.agent.Status().Enrolled)
	cred, err := h.agent.Enroll(context.Background(), "good-token")
	require.NoError(t, err)
	require.Equal(t, "agent-42", cred.Identity)

	e := waitEvent(t, sub, events.Enrolled)
	require.Equal(t, "agent-42", e.Identity)

	st := h.agent.Status()
	require.True(t, st.Enrolled)
	require.True(t, st.CredentialValid)
	require.Equal(t, "agent-42", st.Identity)
}

func TestEnrollBadToken(t *testing.T) {
	h := newHarness(t, credential.NewMemoryStore())
	_, err := h.agent.Enroll(context.Background(), "wrong")
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	require.False(t, IsUnreachable(err))
	require.False(t, h.agent.Status().Enrolled)
}

func TestEnrollPersistsEncryptedCredential(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.agent.Enroll(context.Background(), "good-token")
	require.NoError(t, err)

	// A second agent over the same files starts enrolled.
	again := h.newAgent(t, nil)
	require.True(t, again.Status().Enrolled)
	require.Equal(t, "agent-42", again.Status().Identity)
}

func TestEchoTaskReported(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, credential.NewMemoryStore())
	_, err := h.agent.Enroll(context.Background(), "good-token")
	require.NoError(t, err)
	h.platform.enqueue(commandTask(t, "task-echo", "echo", "hello"))

	sub := h.agent.Subscribe(events.TaskCompleted, events.TaskFailed, events.TelemetrySent)
	require.NoError(t, h.agent.Start(context.Background()))
	t.Cleanup(h.agent.Stop)

	e := waitEvent(t, sub, events.TaskCompleted)
	require.Equal(t, "task-echo", e.TaskID)

	res, ok := h.platform.result("task-echo")
	require.True(t, ok)
	require.True(t, res.Success)
	require.Equal(t, "hello\n", res.Output)
	require.NotNil(t, res.ExitCode)
	require.Zero(t, *res.ExitCode)
	require.Equal(t, int32(1), h.runner.spawns.Load())

	entry, err := h.agent.Journal().Get(context.Background(), "task-echo")
	require.NoError(t, err)
	require.True(t, entry.Reported)
}

func TestDangerousCommandNeverSpawns(t *testing.T) {
	h := newHarness(t, credential.NewMemoryStore())
	_, err := h.agent.Enroll(context.Background(), "good-token")
	require.NoError(t, err)
	h.platform.enqueue(commandTask(t, "task-rm", "rm", "-rf", "/"))

	sub := h.agent.Subscribe(events.TaskFailed)
	require.NoError(t, h.agent.Start(context.Background()))
	t.Cleanup(h.agent.Stop)

	e := waitEvent(t, sub, events.TaskFailed)
	require.Equal(t, "task-rm", e.TaskID)
	require.Contains(t, e.Error, "not allowed")

	require.Eventually(t, func() bool {
		_, ok := h.platform.result("task-rm")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	res, _ := h.platform.result("task-rm")
	require.False(t, res.Success)
	require.Equal(t, tasks.DisallowedCommand, res.ErrorKind)
	require.Zero(t, h.runner.spawns.Load())
}

func TestRefreshOnUnauthorizedCheckIn(t *testing.T) {
	h := newHarness(t, credential.NewMemoryStore())
	_, err := h.agent.Enroll(context.Background(), "good-token")
	require.NoError(t, err)

	h.platform.mu.Lock()
	h.platform.rejectOnce = true
	h.platform.mu.Unlock()

	sub := h.agent.Subscribe(events.TelemetrySent)
	require.NoError(t, h.agent.Start(context.Background()))
	t.Cleanup(h.agent.Stop)

	require.Eventually(t, func() bool {
		st, _ := h.agent.scheduler.Loop("checkin")
		return !st.LastSuccessAt.IsZero()
	}, 5*time.Second, 10*time.Millisecond)
	waitEvent(t, sub, events.TelemetrySent)

	// Telemetry races check-in with the old secret, so it may refresh too.
	h.platform.mu.Lock()
	refreshes := h.platform.refreshes
	h.platform.mu.Unlock()
	require.GreaterOrEqual(t, refreshes, 1)
	require.True(t, h.agent.Status().Enrolled)
}

func TestUnknownAgentUnenrollsAndPauses(t *testing.T) {
	h := newHarness(t, credential.NewMemoryStore())
	_, err := h.agent.Enroll(context.Background(), "good-token")
	require.NoError(t, err)

	h.platform.mu.Lock()
	h.platform.unknown = true
	h.platform.mu.Unlock()

	sub := h.agent.Subscribe(events.Unenrolled, events.Enrolled)
	require.NoError(t, h.agent.Start(context.Background()))
	t.Cleanup(h.agent.Stop)

	waitEvent(t, sub, events.Unenrolled)
	require.Eventually(t, func() bool { return h.agent.Status().Paused }, 5*time.Second, 10*time.Millisecond)
	st := h.agent.Status()
	require.False(t, st.Enrolled)
	require.False(t, st.CredentialValid)
	require.True(t, st.Running)

	// Re-enrolling resumes the loops.
	_, err = h.agent.Enroll(context.Background(), "good-token")
	require.NoError(t, err)
	waitEvent(t, sub, events.Enrolled)
	require.Eventually(t, func() bool { return !h.agent.Status().Paused }, 5*time.Second, 10*time.Millisecond)
}

func TestStartUnenrolledWaits(t *testing.T) {
	h := newHarness(t, credential.NewMemoryStore())
	require.NoError(t, h.agent.Start(context.Background()))
	t.Cleanup(h.agent.Stop)

	st := h.agent.Status()
	require.True(t, st.Running)
	require.True(t, st.Paused)

	sub := h.agent.Subscribe(events.TelemetrySent)
	_, err := h.agent.Enroll(context.Background(), "good-token")
	require.NoError(t, err)
	waitEvent(t, sub, events.TelemetrySent)
}

func TestResetIsIdempotent(t *testing.T) {
	h := newHarness(t, credential.NewMemoryStore())
	_, err := h.agent.Enroll(context.Background(), "good-token")
	require.NoError(t, err)

	sub := h.agent.Subscribe(events.Unenrolled)
	require.NoError(t, h.agent.Reset(context.Background()))
	require.NoError(t, h.agent.Reset(context.Background()))
	waitEvent(t, sub, events.Unenrolled)

	select {
	case e := <-sub.C():
		t.Fatalf("unexpected second event %s", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	require.False(t, h.agent.Status().Enrolled)
}

func TestStopThenStatus(t *testing.T) {
	h := newHarness(t, credential.NewMemoryStore())
	_, err := h.agent.Enroll(context.Background(), "good-token")
	require.NoError(t, err)

	sub := h.agent.Subscribe(events.Stopped)
	require.NoError(t, h.agent.Start(context.Background()))
	h.agent.Stop()
	waitEvent(t, sub, events.Stopped)

	st := h.agent.Status()
	require.False(t, st.Running)
	require.Zero(t, st.PendingTaskCount)
}

func TestHealthProbe(t *testing.T) {
	h := newHarness(t, nil)
	status := h.agent.Health(context.Background())
	require.True(t, status.PlatformReachable)
	require.True(t, status.Healthy, status.Summary())
}
