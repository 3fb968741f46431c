package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/steward/pkg/credential"
	"github.com/haasonsaas/steward/pkg/tasks"
	"github.com/haasonsaas/steward/pkg/tracing"
	"github.com/stretchr/testify/require"
)

var testCred = credential.Credential{Identity: "agent-7", Secret: "s3cret"}

func newTestServer(t *testing.T, register func(r *gin.Engine)) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", WithUserAgent("steward-agent/test"))
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "https://", "::bad"} {
		_, err := New(raw)
		require.Error(t, err, raw)
	}
	c, err := New(" https://mdm.example.com/ ")
	require.NoError(t, err)
	require.Equal(t, "https://mdm.example.com", c.BaseURL())
}

func TestAuthenticatedHeaders(t *testing.T) {
	rec := tracing.InstallRecorder(t)

	var got http.Header
	var body CheckInRequest
	c := newTestServer(t, func(r *gin.Engine) {
		r.POST(PathCheckIn, func(ctx *gin.Context) {
			got = ctx.Request.Header.Clone()
			require.NoError(t, ctx.ShouldBindJSON(&body))
			ctx.JSON(http.StatusOK, CheckInResponse{
				Tasks:      []tasks.Task{{ID: "t1", Kind: tasks.KindCommand, Payload: json.RawMessage(`{"command":"echo"}`), Priority: 3}},
				MinVersion: "1.2.0",
			})
		})
	})

	resp, err := c.CheckIn(context.Background(), testCred, map[string]string{"hostname": "h1"})
	require.NoError(t, err)
	require.Len(t, resp.Tasks, 1)
	require.Equal(t, "t1", resp.Tasks[0].ID)
	require.Equal(t, 3, resp.Tasks[0].Priority)
	require.Equal(t, "1.2.0", resp.MinVersion)

	require.Equal(t, "Bearer s3cret", got.Get("Authorization"))
	require.Equal(t, "agent-7", got.Get(HeaderAgentID))
	require.Equal(t, "steward-agent/test", got.Get("User-Agent"))
	require.Len(t, got.Get(HeaderRequestID), 20)
	require.NotEmpty(t, got.Get("Traceparent"))
	require.Equal(t, "agent-7", body.Identity)

	spans := rec.Named("POST " + PathCheckIn)
	require.Len(t, spans, 1)
}

func TestEnrollIsUnauthenticated(t *testing.T) {
	var got http.Header
	var req EnrollRequest
	c := newTestServer(t, func(r *gin.Engine) {
		r.POST(PathEnroll, func(ctx *gin.Context) {
			got = ctx.Request.Header.Clone()
			require.NoError(t, ctx.ShouldBindJSON(&req))
			ctx.JSON(http.StatusOK, EnrollResponse{Identity: "agent-7", Secret: "s1"})
		})
	})

	resp, err := c.Enroll(context.Background(), "tok", map[string]string{"hostname": "h1"})
	require.NoError(t, err)
	require.Equal(t, "agent-7", resp.Identity)
	require.Nil(t, resp.ExpiresAt)
	require.Empty(t, got.Get("Authorization"))
	require.Equal(t, "tok", req.Token)
}

func TestEnrollRejectsIncompleteResponse(t *testing.T) {
	c := newTestServer(t, func(r *gin.Engine) {
		r.POST(PathEnroll, func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"identity": "agent-7"})
		})
	})
	_, err := c.Enroll(context.Background(), "tok", nil)
	require.ErrorContains(t, err, "missing identity or secret")
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status       int
		body         any
		unauthorized bool
		notFound     bool
		client       bool
		retryable    bool
		message      string
	}{
		{status: http.StatusUnauthorized, body: gin.H{"error": "expired"}, unauthorized: true, client: true, message: "expired"},
		{status: http.StatusNotFound, body: gin.H{"error": "agent not found"}, notFound: true, client: true, message: "agent not found"},
		{status: http.StatusBadRequest, body: "not json", client: true, message: "Bad Request"},
		{status: http.StatusTooManyRequests, client: true, retryable: true},
		{status: http.StatusBadGateway, retryable: true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestServer(t, func(r *gin.Engine) {
				r.POST(PathTelemetry, func(ctx *gin.Context) {
					if tt.body == nil {
						ctx.Status(tt.status)
						return
					}
					ctx.JSON(tt.status, tt.body)
				})
			})
			err := c.SubmitTelemetry(context.Background(), testCred, gin.H{"cpu": 1})
			require.Error(t, err)
			require.Equal(t, tt.status, StatusCode(err))
			require.Equal(t, tt.unauthorized, IsUnauthorized(err))
			require.Equal(t, tt.notFound, IsNotFound(err))
			require.Equal(t, tt.client, IsClientError(err))
			require.Equal(t, tt.retryable, IsRetryable(err))
			if tt.message != "" {
				require.Contains(t, err.Error(), tt.message)
			}
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, WithTimeout(time.Second))
	require.NoError(t, err)
	err = c.ReportResult(context.Background(), testCred, "t1", tasks.Result{Success: true})

	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, KindNetwork, te.Kind)
	require.True(t, IsRetryable(err))
	require.Zero(t, StatusCode(err))
}

func TestRefresh(t *testing.T) {
	expires := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	var req RefreshRequest
	c := newTestServer(t, func(r *gin.Engine) {
		r.POST(PathRefresh, func(ctx *gin.Context) {
			require.NoError(t, ctx.ShouldBindJSON(&req))
			ctx.JSON(http.StatusOK, RefreshResponse{Secret: "s4", ExpiresAt: &expires})
		})
	})
	resp, err := c.Refresh(context.Background(), testCred)
	require.NoError(t, err)
	require.Equal(t, "s4", resp.Secret)
	require.True(t, expires.Equal(*resp.ExpiresAt))
	require.Equal(t, "s3cret", req.Secret)
}

func TestHealthReturnsServerDate(t *testing.T) {
	date := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	c := newTestServer(t, func(r *gin.Engine) {
		r.GET(PathHealth, func(ctx *gin.Context) {
			ctx.Header("Date", date.Format(http.TimeFormat))
			ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	})
	got, err := c.Health(context.Background())
	require.NoError(t, err)
	require.True(t, date.Equal(got))
}

func TestHealthUnavailable(t *testing.T) {
	c := newTestServer(t, func(r *gin.Engine) {
		r.GET(PathHealth, func(ctx *gin.Context) { ctx.Status(http.StatusServiceUnavailable) })
	})
	_, err := c.Health(context.Background())
	require.True(t, IsRetryable(err))
}
