// Package transport is the agent side of the platform HTTP contract.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/steward/pkg/credential"
	"github.com/haasonsaas/steward/pkg/tasks"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "github.com/haasonsaas/steward/pkg/transport"
	maxResponseBody = 4 << 20
	defaultTimeout  = 30 * time.Second
)

// Platform is the set of calls the agent makes against the management
// platform. *Client implements it; tests substitute fakes.
type Platform interface {
	Enroll(ctx context.Context, token string, device any) (*EnrollResponse, error)
	CheckIn(ctx context.Context, cred credential.Credential, snapshot any) (*CheckInResponse, error)
	ReportResult(ctx context.Context, cred credential.Credential, taskID string, result tasks.Result) error
	SubmitTelemetry(ctx context.Context, cred credential.Credential, payload any) error
	Refresh(ctx context.Context, cred credential.Credential) (*RefreshResponse, error)
}

type Client struct {
	base      *url.URL
	http      *http.Client
	userAgent string
	logger    zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a client rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url missing host: %q", baseURL)
	}
	c := &Client{
		base:      u,
		http:      &http.Client{Timeout: defaultTimeout},
		userAgent: "steward-agent",
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the platform root the client talks to.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) Enroll(ctx context.Context, token string, device any) (*EnrollResponse, error) {
	var out EnrollResponse
	if err := c.post(ctx, PathEnroll, nil, EnrollRequest{Token: token, Device: device}, &out); err != nil {
		return nil, err
	}
	if out.Identity == "" || out.Secret == "" {
		return nil, &Error{Kind: KindNetwork, Endpoint: PathEnroll, Err: errors.New("enrollment response missing identity or secret")}
	}
	return &out, nil
}

func (c *Client) CheckIn(ctx context.Context, cred credential.Credential, snapshot any) (*CheckInResponse, error) {
	var out CheckInResponse
	req := CheckInRequest{Identity: cred.Identity, Snapshot: snapshot}
	if err := c.post(ctx, PathCheckIn, &cred, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReportResult(ctx context.Context, cred credential.Credential, taskID string, result tasks.Result) error {
	req := TaskResultRequest{Identity: cred.Identity, TaskID: taskID, Result: result}
	return c.post(ctx, PathTaskResult, &cred, req, nil)
}

func (c *Client) SubmitTelemetry(ctx context.Context, cred credential.Credential, payload any) error {
	req := TelemetryRequest{Identity: cred.Identity, Payload: payload}
	return c.post(ctx, PathTelemetry, &cred, req, nil)
}

func (c *Client) Refresh(ctx context.Context, cred credential.Credential) (*RefreshResponse, error) {
	var out RefreshResponse
	req := RefreshRequest{Identity: cred.Identity, Secret: cred.Secret}
	if err := c.post(ctx, PathRefresh, &cred, req, &out); err != nil {
		return nil, err
	}
	if out.Secret == "" {
		return nil, &Error{Kind: KindNetwork, Endpoint: PathRefresh, Err: errors.New("refresh response missing secret")}
	}
	return &out, nil
}

// Health probes the platform health endpoint and returns the server's Date
// header, used for clock drift checks.
func (c *Client) Health(ctx context.Context) (time.Time, error) {
	resp, err := c.do(ctx, http.MethodGet, PathHealth, nil, nil)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, statusError(PathHealth, resp.StatusCode, "")
	}
	date, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		return time.Time{}, nil
	}
	return date, nil
}

func (c *Client) post(ctx context.Context, path string, cred *credential.Credential, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	resp, err := c.do(ctx, http.MethodPost, path, cred, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &Error{Kind: KindNetwork, Endpoint: path, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		return statusError(path, resp.StatusCode, eb.Error)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindNetwork, Endpoint: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, cred *credential.Credential, body []byte) (*http.Response, error) {
	reqID := xid.New().String()

	ctx, span := otel.Tracer(tracerName).Start(ctx, method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.String("request.id", reqID),
	)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Endpoint: path, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(HeaderRequestID, reqID)
	if cred != nil {
		req.Header.Set("Authorization", "Bearer "+cred.Secret)
		req.Header.Set(HeaderAgentID, cred.Identity)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.logger.Debug().Err(err).Str("path", path).Str("request_id", reqID).Msg("Platform request failed")
		return nil, &Error{Kind: KindNetwork, Endpoint: path, Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	c.logger.Debug().Str("path", path).Str("request_id", reqID).Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("Platform request")
	return resp, nil
}

var _ Platform = (*Client)(nil)
