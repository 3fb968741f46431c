package health

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Pinger probes the platform health endpoint and returns its Date header
// (zero when absent).
type Pinger interface {
	Health(ctx context.Context) (time.Time, error)
}

// Check is an extra named local probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type HealthStatus struct {
	PlatformReachable bool      `json:"platform_reachable"`
	TimeDrift         int       `json:"time_drift_seconds"`
	CheckedAt         time.Time `json:"checked_at"`
	Healthy           bool      `json:"healthy"`
	Issues            []string  `json:"issues,omitempty"`
}

// Checker runs the health loop's probes: platform reachability, clock drift
// against the platform's Date header, and any extra local checks.
type Checker struct {
	platform Pinger
	maxDrift time.Duration
	timeout  time.Duration
	checks   []Check
	now      func() time.Time
}

type Option func(*Checker)

func WithCheck(name string, fn func(ctx context.Context) error) Option {
	return func(c *Checker) { c.checks = append(c.checks, Check{Name: name, Fn: fn}) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewChecker builds a checker. A maxDrift of zero disables the drift check.
func NewChecker(platform Pinger, maxDrift time.Duration, opts ...Option) *Checker {
	c := &Checker{platform: platform, maxDrift: maxDrift, timeout: 5 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Checker) Run(ctx context.Context) *HealthStatus {
	status := &HealthStatus{Healthy: true, CheckedAt: c.now()}

	if c.platform != nil {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		sent := c.now()
		date, err := c.platform.Health(pctx)
		received := c.now()
		cancel()
		if err != nil {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("cannot reach platform: %v", err))
		} else {
			status.PlatformReachable = true
			if !date.IsZero() {
				drift := Drift(sent, received, date)
				status.TimeDrift = int(drift.Round(time.Second) / time.Second)
				if c.maxDrift > 0 && drift > c.maxDrift {
					status.Healthy = false
					status.Issues = append(status.Issues, fmt.Sprintf("time drift %s exceeds max %s", drift.Round(time.Second), c.maxDrift))
				}
			}
		}
	}

	for _, check := range c.checks {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := check.Fn(cctx)
		cancel()
		if err != nil {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("%s: %v", check.Name, err))
		}
	}
	return status
}

// Check runs every probe and returns one error naming all failures.
func (c *Checker) Check(ctx context.Context) error {
	status := c.Run(ctx)
	if status.Healthy {
		return nil
	}
	var result *multierror.Error
	for _, issue := range status.Issues {
		result = multierror.Append(result, fmt.Errorf("%s", issue))
	}
	return result.ErrorOrNil()
}

// Drift is the absolute offset between the server clock and the midpoint of
// the request. Date headers have one-second resolution, so offsets under a
// second are reported as zero.
func Drift(sent, received, serverDate time.Time) time.Duration {
	mid := sent.Add(received.Sub(sent) / 2)
	d := serverDate.Sub(mid)
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		return 0
	}
	return d
}

// DirWritable checks that dir (or the OS temp dir) accepts new files.
func DirWritable(dir string) func(context.Context) error {
	return func(context.Context) error {
		f, err := os.CreateTemp(dir, ".steward-health-")
		if err != nil {
			return err
		}
		name := f.Name()
		f.Close()
		return os.Remove(name)
	}
}

// Summary renders the issues on one line.
func (s *HealthStatus) Summary() string {
	if s.Healthy {
		return "healthy"
	}
	return strings.Join(s.Issues, "; ")
}
