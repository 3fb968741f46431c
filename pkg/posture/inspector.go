// Package posture collects device, metric and security facts from the host.
package posture

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// Inspector reports raw facts about the host. The scheduler and telemetry
// assembler depend on this interface only.
type Inspector interface {
	GetDeviceInfo(ctx context.Context) (DeviceInfo, error)
	GetSystemMetrics(ctx context.Context) (SystemMetrics, error)
	GetSecurityInfo(ctx context.Context) (SecurityInfo, error)
}

// CommandFunc runs a probe command and returns its combined output.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// HostInspector probes the local machine. Each Get call runs its probes in
// parallel under a shared timeout; a failing probe leaves its fields zero
// and is recorded in the result's Errors map.
type HostInspector struct {
	timeout      time.Duration
	agentVersion string
	run          CommandFunc
	readFile     func(string) ([]byte, error)
	stat         func(string) bool
}

type InspectorOption func(*HostInspector)

// WithCommandFunc replaces command execution, for tests.
func WithCommandFunc(fn CommandFunc) InspectorOption {
	return func(h *HostInspector) { h.run = fn }
}

// WithFileReader replaces file reads, for tests.
func WithFileReader(fn func(string) ([]byte, error)) InspectorOption {
	return func(h *HostInspector) { h.readFile = fn }
}

// WithPathCheck replaces file existence checks, for tests.
func WithPathCheck(fn func(string) bool) InspectorOption {
	return func(h *HostInspector) { h.stat = fn }
}

func WithAgentVersion(v string) InspectorOption {
	return func(h *HostInspector) { h.agentVersion = v }
}

func NewHostInspector(timeout time.Duration, opts ...InspectorOption) *HostInspector {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	h := &HostInspector{
		timeout:  timeout,
		run:      execWithTimeout,
		readFile: readFile,
		stat:     pathExists,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type probe struct {
	name string
	fn   func(context.Context) error
}

// probeErrors collects per-probe failures from concurrent goroutines.
type probeErrors struct {
	mu   sync.Mutex
	errs map[string]string
}

func (p *probeErrors) record(name, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errs == nil {
		p.errs = make(map[string]string)
	}
	p.errs[name] = msg
}

func (p *probeErrors) result() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errs
}

// runProbes executes probes concurrently and returns the errors by probe name.
// Probes write into distinct fields of the caller's struct, so they need no
// further locking.
func (h *HostInspector) runProbes(ctx context.Context, probes []probe) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var errs probeErrors
	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func(p probe) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs.record(p.name, fmt.Sprintf("panic: %v", r))
				}
			}()
			if err := p.fn(ctx); err != nil {
				errs.record(p.name, err.Error())
			}
		}(p)
	}
	wg.Wait()
	return errs.result()
}

// execWithTimeout runs a command with context timeout
func execWithTimeout(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

var _ Inspector = (*HostInspector)(nil)
