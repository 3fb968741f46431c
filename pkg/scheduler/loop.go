package scheduler

import (
	"context"
	"sync"
	"time"
)

// State is a loop's current phase.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateBackoff State = "backoff"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// LoopState is the ScheduleState of one loop.
type LoopState struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	LastRunAt           time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextRunAt           time.Time `json:"next_run_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

type loop struct {
	name       string
	interval   time.Duration
	startDelay bool
	run        func(ctx, taskCtx context.Context) error

	mu sync.Mutex
	st LoopState
}

func (l *loop) set(fn func(*LoopState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.st)
}

func (l *loop) snapshot() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.st
	st.Name = l.name
	return st
}

// gate blocks loops while the agent is not enrolled.
type gate struct {
	mu     sync.Mutex
	opened bool
	ch     chan struct{}
}

func newGate(open bool) *gate {
	g := &gate{ch: make(chan struct{})}
	if open {
		g.opened = true
		close(g.ch)
	}
	return g
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.opened {
		g.opened = true
		close(g.ch)
	}
}

func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.opened {
		g.opened = false
		g.ch = make(chan struct{})
	}
}

func (g *gate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opened
}

// done is closed once the gate is open.
func (g *gate) done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// wait blocks until the gate opens or ctx ends.
func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
