// Package probe infers readiness and absence of processes from the live
// process table. No handshake with the observed programs exists, so every
// answer comes from bounded polling.
package probe

import (
	"context"
	"time"

	"github.com/turtacn/Tandem/internal/clock"
	"github.com/turtacn/Tandem/internal/proctable"
	"github.com/turtacn/Tandem/pkg/consts"
	"github.com/turtacn/Tandem/pkg/logger"
)

// Mode selects what a probe waits for.
type Mode int

const (
	// ModeAny is satisfied once any process matches any pattern.
	ModeAny Mode = iota
	// ModeAll is satisfied once no process matches any pattern.
	ModeAll
)

func (m Mode) String() string {
	if m == ModeAll {
		return "all-gone"
	}
	return "any-present"
}

// Outcome is how a probe ended.
type Outcome int

const (
	Ready Outcome = iota
	TimedOut
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result describes a finished probe. Matches holds the processes seen on
// the last poll.
type Result struct {
	Outcome Outcome
	Matches []proctable.Process
	Elapsed time.Duration
	Polls   int
}

func (r Result) Ready() bool { return r.Outcome == Ready }

// Prober polls a process table at a fixed interval.
type Prober struct {
	table    proctable.Table
	clock    clock.Clock
	interval time.Duration
}

// Option configures the Prober
type Option func(*Prober)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(p *Prober) {
		p.clock = c
	}
}

// WithInterval sets the poll interval
func WithInterval(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

func New(table proctable.Table, opts ...Option) *Prober {
	p := &Prober{
		table:    table,
		clock:    clock.Real{},
		interval: consts.DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Clock returns the time source shared with callers that pace themselves
// against the probe.
func (p *Prober) Clock() clock.Clock { return p.clock }

// Matches takes one snapshot of the processes matching patterns.
func (p *Prober) Matches(ctx context.Context, patterns proctable.PatternSet) ([]proctable.Process, error) {
	procs, err := p.table.List(ctx)
	if err != nil {
		return nil, err
	}
	return patterns.Filter(procs), nil
}

// Probe polls until mode is satisfied or timeout elapses. The check happens
// before any sleep, so an already satisfied condition returns on the first
// poll. A timeout <= 0 polls until satisfied or ctx is done.
func (p *Prober) Probe(ctx context.Context, patterns proctable.PatternSet, timeout time.Duration, mode Mode) Result {
	start := p.clock.Now()
	for polls := 1; ; polls++ {
		matches, err := p.Matches(ctx, patterns)
		satisfied := false
		if err != nil {
			logger.Log.Warn("Probe: process table query failed", "err", err, "poll", polls)
		} else if mode == ModeAny {
			satisfied = len(matches) > 0
		} else {
			satisfied = len(matches) == 0
		}

		elapsed := p.clock.Now().Sub(start)
		if satisfied {
			return Result{Outcome: Ready, Matches: matches, Elapsed: elapsed, Polls: polls}
		}
		if timeout > 0 && elapsed >= timeout {
			return Result{Outcome: TimedOut, Matches: matches, Elapsed: elapsed, Polls: polls}
		}

		wait := p.interval
		if timeout > 0 && timeout-elapsed < wait {
			wait = timeout - elapsed
		}
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return Result{Outcome: Cancelled, Matches: matches, Elapsed: p.clock.Now().Sub(start), Polls: polls}
		}
	}
}

// WaitExit polls until pid is gone. It has no deadline; only ctx ends it
// early. Table errors count as "still alive".
func (p *Prober) WaitExit(ctx context.Context, pid int) Result {
	start := p.clock.Now()
	for polls := 1; ; polls++ {
		alive, err := p.table.Alive(ctx, pid)
		if err != nil {
			logger.Log.Warn("Probe: liveness query failed", "pid", pid, "err", err)
			alive = true
		}
		if !alive {
			return Result{Outcome: Ready, Elapsed: p.clock.Now().Sub(start), Polls: polls}
		}
		if err := p.clock.Sleep(ctx, p.interval); err != nil {
			return Result{Outcome: Cancelled, Elapsed: p.clock.Now().Sub(start), Polls: polls}
		}
	}
}

// Personal.AI order the ending
