// Package retry starts a role and confirms it became ready, trying again a
// bounded number of times.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/turtacn/Tandem/internal/monitor"
	"github.com/turtacn/Tandem/internal/probe"
	"github.com/turtacn/Tandem/internal/proctable"
	"github.com/turtacn/Tandem/internal/supervisor"
	"github.com/turtacn/Tandem/pkg/consts"
	tanderr "github.com/turtacn/Tandem/pkg/errors"
	"github.com/turtacn/Tandem/pkg/logger"
	"github.com/turtacn/Tandem/pkg/protocol"
)

// Launcher starts one process for a role.
type Launcher interface {
	Launch(ctx context.Context, role *protocol.Role) (*supervisor.ChildHandle, error)
}

// Attempt records one try. It does not outlive LaunchWithRetry.
type Attempt struct {
	Index     int
	Strategy  consts.Strategy
	Handle    *supervisor.ChildHandle
	Err       error
	StartedAt time.Time
}

type Coordinator struct {
	launcher  Launcher
	registry  *supervisor.Registry
	prober    *probe.Prober
	killGrace time.Duration
}

func NewCoordinator(launcher Launcher, registry *supervisor.Registry, prober *probe.Prober, killGrace time.Duration) *Coordinator {
	return &Coordinator{
		launcher:  launcher,
		registry:  registry,
		prober:    prober,
		killGrace: killGrace,
	}
}

// LaunchWithRetry launches role until its readiness pattern matches, at most
// maxAttempts times with delay between attempts. On success the returned
// handle is the only one registered for this call.
func (c *Coordinator) LaunchWithRetry(ctx context.Context, role *protocol.Role, maxAttempts int, delay time.Duration) (*supervisor.ChildHandle, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	ready, err := proctable.Compile(role.ReadyPattern)
	if err != nil {
		return nil, tanderr.New(tanderr.ErrCodeConfigInvalid, "LaunchWithRetry", "bad ready pattern for "+role.Name, err)
	}

	pacing := backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(maxAttempts-1))
	clk := c.prober.Clock()

	var last error
	for i := 1; ; i++ {
		a := c.attempt(ctx, role, ready, i)
		if a.Err == nil {
			return a.Handle, nil
		}
		if ctx.Err() != nil {
			return nil, a.Err
		}
		last = a.Err
		logger.Log.Warn("Retry: Attempt failed", "role", role.Name, "attempt", i, "max_attempts", maxAttempts, "strategy", a.Strategy, "err", a.Err)

		wait := pacing.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if err := clk.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, tanderr.New(tanderr.ErrCodeRetryExhausted, "LaunchWithRetry",
		fmt.Sprintf("%s not ready after %d attempts", role.Name, maxAttempts), last)
}

func (c *Coordinator) attempt(ctx context.Context, role *protocol.Role, ready proctable.PatternSet, index int) Attempt {
	a := Attempt{Index: index, Strategy: role.Strategy, StartedAt: c.prober.Clock().Now()}

	h, err := c.launcher.Launch(ctx, role)
	if err != nil {
		monitor.LaunchAttempts.WithLabelValues(role.Name, string(role.Strategy), "spawn_failed").Inc()
		a.Err = err
		return a
	}
	a.Strategy = h.Strategy
	c.registry.Register(h)

	if len(ready) == 0 {
		monitor.LaunchAttempts.WithLabelValues(role.Name, string(h.Strategy), "spawned").Inc()
		a.Handle = h
		return a
	}

	res := c.prober.Probe(ctx, ready, role.InitTimeout, probe.ModeAny)
	switch res.Outcome {
	case probe.Ready:
		monitor.LaunchAttempts.WithLabelValues(role.Name, string(h.Strategy), "ready").Inc()
		monitor.ObserveReadiness(role.Name, res.Elapsed)
		logger.Log.Info("Retry: Role ready", "role", role.Name, "attempt", index, "pid", h.PID, "elapsed", res.Elapsed)
		a.Handle = h
	case probe.Cancelled:
		// The handle stays registered; shutdown owns it now.
		a.Err = ctx.Err()
	default:
		monitor.LaunchAttempts.WithLabelValues(role.Name, string(h.Strategy), "timeout").Inc()
		if err := c.registry.Terminate(ctx, h, c.killGrace); err != nil {
			logger.Log.Warn("Retry: Could not stop unready attempt", "role", role.Name, "pid", h.PID, "err", err)
		}
		a.Err = tanderr.New(tanderr.ErrCodeReadinessTimeout, "LaunchWithRetry",
			fmt.Sprintf("%s did not match %v within %s", role.Name, ready.Strings(), role.InitTimeout), nil)
	}
	return a
}

// Personal.AI order the ending
