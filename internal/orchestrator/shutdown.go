package orchestrator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/turtacn/Tandem/internal/locator"
	"github.com/turtacn/Tandem/internal/monitor"
	"github.com/turtacn/Tandem/internal/probe"
	"github.com/turtacn/Tandem/internal/proctable"
	"github.com/turtacn/Tandem/internal/srp"
	"github.com/turtacn/Tandem/internal/supervisor"
	tanderr "github.com/turtacn/Tandem/pkg/errors"
	"github.com/turtacn/Tandem/pkg/logger"
	"github.com/turtacn/Tandem/pkg/protocol"
)

// CooperativeStep asks one application to exit through its shutdown
// request before signals are used.
type CooperativeStep struct {
	Role     string
	Patterns proctable.PatternSet
	Request  *srp.Request
	Graceful time.Duration
	Force    time.Duration
}

// ShutdownPlan is everything the supervisor does on the way out, in order.
type ShutdownPlan struct {
	Steps       []CooperativeStep
	KillGrace   time.Duration
	Service     string
	ServiceEnv  []string
	ServiceWait time.Duration
}

// BuildShutdownPlan derives the plan from configuration. Roles without a
// ready pattern are matched on their executable name.
func BuildShutdownPlan(cfg *protocol.Config, env *locator.Environment) (*ShutdownPlan, error) {
	plan := &ShutdownPlan{
		KillGrace:   cfg.KillGrace(),
		ServiceWait: cfg.ServiceStopWait(),
	}
	for _, role := range cfg.Roles() {
		if !role.Enabled || !role.Cooperative {
			continue
		}
		patterns := role.ReadyPattern
		if len(patterns) == 0 {
			patterns = []string{filepath.Base(role.Executable)}
		}
		set, err := proctable.Compile(patterns)
		if err != nil {
			return nil, tanderr.New(tanderr.ErrCodeConfigInvalid, "BuildShutdownPlan", "bad pattern for "+role.Name, err)
		}
		plan.Steps = append(plan.Steps, CooperativeStep{
			Role:     role.Name,
			Patterns: set,
			Request:  srp.NewRequest(role.ArtifactPath(), role.Token),
			Graceful: role.Graceful,
			Force:    role.Force,
		})
	}
	if cfg.Shutdown.StopRuntimeService && env != nil && env.Service != "" {
		plan.Service = env.Service
		plan.ServiceEnv = env.RuntimeEnv
	}
	return plan, nil
}

// ServiceRunner runs the runtime service control binary with "-k".
type ServiceRunner func(ctx context.Context, binary string, env []string) error

// StopService is the default ServiceRunner.
func StopService(ctx context.Context, binary string, env []string) error {
	cmd := exec.CommandContext(ctx, binary, "-k")
	cmd.Env = append(os.Environ(), env...)
	return cmd.Run()
}

// Shutdowner executes a ShutdownPlan.
type Shutdowner struct {
	prober   *probe.Prober
	registry *supervisor.Registry
	signaler supervisor.Signaler
	service  ServiceRunner
}

func NewShutdowner(prober *probe.Prober, registry *supervisor.Registry, signaler supervisor.Signaler, service ServiceRunner) *Shutdowner {
	if signaler == nil {
		signaler = supervisor.SystemSignaler{}
	}
	if service == nil {
		service = StopService
	}
	return &Shutdowner{prober: prober, registry: registry, signaler: signaler, service: service}
}

// Execute runs the plan. It keeps going after a failed step and returns the
// joined errors; a stall is logged, not returned. Executing against a clean
// process table sends nothing.
func (s *Shutdowner) Execute(ctx context.Context, plan *ShutdownPlan) error {
	// The plan must complete even when the session was cancelled.
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for _, step := range plan.Steps {
		if err := s.cooperate(ctx, step); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.registry.TerminateAll(ctx, plan.KillGrace); err != nil {
		errs = append(errs, err)
	}

	if plan.Service != "" {
		sctx, cancel := context.WithTimeout(ctx, plan.ServiceWait)
		err := s.service(sctx, plan.Service, plan.ServiceEnv)
		cancel()
		if err != nil {
			logger.Log.Warn("Shutdown: Runtime service stop failed", "service", plan.Service, "err", err)
		} else {
			logger.Log.Info("Shutdown: Runtime service stopped", "service", plan.Service)
		}
	}
	return errors.Join(errs...)
}

// cooperate removes the request artifact on every path, including when the
// role is not running and a previous session left one behind.
func (s *Shutdowner) cooperate(ctx context.Context, step CooperativeStep) error {
	defer func() {
		if err := step.Request.Remove(); err != nil {
			logger.Log.Warn("Shutdown: Could not remove request", "role", step.Role, "err", err)
		}
	}()

	matches, err := s.prober.Matches(ctx, step.Patterns)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		logger.Log.Debug("Shutdown: Not running", "role", step.Role)
		return nil
	}

	if err := step.Request.Write(); err != nil {
		return err
	}
	monitor.ShutdownEscalations.WithLabelValues(step.Role, "request").Inc()

	res := s.prober.Probe(ctx, step.Patterns, step.Graceful, probe.ModeAll)
	if res.Ready() {
		logger.Log.Info("Shutdown: Exited on request", "role", step.Role, "elapsed", res.Elapsed)
		return nil
	}

	logger.Log.Warn("Shutdown: Request ignored, sending SIGTERM", "role", step.Role, "pids", pids(res.Matches))
	monitor.ShutdownEscalations.WithLabelValues(step.Role, "sigterm").Inc()
	s.signalAll(res.Matches, syscall.SIGTERM)

	res = s.prober.Probe(ctx, step.Patterns, step.Force, probe.ModeAll)
	if res.Ready() {
		return nil
	}

	monitor.ShutdownEscalations.WithLabelValues(step.Role, "sigkill").Inc()
	s.signalAll(res.Matches, syscall.SIGKILL)
	stall := tanderr.New(tanderr.ErrCodeShutdownStall, "Shutdown", step.Role+" survived SIGTERM", nil)
	logger.Log.Warn("Shutdown: Stall, sent SIGKILL", "role", step.Role, "pids", pids(res.Matches), "err", stall)
	return nil
}

func (s *Shutdowner) signalAll(procs []proctable.Process, sig syscall.Signal) {
	for _, p := range procs {
		if err := s.signaler.Signal(p.PID, sig); err != nil {
			logger.Log.Warn("Shutdown: Signal failed", "pid", p.PID, "signal", sig, "err", err)
		}
	}
}

func pids(procs []proctable.Process) []int {
	out := make([]int, len(procs))
	for i, p := range procs {
		out[i] = p.PID
	}
	return out
}

// Personal.AI order the ending
