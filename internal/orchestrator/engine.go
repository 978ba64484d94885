package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/turtacn/Tandem/internal/clock"
	"github.com/turtacn/Tandem/internal/launch"
	"github.com/turtacn/Tandem/internal/locator"
	"github.com/turtacn/Tandem/internal/monitor"
	"github.com/turtacn/Tandem/internal/probe"
	"github.com/turtacn/Tandem/internal/proctable"
	"github.com/turtacn/Tandem/internal/resource"
	"github.com/turtacn/Tandem/internal/retry"
	"github.com/turtacn/Tandem/internal/srp"
	"github.com/turtacn/Tandem/internal/supervisor"
	"github.com/turtacn/Tandem/pkg/consts"
	tanderr "github.com/turtacn/Tandem/pkg/errors"
	"github.com/turtacn/Tandem/pkg/fsm"
	"github.com/turtacn/Tandem/pkg/logger"
	"github.com/turtacn/Tandem/pkg/protocol"
)

type (
	State = consts.SupervisionState
	Event = consts.SupervisionEvent
)

// Step is one state entered by the engine and when.
type Step struct {
	State State
	At    time.Time
}

// Primary describes how the entry command started the game.
type Primary struct {
	Strategy consts.PrimaryStrategy
	PID      int // 0 when unknown
}

type Engine struct {
	cfg      *protocol.Config
	primary  Primary
	fsm      *fsm.StateMachine[State, Event]
	clock    clock.Clock
	prober   *probe.Prober
	registry *supervisor.Registry
	launcher retry.Launcher
	retry    *retry.Coordinator
	shutdown *Shutdowner
	plan     *ShutdownPlan

	launcherPatterns proctable.PatternSet
	gamePatterns     proctable.PatternSet

	gamePID    int
	trace      []Step
	fatal      error
	fatalPhase State
}

type engineOptions struct {
	clock    clock.Clock
	table    proctable.Table
	signaler supervisor.Signaler
	liveness func(*supervisor.ChildHandle) bool
	launcher retry.Launcher
	sinks    *resource.SinkManager
	service  ServiceRunner
}

// Option configures the Engine
type Option func(*engineOptions)

// WithClock sets the time source for every wait
func WithClock(c clock.Clock) Option {
	return func(o *engineOptions) { o.clock = c }
}

// WithTable sets the process table the engine observes
func WithTable(t proctable.Table) Option {
	return func(o *engineOptions) { o.table = t }
}

// WithSignaler sets how shutdown signals are delivered
func WithSignaler(s supervisor.Signaler) Option {
	return func(o *engineOptions) { o.signaler = s }
}

// WithLiveness replaces the registry's process group liveness check
func WithLiveness(fn func(*supervisor.ChildHandle) bool) Option {
	return func(o *engineOptions) { o.liveness = fn }
}

// WithLauncher replaces the launch director
func WithLauncher(l retry.Launcher) Option {
	return func(o *engineOptions) { o.launcher = l }
}

// WithSinks sets where child output goes
func WithSinks(s *resource.SinkManager) Option {
	return func(o *engineOptions) { o.sinks = s }
}

// WithServiceRunner replaces how the runtime service is stopped
func WithServiceRunner(fn ServiceRunner) Option {
	return func(o *engineOptions) { o.service = fn }
}

func NewEngine(cfg *protocol.Config, env *locator.Environment, primary Primary, opts ...Option) (*Engine, error) {
	o := engineOptions{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.table == nil {
		o.table = proctable.NewSystem()
	}
	if o.sinks == nil {
		o.sinks = resource.NewSinkManager(cfg.Observability.LogDir)
	}
	if o.launcher == nil {
		o.launcher = launch.NewDirector(env, o.sinks)
	}

	launcherSet, err := proctable.Compile(cfg.Game.LauncherPatterns)
	if err != nil {
		return nil, tanderr.New(tanderr.ErrCodeConfigInvalid, "NewEngine", "bad launcher pattern", err)
	}
	gameSet, err := proctable.Compile(cfg.Game.GamePatterns)
	if err != nil {
		return nil, tanderr.New(tanderr.ErrCodeConfigInvalid, "NewEngine", "bad game pattern", err)
	}
	plan, err := BuildShutdownPlan(cfg, env)
	if err != nil {
		return nil, err
	}

	regOpts := []supervisor.Option{supervisor.WithClock(o.clock)}
	if o.signaler != nil {
		regOpts = append(regOpts, supervisor.WithSignaler(o.signaler))
	}
	if o.liveness != nil {
		regOpts = append(regOpts, supervisor.WithLiveness(o.liveness))
	}
	registry := supervisor.NewRegistry(regOpts...)
	prober := probe.New(o.table, probe.WithClock(o.clock), probe.WithInterval(cfg.PollInterval()))

	e := &Engine{
		cfg:              cfg,
		primary:          primary,
		fsm:              fsm.New[State, Event](consts.StateAwaitingLauncherDetection),
		clock:            o.clock,
		prober:           prober,
		registry:         registry,
		launcher:         o.launcher,
		retry:            retry.NewCoordinator(o.launcher, registry, prober, cfg.KillGrace()),
		shutdown:         NewShutdowner(prober, registry, o.signaler, o.service),
		plan:             plan,
		launcherPatterns: launcherSet,
		gamePatterns:     gameSet,
	}
	e.setupFSM()
	return e, nil
}

func (e *Engine) setupFSM() {
	forward := []struct {
		from, to State
		event    Event
	}{
		{consts.StateAwaitingLauncherDetection, consts.StateAwaitingGameDetection, consts.EventLauncherSeen},
		{consts.StateAwaitingGameDetection, consts.StateLaunchingPrimaryAux, consts.EventGameSeen},
		{consts.StateLaunchingPrimaryAux, consts.StateAwaitingAuxReadiness, consts.EventCompanionStarted},
		{consts.StateAwaitingAuxReadiness, consts.StateLaunchingSecondaryAux, consts.EventCompanionSettled},
		{consts.StateLaunchingSecondaryAux, consts.StateMonitoring, consts.EventSecondaryDone},
		{consts.StateMonitoring, consts.StateShuttingDown, consts.EventPrimaryExited},
		{consts.StateShuttingDown, consts.StateTerminated, consts.EventShutdownDone},
	}
	for _, t := range forward {
		e.fsm.AddTransition(t.from, t.to, t.event, e.onTransition(t.from, t.to))
	}

	// Any state before shutdown may abort straight into it.
	for s := consts.StateAwaitingLauncherDetection; s < consts.StateShuttingDown; s++ {
		e.fsm.AddTransition(s, consts.StateShuttingDown, consts.EventAbort, e.onTransition(s, consts.StateShuttingDown))
	}
}

func (e *Engine) onTransition(from, to State) fsm.Handler[Event] {
	return func(event Event, args ...interface{}) error {
		e.trace = append(e.trace, Step{State: to, At: e.clock.Now()})
		monitor.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
		logger.Log.Info("Phase: "+from.String()+" -> "+to.String(), "event", event)
		return nil
	}
}

// Start runs the session until termination, turning SIGINT and SIGTERM into
// an orderly shutdown.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Log.Info("Signal: Stop received. Shutting down.", "signal", sig.String(), "phase", e.State().String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return e.Run(ctx)
}

// Run drives the state machine from its current state to Terminated. The
// returned error is the fatal condition, if one was recorded.
func (e *Engine) Run(ctx context.Context) error {
	e.trace = append(e.trace, Step{State: e.fsm.Current(), At: e.clock.Now()})

	for e.fsm.Current() != consts.StateTerminated {
		state := e.fsm.Current()
		event, err := e.handle(ctx, state)
		if err != nil && e.fatal == nil {
			e.fatal, e.fatalPhase = err, state
		}
		if ferr := e.fsm.Fire(event); ferr != nil {
			// The table is closed; this is a programming error.
			e.fatal, e.fatalPhase = ferr, state
			break
		}
	}

	if path := e.cfg.Observability.MetricsTextfile; path != "" {
		if err := monitor.WriteTextfile(path); err != nil {
			logger.Log.Warn("Metrics: Textfile export failed", "path", path, "err", err)
		}
	}

	if e.fatal != nil {
		logger.Log.Error("Supervisor: fatal", "phase", e.fatalPhase.String(), "err", e.fatal)
		return e.fatal
	}
	logger.Log.Info("Supervisor: Terminated")
	return nil
}

func (e *Engine) handle(ctx context.Context, state State) (Event, error) {
	switch state {
	case consts.StateAwaitingLauncherDetection:
		return e.awaitLauncher(ctx)
	case consts.StateAwaitingGameDetection:
		return e.awaitGame(ctx)
	case consts.StateLaunchingPrimaryAux:
		return e.launchPrimaryAux(ctx)
	case consts.StateAwaitingAuxReadiness:
		return e.awaitAuxReadiness(ctx)
	case consts.StateLaunchingSecondaryAux:
		return e.launchSecondaryAux(ctx)
	case consts.StateMonitoring:
		return e.monitorPrimary(ctx)
	case consts.StateShuttingDown:
		return e.shutDown(ctx)
	default:
		return consts.EventAbort, nil
	}
}

// detect waits for patterns with a fresh window. A cancelled context aborts
// quietly; a timeout aborts as a fatal detection failure.
func (e *Engine) detect(ctx context.Context, what string, patterns proctable.PatternSet, timeout time.Duration) (probe.Result, error) {
	res := e.prober.Probe(ctx, patterns, timeout, probe.ModeAny)
	switch res.Outcome {
	case probe.Ready:
		monitor.ObserveReadiness(what, res.Elapsed)
		logger.Log.Info("Supervisor: Detected "+what, "pids", pids(res.Matches), "elapsed", res.Elapsed)
		return res, nil
	case probe.Cancelled:
		return res, nil
	default:
		return res, tanderr.New(tanderr.ErrCodeDetectionTimeout, "Detect", what+" not seen within "+timeout.String(), nil)
	}
}

func (e *Engine) awaitLauncher(ctx context.Context) (Event, error) {
	res, err := e.detect(ctx, "launcher", e.launcherPatterns.Union(e.gamePatterns), e.cfg.LauncherTimeout())
	if err != nil || !res.Ready() {
		return consts.EventAbort, err
	}
	return consts.EventLauncherSeen, nil
}

func (e *Engine) awaitGame(ctx context.Context) (Event, error) {
	res, err := e.detect(ctx, consts.RoleGame, e.gamePatterns, e.cfg.GameTimeout())
	if err != nil || !res.Ready() {
		return consts.EventAbort, err
	}
	e.gamePID = capturePID(e.primary.PID, res.Matches)
	logger.Log.Info("Supervisor: Game PID captured", "pid", e.gamePID, "primary", e.primary.Strategy)
	return consts.EventGameSeen, nil
}

// capturePID prefers the primary PID when it is among matches, otherwise
// the lowest matching PID. Matches are sorted by PID.
func capturePID(primary int, matches []proctable.Process) int {
	if len(matches) == 0 {
		return 0
	}
	if primary > 0 && slices.ContainsFunc(matches, func(p proctable.Process) bool { return p.PID == primary }) {
		return primary
	}
	return matches[0].PID
}

func (e *Engine) launchPrimaryAux(ctx context.Context) (Event, error) {
	companion := e.cfg.CompanionRole()
	if !companion.Enabled {
		logger.Log.Info("Supervisor: Companion disabled, skipping", "role", companion.Name)
	} else if err := e.launchRole(ctx, &companion); err != nil {
		return consts.EventAbort, err
	}

	for _, role := range e.cfg.OptionalRoles() {
		if ctx.Err() != nil {
			return consts.EventAbort, nil
		}
		if !role.Enabled || role.Phase != consts.PhasePre {
			continue
		}
		if err := e.launchRole(ctx, &role); err != nil {
			return consts.EventAbort, err
		}
	}
	if ctx.Err() != nil {
		return consts.EventAbort, nil
	}
	return consts.EventCompanionStarted, nil
}

// launchRole starts role through the retry coordinator. Only a mandatory
// role's failure is returned; cancellation is never an error here.
func (e *Engine) launchRole(ctx context.Context, role *protocol.Role) error {
	if role.Cooperative {
		clearStaleRequest(role)
	}
	err := e.settle(ctx, role)
	if err == nil {
		_, err = e.retry.LaunchWithRetry(ctx, role, e.cfg.RetryAttempts(), e.cfg.RetryDelay())
	}
	switch {
	case err == nil, ctx.Err() != nil:
		return nil
	case role.Mandatory:
		return err
	default:
		logger.Log.Warn("Supervisor: Optional role failed", "role", role.Name, "err", err)
		return nil
	}
}

func (e *Engine) settle(ctx context.Context, role *protocol.Role) error {
	if role.SettleDelay <= 0 {
		return nil
	}
	logger.Log.Debug("Supervisor: Settling before launch", "role", role.Name, "delay", role.SettleDelay)
	return e.clock.Sleep(ctx, role.SettleDelay)
}

// clearStaleRequest removes a shutdown request left by an earlier session;
// a cooperative application would otherwise exit as soon as it starts.
func clearStaleRequest(role *protocol.Role) {
	req := srp.NewRequest(role.ArtifactPath(), role.Token)
	if req.Pending() {
		logger.Log.Warn("Supervisor: Removing stale shutdown request", "role", role.Name, "path", req.Path())
	}
	if err := req.Remove(); err != nil {
		logger.Log.Warn("Supervisor: Could not remove stale shutdown request", "role", role.Name, "err", err)
	}
}

func (e *Engine) awaitAuxReadiness(ctx context.Context) (Event, error) {
	companion := e.cfg.CompanionRole()
	if companion.Enabled && len(companion.ReadyPattern) > 0 {
		set, err := proctable.Compile(companion.ReadyPattern)
		if err != nil {
			return consts.EventAbort, err
		}
		res := e.prober.Probe(ctx, set, companion.InitTimeout, probe.ModeAny)
		switch res.Outcome {
		case probe.Cancelled:
			return consts.EventAbort, nil
		case probe.TimedOut:
			logger.Log.Warn("Supervisor: Companion no longer visible", "role", companion.Name, "timeout", companion.InitTimeout)
		}
	}
	return consts.EventCompanionSettled, nil
}

func (e *Engine) launchSecondaryAux(ctx context.Context) (Event, error) {
	for _, role := range e.cfg.OptionalRoles() {
		if ctx.Err() != nil {
			return consts.EventAbort, nil
		}
		if !role.Enabled || role.Phase == consts.PhasePre {
			continue
		}
		if err := e.launchRole(ctx, &role); err != nil {
			return consts.EventAbort, err
		}
	}
	if ctx.Err() != nil {
		return consts.EventAbort, nil
	}
	return consts.EventSecondaryDone, nil
}

func (e *Engine) monitorPrimary(ctx context.Context) (Event, error) {
	var res probe.Result
	if e.primary.Strategy.Trackable() && e.gamePID > 0 {
		logger.Log.Info("Supervisor: Monitoring game PID", "pid", e.gamePID)
		res = e.prober.WaitExit(ctx, e.gamePID)
	} else {
		logger.Log.Info("Supervisor: Monitoring game patterns", "patterns", e.gamePatterns.Strings())
		res = e.prober.Probe(ctx, e.gamePatterns, 0, probe.ModeAll)
	}
	if !res.Ready() {
		return consts.EventAbort, nil
	}
	logger.Log.Info("Supervisor: Game exited", "elapsed", res.Elapsed)
	return consts.EventPrimaryExited, nil
}

func (e *Engine) shutDown(ctx context.Context) (Event, error) {
	if err := e.shutdown.Execute(ctx, e.plan); err != nil {
		logger.Log.Warn("Shutdown: Completed with errors", "err", err)
	}
	return consts.EventShutdownDone, nil
}

// State is the current supervisor state.
func (e *Engine) State() State { return e.fsm.Current() }

// Trace lists every state entered so far with its entry time.
func (e *Engine) Trace() []Step { return append([]Step(nil), e.trace...) }

// GamePID is the captured game PID, 0 before detection.
func (e *Engine) GamePID() int { return e.gamePID }

// Registry exposes the child registry of the session.
func (e *Engine) Registry() *supervisor.Registry { return e.registry }

// Personal.AI order the ending
