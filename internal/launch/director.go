// Package launch decides how a role is started and starts it: through the
// compatibility runtime directly, or through the session bus broker.
package launch

import (
	"context"
	"os"
	"sort"

	"github.com/turtacn/Tandem/internal/locator"
	"github.com/turtacn/Tandem/internal/resource"
	"github.com/turtacn/Tandem/internal/supervisor"
	"github.com/turtacn/Tandem/pkg/consts"
	tanderr "github.com/turtacn/Tandem/pkg/errors"
	"github.com/turtacn/Tandem/pkg/logger"
	"github.com/turtacn/Tandem/pkg/protocol"
)

// Command is a planned launch.
type Command struct {
	Strategy consts.Strategy
	Argv     []string
	Env      []string
	Dir      string
}

// SpawnFunc starts a planned command.
type SpawnFunc func(supervisor.SpawnRequest) (*supervisor.ChildHandle, error)

type Director struct {
	env     *locator.Environment
	sinks   *resource.SinkManager
	spawn   SpawnFunc
	baseEnv func() []string
}

// Option configures the Director
type Option func(*Director)

// WithSpawner replaces process creation
func WithSpawner(fn SpawnFunc) Option {
	return func(d *Director) {
		d.spawn = fn
	}
}

// WithBaseEnv sets the environment every command starts from
func WithBaseEnv(fn func() []string) Option {
	return func(d *Director) {
		d.baseEnv = fn
	}
}

func NewDirector(env *locator.Environment, sinks *resource.SinkManager, opts ...Option) *Director {
	d := &Director{
		env:     env,
		sinks:   sinks,
		spawn:   supervisor.Spawn,
		baseEnv: os.Environ,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Select picks the strategy for a role from its preference and the live
// environment. Auto prefers the broker when it exists and its bus is
// advertised.
func (d *Director) Select(ctx context.Context, role *protocol.Role) (consts.Strategy, error) {
	switch role.Strategy {
	case consts.StrategyDirect:
		return consts.StrategyDirect, nil
	case consts.StrategyBrokered:
		if err := d.brokerReady(ctx); err != nil {
			return "", err
		}
		return consts.StrategyBrokered, nil
	default:
		if d.brokerReady(ctx) == nil {
			return consts.StrategyBrokered, nil
		}
		return consts.StrategyDirect, nil
	}
}

func (d *Director) brokerReady(ctx context.Context) error {
	if !d.env.BrokerAvailable() {
		return tanderr.New(tanderr.ErrCodeBrokerUnavailable, "Select", "launch broker binary not available", nil)
	}
	if !d.env.BusAdvertised(ctx) {
		return tanderr.New(tanderr.ErrCodeBrokerUnavailable, "Select", "bus "+d.env.BusName+" is not advertised", nil)
	}
	return nil
}

// Plan selects a strategy and builds the command for it.
func (d *Director) Plan(ctx context.Context, role *protocol.Role) (Command, error) {
	strategy, err := d.Select(ctx, role)
	if err != nil {
		return Command{}, err
	}
	return d.Build(role, strategy), nil
}

// Build renders the command line for a given strategy. It does not check
// whether the strategy is available.
func (d *Director) Build(role *protocol.Role, strategy consts.Strategy) Command {
	direct := append([]string{d.env.Runtime}, d.env.RunArgs...)
	direct = append(direct, role.Executable)
	direct = append(direct, role.Args...)

	roleEnv := pairs(role.Env)
	base := d.baseEnv()

	if strategy != consts.StrategyBrokered {
		env := append(append(append([]string(nil), base...), d.env.RuntimeEnv...), roleEnv...)
		return Command{Strategy: consts.StrategyDirect, Argv: direct, Env: env, Dir: role.Dir()}
	}

	argv := []string{
		d.env.Broker,
		"--bus-name=" + d.env.BusName,
		"--directory=" + role.Dir(),
	}
	for _, pattern := range d.env.PassEnv {
		argv = append(argv, "--pass-env-matching="+pattern)
	}
	for _, kv := range d.env.EnvOverrides {
		argv = append(argv, "--env="+kv)
	}
	for _, kv := range d.env.RuntimeEnv {
		argv = append(argv, "--env="+kv)
	}
	for _, kv := range roleEnv {
		argv = append(argv, "--env="+kv)
	}
	argv = append(argv, "--")
	argv = append(argv, direct...)

	return Command{Strategy: consts.StrategyBrokered, Argv: argv, Env: base, Dir: role.Dir()}
}

// Launch starts exactly one process for the role. In auto mode a failed
// brokered spawn is followed by one direct spawn.
func (d *Director) Launch(ctx context.Context, role *protocol.Role) (*supervisor.ChildHandle, error) {
	cmd, err := d.Plan(ctx, role)
	if err != nil {
		return nil, err
	}

	h, err := d.start(role, cmd)
	if err != nil && role.Strategy == consts.StrategyAuto && cmd.Strategy == consts.StrategyBrokered {
		logger.Log.Warn("Launch: Brokered spawn failed, falling back to direct", "role", role.Name, "err", err)
		h, err = d.start(role, d.Build(role, consts.StrategyDirect))
	}
	return h, err
}

func (d *Director) start(role *protocol.Role, cmd Command) (*supervisor.ChildHandle, error) {
	out, err := d.sinks.Ensure(role.Name)
	if err != nil {
		return nil, tanderr.New(tanderr.ErrCodeLaunchFailed, "Launch", "cannot open log for "+role.Name, err)
	}
	h, err := d.spawn(supervisor.SpawnRequest{
		Label:    role.Name,
		Strategy: cmd.Strategy,
		Argv:     cmd.Argv,
		Env:      cmd.Env,
		Dir:      cmd.Dir,
		Output:   out,
		LogPath:  d.sinks.PathFor(role.Name),
	})
	if err != nil {
		return nil, tanderr.New(tanderr.ErrCodeLaunchFailed, "Launch", string(cmd.Strategy)+" spawn of "+role.Name+" failed", err)
	}
	return h, nil
}

func pairs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Personal.AI order the ending
