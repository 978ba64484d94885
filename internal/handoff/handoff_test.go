package handoff

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Tandem/internal/launch"
	"github.com/turtacn/Tandem/pkg/consts"
	tanderr "github.com/turtacn/Tandem/pkg/errors"
	"github.com/turtacn/Tandem/pkg/protocol"
)

type fakePlanner struct {
	strategy consts.Strategy
	err      error
	planned  []string
}

func (f *fakePlanner) Plan(ctx context.Context, role *protocol.Role) (launch.Command, error) {
	f.planned = append(f.planned, role.Executable)
	if f.err != nil {
		return launch.Command{}, f.err
	}
	return launch.Command{
		Strategy: f.strategy,
		Argv:     []string{"/opt/proton/proton", "run", role.Executable},
		Dir:      "/games/EA",
	}, nil
}

func launcherExe(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "EADesktop.exe")
	require.NoError(t, os.WriteFile(p, []byte("MZ"), 0o644))
	return p
}

func TestResolve_Priority(t *testing.T) {
	ctx := context.Background()
	exe := launcherExe(t)
	cfg := &protocol.Config{Game: protocol.GameConfig{
		AppID:              "2488620",
		Command:            []string{"/usr/bin/configured"},
		LauncherExecutable: exe,
	}}
	planner := &fakePlanner{strategy: consts.StrategyDirect}

	p, err := Resolve(ctx, cfg, planner, "steam", []string{"/host/cmd", "-arg"})
	require.NoError(t, err)
	assert.Equal(t, consts.PrimaryCommand, p.Strategy)
	assert.Equal(t, []string{"/host/cmd", "-arg"}, p.Argv)
	assert.Equal(t, os.Getpid(), p.PID)

	p, err = Resolve(ctx, cfg, planner, "steam", nil)
	require.NoError(t, err)
	assert.Equal(t, consts.PrimaryCommand, p.Strategy)
	assert.Equal(t, []string{"/usr/bin/configured"}, p.Argv)

	cfg.Game.Command = nil
	p, err = Resolve(ctx, cfg, planner, "steam", nil)
	require.NoError(t, err)
	assert.Equal(t, consts.PrimaryDirect, p.Strategy)
	assert.Equal(t, os.Getpid(), p.PID)
	assert.Equal(t, "/games/EA", p.Dir)
	assert.Equal(t, []string{exe}, planner.planned)

	planner.strategy = consts.StrategyBrokered
	p, err = Resolve(ctx, cfg, planner, "steam", nil)
	require.NoError(t, err)
	assert.Equal(t, consts.PrimaryBrokered, p.Strategy)
	assert.Zero(t, p.PID, "a brokered primary runs elsewhere")

	cfg.Game.LauncherExecutable = ""
	p, err = Resolve(ctx, cfg, planner, "steam", nil)
	require.NoError(t, err)
	assert.Equal(t, consts.PrimaryHost, p.Strategy)
	assert.Equal(t, []string{"steam", "-applaunch", "2488620"}, p.Argv)
	assert.Zero(t, p.PID)
	assert.False(t, p.Strategy.Trackable())
}

func TestResolve_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Resolve(ctx, &protocol.Config{}, &fakePlanner{}, "steam", nil)
	assert.Equal(t, tanderr.ErrCodeConfigInvalid, tanderr.CodeOf(err))

	cfg := &protocol.Config{Game: protocol.GameConfig{LauncherExecutable: launcherExe(t), LauncherStrategy: "brokered"}}
	unavailable := tanderr.New(tanderr.ErrCodeBrokerUnavailable, "Select", "no bus", nil)
	_, err = Resolve(ctx, cfg, &fakePlanner{err: unavailable}, "steam", nil)
	assert.Equal(t, tanderr.ErrCodeBrokerUnavailable, tanderr.CodeOf(err))
}

func TestResolve_MissingLauncherExecutable(t *testing.T) {
	cfg := &protocol.Config{Game: protocol.GameConfig{
		AppID:              "2488620",
		LauncherExecutable: filepath.Join(t.TempDir(), "EADesktop.exe"),
	}}
	planner := &fakePlanner{strategy: consts.StrategyDirect}

	_, err := Resolve(context.Background(), cfg, planner, "steam", nil)
	assert.Equal(t, tanderr.ErrCodeResourceMissing, tanderr.CodeOf(err))
	assert.Empty(t, planner.planned, "nothing is planned for a missing launcher")
}

type recorder struct {
	started [][]string
	execed  []string
	env     []string
	killed  []int
	execErr error
}

func (r *recorder) handoff(configPath string) *Handoff {
	return New("/usr/bin/tandem", configPath,
		WithLookPath(func(s string) (string, error) { return "/resolved/" + s, nil }),
		WithStarter(func(argv []string) (int, error) {
			r.started = append(r.started, argv)
			return 4321, nil
		}),
		WithExec(func(argv0 string, argv []string, env []string) error {
			r.execed = append([]string{argv0}, argv...)
			r.env = env
			return r.execErr
		}),
		WithKill(func(pid int) error {
			r.killed = append(r.killed, pid)
			return nil
		}),
	)
}

func TestRun_StartsSupervisorThenExecs(t *testing.T) {
	r := &recorder{}
	p := &Primary{Strategy: consts.PrimaryCommand, Argv: []string{"game", "-dx12"}, Env: []string{"A=1"}, PID: 99}

	require.NoError(t, r.handoff("/etc/tandem.yaml").Run(p))

	require.Len(t, r.started, 1)
	argv := r.started[0]
	assert.Equal(t, []string{"/usr/bin/tandem", "supervise", "--strategy", "command", "--primary-pid", strconv.Itoa(99), "--session"}, argv[:7])
	assert.Len(t, argv[7], 36, "session is a uuid")
	assert.Equal(t, []string{"--config", "/etc/tandem.yaml"}, argv[8:])

	assert.Equal(t, []string{"/resolved/game", "game", "-dx12"}, r.execed)
	assert.Equal(t, []string{"A=1"}, r.env)
	assert.Empty(t, r.killed)
}

func TestRun_NoPIDForUntrackedPrimary(t *testing.T) {
	r := &recorder{}
	p := &Primary{Strategy: consts.PrimaryHost, Argv: []string{"steam", "-applaunch", "1"}}

	require.NoError(t, r.handoff("").Run(p))
	assert.NotContains(t, r.started[0], "--primary-pid")
	assert.NotContains(t, r.started[0], "--config")
}

func TestRun_ExecFailureStopsSupervisor(t *testing.T) {
	r := &recorder{execErr: errors.New("exec format error")}
	p := &Primary{Strategy: consts.PrimaryCommand, Argv: []string{"game"}, PID: 1}

	err := r.handoff("").Run(p)
	require.Error(t, err)
	assert.Equal(t, tanderr.ErrCodeHandoffFailed, tanderr.CodeOf(err))
	assert.Equal(t, []int{4321}, r.killed)
}

func TestRun_EmptyCommand(t *testing.T) {
	r := &recorder{}
	err := r.handoff("").Run(&Primary{})
	assert.Equal(t, tanderr.ErrCodeHandoffFailed, tanderr.CodeOf(err))
	assert.Empty(t, r.started, "nothing starts without a primary")
}
