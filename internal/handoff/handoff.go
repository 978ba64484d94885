// Package handoff turns the entry process into the game. It starts the
// supervisor detached, then replaces its own image with the primary command
// so the host keeps tracking the PID it launched.
package handoff

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/turtacn/Tandem/internal/launch"
	"github.com/turtacn/Tandem/internal/locator"
	"github.com/turtacn/Tandem/pkg/consts"
	tanderr "github.com/turtacn/Tandem/pkg/errors"
	"github.com/turtacn/Tandem/pkg/logger"
	"github.com/turtacn/Tandem/pkg/protocol"
)

// Primary is the resolved primary command.
type Primary struct {
	Strategy consts.PrimaryStrategy
	Argv     []string
	Env      []string
	Dir      string
	PID      int // 0 unless the exec keeps this process's PID
}

// Planner builds the launcher command; launch.Director satisfies it.
type Planner interface {
	Plan(ctx context.Context, role *protocol.Role) (launch.Command, error)
}

// Resolve picks the primary command: the host supplied one, then the
// configured one, then the launcher executable, then the host client.
func Resolve(ctx context.Context, cfg *protocol.Config, planner Planner, hostClient string, hostArgs []string) (*Primary, error) {
	switch {
	case len(hostArgs) > 0:
		return command(hostArgs), nil
	case len(cfg.Game.Command) > 0:
		return command(cfg.Game.Command), nil
	}

	if role := cfg.GameLauncherRole(); role.Enabled {
		if err := locator.RequireExecutable("game launcher executable", role.Executable); err != nil {
			return nil, err
		}
		cmd, err := planner.Plan(ctx, &role)
		if err != nil {
			return nil, err
		}
		p := &Primary{Strategy: consts.PrimaryDirect, Argv: cmd.Argv, Env: cmd.Env, Dir: cmd.Dir}
		if cmd.Strategy == consts.StrategyBrokered {
			p.Strategy = consts.PrimaryBrokered
		} else {
			p.PID = os.Getpid()
		}
		return p, nil
	}

	if cfg.Game.AppID == "" {
		return nil, tanderr.New(tanderr.ErrCodeConfigInvalid, "Resolve", "no command, launcher executable or app id to start", nil)
	}
	return &Primary{
		Strategy: consts.PrimaryHost,
		Argv:     []string{hostClient, "-applaunch", cfg.Game.AppID},
		Env:      os.Environ(),
	}, nil
}

func command(argv []string) *Primary {
	return &Primary{
		Strategy: consts.PrimaryCommand,
		Argv:     append([]string(nil), argv...),
		Env:      os.Environ(),
		PID:      os.Getpid(),
	}
}

// ExecFunc replaces the current process image. It only returns on failure.
type ExecFunc func(argv0 string, argv []string, env []string) error

// StartFunc starts the detached supervisor and returns its PID.
type StartFunc func(argv []string) (int, error)

type Handoff struct {
	self       string
	configPath string
	exec       ExecFunc
	start      StartFunc
	kill       func(pid int) error
	lookPath   func(string) (string, error)
}

// Option configures the Handoff
type Option func(*Handoff)

// WithExec replaces execve
func WithExec(fn ExecFunc) Option {
	return func(h *Handoff) { h.exec = fn }
}

// WithStarter replaces how the supervisor is started
func WithStarter(fn StartFunc) Option {
	return func(h *Handoff) { h.start = fn }
}

// WithKill replaces how an orphaned supervisor is stopped
func WithKill(fn func(pid int) error) Option {
	return func(h *Handoff) { h.kill = fn }
}

// WithLookPath replaces PATH resolution of the primary argv[0]
func WithLookPath(fn func(string) (string, error)) Option {
	return func(h *Handoff) { h.lookPath = fn }
}

// New prepares a handoff that re-executes self as the supervisor.
func New(self, configPath string, opts ...Option) *Handoff {
	h := &Handoff{
		self:       self,
		configPath: configPath,
		exec:       unix.Exec,
		start:      startDetached,
		kill:       func(pid int) error { return unix.Kill(pid, unix.SIGTERM) },
		lookPath:   exec.LookPath,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SupervisorArgv is the command line of the detached supervisor.
func (h *Handoff) SupervisorArgv(p *Primary, session string) []string {
	argv := []string{h.self, consts.SupervisorSubcommandName, "--strategy", string(p.Strategy)}
	if p.PID > 0 {
		argv = append(argv, "--primary-pid", strconv.Itoa(p.PID))
	}
	argv = append(argv, "--session", session)
	if h.configPath != "" {
		argv = append(argv, "--config", h.configPath)
	}
	return argv
}

// Run starts the supervisor and becomes the primary. On success it never
// returns.
func (h *Handoff) Run(p *Primary) error {
	if len(p.Argv) == 0 {
		return tanderr.New(tanderr.ErrCodeHandoffFailed, "Run", "empty primary command", nil)
	}
	argv0, err := h.lookPath(p.Argv[0])
	if err != nil {
		return tanderr.New(tanderr.ErrCodeHandoffFailed, "Run", "primary not found: "+p.Argv[0], err)
	}

	session := uuid.NewString()
	supPID, err := h.start(h.SupervisorArgv(p, session))
	if err != nil {
		return tanderr.New(tanderr.ErrCodeHandoffFailed, "Run", "cannot start supervisor", err)
	}
	logger.Log.Info("Handoff: Supervisor started", "pid", supPID, "session", session, "strategy", p.Strategy)

	if p.Dir != "" {
		if err := os.Chdir(p.Dir); err != nil {
			logger.Log.Warn("Handoff: Cannot enter primary directory", "dir", p.Dir, "err", err)
		}
	}

	logger.Log.Info("Handoff: Replacing process image", "argv", p.Argv)
	err = h.exec(argv0, p.Argv, p.Env)
	if err == nil {
		return nil
	}

	// Still here: the game never started, so the supervisor has nothing to do.
	if kerr := h.kill(supPID); kerr != nil {
		logger.Log.Warn("Handoff: Cannot stop supervisor", "pid", supPID, "err", kerr)
	}
	return tanderr.New(tanderr.ErrCodeHandoffFailed, "Run", fmt.Sprintf("exec %s failed", argv0), err)
}

// startDetached runs argv in a new session with stdio on /dev/null and
// forgets about it; the supervisor must outlive the image replacement.
func startDetached(argv []string) (int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}

// Personal.AI order the ending
