package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Tandem/internal/clock"
	"github.com/turtacn/Tandem/pkg/consts"
	"github.com/turtacn/Tandem/pkg/logger"
)

// ChildHandle references a process started by this supervisor session. The
// process leads its own process group so that helpers it forks are signalled
// with it.
type ChildHandle struct {
	Label     string
	PID       int
	PGID      int
	Strategy  consts.Strategy
	LogPath   string
	StartedAt time.Time

	reaped bool
}

// SpawnRequest is a fully planned command line.
type SpawnRequest struct {
	Label    string
	Strategy consts.Strategy
	Argv     []string
	Env      []string
	Dir      string
	Output   io.Writer
	LogPath  string
}

// Spawn starts the request as the leader of a new process group with
// stdout and stderr sent to Output. It does not register the handle.
func Spawn(req SpawnRequest) (*ChildHandle, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("spawn %s: empty command", req.Label)
	}

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Env = req.Env
	cmd.Dir = req.Dir
	cmd.Stdout = req.Output
	cmd.Stderr = req.Output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logger.Log.Info("Supervisor: Spawning process", "label", req.Label, "strategy", req.Strategy, "cmd", req.Argv, "dir", req.Dir)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &ChildHandle{
		Label:     req.Label,
		PID:       cmd.Process.Pid,
		PGID:      cmd.Process.Pid,
		Strategy:  req.Strategy,
		LogPath:   req.LogPath,
		StartedAt: time.Now(),
	}, nil
}

// Signaler delivers a signal. A negative pid addresses a process group.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

// SystemSignaler uses kill(2). A target that no longer exists is not an error.
type SystemSignaler struct{}

func (SystemSignaler) Signal(pid int, sig syscall.Signal) error {
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Registry holds every child started by the session until it is terminated.
type Registry struct {
	mu      sync.Mutex
	handles []*ChildHandle

	signaler Signaler
	alive    func(*ChildHandle) bool
	clock    clock.Clock
	interval time.Duration
}

// Option configures the Registry
type Option func(*Registry)

// WithSignaler sets how signals are delivered
func WithSignaler(s Signaler) Option {
	return func(r *Registry) {
		r.signaler = s
	}
}

// WithLiveness replaces the liveness check used while waiting for exit
func WithLiveness(fn func(*ChildHandle) bool) Option {
	return func(r *Registry) {
		r.alive = fn
	}
}

// WithClock sets the time source for grace periods
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithPollInterval sets how often liveness is rechecked during a grace period
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.interval = d
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		signaler: SystemSignaler{},
		alive:    groupAlive,
		clock:    clock.Real{},
		interval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register takes ownership of h.
func (r *Registry) Register(h *ChildHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = append(r.handles, h)
	logger.Log.Info("Supervisor: Registered child", "label", h.Label, "pid", h.PID, "log", h.LogPath)
}

// Handles returns the registered handles in registration order.
func (r *Registry) Handles() []*ChildHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ChildHandle(nil), r.handles...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) remove(h *ChildHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.handles {
		if cur == h {
			r.handles = append(r.handles[:i], r.handles[i+1:]...)
			return
		}
	}
}

// Terminate stops h's process group: SIGTERM, up to grace for it to exit,
// then SIGKILL. A group that is already gone receives nothing. The handle
// leaves the registry once the group is gone or SIGKILL was delivered; when
// a signal cannot be delivered it stays registered and the error is returned.
func (r *Registry) Terminate(ctx context.Context, h *ChildHandle, grace time.Duration) error {
	if !r.alive(h) {
		logger.Log.Debug("Supervisor: Child already exited", "label", h.Label, "pid", h.PID)
		r.remove(h)
		return nil
	}

	logger.Log.Info("Supervisor: Sending SIGTERM", "label", h.Label, "pgid", h.PGID)
	if err := r.signal(h, syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate %s: %w", h.Label, err)
	}
	if r.waitGone(ctx, h, grace) {
		r.remove(h)
		return nil
	}

	logger.Log.Warn("Supervisor: Sending SIGKILL", "label", h.Label, "pgid", h.PGID, "grace", grace)
	if err := r.signal(h, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill %s: %w", h.Label, err)
	}
	r.waitGone(ctx, h, grace)
	r.remove(h)
	return nil
}

// signal addresses h's group. A group that vanished in the meantime counts
// as delivered.
func (r *Registry) signal(h *ChildHandle, sig syscall.Signal) error {
	err := r.signaler.Signal(-h.PGID, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// TerminateAll terminates every registered child, newest first.
func (r *Registry) TerminateAll(ctx context.Context, grace time.Duration) error {
	handles := r.Handles()
	var errs []error
	for i := len(handles) - 1; i >= 0; i-- {
		if err := r.Terminate(ctx, handles[i], grace); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) waitGone(ctx context.Context, h *ChildHandle, grace time.Duration) bool {
	deadline := r.clock.Now().Add(grace)
	for {
		if !r.alive(h) {
			return true
		}
		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			return false
		}
		wait := r.interval
		if remaining < wait {
			wait = remaining
		}
		// Shutdown has to finish even when the session context is cancelled.
		if err := r.clock.Sleep(context.WithoutCancel(ctx), wait); err != nil {
			return false
		}
	}
}

// groupAlive reaps the leader if it has exited, then asks the kernel whether
// any member of its group remains.
func groupAlive(h *ChildHandle) bool {
	if !h.reaped {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(h.PID, &ws, unix.WNOHANG, nil)
		if pid == h.PID || errors.Is(err, unix.ECHILD) {
			h.reaped = true
		}
	}
	if err := unix.Kill(-h.PGID, 0); err != nil {
		return errors.Is(err, unix.EPERM)
	}
	return true
}

// Personal.AI order the ending
