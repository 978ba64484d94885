package proctable

import (
	"context"
	"os"
	"slices"

	"github.com/shirou/gopsutil/v4/process"
)

// Process is one row of the live process table.
type Process struct {
	PID     int
	Name    string
	Cmdline string
}

// Table lists live processes and answers liveness questions about a PID.
type Table interface {
	List(ctx context.Context) ([]Process, error)
	Alive(ctx context.Context, pid int) (bool, error)
}

// System reads the host process table through gopsutil. The calling process
// is never listed, so patterns that appear in its own arguments do not
// match it.
type System struct {
	self int
}

func NewSystem() *System {
	return &System{self: os.Getpid()}
}

// List returns every live, non-zombie process except the caller. Processes
// that vanish or deny access while being read are skipped.
func (s *System) List(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		if int(p.Pid) == s.self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		if cmdline == "" && isZombie(ctx, p) {
			continue
		}
		out = append(out, Process{PID: int(p.Pid), Name: name, Cmdline: cmdline})
	}
	return out, nil
}

// Alive reports whether pid exists and has not become a zombie.
func (s *System) Alive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false, err
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// Raced with exit.
		return false, nil
	}
	return !isZombie(ctx, p), nil
}

func isZombie(ctx context.Context, p *process.Process) bool {
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	return slices.Contains(status, process.Zombie)
}

// Personal.AI order the ending
