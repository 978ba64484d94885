package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/turtacn/Tandem/internal/clock"
	"github.com/turtacn/Tandem/internal/locator"
	"github.com/turtacn/Tandem/internal/proctable"
	"github.com/turtacn/Tandem/internal/proctable/proctabletest"
	"github.com/turtacn/Tandem/internal/resource"
	"github.com/turtacn/Tandem/internal/supervisor"
	"github.com/turtacn/Tandem/pkg/consts"
	"github.com/turtacn/Tandem/pkg/protocol"
)

type sent struct {
	pid int
	sig syscall.Signal
}

// tableSignaler removes signalled processes from the scripted table unless
// they are marked stubborn.
type tableSignaler struct {
	mu       sync.Mutex
	table    *proctabletest.Scripted
	stubborn map[int]bool
	sent     []sent
}

func (s *tableSignaler) Signal(pid int, sig syscall.Signal) error {
	s.mu.Lock()
	s.sent = append(s.sent, sent{pid, sig})
	s.mu.Unlock()
	if pid < 0 {
		pid = -pid
	}
	if !s.stubborn[pid] || sig == syscall.SIGKILL {
		s.table.Stop(pid)
	}
	return nil
}

func (s *tableSignaler) count(sig syscall.Signal) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.sent {
		if x.sig == sig {
			n++
		}
	}
	return n
}

// tableLauncher makes every launched role show up under its executable
// path, except the ones listed in absent. A cooperative role that finds a
// shutdown request beside its executable exits at once, as the real ones do.
type tableLauncher struct {
	mu       sync.Mutex
	table    *proctabletest.Scripted
	absent   map[string]bool
	next     int
	launched []string
}

func (l *tableLauncher) Launch(ctx context.Context, role *protocol.Role) (*supervisor.ChildHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	pid := 7000 + l.next
	l.launched = append(l.launched, role.Name)
	_, err := os.Stat(role.ArtifactPath())
	requested := role.Cooperative && err == nil
	if !l.absent[role.Name] && !requested {
		l.table.Start(proctable.Process{PID: pid, Name: filepath.Base(role.Executable), Cmdline: role.Executable})
	}
	return &supervisor.ChildHandle{Label: role.Name, PID: pid, PGID: pid, Strategy: consts.StrategyDirect}, nil
}

type world struct {
	t        *testing.T
	dir      string
	clock    *clock.Fake
	table    *proctabletest.Scripted
	signaler *tableSignaler
	launcher *tableLauncher
	cfg      *protocol.Config
	env      *locator.Environment
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{t: t, dir: t.TempDir(), clock: clock.NewFake()}
	w.table = proctabletest.NewScripted(w.clock)
	w.signaler = &tableSignaler{table: w.table, stubborn: map[int]bool{}}
	w.launcher = &tableLauncher{table: w.table, absent: map[string]bool{}}
	w.env = locator.NewEnvironment("/opt/proton/proton", w.table)
	w.cfg = &protocol.Config{
		Game: protocol.GameConfig{
			LauncherPatterns: []string{"EADesktop.exe"},
			GamePatterns:     []string{"F1_24.exe"},
		},
		Companion: protocol.RoleConfig{
			Enabled:      true,
			Executable:   filepath.Join(w.dir, "SimHub", "SimHubWPF.exe"),
			ReadyPattern: []string{"SimHubWPF.exe"},
		},
		Timeouts: protocol.TimeoutConfig{
			PollInterval:    "1s",
			LauncherDetect:  "120s",
			GameDetect:      "120s",
			AuxInit:         "45s",
			KillGrace:       "2s",
			ServiceStopWait: "10s",
		},
		Retry:         protocol.RetryConfig{MaxAttempts: 3, Delay: "3s"},
		Observability: protocol.ObservabilityConfig{LogDir: w.dir},
	}
	return w
}

func (w *world) process(pid int, cmdline string, from, until time.Duration) {
	w.table.Add(proctabletest.Entry{
		Process: proctable.Process{PID: pid, Name: filepath.Base(cmdline), Cmdline: cmdline},
		From:    from,
		Until:   until,
	})
}

func (w *world) engine(primary Primary, opts ...Option) *Engine {
	w.t.Helper()
	sinks := resource.NewSinkManager(w.dir)
	w.t.Cleanup(sinks.Close)
	base := []Option{
		WithClock(w.clock),
		WithTable(w.table),
		WithSignaler(w.signaler),
		WithLauncher(w.launcher),
		WithSinks(sinks),
		WithLiveness(func(h *supervisor.ChildHandle) bool {
			alive, _ := w.table.Alive(context.Background(), h.PID)
			return alive
		}),
	}
	e, err := NewEngine(w.cfg, w.env, primary, append(base, opts...)...)
	if err != nil {
		w.t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// enteredAt returns when state was entered, relative to the world's start.
func (w *world) enteredAt(e *Engine, state State) (time.Duration, bool) {
	start := clock.NewFake().Now()
	for _, s := range e.Trace() {
		if s.State == state {
			return s.At.Sub(start), true
		}
	}
	return 0, false
}
