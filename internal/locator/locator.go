// Package locator resolves the external binaries a session depends on. It
// is deliberately shallow: explicit configuration first, then PATH.
package locator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/turtacn/Tandem/internal/proctable"
	"github.com/turtacn/Tandem/pkg/consts"
	tanderr "github.com/turtacn/Tandem/pkg/errors"
	"github.com/turtacn/Tandem/pkg/logger"
	"github.com/turtacn/Tandem/pkg/protocol"
)

// Environment holds the resolved paths and live facts used to plan launches.
type Environment struct {
	Runtime      string
	RunArgs      []string
	Service      string // empty when no service control binary was found
	Broker       string // empty when no broker was found
	BusName      string
	BusService   proctable.PatternSet
	HostClient   string
	RuntimeEnv   []string // K=V, sorted
	PassEnv      []string
	EnvOverrides []string // K=V, sorted

	table proctable.Table
}

// Locate resolves everything cfg needs. A missing runtime is fatal; the
// broker and the service binary are optional.
func Locate(cfg *protocol.Config, table proctable.Table) (*Environment, error) {
	runtime, err := resolve(cfg.Runtime.Binary, consts.DefaultRuntimeBinary)
	if err != nil {
		return nil, tanderr.New(tanderr.ErrCodeResourceMissing, "Locate", "compatibility runtime not found", err)
	}

	service, err := proctable.Compile([]string{orDefault(cfg.Broker.ServicePattern, consts.DefaultBrokerService)})
	if err != nil {
		return nil, tanderr.New(tanderr.ErrCodeConfigInvalid, "Locate", "bad broker service pattern", err)
	}

	env := &Environment{
		Runtime:      runtime,
		RunArgs:      cfg.Runtime.RunArgs,
		BusName:      cfg.BusName(),
		BusService:   service,
		HostClient:   orDefault(cfg.Game.HostClient, consts.DefaultHostClient),
		RuntimeEnv:   pairs(cfg.Runtime.Env),
		PassEnv:      cfg.Broker.PassEnv,
		EnvOverrides: pairs(cfg.Broker.EnvOverrides),
		table:        table,
	}
	if cfg.Runtime.Prefix != "" {
		env.RuntimeEnv = append(env.RuntimeEnv, "WINEPREFIX="+cfg.Runtime.Prefix)
	}

	if p, err := resolve(cfg.Broker.Binary, consts.DefaultBrokerBinary); err == nil {
		env.Broker = p
	} else {
		logger.Log.Debug("Locator: No launch broker", "err", err)
	}

	wineserver := cfg.Runtime.ServiceBinary
	if wineserver == "" {
		// Runtimes ship the service next to themselves more often than on PATH.
		sibling := filepath.Join(filepath.Dir(runtime), consts.DefaultServiceBinary)
		if Executable(sibling) {
			wineserver = sibling
		}
	}
	if p, err := resolve(wineserver, consts.DefaultServiceBinary); err == nil {
		env.Service = p
	}

	logger.Log.Info("Locator: Environment resolved", "runtime", env.Runtime, "broker", env.Broker, "service", env.Service, "bus", env.BusName)
	return env, nil
}

// NewEnvironment builds an Environment from already known facts.
func NewEnvironment(runtime string, table proctable.Table) *Environment {
	return &Environment{
		Runtime:    runtime,
		BusService: proctable.MustCompile(consts.DefaultBrokerService),
		table:      table,
	}
}

// BrokerAvailable reports whether the broker binary exists and is executable.
func (e *Environment) BrokerAvailable() bool {
	return e.Broker != "" && Executable(e.Broker)
}

// BusAdvertised reports whether a launcher service currently serves the bus
// name. The service announces it on its command line; launch clients carry
// the same flag and do not count.
func (e *Environment) BusAdvertised(ctx context.Context) bool {
	if e.BusName == "" || e.table == nil || len(e.BusService) == 0 {
		return false
	}
	procs, err := e.table.List(ctx)
	if err != nil {
		logger.Log.Warn("Locator: Bus check failed", "bus", e.BusName, "err", err)
		return false
	}
	bus := proctable.MustCompile("--bus-name=" + e.BusName)
	return len(bus.Filter(e.BusService.Filter(procs))) > 0
}

// RequireExecutable fails with a configuration error when path is not an
// executable file.
func RequireExecutable(what, path string) error {
	if path == "" {
		return tanderr.New(tanderr.ErrCodeConfigInvalid, "Locate", what+" is not configured", nil)
	}
	if _, err := os.Stat(path); err != nil {
		return tanderr.New(tanderr.ErrCodeResourceMissing, "Locate", what+" not found: "+path, err)
	}
	return nil
}

// Executable reports whether path is a regular file with an execute bit.
func Executable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

func resolve(configured, fallback string) (string, error) {
	name := orDefault(configured, fallback)
	if strings.ContainsRune(name, os.PathSeparator) {
		if !Executable(name) {
			return "", fmt.Errorf("%s is not an executable file", name)
		}
		return name, nil
	}
	return exec.LookPath(name)
}

func pairs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Personal.AI order the ending
