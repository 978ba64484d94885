package launch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Tandem/internal/clock"
	"github.com/turtacn/Tandem/internal/locator"
	"github.com/turtacn/Tandem/internal/proctable"
	"github.com/turtacn/Tandem/internal/proctable/proctabletest"
	"github.com/turtacn/Tandem/internal/resource"
	"github.com/turtacn/Tandem/internal/supervisor"
	"github.com/turtacn/Tandem/pkg/consts"
	tanderr "github.com/turtacn/Tandem/pkg/errors"
	"github.com/turtacn/Tandem/pkg/protocol"
)

const bus = "com.steampowered.App805550"

type fixture struct {
	env    *locator.Environment
	table  *proctabletest.Scripted
	spawns []supervisor.SpawnRequest
	fail   map[consts.Strategy]bool
	dir    *Director
}

func newFixture(t *testing.T, withBroker bool) *fixture {
	t.Helper()
	tmp := t.TempDir()
	f := &fixture{fail: map[consts.Strategy]bool{}}
	f.table = proctabletest.NewScripted(clock.NewFake())
	f.env = locator.NewEnvironment("/opt/proton/proton", f.table)
	f.env.RunArgs = []string{"run"}
	f.env.BusName = bus
	f.env.RuntimeEnv = []string{"WINEPREFIX=/pfx"}
	f.env.PassEnv = []string{"STEAM_*"}
	f.env.EnvOverrides = []string{"WINEDEBUG=-all"}
	if withBroker {
		broker := filepath.Join(tmp, "steam-runtime-launch-client")
		require.NoError(t, os.WriteFile(broker, []byte("#!/bin/sh\n"), 0o755))
		f.env.Broker = broker
	}

	sinks := resource.NewSinkManager(filepath.Join(tmp, "logs"))
	t.Cleanup(sinks.Close)

	f.dir = NewDirector(f.env, sinks,
		WithBaseEnv(func() []string { return []string{"HOME=/home/u"} }),
		WithSpawner(func(req supervisor.SpawnRequest) (*supervisor.ChildHandle, error) {
			f.spawns = append(f.spawns, req)
			if f.fail[req.Strategy] {
				return nil, errors.New("exec format error")
			}
			return &supervisor.ChildHandle{Label: req.Label, PID: 1000 + len(f.spawns), Strategy: req.Strategy, LogPath: req.LogPath}, nil
		}),
	)
	return f
}

func (f *fixture) advertise() {
	f.table.Start(proctable.Process{PID: 77, Cmdline: "steam-runtime-launcher-service --bus-name=" + bus})
}

func role(strategy consts.Strategy) *protocol.Role {
	return &protocol.Role{
		Name:       "companion",
		Executable: "/games/SimHub/SimHubWPF.exe",
		Strategy:   strategy,
		Args:       []string{"-minimized"},
		Env:        map[string]string{"LANG": "C"},
	}
}

func TestSelect(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name       string
		broker     bool
		advertised bool
		pref       consts.Strategy
		want       consts.Strategy
		wantErr    bool
	}{
		{"direct ignores broker", true, true, consts.StrategyDirect, consts.StrategyDirect, false},
		{"brokered with broker and bus", true, true, consts.StrategyBrokered, consts.StrategyBrokered, false},
		{"brokered without bus", true, false, consts.StrategyBrokered, "", true},
		{"brokered without broker", false, true, consts.StrategyBrokered, "", true},
		{"auto prefers broker", true, true, consts.StrategyAuto, consts.StrategyBrokered, false},
		{"auto without bus", true, false, consts.StrategyAuto, consts.StrategyDirect, false},
		{"auto without broker", false, true, consts.StrategyAuto, consts.StrategyDirect, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.broker)
			if tc.advertised {
				f.advertise()
			}
			got, err := f.dir.Select(ctx, role(tc.pref))
			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, tanderr.ErrCodeBrokerUnavailable, tanderr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBuild_Direct(t *testing.T) {
	f := newFixture(t, false)
	cmd := f.dir.Build(role(consts.StrategyDirect), consts.StrategyDirect)

	assert.Equal(t, []string{"/opt/proton/proton", "run", "/games/SimHub/SimHubWPF.exe", "-minimized"}, cmd.Argv)
	assert.Equal(t, []string{"HOME=/home/u", "WINEPREFIX=/pfx", "LANG=C"}, cmd.Env)
	assert.Equal(t, "/games/SimHub", cmd.Dir)
}

func TestBuild_Brokered(t *testing.T) {
	f := newFixture(t, true)
	cmd := f.dir.Build(role(consts.StrategyBrokered), consts.StrategyBrokered)

	assert.Equal(t, []string{
		f.env.Broker,
		"--bus-name=" + bus,
		"--directory=/games/SimHub",
		"--pass-env-matching=STEAM_*",
		"--env=WINEDEBUG=-all",
		"--env=WINEPREFIX=/pfx",
		"--env=LANG=C",
		"--",
		"/opt/proton/proton", "run", "/games/SimHub/SimHubWPF.exe", "-minimized",
	}, cmd.Argv)
	assert.Equal(t, []string{"HOME=/home/u"}, cmd.Env)
}

func TestLaunch_SpawnsOnceWithRoleLog(t *testing.T) {
	f := newFixture(t, false)

	h, err := f.dir.Launch(context.Background(), role(consts.StrategyAuto))
	require.NoError(t, err)

	require.Len(t, f.spawns, 1)
	assert.Equal(t, consts.StrategyDirect, h.Strategy)
	assert.Equal(t, "companion.log", filepath.Base(h.LogPath))
	assert.NotNil(t, f.spawns[0].Output)
}

func TestLaunch_AutoFallsBackOnce(t *testing.T) {
	f := newFixture(t, true)
	f.advertise()
	f.fail[consts.StrategyBrokered] = true

	h, err := f.dir.Launch(context.Background(), role(consts.StrategyAuto))
	require.NoError(t, err)
	assert.Equal(t, consts.StrategyDirect, h.Strategy)
	require.Len(t, f.spawns, 2)
	assert.Equal(t, consts.StrategyBrokered, f.spawns[0].Strategy)
	assert.Equal(t, consts.StrategyDirect, f.spawns[1].Strategy)
}

func TestLaunch_AutoBothFail(t *testing.T) {
	f := newFixture(t, true)
	f.advertise()
	f.fail[consts.StrategyBrokered] = true
	f.fail[consts.StrategyDirect] = true

	_, err := f.dir.Launch(context.Background(), role(consts.StrategyAuto))
	require.Error(t, err)
	assert.Equal(t, tanderr.ErrCodeLaunchFailed, tanderr.CodeOf(err))
	assert.Len(t, f.spawns, 2, "exactly one attempt at each strategy")
}

func TestLaunch_BrokeredDoesNotFallBack(t *testing.T) {
	f := newFixture(t, true)
	f.advertise()
	f.fail[consts.StrategyBrokered] = true

	_, err := f.dir.Launch(context.Background(), role(consts.StrategyBrokered))
	require.Error(t, err)
	assert.Len(t, f.spawns, 1)
}
