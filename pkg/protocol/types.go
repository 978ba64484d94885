package protocol

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/turtacn/Tandem/pkg/consts"
)

// Config represents the root configuration of a Tandem session.
type Config struct {
	Version         string              `koanf:"version" yaml:"version"`
	Game            GameConfig          `koanf:"game" yaml:"game"`
	Runtime         RuntimeConfig       `koanf:"runtime" yaml:"runtime"`
	Broker          BrokerConfig        `koanf:"broker" yaml:"broker"`
	Companion       RoleConfig          `koanf:"companion" yaml:"companion"`
	SecondCompanion RoleConfig          `koanf:"second_companion" yaml:"second_companion"`
	Tools           []RoleConfig        `koanf:"tools" yaml:"tools" validate:"dive"`
	Timeouts        TimeoutConfig       `koanf:"timeouts" yaml:"timeouts"`
	Retry           RetryConfig         `koanf:"retry" yaml:"retry"`
	Shutdown        ShutdownConfig      `koanf:"shutdown" yaml:"shutdown"`
	Observability   ObservabilityConfig `koanf:"observability" yaml:"observability"`
}

// GameConfig describes the primary workload and how to observe it.
type GameConfig struct {
	AppID              string   `koanf:"app_id" yaml:"app_id"`
	Command            []string `koanf:"command" yaml:"command"`                         // explicit primary argv
	LauncherExecutable string   `koanf:"launcher_executable" yaml:"launcher_executable"` // companion launcher run through the runtime
	LauncherStrategy   string   `koanf:"launcher_strategy" yaml:"launcher_strategy" validate:"omitempty,oneof=direct brokered auto"`
	HostClient         string   `koanf:"host_client" yaml:"host_client"`
	LauncherPatterns   []string `koanf:"launcher_patterns" yaml:"launcher_patterns"`
	GamePatterns       []string `koanf:"game_patterns" yaml:"game_patterns" validate:"required,min=1"`
}

// RuntimeConfig locates the compatibility runtime.
type RuntimeConfig struct {
	Binary        string            `koanf:"binary" yaml:"binary"`
	RunArgs       []string          `koanf:"run_args" yaml:"run_args"`
	ServiceBinary string            `koanf:"service_binary" yaml:"service_binary"`
	Prefix        string            `koanf:"prefix" yaml:"prefix"`
	Env           map[string]string `koanf:"env" yaml:"env"`
}

// BrokerConfig locates the session bus launch broker.
type BrokerConfig struct {
	Binary         string            `koanf:"binary" yaml:"binary"`
	BusName        string            `koanf:"bus_name" yaml:"bus_name"`
	ServicePattern string            `koanf:"service_pattern" yaml:"service_pattern"` // matches the launcher service, not its clients
	PassEnv        []string          `koanf:"pass_env" yaml:"pass_env"`               // name patterns, shell wildcards
	EnvOverrides   map[string]string `koanf:"env_overrides" yaml:"env_overrides"`
}

// RoleConfig is one auxiliary application.
type RoleConfig struct {
	Name         string            `koanf:"name" yaml:"name"`
	Executable   string            `koanf:"executable" yaml:"executable" validate:"required_if=Enabled true"`
	WorkDir      string            `koanf:"work_dir" yaml:"work_dir"`
	Strategy     string            `koanf:"strategy" yaml:"strategy" validate:"omitempty,oneof=direct brokered auto"`
	Enabled      bool              `koanf:"enabled" yaml:"enabled"`
	Mandatory    bool              `koanf:"mandatory" yaml:"mandatory"` // always true for the companion
	Phase        string            `koanf:"phase" yaml:"phase" validate:"omitempty,oneof=pre post either"`
	ReadyPattern []string          `koanf:"ready_pattern" yaml:"ready_pattern"`
	Args         []string          `koanf:"args" yaml:"args"`
	Env          map[string]string `koanf:"env" yaml:"env"`
	InitTimeout  string            `koanf:"init_timeout" yaml:"init_timeout" validate:"omitempty,duration"`
	SettleDelay  string            `koanf:"settle_delay" yaml:"settle_delay" validate:"omitempty,duration"`
	Cooperative  CooperativeConfig `koanf:"cooperative" yaml:"cooperative"`
}

// CooperativeConfig enables the shutdown request artifact for a role.
type CooperativeConfig struct {
	Enabled         bool   `koanf:"enabled" yaml:"enabled"`
	Artifact        string `koanf:"artifact" yaml:"artifact"`
	Token           string `koanf:"token" yaml:"token"`
	GracefulTimeout string `koanf:"graceful_timeout" yaml:"graceful_timeout" validate:"omitempty,duration"`
	ForceTimeout    string `koanf:"force_timeout" yaml:"force_timeout" validate:"omitempty,duration"`
}

type TimeoutConfig struct {
	PollInterval    string `koanf:"poll_interval" yaml:"poll_interval" validate:"omitempty,duration"`
	LauncherDetect  string `koanf:"launcher_detect" yaml:"launcher_detect" validate:"omitempty,duration"`
	GameDetect      string `koanf:"game_detect" yaml:"game_detect" validate:"omitempty,duration"`
	AuxInit         string `koanf:"aux_init" yaml:"aux_init" validate:"omitempty,duration"`
	KillGrace       string `koanf:"kill_grace" yaml:"kill_grace" validate:"omitempty,duration"`
	ServiceStopWait string `koanf:"service_stop_wait" yaml:"service_stop_wait" validate:"omitempty,duration"`
}

type RetryConfig struct {
	MaxAttempts int    `koanf:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	Delay       string `koanf:"delay" yaml:"delay" validate:"omitempty,duration"`
}

type ShutdownConfig struct {
	StopRuntimeService bool `koanf:"stop_runtime_service" yaml:"stop_runtime_service"`
}

type ObservabilityConfig struct {
	LogLevel        string `koanf:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogDir          string `koanf:"log_dir" yaml:"log_dir"`
	MetricsPort     string `koanf:"metrics_port" yaml:"metrics_port"`
	MetricsTextfile string `koanf:"metrics_textfile" yaml:"metrics_textfile"`
}

// Role is a RoleConfig resolved against the session defaults.
type Role struct {
	Name         string
	Executable   string
	WorkDir      string
	Strategy     consts.Strategy
	Enabled      bool
	Mandatory    bool
	Phase        consts.Phase
	ReadyPattern []string
	Args         []string
	Env          map[string]string
	InitTimeout  time.Duration
	SettleDelay  time.Duration
	Cooperative  bool
	Artifact     string
	Token        string
	Graceful     time.Duration
	Force        time.Duration
}

// Dir is the working directory of the role: the configured one, or the
// directory holding the executable.
func (r *Role) Dir() string {
	if r.WorkDir != "" {
		return r.WorkDir
	}
	return filepath.Dir(r.Executable)
}

// ArtifactPath is where the shutdown request for the role is written.
func (r *Role) ArtifactPath() string {
	return filepath.Join(filepath.Dir(r.Executable), r.Artifact)
}

// Duration parses a configured duration, falling back when it is empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (c *Config) PollInterval() time.Duration {
	return Duration(c.Timeouts.PollInterval, consts.DefaultPollInterval)
}

func (c *Config) LauncherTimeout() time.Duration {
	return Duration(c.Timeouts.LauncherDetect, consts.DefaultLauncherTimeout)
}

func (c *Config) GameTimeout() time.Duration {
	return Duration(c.Timeouts.GameDetect, consts.DefaultGameTimeout)
}

func (c *Config) KillGrace() time.Duration {
	return Duration(c.Timeouts.KillGrace, consts.DefaultKillGrace)
}

func (c *Config) ServiceStopWait() time.Duration {
	return Duration(c.Timeouts.ServiceStopWait, consts.DefaultServiceStopWait)
}

func (c *Config) RetryAttempts() int {
	if c.Retry.MaxAttempts < 1 {
		return consts.DefaultRetryAttempts
	}
	return c.Retry.MaxAttempts
}

func (c *Config) RetryDelay() time.Duration {
	return Duration(c.Retry.Delay, consts.DefaultRetryDelay)
}

// BusName is the configured bus name, or the one derived from the app id.
func (c *Config) BusName() string {
	if c.Broker.BusName != "" || c.Game.AppID == "" {
		return c.Broker.BusName
	}
	return fmtBusName(c.Game.AppID)
}

// Resolve applies session defaults to one role.
func (c *Config) Resolve(rc RoleConfig, fallbackName string, mandatory bool, phase consts.Phase) Role {
	r := Role{
		Name:         rc.Name,
		Executable:   rc.Executable,
		WorkDir:      rc.WorkDir,
		Strategy:     consts.Strategy(rc.Strategy),
		Enabled:      rc.Enabled,
		Mandatory:    mandatory || rc.Mandatory,
		Phase:        consts.Phase(rc.Phase),
		ReadyPattern: rc.ReadyPattern,
		Args:         rc.Args,
		Env:          rc.Env,
		InitTimeout:  Duration(rc.InitTimeout, Duration(c.Timeouts.AuxInit, consts.DefaultAuxInitTimeout)),
		SettleDelay:  Duration(rc.SettleDelay, 0),
		Cooperative:  rc.Cooperative.Enabled,
		Artifact:     rc.Cooperative.Artifact,
		Token:        rc.Cooperative.Token,
		Graceful:     Duration(rc.Cooperative.GracefulTimeout, consts.DefaultGracefulTimeout),
		Force:        Duration(rc.Cooperative.ForceTimeout, consts.DefaultForceTimeout),
	}
	if r.Name == "" {
		r.Name = fallbackName
	}
	if r.Strategy == "" {
		r.Strategy = consts.StrategyAuto
	}
	if r.Phase == "" {
		r.Phase = phase
	}
	if r.Artifact == "" {
		r.Artifact = consts.DefaultShutdownArtifact
	}
	if r.Token == "" {
		r.Token = consts.DefaultShutdownToken
	}
	return r
}

// CompanionRole is the mandatory companion.
func (c *Config) CompanionRole() Role {
	return c.Resolve(c.Companion, consts.RoleCompanion, true, consts.PhasePre)
}

// OptionalRoles are the second companion followed by the tools, in
// configuration order.
func (c *Config) OptionalRoles() []Role {
	roles := []Role{c.Resolve(c.SecondCompanion, consts.RoleSecondCompanion, false, consts.PhasePost)}
	for i, t := range c.Tools {
		roles = append(roles, c.Resolve(t, toolName(i), false, consts.PhaseEither))
	}
	return roles
}

// Roles returns every auxiliary role, companion first.
func (c *Config) Roles() []Role {
	return append([]Role{c.CompanionRole()}, c.OptionalRoles()...)
}

// GameLauncherRole is the pseudo-role used to plan the launcher executable
// as the primary command.
func (c *Config) GameLauncherRole() Role {
	return Role{
		Name:       consts.RoleGame,
		Executable: c.Game.LauncherExecutable,
		Strategy:   consts.Strategy(orDefault(c.Game.LauncherStrategy, string(consts.StrategyDirect))),
		Enabled:    c.Game.LauncherExecutable != "",
		Mandatory:  true,
	}
}

func fmtBusName(appID string) string {
	return fmt.Sprintf(consts.DefaultBusNameTemplate, appID)
}

func toolName(i int) string {
	return fmt.Sprintf("tool-%d", i+1)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Personal.AI order the ending
