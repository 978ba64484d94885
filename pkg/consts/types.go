package consts

import "time"

// SupervisionState is the state occupied by the supervisor at any instant.
// The ordinal order is the only legal direction of travel.
type SupervisionState int

const (
	StateAwaitingLauncherDetection SupervisionState = iota
	StateAwaitingGameDetection
	StateLaunchingPrimaryAux
	StateAwaitingAuxReadiness
	StateLaunchingSecondaryAux
	StateMonitoring
	StateShuttingDown
	StateTerminated
)

// String returns the state name used in logs and metric labels.
func (s SupervisionState) String() string {
	switch s {
	case StateAwaitingLauncherDetection:
		return "AwaitingLauncherDetection"
	case StateAwaitingGameDetection:
		return "AwaitingGameDetection"
	case StateLaunchingPrimaryAux:
		return "LaunchingPrimaryAux"
	case StateAwaitingAuxReadiness:
		return "AwaitingAuxReadiness"
	case StateLaunchingSecondaryAux:
		return "LaunchingSecondaryAux"
	case StateMonitoring:
		return "Monitoring"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// SupervisionEvent names a transition of the supervisor state machine.
type SupervisionEvent string

const (
	EventLauncherSeen     SupervisionEvent = "launcher_seen"
	EventGameSeen         SupervisionEvent = "game_seen"
	EventCompanionStarted SupervisionEvent = "companion_started"
	EventCompanionSettled SupervisionEvent = "companion_settled"
	EventSecondaryDone    SupervisionEvent = "secondary_done"
	EventPrimaryExited    SupervisionEvent = "primary_exited"
	EventAbort            SupervisionEvent = "abort"
	EventShutdownDone     SupervisionEvent = "shutdown_done"
)

// Strategy is how one role is started.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"   // through the compatibility runtime
	StrategyBrokered Strategy = "brokered" // through the session bus broker
	StrategyAuto     Strategy = "auto"     // brokered when available, else direct
)

// PrimaryStrategy is how the entry command resolved the primary argv. The
// supervisor receives it as a tag to decide whether the game PID is trackable.
type PrimaryStrategy string

const (
	PrimaryCommand  PrimaryStrategy = "command"  // host supplied command line
	PrimaryDirect   PrimaryStrategy = "direct"   // launcher executable via runtime
	PrimaryBrokered PrimaryStrategy = "brokered" // launcher executable via broker
	PrimaryHost     PrimaryStrategy = "host"     // host client asked to launch by app id
)

// Trackable reports whether a PID observed for the primary workload belongs
// to this process namespace and can be waited on.
func (p PrimaryStrategy) Trackable() bool {
	return p == PrimaryCommand || p == PrimaryDirect
}

// Phase places an optional role before or after the companion settles.
type Phase string

const (
	PhasePre    Phase = "pre"
	PhasePost   Phase = "post"
	PhaseEither Phase = "either"
)

// Well-known role names.
const (
	RoleGame            = "game"
	RoleCompanion       = "companion"
	RoleSecondCompanion = "second-companion"
)

// Environment variables.
const (
	EnvConfigPath = "TANDEM_CONFIG"
	EnvPrefix     = "TANDEM_"
	EnvSession    = "TANDEM_SESSION"
)

// Defaults, overridable from configuration.
const (
	DefaultPollInterval      = 1 * time.Second
	DefaultLauncherTimeout   = 120 * time.Second
	DefaultGameTimeout       = 120 * time.Second
	DefaultAuxInitTimeout    = 45 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = 3 * time.Second
	DefaultGracefulTimeout   = 10 * time.Second
	DefaultForceTimeout      = 5 * time.Second
	DefaultKillGrace         = 2 * time.Second
	DefaultServiceStopWait   = 10 * time.Second
	DefaultShutdownArtifact  = "shutdown.txt"
	DefaultShutdownToken     = "Shutdown"
	DefaultHostClient        = "steam"
	DefaultBrokerBinary      = "steam-runtime-launch-client"
	DefaultBrokerService     = "steam-runtime-launcher-service"
	DefaultBusNameTemplate   = "com.steampowered.App%s"
	DefaultRuntimeBinary     = "proton"
	DefaultServiceBinary     = "wineserver"
	SupervisorLogName        = "supervisor"
	MetricsNamespace         = "tandem"
	SupervisorSubcommandName = "supervise"
)

// Personal.AI order the ending
