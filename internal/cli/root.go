package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turtacn/Tandem/internal/config"
	"github.com/turtacn/Tandem/internal/handoff"
	"github.com/turtacn/Tandem/internal/launch"
	"github.com/turtacn/Tandem/internal/locator"
	"github.com/turtacn/Tandem/internal/monitor"
	"github.com/turtacn/Tandem/internal/orchestrator"
	"github.com/turtacn/Tandem/internal/probe"
	"github.com/turtacn/Tandem/internal/proctable"
	"github.com/turtacn/Tandem/internal/resource"
	"github.com/turtacn/Tandem/internal/supervisor"
	"github.com/turtacn/Tandem/pkg/consts"
	"github.com/turtacn/Tandem/pkg/logger"
	"github.com/turtacn/Tandem/pkg/protocol"
)

var (
	cfgFile  string
	logLevel string

	superviseStrategy string
	supervisePID      int
	superviseSession  string
)

var rootCmd = &cobra.Command{
	Use:           "tandem",
	Short:         "Tandem: launch a game together with its companion applications",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var launchCmd = &cobra.Command{
	Use:   "launch [-- command...]",
	Short: "Start the supervisor, then become the game",
	Long: `Use as a Steam launch option:

    tandem launch -- %command%

Without a command the configured game.command, game.launcher_executable or
the host client (steam -applaunch <app_id>) is used, in that order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		logger.InitLogger(cfg.Observability.LogLevel, os.Stderr)

		table := proctable.NewSystem()
		env, err := locator.Locate(cfg, table)
		if err != nil {
			return err
		}
		sinks := resource.NewSinkManager(cfg.Observability.LogDir)
		defer sinks.Close()

		primary, err := handoff.Resolve(cmd.Context(), cfg, launch.NewDirector(env, sinks), env.HostClient, args)
		if err != nil {
			return err
		}

		self, err := os.Executable()
		if err != nil {
			return err
		}
		return handoff.New(self, path).Run(primary)
	},
}

var superviseCmd = &cobra.Command{
	Use:    consts.SupervisorSubcommandName,
	Short:  "Run the supervisor for one session (started by launch)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		sinks := resource.NewSinkManager(cfg.Observability.LogDir)
		defer sinks.Close()
		out, err := sinks.Ensure(consts.SupervisorLogName)
		if err != nil {
			return err
		}
		logger.InitLogger(cfg.Observability.LogLevel, out)
		if superviseSession != "" {
			logger.Log = logger.Log.With("session", superviseSession)
		}
		if srv := monitor.InitMetrics(cfg.Observability.MetricsPort); srv != nil {
			defer srv.Close()
		}

		logger.Log.Info("Booting Tandem supervisor...", "strategy", superviseStrategy, "primary_pid", supervisePID, "pid", os.Getpid())

		table := proctable.NewSystem()
		env, err := locator.Locate(cfg, table)
		if err != nil {
			logger.Log.Error("Supervisor: fatal", "phase", "Locate", "err", err)
			return err
		}
		primary := orchestrator.Primary{Strategy: consts.PrimaryStrategy(superviseStrategy), PID: supervisePID}
		engine, err := orchestrator.NewEngine(cfg, env, primary, orchestrator.WithTable(table), orchestrator.WithSinks(sinks))
		if err != nil {
			logger.Log.Error("Supervisor: fatal", "phase", "Init", "err", err)
			return err
		}
		return engine.Start(cmd.Context())
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask cooperative companions to exit, then stop the runtime service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		logger.InitLogger(cfg.Observability.LogLevel, os.Stderr)

		table := proctable.NewSystem()
		env, err := locator.Locate(cfg, table)
		if err != nil {
			return err
		}
		plan, err := orchestrator.BuildShutdownPlan(cfg, env)
		if err != nil {
			return err
		}
		prober := probe.New(table, probe.WithInterval(cfg.PollInterval()))
		s := orchestrator.NewShutdowner(prober, supervisor.NewRegistry(), nil, nil)
		return s.Execute(cmd.Context(), plan)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		if path != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe <pattern>...",
	Short: "List running processes matching patterns (prefix re: for a regexp)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := proctable.Compile(args)
		if err != nil {
			return err
		}
		return printMatches(cmd.Context(), cmd, probe.New(proctable.NewSystem()), set)
	},
}

func printMatches(ctx context.Context, cmd *cobra.Command, p *probe.Prober, set proctable.PatternSet) error {
	matches, err := p.Matches(ctx, set)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tNAME\tCOMMAND")
	for _, m := range matches {
		fmt.Fprintf(w, "%d\t%s\t%s\n", m.PID, m.Name, m.Cmdline)
	}
	return w.Flush()
}

func loadConfig() (*protocol.Config, string, error) {
	cfg, path, err := config.Load(cfgFile)
	if err != nil {
		return nil, "", err
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}
	return cfg, path, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: $TANDEM_CONFIG, ./tandem.yaml, $XDG_CONFIG_HOME/tandem/tandem.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override observability.log_level")

	superviseCmd.Flags().StringVar(&superviseStrategy, "strategy", string(consts.PrimaryHost), "how the primary was started (command, direct, brokered, host)")
	superviseCmd.Flags().IntVar(&supervisePID, "primary-pid", 0, "PID of the primary when it is trackable")
	superviseCmd.Flags().StringVar(&superviseSession, "session", "", "session id tagged on every log line")

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(superviseCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(probeCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Personal.AI order the ending
