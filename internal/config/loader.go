// Package config loads a session configuration from defaults, a yaml file
// and TANDEM_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/turtacn/Tandem/internal/resource"
	"github.com/turtacn/Tandem/pkg/consts"
	tanderr "github.com/turtacn/Tandem/pkg/errors"
	"github.com/turtacn/Tandem/pkg/protocol"
)

// DefaultFileName is looked up in the working directory and under
// $XDG_CONFIG_HOME/tandem.
const DefaultFileName = "tandem.yaml"

// Defaults returns the configuration used when nothing else is set.
func Defaults() *protocol.Config {
	return &protocol.Config{
		Version: "1",
		Game: protocol.GameConfig{
			LauncherStrategy: string(consts.StrategyDirect),
			HostClient:       consts.DefaultHostClient,
		},
		Runtime: protocol.RuntimeConfig{
			Binary:  consts.DefaultRuntimeBinary,
			RunArgs: []string{"run"},
		},
		Broker: protocol.BrokerConfig{
			Binary:         consts.DefaultBrokerBinary,
			ServicePattern: consts.DefaultBrokerService,
		},
		Companion: protocol.RoleConfig{
			Enabled:  true,
			Strategy: string(consts.StrategyAuto),
		},
		Timeouts: protocol.TimeoutConfig{
			PollInterval:    consts.DefaultPollInterval.String(),
			LauncherDetect:  consts.DefaultLauncherTimeout.String(),
			GameDetect:      consts.DefaultGameTimeout.String(),
			AuxInit:         consts.DefaultAuxInitTimeout.String(),
			KillGrace:       consts.DefaultKillGrace.String(),
			ServiceStopWait: consts.DefaultServiceStopWait.String(),
		},
		Retry: protocol.RetryConfig{
			MaxAttempts: consts.DefaultRetryAttempts,
			Delay:       consts.DefaultRetryDelay.String(),
		},
		Shutdown: protocol.ShutdownConfig{
			StopRuntimeService: true,
		},
		Observability: protocol.ObservabilityConfig{
			LogLevel: "info",
			LogDir:   resource.DefaultDir(),
		},
	}
}

// Load builds the configuration. explicit, when set, must name an existing
// file. The path of the file actually used is returned ("" when none).
func Load(explicit string) (*protocol.Config, string, error) {
	path, err := FindFile(explicit)
	if err != nil {
		return nil, "", err
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, "", tanderr.New(tanderr.ErrCodeConfigInvalid, "Load", "cannot parse "+path, err)
		}
	}
	if err := k.Load(env.Provider(consts.EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &protocol.Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, "", tanderr.New(tanderr.ErrCodeConfigInvalid, "Load", "cannot decode configuration", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// FindFile resolves the configuration file: explicit, then TANDEM_CONFIG,
// then ./tandem.yaml, then $XDG_CONFIG_HOME/tandem/tandem.yaml.
func FindFile(explicit string) (string, error) {
	for _, candidate := range []string{explicit, os.Getenv(consts.EnvConfigPath)} {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err != nil {
			return "", tanderr.New(tanderr.ErrCodeConfigInvalid, "Load", "config file not found: "+candidate, err)
		}
		return candidate, nil
	}

	for _, candidate := range []string{DefaultFileName, filepath.Join(xdgConfigHome(), "tandem", DefaultFileName)} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func xdgConfigHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

// envTransformFunc maps TANDEM_RETRY__MAX_ATTEMPTS to retry.max_attempts.
// Variables that steer the CLI itself are not configuration keys.
func envTransformFunc(key string) string {
	switch key {
	case consts.EnvConfigPath, consts.EnvSession:
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, consts.EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(fl.Field().String())
			return err == nil && d > 0
		})
	})
	return validate
}

// Validate checks cfg against its struct tags and reports every failing
// field in one ConfigInvalid error.
func Validate(cfg *protocol.Config) error {
	err := getValidator().Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return tanderr.New(tanderr.ErrCodeConfigInvalid, "Validate", "validation failed", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return tanderr.New(tanderr.ErrCodeConfigInvalid, "Validate", strings.Join(msgs, "; "), nil)
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "duration":
		return fmt.Sprintf("%s: %q is not a positive duration", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// Dump renders cfg as yaml.
func Dump(cfg *protocol.Config) ([]byte, error) {
	return yamlv3.Marshal(cfg)
}

// Personal.AI order the ending
