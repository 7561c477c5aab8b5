// Package runnerconfig wires viper-backed configuration: flags, env vars,
// an optional config file, and defaults, in that precedence order,
// matching the teacher's own CLI configuration layering.
package runnerconfig

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "EXPRUNNER"

// Config is the resolved runtime configuration for a run.
type Config struct {
	StoreRoot    string        `mapstructure:"store_root"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxProcesses int           `mapstructure:"max_processes"`
	Executable   string        `mapstructure:"executable"`
	DockerImage  string        `mapstructure:"docker_image"`
	UseDocker    bool          `mapstructure:"docker"`
}

// New builds a viper instance seeded with defaults, a config file (if
// present), and EXPRUNNER_-prefixed environment variables. Callers
// typically call BindPFlags before Load so flags take top precedence.
func New() (*viper.Viper, error) {
	// A .env in the working directory seeds EXPRUNNER_* vars before
	// AutomaticEnv reads them; absence is normal and not an error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("runnerconfig: load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	v.SetDefault("store_root", defaultStoreRoot())
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("max_processes", 4)
	v.SetDefault("executable", "")
	v.SetDefault("docker_image", "alpine:3.20")

	v.SetConfigName("exprunner")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(xdg.ConfigHome)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("runnerconfig: read config file: %w", err)
		}
	}
	return v, nil
}

// Load decodes v into a Config, validating the fields the engine's
// invariants depend on (a non-positive concurrency cap would silently
// stall the scheduler forever).
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("runnerconfig: decode: %w", err)
	}
	if cfg.MaxProcesses <= 0 {
		return nil, fmt.Errorf("runnerconfig: max_processes must be positive, got %d", cfg.MaxProcesses)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("runnerconfig: poll_interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.StoreRoot == "" {
		return nil, fmt.Errorf("runnerconfig: store_root must not be empty")
	}
	return &cfg, nil
}

func defaultStoreRoot() string {
	return xdg.DataHome + "/exprunner"
}
