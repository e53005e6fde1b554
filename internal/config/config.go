// Package config loads the drydock configuration from defaults, an optional
// YAML file and DRYDOCK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override, e.g.
// DRYDOCK_CONTROLLER_WORKERS.
const EnvPrefix = "DRYDOCK"

// Config is the complete process configuration.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Controller ControllerConfig `mapstructure:"controller"`
	Lock       LockConfig       `mapstructure:"lock"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Log        LogConfig        `mapstructure:"log"`
}

type StoreConfig struct {
	Driver         string        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type ControllerConfig struct {
	// Workers is the worker pool capacity.
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// BounceDelay is how long a bounced task waits before it is offered again.
	BounceDelay time.Duration `mapstructure:"bounce_delay"`
	BatchSize   int           `mapstructure:"batch_size"`
	// MaxPollFailures is how many store queries in a row may fail before
	// the controller exits.
	MaxPollFailures int           `mapstructure:"max_poll_failures"`
	TaskTTL         time.Duration `mapstructure:"task_ttl"`
	Listen          string        `mapstructure:"listen"`
	Hostname        string        `mapstructure:"hostname"`
}

type LockConfig struct {
	Lease           time.Duration `mapstructure:"lease"`
	ProlongInterval time.Duration `mapstructure:"prolong_interval"`
}

type RunnerConfig struct {
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	ConfigPath   string        `mapstructure:"config_path"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WorkDir      string        `mapstructure:"workdir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()
	hostname, _ := os.Hostname()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", filepath.Join(homeDir, ".drydock", "drydock.db"))
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.connect_timeout", "30s")

	v.SetDefault("controller.workers", runtime.GOMAXPROCS(0))
	v.SetDefault("controller.poll_interval", "1s")
	v.SetDefault("controller.bounce_delay", "10s")
	v.SetDefault("controller.batch_size", 50)
	v.SetDefault("controller.max_poll_failures", 5)
	v.SetDefault("controller.task_ttl", "720h")
	v.SetDefault("controller.listen", "127.0.0.1:7467")
	v.SetDefault("controller.hostname", hostname)

	v.SetDefault("lock.lease", "30s")
	v.SetDefault("lock.prolong_interval", "10s")

	v.SetDefault("runner.command", "ansible-playbook")
	v.SetDefault("runner.args", []string{})
	v.SetDefault("runner.config_path", "")
	v.SetDefault("runner.grace_period", "10s")
	v.SetDefault("runner.poll_interval", "500ms")
	v.SetDefault("runner.workdir", "")

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "CONSOLE")
}

// Default returns the configuration with no file and no environment applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the controller cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn: must not be empty"))
	}
	if c.Controller.Workers <= 0 {
		errs = append(errs, fmt.Errorf("controller.workers: must be positive, got %d", c.Controller.Workers))
	}
	if c.Controller.PollInterval <= 0 {
		errs = append(errs, errors.New("controller.poll_interval: must be positive"))
	}
	if c.Controller.BounceDelay <= 0 {
		errs = append(errs, errors.New("controller.bounce_delay: must be positive"))
	}
	if c.Lock.Lease <= 0 {
		errs = append(errs, errors.New("lock.lease: must be positive"))
	}
	if c.Lock.ProlongInterval <= 0 || c.Lock.ProlongInterval >= c.Lock.Lease {
		errs = append(errs, errors.New("lock.prolong_interval: must be positive and shorter than lock.lease"))
	}
	if c.Runner.GracePeriod <= 0 {
		errs = append(errs, errors.New("runner.grace_period: must be positive"))
	}
	if c.Runner.PollInterval <= 0 {
		errs = append(errs, errors.New("runner.poll_interval: must be positive"))
	}
	return errors.Join(errs...)
}
