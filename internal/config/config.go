// Package config loads the control bus configuration from flags, environment
// variables, an optional YAML file and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultAddr             = "127.0.0.1:8083"
	DefaultToken            = "dev-token-12345"
	DefaultPickupTimeout    = 5 * time.Second
	DefaultExecutionTimeout = 10 * time.Second
	DefaultInitialFileDelay = 2 * time.Second

	// EnableEnv turns the listener on when present, whatever its value.
	EnableEnv = "ENABLE_CONTROL_BUS"
	envPrefix = "CONTROL_BUS"
)

// Config holds the server configuration
type Config struct {
	// Enabled starts the HTTP listener.
	Enabled bool `mapstructure:"enabled"`
	// Addr is the host:port the listener binds.
	Addr string `mapstructure:"addr"`
	// Token is the shared bearer secret checked on every request.
	Token string `mapstructure:"token"`

	PickupTimeout     time.Duration `mapstructure:"pickup_timeout"`
	ExecutionTimeout  time.Duration `mapstructure:"execution_timeout"`
	PollIncludeParams bool          `mapstructure:"poll_include_params"`

	// InitialFileDelay is how long to wait before announcing the initial document.
	InitialFileDelay time.Duration `mapstructure:"initial_file_delay"`

	Log LogConfig `mapstructure:"log"`

	// Args are the positional arguments left after flag parsing.
	Args []string `mapstructure:"-"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// File, when set, receives log records in addition to stderr; it is rotated.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("enabled", false)
	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("token", DefaultToken)
	v.SetDefault("pickup_timeout", DefaultPickupTimeout)
	v.SetDefault("execution_timeout", DefaultExecutionTimeout)
	v.SetDefault("poll_include_params", false)
	v.SetDefault("initial_file_delay", DefaultInitialFileDelay)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
}

// FlagSet returns the command line flags understood by Load.
func FlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("controlbus", pflag.ContinueOnError)
	flagSet.Bool("control-bus", false, "start the control bus HTTP API (also enabled by "+EnableEnv+")")
	flagSet.String("addr", DefaultAddr, "listen address")
	flagSet.String("token", DefaultToken, "shared bearer token")
	flagSet.Duration("pickup-timeout", DefaultPickupTimeout, "how long a submitted command waits for a consumer to poll")
	flagSet.Duration("execution-timeout", DefaultExecutionTimeout, "how long a picked-up command waits for its result")
	flagSet.Bool("poll-include-params", false, "include submitted params in poll responses")
	flagSet.Duration("initial-file-delay", DefaultInitialFileDelay, "delay before announcing the initial document")
	flagSet.String("log-level", "info", "log level: debug, info, warn, error")
	flagSet.String("log-format", "console", "log format: console or json")
	flagSet.String("log-file", "", "also write logs to this file, rotated")
	flagSet.String("config", "", "path to a YAML config file")
	flagSet.String("env-file", ".env", "path to a dotenv file; ignored when missing")
	flagSet.BoolP("help", "h", false, "show help")
	return flagSet
}

var flagKeys = map[string]string{
	"control-bus":         "enabled",
	"addr":                "addr",
	"token":               "token",
	"pickup-timeout":      "pickup_timeout",
	"execution-timeout":   "execution_timeout",
	"poll-include-params": "poll_include_params",
	"initial-file-delay":  "initial_file_delay",
	"log-level":           "log.level",
	"log-format":          "log.format",
	"log-file":            "log.file",
}

// Load parses args (without the program name) and resolves the final
// configuration. Flags win over environment variables, which win over the
// config file. It returns pflag.ErrHelp when help was requested.
func Load(args []string) (*Config, error) {
	flagSet := FlagSet()
	flagSet.ParseErrorsWhitelist.UnknownFlags = true
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		return nil, pflag.ErrHelp
	}

	envFile, _ := flagSet.GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flagSet.Lookup(name)); err != nil {
			return nil, fmt.Errorf("binding flag %s: %w", name, err)
		}
	}

	if path, _ := flagSet.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if _, ok := os.LookupEnv(EnableEnv); ok {
		cfg.Enabled = true
	}
	cfg.Args = flagSet.Args()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return errors.New("config: addr is required")
	case c.Token == "":
		return errors.New("config: token must not be empty")
	case c.PickupTimeout <= 0:
		return fmt.Errorf("config: pickup_timeout must be positive, got %s", c.PickupTimeout)
	case c.ExecutionTimeout <= 0:
		return fmt.Errorf("config: execution_timeout must be positive, got %s", c.ExecutionTimeout)
	case c.InitialFileDelay < 0:
		return fmt.Errorf("config: initial_file_delay must not be negative, got %s", c.InitialFileDelay)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}
