package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

// Config holds process configuration resolved from defaults, an optional
// config file, environment variables and flags (highest precedence last).
type Config struct {
	Store string // mysql (default) or memory
	MySQL struct {
		DSN string // e.g., user:pass@tcp(host:3306)/dbname?parseTime=true&multiStatements=true
	}
	Sweep struct {
		Interval time.Duration
	}
	HTTP struct {
		Addr string // Empty disables the ops server
	}
	Clock struct {
		MaxRetries   int
		DefaultOwner string
	}
	Pushover struct {
		APIToken string
		UserKey  string
		BaseURL  string
	}
}

// PushoverEnabled reports whether notification delivery is configured.
func (c Config) PushoverEnabled() bool {
	return c.Pushover.APIToken != "" && c.Pushover.UserKey != ""
}

// Flags returns the flag set understood by Load. Callers may add their own
// flags before parsing.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "Path to a config file (yaml, json or toml)")
	fs.String("store", StoreMySQL, "Storage backend: mysql or memory")
	fs.Duration("interval", 30*time.Second, "Reconciliation sweep interval")
	fs.String("http-addr", ":8080", "Ops HTTP listen address; empty disables it")
	return fs
}

var flagKeys = map[string]string{
	"store":     "store",
	"interval":  "sweep_interval",
	"http-addr": "http_addr",
}

// Load resolves configuration. fs may be nil, in which case only
// defaults, environment and no config file are used.
func Load(fs *pflag.FlagSet) (Config, error) {
	var cfg Config
	v := viper.New()

	v.SetDefault("store", StoreMySQL)
	v.SetDefault("sweep_interval", "30s")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("max_retries", 5)
	v.SetDefault("default_owner", "Keyholder")
	v.SetDefault("pushover_base_url", "https://api.pushover.net")
	v.SetDefault("mysql_dsn", "")
	v.SetDefault("pushover_api_token", "")
	v.SetDefault("pushover_user_key", "")

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for flag, key := range flagKeys {
			f := fs.Lookup(flag)
			if f == nil {
				continue
			}
			// Only explicitly set flags override env and file values.
			if f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return cfg, err
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg.Store = strings.ToLower(strings.TrimSpace(v.GetString("store")))
	cfg.MySQL.DSN = v.GetString("mysql_dsn")
	cfg.HTTP.Addr = v.GetString("http_addr")
	cfg.Clock.MaxRetries = v.GetInt("max_retries")
	cfg.Clock.DefaultOwner = v.GetString("default_owner")
	cfg.Pushover.APIToken = v.GetString("pushover_api_token")
	cfg.Pushover.UserKey = v.GetString("pushover_user_key")
	cfg.Pushover.BaseURL = v.GetString("pushover_base_url")

	interval, err := time.ParseDuration(v.GetString("sweep_interval"))
	if err != nil {
		return cfg, fmt.Errorf("SWEEP_INTERVAL: %w", err)
	}
	cfg.Sweep.Interval = interval

	return cfg, cfg.Validate()
}

// Validate checks value ranges and required combinations.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMySQL:
		if c.MySQL.DSN == "" {
			errs = append(errs, errors.New("MYSQL_DSN is required when STORE=mysql"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE must be %q or %q, got %q", StoreMySQL, StoreMemory, c.Store))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.Clock.MaxRetries <= 0 {
		errs = append(errs, errors.New("MAX_RETRIES must be positive"))
	}
	if (c.Pushover.APIToken == "") != (c.Pushover.UserKey == "") {
		errs = append(errs, errors.New("PUSHOVER_API_TOKEN and PUSHOVER_USER_KEY must be set together"))
	}
	return errors.Join(errs...)
}
