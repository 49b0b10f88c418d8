// Package config holds the server options and loads them from defaults,
// environment variables and an optional YAML file.
//
// Precedence, highest first:
//  1. Command-line flags (applied in cmd/zibai, not here)
//  2. Environment variables with the ZIBAI_ prefix
//  3. YAML config file (when one is passed to Load)
//  4. Hardcoded defaults
//
// ZIBAI_MAX_WORKERS maps to max_workers, ZIBAI_URL_SCHEME to url_scheme,
// and so on. The classic SCRIPT_NAME environment variable is consulted for
// the URL prefix when none is configured.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Options is the full server configuration. It serializes to JSON so the
// supervisor can hand it to re-executed worker processes unchanged.
type Options struct {
	App  string `json:"app" mapstructure:"app"`
	Call bool   `json:"call" mapstructure:"call"`

	Listen     []string `json:"listen" mapstructure:"listen"`
	Subprocess int      `json:"subprocess" mapstructure:"subprocess"`
	NoGevent   bool     `json:"no_gevent" mapstructure:"no_gevent"`
	MaxWorkers int      `json:"max_workers" mapstructure:"max_workers"`
	Watchfiles string   `json:"watchfiles" mapstructure:"watchfiles"`

	Backlog                int     `json:"backlog" mapstructure:"backlog"`
	DualstackIPv6          bool    `json:"dualstack_ipv6" mapstructure:"dualstack_ipv6"`
	UnixSocketPerms        string  `json:"unix_socket_perms" mapstructure:"unix_socket_perms"`
	MaxIncompleteEventSize int     `json:"h11_max_incomplete_event_size" mapstructure:"h11_max_incomplete_event_size"`
	MaxRequestPreProcess   int     `json:"max_request_pre_process" mapstructure:"max_request_pre_process"`
	GracefulExitTimeout    float64 `json:"graceful_exit_timeout" mapstructure:"graceful_exit_timeout"`

	URLScheme string `json:"url_scheme" mapstructure:"url_scheme"`
	URLPrefix string `json:"url_prefix" mapstructure:"url_prefix"`

	BeforeServe        string `json:"before_serve" mapstructure:"before_serve"`
	BeforeGracefulExit string `json:"before_graceful_exit" mapstructure:"before_graceful_exit"`
	BeforeDied         string `json:"before_died" mapstructure:"before_died"`

	NoAccessLog bool   `json:"no_access_log" mapstructure:"no_access_log"`
	LogLevel    string `json:"log_level" mapstructure:"log_level"`
	LogJSON     bool   `json:"log_json" mapstructure:"log_json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", []string{"127.0.0.1:9000"})
	v.SetDefault("subprocess", 0)
	v.SetDefault("no_gevent", false)
	v.SetDefault("max_workers", 10)
	v.SetDefault("watchfiles", "")
	v.SetDefault("backlog", 0)
	v.SetDefault("dualstack_ipv6", false)
	v.SetDefault("unix_socket_perms", "600")
	v.SetDefault("h11_max_incomplete_event_size", 0)
	v.SetDefault("max_request_pre_process", 0)
	v.SetDefault("graceful_exit_timeout", 10.0)
	v.SetDefault("url_scheme", "http")
	v.SetDefault("url_prefix", "")
	v.SetDefault("before_serve", "")
	v.SetDefault("before_graceful_exit", "")
	v.SetDefault("before_died", "")
	v.SetDefault("no_access_log", false)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_json", false)
}

// Load builds Options from defaults, ZIBAI_* environment variables and an
// optional config file.
func Load(configPath string) (*Options, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ZIBAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	opts := &Options{}
	if err := v.Unmarshal(opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return opts, nil
}

// Finalize normalizes derived fields and validates the result. It must run
// after CLI overrides are applied.
func (o *Options) Finalize() error {
	// The URL prefix falls back to the classic environment variable, and a
	// trailing slash is trimmed so prefix stripping has one canonical form.
	if o.URLPrefix == "" {
		o.URLPrefix = os.Getenv("SCRIPT_NAME")
	}
	o.URLPrefix = strings.TrimRight(o.URLPrefix, "/")

	// Watching files requires at least one subprocess to restart.
	if o.Watchfiles != "" && o.Subprocess < 1 {
		o.Subprocess = 1
	}

	return o.Validate()
}

// Validate checks the options for inconsistencies that should fail startup.
func (o *Options) Validate() error {
	if o.App == "" {
		return errors.New("config: no application given")
	}
	if len(o.Listen) == 0 {
		return errors.New("config: no listen address given")
	}
	if o.MaxWorkers < 1 {
		return fmt.Errorf("config: max_workers must be positive, got %d", o.MaxWorkers)
	}
	if o.Subprocess < 0 {
		return fmt.Errorf("config: subprocess must not be negative, got %d", o.Subprocess)
	}
	if o.GracefulExitTimeout < 0 {
		return fmt.Errorf("config: graceful_exit_timeout must not be negative, got %f", o.GracefulExitTimeout)
	}
	if o.MaxRequestPreProcess < 0 {
		return fmt.Errorf("config: max_request_pre_process must not be negative, got %d", o.MaxRequestPreProcess)
	}
	if _, err := o.SocketPerms(); err != nil {
		return err
	}
	return nil
}

// SocketPerms parses the octal unix socket permission string.
func (o *Options) SocketPerms() (os.FileMode, error) {
	perms, err := strconv.ParseUint(o.UnixSocketPerms, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("config: unix_socket_perms %q is not octal: %w", o.UnixSocketPerms, err)
	}
	return os.FileMode(perms), nil
}

// GracefulTimeout returns the graceful exit timeout as a duration.
func (o *Options) GracefulTimeout() time.Duration {
	return time.Duration(o.GracefulExitTimeout * float64(time.Second))
}
