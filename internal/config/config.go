// SPDX-License-Identifier: MIT

// Package config loads, validates and persists the proxy configuration.
//
// Precedence (highest to lowest): FRLPROXY_* environment variables, the
// configuration file, built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Operating modes.
const (
	ModeConnected   = "connected"
	ModeIsolated    = "isolated"
	ModePassthrough = "passthrough"
)

// Default upstream endpoints.
const (
	DefaultLicenseHost = "https://lcs-cops.adobe.io"
	DefaultLogHost     = "https://lcs-ulecs.adobe.io"
)

// Config is the complete proxy configuration.
type Config struct {
	Mode string `mapstructure:"mode" yaml:"mode"`
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	SSL SSLConfig `mapstructure:"ssl" yaml:"ssl"`

	FRL ServiceConfig `mapstructure:"frl" yaml:"frl"`
	Log ServiceConfig `mapstructure:"log" yaml:"log"`

	Upstream UpstreamConfig `mapstructure:"upstream" yaml:"upstream"`

	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// ControlSecret gates the /control endpoints when set. Clients must
	// send it in the X-Control-Secret header.
	ControlSecret string `mapstructure:"control_secret" yaml:"control_secret,omitempty"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Body size limits for journaled requests.
	LicenseBodyLimitKB int `mapstructure:"license_body_limit_kb" yaml:"license_body_limit_kb"`
	LogBodyLimitKB     int `mapstructure:"log_body_limit_kb" yaml:"log_body_limit_kb"`
}

// SSLConfig controls the optional built-in TLS listener.
type SSLConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	CertPath string `mapstructure:"cert_path" yaml:"cert_path,omitempty"`
	KeyPath  string `mapstructure:"key_path" yaml:"key_path,omitempty"`
}

// ServiceConfig names one upstream service.
type ServiceConfig struct {
	RemoteHost string `mapstructure:"remote_host" yaml:"remote_host"`
}

// UpstreamConfig controls outbound connectivity.
type UpstreamConfig struct {
	UseProxy      bool   `mapstructure:"use_proxy" yaml:"use_proxy"`
	ProxyProtocol string `mapstructure:"proxy_protocol" yaml:"proxy_protocol,omitempty"`
	ProxyHost     string `mapstructure:"proxy_host" yaml:"proxy_host,omitempty"`
	ProxyPort     int    `mapstructure:"proxy_port" yaml:"proxy_port,omitempty"`
	UseBasicAuth  bool   `mapstructure:"use_basic_auth" yaml:"use_basic_auth"`
	ProxyUsername string `mapstructure:"proxy_username" yaml:"proxy_username,omitempty"`
	ProxyPassword string `mapstructure:"proxy_password" yaml:"proxy_password,omitempty"`

	// Timeout is the hard limit per upstream attempt.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// MaxAttempts bounds retries for transient failures.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// InsecureSkipVerify disables upstream certificate validation.
	// Test deployments only.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level        string `mapstructure:"level" yaml:"level"`
	Destination  string `mapstructure:"destination" yaml:"destination"`
	FilePath     string `mapstructure:"file_path" yaml:"file_path,omitempty"`
	RotateSizeKB int    `mapstructure:"rotate_size_kb" yaml:"rotate_size_kb,omitempty"`
	RotateCount  int    `mapstructure:"rotate_count" yaml:"rotate_count,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mode: ModeConnected,
		Host: "127.0.0.1",
		Port: 8080,
		FRL:  ServiceConfig{RemoteHost: DefaultLicenseHost},
		Log:  ServiceConfig{RemoteHost: DefaultLogHost},
		Upstream: UpstreamConfig{
			ProxyProtocol: "http",
			Timeout:       60 * time.Second,
			MaxAttempts:   3,
		},
		DBPath: "frlproxy.sqlite",
		Logging: LoggingConfig{
			Level:        "info",
			Destination:  "stdout",
			RotateSizeKB: 1024,
			RotateCount:  5,
		},
		LicenseBodyLimitKB: 32,
		LogBodyLimitKB:     1024,
	}
}

// Load reads the configuration from path (empty uses ./frlproxy.yaml when
// present), applies FRLPROXY_* environment overrides and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRLPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("frlproxy")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus env apply.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("mode", d.Mode)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("ssl.enabled", false)
	v.SetDefault("frl.remote_host", d.FRL.RemoteHost)
	v.SetDefault("log.remote_host", d.Log.RemoteHost)
	v.SetDefault("upstream.use_proxy", false)
	v.SetDefault("upstream.proxy_protocol", d.Upstream.ProxyProtocol)
	v.SetDefault("upstream.timeout", d.Upstream.Timeout)
	v.SetDefault("upstream.max_attempts", d.Upstream.MaxAttempts)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.destination", d.Logging.Destination)
	v.SetDefault("logging.rotate_size_kb", d.Logging.RotateSizeKB)
	v.SetDefault("logging.rotate_count", d.Logging.RotateCount)
	v.SetDefault("license_body_limit_kb", d.LicenseBodyLimitKB)
	v.SetDefault("log_body_limit_kb", d.LogBodyLimitKB)
}

// Validate checks enumerations and cross-field requirements.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeConnected, ModeIsolated, ModePassthrough:
	default:
		return fmt.Errorf("config: invalid mode %q (connected|isolated|passthrough)", c.Mode)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.FRL.RemoteHost == "" || c.Log.RemoteHost == "" {
		return fmt.Errorf("config: remote hosts must not be empty")
	}
	if c.Upstream.UseProxy {
		switch c.Upstream.ProxyProtocol {
		case "http", "https":
		default:
			return fmt.Errorf("config: invalid upstream.proxy_protocol %q (http|https)", c.Upstream.ProxyProtocol)
		}
		if c.Upstream.ProxyHost == "" {
			return fmt.Errorf("config: upstream.use_proxy set but proxy_host empty")
		}
		if c.Upstream.UseBasicAuth && c.Upstream.ProxyUsername == "" {
			return fmt.Errorf("config: upstream.use_basic_auth set but proxy_username empty")
		}
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Destination {
	case "stdout", "file":
	default:
		return fmt.Errorf("config: invalid logging.destination %q (stdout|file)", c.Logging.Destination)
	}
	if c.Logging.Destination == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("config: logging.destination is file but logging.file_path empty")
	}
	if c.Upstream.MaxAttempts < 1 {
		return fmt.Errorf("config: upstream.max_attempts must be >= 1")
	}
	return nil
}

// ListenAddr returns the bind address for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProxyURL returns the outbound proxy URL, or "" when no proxy is used.
func (c *Config) ProxyURL() string {
	if !c.Upstream.UseProxy {
		return ""
	}
	auth := ""
	if c.Upstream.UseBasicAuth {
		auth = c.Upstream.ProxyUsername + ":" + c.Upstream.ProxyPassword + "@"
	}
	return fmt.Sprintf("%s://%s%s:%d", c.Upstream.ProxyProtocol, auth, c.Upstream.ProxyHost, c.Upstream.ProxyPort)
}
