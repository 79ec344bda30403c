package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CONSOLE"
	defaultHTTPAddress     = "0.0.0.0:8000"
	defaultAPIBaseURL      = "http://localhost:8443/api/v1"
	defaultAuthBaseURL     = "http://localhost:5555"
	defaultMetricsPath     = "console-metrics.db"
	defaultLogLevel        = "info"
	defaultHeartbeat       = 30 * time.Second
	defaultTokenRecheck    = 60 * time.Second
	defaultWatcherRetry    = 30 * time.Second
	defaultCoalescingFlush = 5 * time.Second
	defaultReadinessPoll   = 30 * time.Second
)

// AppConfig captures runtime configuration for the console API server.
type AppConfig struct {
	HTTPAddress     string
	APIBaseURL      string
	AuthBaseURL     string
	MetricsPath     string
	LogLevel        string
	CORSOrigins     []string
	Heartbeat       time.Duration
	TokenRecheck    time.Duration
	WatcherRetry    time.Duration
	CoalescingFlush time.Duration
	ReadinessPoll   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("upstream.api_url", defaultAPIBaseURL)
	configViper.SetDefault("upstream.auth_url", defaultAuthBaseURL)
	configViper.SetDefault("metrics.path", defaultMetricsPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("cors.origins", []string{"*"})
	configViper.SetDefault("realtime.heartbeat", defaultHeartbeat)
	configViper.SetDefault("realtime.token_recheck", defaultTokenRecheck)
	configViper.SetDefault("realtime.watcher_retry", defaultWatcherRetry)
	configViper.SetDefault("realtime.coalescing_flush", defaultCoalescingFlush)
	configViper.SetDefault("metrics.readiness_poll", defaultReadinessPoll)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		APIBaseURL:      configViper.GetString("upstream.api_url"),
		AuthBaseURL:     configViper.GetString("upstream.auth_url"),
		MetricsPath:     configViper.GetString("metrics.path"),
		LogLevel:        configViper.GetString("log.level"),
		CORSOrigins:     configViper.GetStringSlice("cors.origins"),
		Heartbeat:       configViper.GetDuration("realtime.heartbeat"),
		TokenRecheck:    configViper.GetDuration("realtime.token_recheck"),
		WatcherRetry:    configViper.GetDuration("realtime.watcher_retry"),
		CoalescingFlush: configViper.GetDuration("realtime.coalescing_flush"),
		ReadinessPoll:   configViper.GetDuration("metrics.readiness_poll"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("upstream.api_url is required")
	}
	if strings.TrimSpace(c.AuthBaseURL) == "" {
		return fmt.Errorf("upstream.auth_url is required")
	}
	if strings.TrimSpace(c.MetricsPath) == "" {
		return fmt.Errorf("metrics.path is required")
	}
	if c.Heartbeat <= 0 || c.TokenRecheck <= 0 || c.WatcherRetry <= 0 {
		return fmt.Errorf("realtime intervals must be positive")
	}
	if c.CoalescingFlush <= 0 {
		return fmt.Errorf("realtime.coalescing_flush must be positive")
	}
	if c.ReadinessPoll <= 0 {
		return fmt.Errorf("metrics.readiness_poll must be positive")
	}
	return nil
}
