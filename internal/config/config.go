package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "COAUTHOR"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "coauthor.db"
	defaultLogLevel         = "info"
	defaultCookieName       = "host_session"
	defaultSessionIssuer    = "coauthor-host"
	defaultLockTTLMinutes   = 5
	defaultIdleMinutes      = 15
	defaultSyncDebounceMS   = 100
	defaultCursorThrottleMS = 50
	defaultJanitorSchedule  = "@every 1m"
)

// AppConfig captures runtime configuration for the coordination service.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	RedisAddress      string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	LockTTL           time.Duration
	IdleTimeout       time.Duration
	SyncDebounce      time.Duration
	CursorThrottle    time.Duration
	JanitorSchedule   string
	LogLevel          string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.addr", "")
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("lock.ttl_minutes", defaultLockTTLMinutes)
	configViper.SetDefault("idle.timeout_minutes", defaultIdleMinutes)
	configViper.SetDefault("sync.debounce_ms", defaultSyncDebounceMS)
	configViper.SetDefault("cursor.throttle_ms", defaultCursorThrottleMS)
	configViper.SetDefault("janitor.schedule", defaultJanitorSchedule)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		RedisAddress:      configViper.GetString("redis.addr"),
		SessionSigningKey: configViper.GetString("session.signing_secret"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		LockTTL:           time.Duration(configViper.GetInt("lock.ttl_minutes")) * time.Minute,
		IdleTimeout:       time.Duration(configViper.GetInt("idle.timeout_minutes")) * time.Minute,
		SyncDebounce:      time.Duration(configViper.GetInt("sync.debounce_ms")) * time.Millisecond,
		CursorThrottle:    time.Duration(configViper.GetInt("cursor.throttle_ms")) * time.Millisecond,
		JanitorSchedule:   configViper.GetString("janitor.schedule"),
		LogLevel:          configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock.ttl_minutes must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle.timeout_minutes must be positive")
	}
	return nil
}
