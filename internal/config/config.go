package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CELLSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "cellsync.db"
	defaultSchemaPath        = "schema.yaml"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultTokenIssuer       = "cellsync"
	defaultTokenAudience     = "cellsync-api"
	defaultTokenTTL          = 12 * time.Hour
	defaultServerURL         = "http://127.0.0.1:8080"
	defaultStaleTimeout      = 60 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultFocusThrottle     = 150 * time.Millisecond
	defaultRetryAttempts     = 3
	defaultRetryBaseDelay    = 300 * time.Millisecond
	defaultRetryMultiplier   = 2.0
	defaultRequestTimeout    = 30 * time.Second
)

// AppConfig captures runtime configuration for the server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SchemaPath    string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
	LogLevel      string
	LogFormat     string
}

// ClientConfig captures runtime configuration for the edit and watch commands.
type ClientConfig struct {
	ServerURL         string
	Token             string
	Table             string
	StaleTimeout      time.Duration
	HeartbeatInterval time.Duration
	FocusThrottle     time.Duration
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMultiplier   float64
	RequestTimeout    time.Duration
	LogLevel          string
	LogFormat         string
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
	configViper.SetDefault("schema.path", defaultSchemaPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("presence.stale_timeout", defaultStaleTimeout)
	configViper.SetDefault("presence.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("presence.throttle", defaultFocusThrottle)
	configViper.SetDefault("retry.max_attempts", defaultRetryAttempts)
	configViper.SetDefault("retry.base_delay", defaultRetryBaseDelay)
	configViper.SetDefault("retry.multiplier", defaultRetryMultiplier)
	configViper.SetDefault("request.timeout", defaultRequestTimeout)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SchemaPath:    configViper.GetString("schema.path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		LogLevel:      configViper.GetString("log.level"),
		LogFormat:     configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SchemaPath) == "" {
		return fmt.Errorf("schema.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:         strings.TrimRight(strings.TrimSpace(configViper.GetString("server.url")), "/"),
		Token:             strings.TrimSpace(configViper.GetString("auth.token")),
		Table:             strings.TrimSpace(configViper.GetString("table")),
		StaleTimeout:      configViper.GetDuration("presence.stale_timeout"),
		HeartbeatInterval: configViper.GetDuration("presence.heartbeat_interval"),
		FocusThrottle:     configViper.GetDuration("presence.throttle"),
		RetryMaxAttempts:  configViper.GetInt("retry.max_attempts"),
		RetryBaseDelay:    configViper.GetDuration("retry.base_delay"),
		RetryMultiplier:   configViper.GetFloat64("retry.multiplier"),
		RequestTimeout:    configViper.GetDuration("request.timeout"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("server.url must be an absolute http(s) url")
	}
	if c.Token == "" {
		return fmt.Errorf("auth.token is required")
	}
	if c.Table == "" {
		return fmt.Errorf("table is required")
	}
	if c.StaleTimeout <= 0 || c.HeartbeatInterval <= 0 || c.FocusThrottle <= 0 {
		return fmt.Errorf("presence timings must be positive")
	}
	if c.HeartbeatInterval >= c.StaleTimeout {
		return fmt.Errorf("presence.heartbeat_interval must be shorter than presence.stale_timeout")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMultiplier < 1 {
		return fmt.Errorf("retry.base_delay must be positive and retry.multiplier at least 1")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request.timeout must be positive")
	}
	return nil
}

// RealtimeURL derives the WebSocket endpoint of table from the server URL.
func (c ClientConfig) RealtimeURL() string {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil {
		return ""
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	return parsed.JoinPath("tables", c.Table, "realtime").String()
}
