package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "LIFEOS"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultLogLevel    = "info"
	defaultAuthIssuer  = "lifeos-auth"

	defaultHeartbeatInterval       = 25 * time.Second
	defaultPresenceUpdateInterval  = 30 * time.Second
	defaultPresenceStaleThreshold  = 90 * time.Second
	defaultActivityThreshold       = 5 * time.Minute
	defaultReconnectBaseDelay      = 500 * time.Millisecond
	defaultReconnectMaxAttempts    = 5
	defaultSubscriptionMaxRetries  = 3
	defaultBroadcastBulkMaxItems   = 100
	defaultConnectionSendQueueSize = 64
)

// AppConfig captures runtime configuration for the realtime gateway.
type AppConfig struct {
	HTTPAddress       string
	AuthSigningSecret string
	AuthIssuer        string
	LogLevel          string
	GatewayID         string

	// RedisAddress is optional; when empty the gateway runs single-node
	// with in-process counters and no presence mirror.
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	HeartbeatInterval      time.Duration
	PresenceUpdateInterval time.Duration
	PresenceStaleThreshold time.Duration
	ActivityThreshold      time.Duration

	ReconnectBaseDelay     time.Duration
	ReconnectMaxAttempts   int
	SubscriptionMaxRetries int

	BulkMaxItems   int
	SendQueueDepth int
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("gateway.id", "")

	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)

	configViper.SetDefault("realtime.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("realtime.presence_update_interval", defaultPresenceUpdateInterval)
	configViper.SetDefault("realtime.presence_stale_threshold", defaultPresenceStaleThreshold)
	configViper.SetDefault("realtime.activity_threshold", defaultActivityThreshold)
	configViper.SetDefault("realtime.reconnect_base_delay", defaultReconnectBaseDelay)
	configViper.SetDefault("realtime.reconnect_max_attempts", defaultReconnectMaxAttempts)
	configViper.SetDefault("realtime.subscription_max_retries", defaultSubscriptionMaxRetries)
	configViper.SetDefault("realtime.bulk_max_items", defaultBroadcastBulkMaxItems)
	configViper.SetDefault("realtime.send_queue_depth", defaultConnectionSendQueueSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		LogLevel:          configViper.GetString("log.level"),
		GatewayID:         configViper.GetString("gateway.id"),

		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),

		HeartbeatInterval:      configViper.GetDuration("realtime.heartbeat_interval"),
		PresenceUpdateInterval: configViper.GetDuration("realtime.presence_update_interval"),
		PresenceStaleThreshold: configViper.GetDuration("realtime.presence_stale_threshold"),
		ActivityThreshold:      configViper.GetDuration("realtime.activity_threshold"),

		ReconnectBaseDelay:     configViper.GetDuration("realtime.reconnect_base_delay"),
		ReconnectMaxAttempts:   configViper.GetInt("realtime.reconnect_max_attempts"),
		SubscriptionMaxRetries: configViper.GetInt("realtime.subscription_max_retries"),

		BulkMaxItems:   configViper.GetInt("realtime.bulk_max_items"),
		SendQueueDepth: configViper.GetInt("realtime.send_queue_depth"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_interval must be positive")
	}
	if c.PresenceUpdateInterval <= 0 {
		return fmt.Errorf("realtime.presence_update_interval must be positive")
	}
	if c.PresenceStaleThreshold < c.PresenceUpdateInterval {
		return fmt.Errorf("realtime.presence_stale_threshold must cover at least one update interval")
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("realtime.reconnect_max_attempts must be positive")
	}
	if c.BulkMaxItems <= 0 {
		return fmt.Errorf("realtime.bulk_max_items must be positive")
	}
	return nil
}
