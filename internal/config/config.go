package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker"`
	API     APIConfig     `mapstructure:"api"`
	Polling PollingConfig `mapstructure:"polling"`
	Server  ServerConfig  `mapstructure:"server"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// BrokerConfig describes the STOMP-over-websocket endpoint.
type BrokerConfig struct {
	URL               string        `mapstructure:"url"`
	Host              string        `mapstructure:"host"`
	Login             string        `mapstructure:"login"`
	Passcode          string        `mapstructure:"passcode"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	HeartbeatOutgoing time.Duration `mapstructure:"heartbeat_outgoing"`
	HeartbeatIncoming time.Duration `mapstructure:"heartbeat_incoming"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	SendBufferSize    int           `mapstructure:"send_buffer_size"`
}

type APIConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
	RetryCount    int    `mapstructure:"retry_count"`
	RetryDelay    int    `mapstructure:"retry_delay_sec"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
}

// PollingConfig enables the REST fallback source for the current simulation.
type PollingConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	StreamKeepalive time.Duration `mapstructure:"stream_keepalive"`
}

type NotifyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`
	Topic    string `mapstructure:"topic"`
	Priority string `mapstructure:"priority"`
	Tags     string `mapstructure:"tags"`
	Token    string `mapstructure:"token"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("broker.url", "ws://localhost:8080/ws")
	v.SetDefault("broker.reconnect_delay", "5s")
	v.SetDefault("broker.heartbeat_outgoing", "4s")
	v.SetDefault("broker.heartbeat_incoming", "4s")
	v.SetDefault("broker.heartbeat_timeout", "0s")
	v.SetDefault("broker.connect_timeout", "10s")
	v.SetDefault("broker.write_timeout", "10s")
	v.SetDefault("broker.send_buffer_size", 256)
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.timeout_sec", 30)
	v.SetDefault("api.retry_count", 3)
	v.SetDefault("api.retry_delay_sec", 2)
	v.SetDefault("api.rate_per_second", 5)
	v.SetDefault("polling.enabled", false)
	v.SetDefault("polling.interval", "2s")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.stream_keepalive", "15s")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "construction")
	v.SetDefault("logging.enabled", true)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("SIMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Secrets are never expected in the file
	_ = v.BindEnv("broker.passcode", "SIMSYNC_BROKER_PASSCODE")
	_ = v.BindEnv("notify.token", "SIMSYNC_NOTIFY_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	validateURL(errs, "broker.url", c.Broker.URL, brokerSchemes)
	if c.Broker.ReconnectDelay <= 0 {
		errs.add("broker.reconnect_delay", "must be > 0")
	}
	if c.Broker.HeartbeatOutgoing < 0 || c.Broker.HeartbeatIncoming < 0 || c.Broker.HeartbeatTimeout < 0 {
		errs.add("broker.heartbeat_*", "must not be negative")
	}
	if c.Broker.SendBufferSize < 1 {
		errs.add("broker.send_buffer_size", "must be >= 1")
	}

	validateURL(errs, "api.base_url", c.API.BaseURL, apiSchemes)
	if c.API.TimeoutSec < 1 {
		errs.add("api.timeout_sec", "must be >= 1")
	}
	if c.API.RetryCount < 0 {
		errs.add("api.retry_count", "must be >= 0")
	}
	if c.API.RatePerSecond < 1 {
		errs.add("api.rate_per_second", "must be >= 1")
	}

	if c.Polling.Enabled && c.Polling.Interval <= 0 {
		errs.add("polling.interval", "must be > 0 when polling is enabled")
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		errs.add("server.addr", "is required when the server is enabled")
	}

	if c.Notify.Enabled {
		if c.Notify.Topic == "" {
			errs.add("notify.topic", "is required when notify is enabled (set SIMSYNC_NOTIFY_TOPIC)")
		}
		if !ValidPriorities[c.Notify.Priority] {
			errs.add("notify.priority", fmt.Sprintf("invalid %q (valid: %s)", c.Notify.Priority, joinKeys(ValidPriorities)))
		}
	}

	if !ValidLogLevels[c.Logging.Level] {
		errs.add("logging.level", fmt.Sprintf("invalid %q (valid: %s)", c.Logging.Level, joinKeys(ValidLogLevels)))
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
