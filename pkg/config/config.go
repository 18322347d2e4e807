// Package config loads the configuration of the echo server from YAML, with
// environment overrides.
package config

import (
	goerrs "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "SPANREED"

type Config struct {
	Log LogConfig `mapstructure:"log"`

	Server  ServerConfig  `mapstructure:"server"`
	Streams StreamsConfig `mapstructure:"streams"`

	WebTransport WebTransportConfig `mapstructure:"webtransport"`
	WebSocket    WebSocketConfig    `mapstructure:"websocket"`
}

type LogConfig struct {
	// debug, info, warn or error
	Level string `mapstructure:"level"`
	// console or json
	Format string `mapstructure:"format"`
	// stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig applies to file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	CommandQueueLength int `mapstructure:"command_queue_length"`
	EventQueueLength   int `mapstructure:"event_queue_length"`
	ClientQueueLength  int `mapstructure:"client_queue_length"`

	// How often the echo loop polls for events.
	TickIntervalMs int `mapstructure:"tick_interval_ms"`
}

// StreamsConfig is the number of streams of each kind in the stream plan.
type StreamsConfig struct {
	Bi  int `mapstructure:"bi"`
	C2S int `mapstructure:"c2s"`
	S2C int `mapstructure:"s2c"`
}

type HostsConfig struct {
	AllowAllHosts    bool     `mapstructure:"allow_all_hosts"`
	AllowlistedHosts []string `mapstructure:"allowlisted_hosts"`
	DenylistedHosts  []string `mapstructure:"denylisted_hosts"`
}

type WebTransportConfig struct {
	Enable        bool   `mapstructure:"enable"`
	ListenAddress string `mapstructure:"listen_address"`
	Endpoint      string `mapstructure:"endpoint"`

	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`

	Hosts HostsConfig `mapstructure:"hosts"`

	MaxDatagramSize int `mapstructure:"max_datagram_size"`
	KeepAliveMs     int `mapstructure:"keep_alive_ms"`
	MaxIdleMs       int `mapstructure:"max_idle_ms"`
}

type WebSocketConfig struct {
	Enable        bool   `mapstructure:"enable"`
	ListenAddress string `mapstructure:"listen_address"`
	Endpoint      string `mapstructure:"endpoint"`

	Hosts HostsConfig `mapstructure:"hosts"`

	MaxDatagramSize int `mapstructure:"max_datagram_size"`
	PingIntervalMs  int `mapstructure:"ping_interval_ms"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Filename:   "logs/echo-server.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			CommandQueueLength: 128,
			EventQueueLength:   256,
			ClientQueueLength:  64,
			TickIntervalMs:     16,
		},
		Streams: StreamsConfig{Bi: 1},
		WebTransport: WebTransportConfig{
			ListenAddress:   ":3443",
			Endpoint:        "/wt",
			MaxDatagramSize: 1200,
			KeepAliveMs:     5000,
			MaxIdleMs:       30000,
		},
		WebSocket: WebSocketConfig{
			Enable:          true,
			ListenAddress:   ":3000",
			Endpoint:        "/ws",
			MaxDatagramSize: 1200,
			PingIntervalMs:  5000,
		},
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("server.command_queue_length", cfg.Server.CommandQueueLength)
	v.SetDefault("server.event_queue_length", cfg.Server.EventQueueLength)
	v.SetDefault("server.client_queue_length", cfg.Server.ClientQueueLength)
	v.SetDefault("server.tick_interval_ms", cfg.Server.TickIntervalMs)

	v.SetDefault("streams.bi", cfg.Streams.Bi)
	v.SetDefault("streams.c2s", cfg.Streams.C2S)
	v.SetDefault("streams.s2c", cfg.Streams.S2C)

	wt := cfg.WebTransport
	v.SetDefault("webtransport.enable", wt.Enable)
	v.SetDefault("webtransport.listen_address", wt.ListenAddress)
	v.SetDefault("webtransport.endpoint", wt.Endpoint)
	v.SetDefault("webtransport.cert_path", wt.CertPath)
	v.SetDefault("webtransport.key_path", wt.KeyPath)
	v.SetDefault("webtransport.hosts.allow_all_hosts", wt.Hosts.AllowAllHosts)
	v.SetDefault("webtransport.hosts.allowlisted_hosts", wt.Hosts.AllowlistedHosts)
	v.SetDefault("webtransport.hosts.denylisted_hosts", wt.Hosts.DenylistedHosts)
	v.SetDefault("webtransport.max_datagram_size", wt.MaxDatagramSize)
	v.SetDefault("webtransport.keep_alive_ms", wt.KeepAliveMs)
	v.SetDefault("webtransport.max_idle_ms", wt.MaxIdleMs)

	ws := cfg.WebSocket
	v.SetDefault("websocket.enable", ws.Enable)
	v.SetDefault("websocket.listen_address", ws.ListenAddress)
	v.SetDefault("websocket.endpoint", ws.Endpoint)
	v.SetDefault("websocket.hosts.allow_all_hosts", ws.Hosts.AllowAllHosts)
	v.SetDefault("websocket.hosts.allowlisted_hosts", ws.Hosts.AllowlistedHosts)
	v.SetDefault("websocket.hosts.denylisted_hosts", ws.Hosts.DenylistedHosts)
	v.SetDefault("websocket.max_datagram_size", ws.MaxDatagramSize)
	v.SetDefault("websocket.ping_interval_ms", ws.PingIntervalMs)
}

// Load reads the configuration at path. With an empty path it looks for
// spanreed.yaml in the working directory, ./configs and ~/.spanreed, and
// runs on defaults if there is none. Environment variables override
// everything: SPANREED_ followed by the key with dots replaced by
// underscores, e.g. SPANREED_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("spanreed")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".spanreed"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !goerrs.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	for name, n := range map[string]int{"bi": c.Streams.Bi, "c2s": c.Streams.C2S, "s2c": c.Streams.S2C} {
		if n < 0 || n > 0xFFFF {
			return fmt.Errorf("invalid streams.%s: %d", name, n)
		}
	}
	if c.Streams.Bi+c.Streams.C2S == 0 {
		return fmt.Errorf("the stream plan needs at least one stream clients can send on")
	}
	if c.Server.TickIntervalMs <= 0 {
		return fmt.Errorf("invalid server.tick_interval_ms: %d", c.Server.TickIntervalMs)
	}

	if !c.WebTransport.Enable && !c.WebSocket.Enable {
		return fmt.Errorf("enable at least one of webtransport and websocket")
	}
	if c.WebTransport.Enable && (c.WebTransport.CertPath == "" || c.WebTransport.KeyPath == "") {
		return fmt.Errorf("webtransport needs cert_path and key_path")
	}
	return nil
}
