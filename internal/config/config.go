package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cloud    CloudConfig    `yaml:"cloud"`
	XMPP     XMPPConfig     `yaml:"xmpp"`
	Store    StoreConfig    `yaml:"store"`
	Printers PrintersConfig `yaml:"printers"`
	Queue    QueueConfig    `yaml:"queue"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type CloudConfig struct {
	BaseURL           string        `yaml:"base_url"`
	TokenURL          string        `yaml:"token_url"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	ProxyName         string        `yaml:"proxy_name"`
	AcceptedDomains   []string      `yaml:"accepted_domains"`
	UsePush           bool          `yaml:"use_push"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// ReconcileMinGap is the shortest allowed spacing between two
	// reconciliation passes; calls inside the gap reuse the last result.
	ReconcileMinGap time.Duration `yaml:"reconcile_min_gap"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type XMPPConfig struct {
	Server      string        `yaml:"server"`
	Port        int           `yaml:"port"`
	ProxyAddr   string        `yaml:"proxy_addr"`
	ProxyAuth   string        `yaml:"proxy_auth"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
	PushChannel string        `yaml:"push_channel"`
}

type StoreConfig struct {
	Path    string `yaml:"path"`
	DataDir string `yaml:"data_dir"`
}

type PrintersConfig struct {
	// Source selects the local printer source: "ipp" enumerates queues from a
	// CUPS endpoint, "snapshot" replays a descriptor file from disk.
	Source            string        `yaml:"source"`
	CUPSURL           string        `yaml:"cups_url"`
	SnapshotPath      string        `yaml:"snapshot_path"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	RawPort           int           `yaml:"raw_port"`
	// Hosts maps a printer name to the host the raw converter delivers to.
	// Names missing from the map fall back to the printer name as hostname.
	Hosts map[string]string `yaml:"hosts"`
}

type QueueConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	// ReminderWindow bounds how old a job may be for a deferral to still
	// trigger a login reminder on its first delivery attempt.
	ReminderWindow time.Duration `yaml:"reminder_window"`
	RequireAuth    bool          `yaml:"require_auth"`
}

type NotifyConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Cloud: CloudConfig{
			BaseURL:           "https://cloud.example.com/printproxy",
			TokenURL:          "https://accounts.example.com/o/oauth2/token",
			UsePush:           true,
			PollInterval:      5 * time.Minute,
			ReconcileInterval: 15 * time.Minute,
			ReconcileMinGap:   30 * time.Second,
			RequestTimeout:    30 * time.Second,
		},
		XMPP: XMPPConfig{
			Port:        5222,
			KeepAlive:   60 * time.Second,
			PushChannel: "cloudspool.jobs",
		},
		Store: StoreConfig{
			Path:    "./data/cloudspool.db",
			DataDir: "./data/jobs",
		},
		Printers: PrintersConfig{
			Source:            "ipp",
			CUPSURL:           "http://localhost:631",
			ConnectionTimeout: 10 * time.Second,
			RawPort:           9100,
		},
		Queue: QueueConfig{
			MaxAttempts:    3,
			ReminderWindow: 72 * time.Hour,
			RequireAuth:    true,
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()

	if v := os.Getenv("CLOUDSPOOL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("CLOUDSPOOL_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}

	if v := os.Getenv("CLOUDSPOOL_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}

	if v := os.Getenv("CLOUDSPOOL_CLOUD_URL"); v != "" {
		cfg.Cloud.BaseURL = v
	}

	if v := os.Getenv("CLOUDSPOOL_XMPP_SERVER"); v != "" {
		cfg.XMPP.Server = v
	}

	if v := os.Getenv("CLOUDSPOOL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Cloud.BaseURL == "" {
		return fmt.Errorf("cloud base URL is required")
	}

	if c.Cloud.TokenURL == "" {
		return fmt.Errorf("cloud token URL is required")
	}

	if c.Cloud.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Cloud.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive")
	}

	if c.Cloud.ReconcileMinGap < 0 {
		return fmt.Errorf("reconcile min gap must be non-negative")
	}

	if c.Cloud.UsePush && c.XMPP.Server == "" {
		return fmt.Errorf("xmpp server is required when push is enabled")
	}

	if c.XMPP.Port < 1 || c.XMPP.Port > 65535 {
		return fmt.Errorf("xmpp port must be between 1 and 65535, got %d", c.XMPP.Port)
	}

	if c.XMPP.KeepAlive <= 0 {
		return fmt.Errorf("xmpp keep alive must be positive")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if c.Store.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}

	switch c.Printers.Source {
	case "ipp":
		if c.Printers.CUPSURL == "" {
			return fmt.Errorf("cups url is required for the ipp printer source")
		}
	case "snapshot":
		if c.Printers.SnapshotPath == "" {
			return fmt.Errorf("snapshot path is required for the snapshot printer source")
		}
	default:
		return fmt.Errorf("invalid printer source: %s (valid: ipp, snapshot)", c.Printers.Source)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}

	if c.Queue.ReminderWindow < 0 {
		return fmt.Errorf("reminder window must be non-negative")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}
