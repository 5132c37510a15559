package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("default max attempts = %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Printers.Source != "ipp" {
		t.Errorf("default printer source = %q", cfg.Printers.Source)
	}
	// push is on by default, so only the xmpp server needs filling in
	cfg.XMPP.Server = "push.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 9090
cloud:
  use_push: false
  poll_interval: 1m
  accepted_domains: [example.com, example.org]
printers:
  source: snapshot
  snapshot_path: /tmp/printers.json
queue:
  max_attempts: 5
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Cloud.PollInterval != time.Minute {
		t.Errorf("poll interval = %s", cfg.Cloud.PollInterval)
	}
	if len(cfg.Cloud.AcceptedDomains) != 2 {
		t.Errorf("accepted domains = %v", cfg.Cloud.AcceptedDomains)
	}
	if cfg.Printers.Source != "snapshot" || cfg.Printers.SnapshotPath != "/tmp/printers.json" {
		t.Errorf("printers = %+v", cfg.Printers)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("max attempts = %d", cfg.Queue.MaxAttempts)
	}
	// untouched sections keep their defaults
	if cfg.XMPP.Port != 5222 {
		t.Errorf("xmpp port = %d", cfg.XMPP.Port)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"no cloud url", func(c *Config) { c.Cloud.BaseURL = "" }},
		{"push without xmpp server", func(c *Config) { c.Cloud.UsePush = true; c.XMPP.Server = "" }},
		{"bad printer source", func(c *Config) { c.Printers.Source = "usb" }},
		{"snapshot without path", func(c *Config) { c.Printers.Source = "snapshot"; c.Printers.SnapshotPath = "" }},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			cfg.XMPP.Server = "push.example.com"
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted invalid config")
			}
		})
	}
}
