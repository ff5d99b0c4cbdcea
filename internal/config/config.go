// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coinwatch/internal/alert"
)

// Config is the application configuration. Every tunable the stream
// client, backfill and alert pipeline expose lives here so deployments can
// adapt to different provider rate limits without a rebuild.
type Config struct {
	Stream struct {
		WSURL                string `yaml:"ws_url"`
		RestURL              string `yaml:"rest_url"`
		HandshakeTimeout     string `yaml:"handshake_timeout"`
		ReconnectBaseDelay   string `yaml:"reconnect_base_delay"`
		ReconnectMaxDelay    string `yaml:"reconnect_max_delay"`
		ReconnectMaxAttempts int    `yaml:"reconnect_max_attempts"`
	} `yaml:"stream"`

	Buffer struct {
		Capacity int   `yaml:"capacity"`
		Windows  []int `yaml:"windows"` // minutes
	} `yaml:"buffer"`

	Backfill struct {
		Limit      int    `yaml:"limit"` // klines per symbol; 0 = buffer capacity
		BatchSize  int    `yaml:"batch_size"`
		BatchDelay string `yaml:"batch_delay"`
		Retries    int    `yaml:"retries"`
	} `yaml:"backfill"`

	Alerts struct {
		CooldownSeconds int    `yaml:"cooldown_seconds"`
		CSVDir          string `yaml:"csv_dir"`
		Kafka           struct {
			Enabled bool   `yaml:"enabled"`
			Broker  string `yaml:"broker"`
			Topic   string `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"alerts"`

	Telemetry struct {
		Port int `yaml:"port"`
	} `yaml:"telemetry"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func loadYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}

// Load reads the app config and fills defaults for anything omitted.
func Load(path string) (Config, error) {
	var cfg Config
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Stream.WSURL == "" {
		c.Stream.WSURL = "wss://stream.binance.com:9443/stream"
	}
	if c.Stream.RestURL == "" {
		c.Stream.RestURL = "https://api.binance.com"
	}
	if c.Stream.ReconnectMaxAttempts <= 0 {
		c.Stream.ReconnectMaxAttempts = 10
	}
	if c.Buffer.Capacity <= 0 {
		c.Buffer.Capacity = 1440
	}
	if len(c.Buffer.Windows) == 0 {
		c.Buffer.Windows = []int{5, 15, 60, 480, 1440}
	}
	if c.Backfill.BatchSize <= 0 {
		c.Backfill.BatchSize = 5
	}
	if c.Backfill.Retries < 0 {
		c.Backfill.Retries = 0
	}
	if c.Alerts.CooldownSeconds <= 0 {
		c.Alerts.CooldownSeconds = 60
	}
	if c.Alerts.Kafka.Topic == "" {
		c.Alerts.Kafka.Topic = "coinwatch_alerts"
	}
	if c.Telemetry.Port <= 0 {
		c.Telemetry.Port = 9102
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Duration parses a duration field like "2s", falling back to def when the
// field is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// WatchEntry is one tracked instrument.
type WatchEntry struct {
	Symbol string `yaml:"symbol"`
	Name   string `yaml:"name,omitempty"`
}

type watchlistFile struct {
	Watchlist []WatchEntry `yaml:"watchlist"`
}

// LoadWatchlist reads the symbol watchlist, uppercased and deduplicated in
// file order.
func LoadWatchlist(path string) ([]WatchEntry, error) {
	var wf watchlistFile
	if err := loadYAML(path, &wf); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(wf.Watchlist))
	out := make([]WatchEntry, 0, len(wf.Watchlist))
	for _, w := range wf.Watchlist {
		s := strings.ToUpper(strings.TrimSpace(w.Symbol))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, WatchEntry{Symbol: s, Name: w.Name})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("config: watchlist %s is empty", path)
	}
	return out, nil
}

type rulesFile struct {
	Rules []alert.Rule `yaml:"rules"`
}

// LoadRules reads the alert rule catalog.
func LoadRules(path string) ([]alert.Rule, error) {
	var rf rulesFile
	if err := loadYAML(path, &rf); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	for i, r := range rf.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("config: rule %d in %s has no id", i, path)
		}
		if len(r.Conditions) == 0 {
			return nil, fmt.Errorf("config: rule %s has no conditions", r.ID)
		}
	}
	return rf.Rules, nil
}
