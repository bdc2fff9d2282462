package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"cablectl/internal/addrutil"
)

const (
	DefaultListen                = "127.0.0.1:7345"
	DefaultSyncMode              = "monitor"
	DefaultPollIntervalMS        = 1000
	DefaultBackoffInitialMS      = 250
	DefaultBackoffMaxMS          = 10000
	DefaultEventBuffer           = 64
	DefaultLogLevel              = "info"
	DefaultConfirmationTimeoutMS = 3000
	DefaultStatsIntervalMS       = 500
	DefaultStatsHistory          = 120
	DefaultUnavailableAfter      = 3
	DefaultProvisionTimeoutMS    = 5000
	DefaultMeasurementTimeoutMS  = 10000
	DefaultBusyPolicy            = "reject"
	DefaultProbeNodeName         = "jack_delay"
	DefaultHistoryFile           = "probe-history.db"
)

// DefaultProbeCommand runs jack_iodelay through the PipeWire JACK shim.
var DefaultProbeCommand = []string{"pw-jack", "jack_iodelay"}

// Config holds the daemon settings.
type Config struct {
	Daemon DaemonConfig `yaml:"daemon"`
	Links  LinksConfig  `yaml:"links"`
	Stats  StatsConfig  `yaml:"stats"`
	Probe  ProbeConfig  `yaml:"probe"`
}

// DaemonConfig covers the control API and graph synchronization.
type DaemonConfig struct {
	Listen           string `yaml:"listen"`
	DataDir          string `yaml:"data_dir"`
	SyncMode         string `yaml:"sync_mode"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	BackoffInitialMS int    `yaml:"backoff_initial_ms"`
	BackoffMaxMS     int    `yaml:"backoff_max_ms"`
	EventBuffer      int    `yaml:"event_buffer"`
	LogLevel         string `yaml:"log_level"`
}

type LinksConfig struct {
	ConfirmationTimeoutMS int `yaml:"confirmation_timeout_ms"`
}

type StatsConfig struct {
	IntervalMS       int    `yaml:"interval_ms"`
	History          int    `yaml:"history"`
	UnavailableAfter int    `yaml:"unavailable_after"`
	MetricsPath      string `yaml:"metrics_path,omitempty"`
}

type ProbeConfig struct {
	ProvisionTimeoutMS   int      `yaml:"provision_timeout_ms"`
	MeasurementTimeoutMS int      `yaml:"measurement_timeout_ms"`
	BusyPolicy           string   `yaml:"busy_policy"`
	Command              []string `yaml:"command"`
	NodeName             string   `yaml:"node_name"`
	HistoryPath          string   `yaml:"history_path"`
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks values that defaults cannot repair.
func Validate(cfg Config) error {
	if cfg.Daemon.Listen == "" {
		return fmt.Errorf("daemon.listen is required")
	}
	if _, _, err := addrutil.SplitListen(cfg.Daemon.Listen); err != nil {
		return fmt.Errorf("daemon.listen: %w", err)
	}
	switch cfg.Daemon.SyncMode {
	case "monitor", "poll":
	default:
		return fmt.Errorf("daemon.sync_mode must be monitor or poll, got %q", cfg.Daemon.SyncMode)
	}
	switch cfg.Daemon.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("daemon.log_level must be debug, info, warn or error, got %q", cfg.Daemon.LogLevel)
	}
	if cfg.Daemon.BackoffMaxMS < cfg.Daemon.BackoffInitialMS {
		return fmt.Errorf("daemon.backoff_max_ms must not be below backoff_initial_ms")
	}
	switch cfg.Probe.BusyPolicy {
	case "reject", "cancel":
	default:
		return fmt.Errorf("probe.busy_policy must be reject or cancel, got %q", cfg.Probe.BusyPolicy)
	}
	if len(cfg.Probe.Command) == 0 || cfg.Probe.Command[0] == "" {
		return fmt.Errorf("probe.command is required")
	}
	for name, v := range map[string]int{
		"daemon.poll_interval_ms":       cfg.Daemon.PollIntervalMS,
		"daemon.backoff_initial_ms":     cfg.Daemon.BackoffInitialMS,
		"daemon.event_buffer":           cfg.Daemon.EventBuffer,
		"links.confirmation_timeout_ms": cfg.Links.ConfirmationTimeoutMS,
		"stats.interval_ms":             cfg.Stats.IntervalMS,
		"stats.history":                 cfg.Stats.History,
		"stats.unavailable_after":       cfg.Stats.UnavailableAfter,
		"probe.provision_timeout_ms":    cfg.Probe.ProvisionTimeoutMS,
		"probe.measurement_timeout_ms":  cfg.Probe.MeasurementTimeoutMS,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	d := &cfg.Daemon
	if d.Listen == "" {
		d.Listen = DefaultListen
	}
	if d.DataDir == "" {
		d.DataDir = defaultDataDir()
	}
	if d.SyncMode == "" {
		d.SyncMode = DefaultSyncMode
	}
	if d.PollIntervalMS == 0 {
		d.PollIntervalMS = DefaultPollIntervalMS
	}
	if d.BackoffInitialMS == 0 {
		d.BackoffInitialMS = DefaultBackoffInitialMS
	}
	if d.BackoffMaxMS == 0 {
		d.BackoffMaxMS = DefaultBackoffMaxMS
	}
	if d.EventBuffer == 0 {
		d.EventBuffer = DefaultEventBuffer
	}
	if d.LogLevel == "" {
		d.LogLevel = DefaultLogLevel
	}

	if cfg.Links.ConfirmationTimeoutMS == 0 {
		cfg.Links.ConfirmationTimeoutMS = DefaultConfirmationTimeoutMS
	}

	s := &cfg.Stats
	if s.IntervalMS == 0 {
		s.IntervalMS = DefaultStatsIntervalMS
	}
	if s.History == 0 {
		s.History = DefaultStatsHistory
	}
	if s.UnavailableAfter == 0 {
		s.UnavailableAfter = DefaultUnavailableAfter
	}

	p := &cfg.Probe
	if p.ProvisionTimeoutMS == 0 {
		p.ProvisionTimeoutMS = DefaultProvisionTimeoutMS
	}
	if p.MeasurementTimeoutMS == 0 {
		p.MeasurementTimeoutMS = DefaultMeasurementTimeoutMS
	}
	if p.BusyPolicy == "" {
		p.BusyPolicy = DefaultBusyPolicy
	}
	if len(p.Command) == 0 {
		p.Command = append([]string(nil), DefaultProbeCommand...)
	}
	if p.NodeName == "" {
		p.NodeName = DefaultProbeNodeName
	}
	if p.HistoryPath == "" {
		p.HistoryPath = filepath.Join(d.DataDir, DefaultHistoryFile)
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "cablectl")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "cablectl")
	}
	return filepath.Join(os.TempDir(), "cablectl")
}

// Millis converts a *_ms setting.
func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
