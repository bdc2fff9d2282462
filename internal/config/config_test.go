package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Daemon: DaemonConfig{DataDir: "/var/lib/cablectl"}}
	ApplyDefaults(&cfg)

	if cfg.Daemon.Listen != DefaultListen || cfg.Daemon.SyncMode != "monitor" {
		t.Fatalf("daemon defaults not set: %+v", cfg.Daemon)
	}
	if cfg.Stats.IntervalMS != 500 || cfg.Stats.History != 120 || cfg.Stats.UnavailableAfter != 3 {
		t.Fatalf("stats defaults: %+v", cfg.Stats)
	}
	if cfg.Probe.BusyPolicy != "reject" || cfg.Probe.NodeName != "jack_delay" {
		t.Fatalf("probe defaults: %+v", cfg.Probe)
	}
	if got := strings.Join(cfg.Probe.Command, " "); got != "pw-jack jack_iodelay" {
		t.Fatalf("probe.command=%q", got)
	}
	if cfg.Probe.HistoryPath != "/var/lib/cablectl/probe-history.db" {
		t.Fatalf("probe.history_path=%q", cfg.Probe.HistoryPath)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestApplyDefaults_DoesNotShareCommandSlice(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Probe.Command[0] = "changed"
	if DefaultProbeCommand[0] != "pw-jack" {
		t.Fatalf("default command mutated")
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"listen without port", func(c *Config) { c.Daemon.Listen = "localhost" }, "daemon.listen"},
		{"sync mode", func(c *Config) { c.Daemon.SyncMode = "push" }, "daemon.sync_mode"},
		{"log level", func(c *Config) { c.Daemon.LogLevel = "trace" }, "daemon.log_level"},
		{"busy policy", func(c *Config) { c.Probe.BusyPolicy = "queue" }, "probe.busy_policy"},
		{"negative history", func(c *Config) { c.Stats.History = -1 }, "stats.history"},
		{"backoff order", func(c *Config) { c.Daemon.BackoffMaxMS = 10 }, "backoff_max_ms"},
		{"empty command", func(c *Config) { c.Probe.Command = []string{""} }, "probe.command"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoad_OverridesAndDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cablectl.yaml")
	data := `daemon:
  listen: 127.0.0.1:9000
  data_dir: /tmp/cable
  sync_mode: poll
stats:
  interval_ms: 250
  metrics_path: /tmp/cable/stats.csv
probe:
  busy_policy: cancel
  command: [jack_iodelay]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.Listen != "127.0.0.1:9000" || cfg.Daemon.SyncMode != "poll" {
		t.Fatalf("daemon=%+v", cfg.Daemon)
	}
	if Millis(cfg.Stats.IntervalMS) != 250*time.Millisecond || cfg.Stats.History != DefaultStatsHistory {
		t.Fatalf("stats=%+v", cfg.Stats)
	}
	if cfg.Probe.BusyPolicy != "cancel" || len(cfg.Probe.Command) != 1 {
		t.Fatalf("probe=%+v", cfg.Probe)
	}
	if cfg.Probe.HistoryPath != "/tmp/cable/probe-history.db" {
		t.Fatalf("history_path=%q", cfg.Probe.HistoryPath)
	}
}

func TestSave_Writes0600(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "nested", "cablectl.yaml")
	if err := Save(path, Config{Daemon: DaemonConfig{DataDir: tmp}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.DataDir != tmp || cfg.Links.ConfirmationTimeoutMS != DefaultConfirmationTimeoutMS {
		t.Fatalf("round trip lost values: %+v", cfg)
	}
}
