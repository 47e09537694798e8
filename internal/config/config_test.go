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

	cfg := Default()
	if cfg.Router.MaxHops != DefaultMaxHops || cfg.Router.Retention != DefaultRetention || cfg.Router.MaxEntries != DefaultMaxEntries {
		t.Fatalf("router defaults: %+v", cfg.Router)
	}
	if cfg.Node.ReconnectDelay != 10*time.Second {
		t.Fatalf("reconnect_delay=%s", cfg.Node.ReconnectDelay)
	}
	if cfg.Transport.RetryDelay != 5*time.Second || cfg.Transport.EventBuffer != 64 || cfg.Transport.QueueLimit != DefaultQueueLimit {
		t.Fatalf("transport defaults: %+v", cfg.Transport)
	}
	if cfg.LAN.Listen != DefaultListen || cfg.LAN.BeaconPort != DefaultBeaconPort {
		t.Fatalf("lan defaults: %+v", cfg.LAN)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"max hops", func(c *Config) { c.Router.MaxHops = -1 }, "router.max_hops"},
		{"retention", func(c *Config) { c.Router.Retention = -time.Second }, "router.retention"},
		{"max entries", func(c *Config) { c.Router.MaxEntries = -3 }, "router.max_entries"},
		{"event buffer", func(c *Config) { c.Transport.EventBuffer = -1 }, "transport.event_buffer"},
		{"queue limit", func(c *Config) { c.Transport.QueueLimit = -1 }, "transport.queue_limit"},
		{"beacon port", func(c *Config) { c.LAN.BeaconPort = 70000 }, "lan.beacon_port"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), FileName)
	cfg := Default()
	cfg.Node.DataDir = "/var/lib/afetmesh"
	cfg.Router.MaxHops = 7
	cfg.Router.Retention = 90 * time.Second
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Node.DataDir != "/var/lib/afetmesh" || got.Router.MaxHops != 7 || got.Router.Retention != 90*time.Second {
		t.Fatalf("loaded=%+v", got)
	}
}

func TestLoadPartialFileAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), FileName)
	yml := "router:\n  max_hops: 3\n  retention: 30s\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Router.MaxHops != 3 || cfg.Router.Retention != 30*time.Second {
		t.Fatalf("router=%+v", cfg.Router)
	}
	if cfg.Router.MaxEntries != DefaultMaxEntries || cfg.LAN.BeaconPort != DefaultBeaconPort {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Router.MaxHops != DefaultMaxHops {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestApplyEnvFileAndProcessEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "AFETMESH_LISTEN=127.0.0.1:9000\nAFETMESH_MAX_HOPS=4\nAFETMESH_BEACON_PORT=40000\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvMaxHops, "8")

	cfg := Default()
	if err := ApplyEnv(&cfg, envFile); err != nil {
		t.Fatal(err)
	}
	if cfg.LAN.Listen != "127.0.0.1:9000" || cfg.LAN.BeaconPort != 40000 {
		t.Fatalf("file values not applied: %+v", cfg.LAN)
	}
	if cfg.Router.MaxHops != 8 {
		t.Fatalf("process env should win, max_hops=%d", cfg.Router.MaxHops)
	}

	t.Setenv(EnvBeaconPort, "not-a-port")
	if err := ApplyEnv(&cfg, ""); err == nil {
		t.Fatal("expected parse error")
	}
}
