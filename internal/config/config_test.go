package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BGP: BGPConfig{
			DaemonAddr:       "127.0.0.1:5000",
			ReconnectSeconds: 5,
			QueueSize:        1024,
		},
		Reassembler: ReassemblerConfig{
			GCIntervalSeconds: 30,
			MaxAgeSeconds:     300,
			MaxAssemblies:     1024,
		},
		Postgres: PostgresConfig{
			DSN:             "postgres://localhost/test",
			MaxConns:        10,
			MinConns:        2,
			FlushIntervalMs: 200,
			BatchSize:       500,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "kvsd.events",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoDaemonAddr(t *testing.T) {
	cfg := validConfig()
	cfg.BGP.DaemonAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty bgp.daemon_addr")
	}
}

func TestValidate_ReconnectZero(t *testing.T) {
	cfg := validConfig()
	cfg.BGP.ReconnectSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for reconnect_seconds = 0")
	}
}

func TestValidate_QueueSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.BGP.QueueSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for queue_size = 0")
	}
}

func TestValidate_SubscribeWithoutASN(t *testing.T) {
	cfg := validConfig()
	cfg.BGP.Subscribe = []string{"sensors"}
	cfg.BGP.CommunityASN = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for subscribe without community_asn")
	}
}

func TestValidate_GCIntervalZero(t *testing.T) {
	cfg := validConfig()
	cfg.Reassembler.GCIntervalSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for gc_interval_seconds = 0")
	}
}

func TestValidate_MaxAgeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Reassembler.MaxAgeSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_age_seconds = 0")
	}
}

func TestValidate_MaxAssembliesZero(t *testing.T) {
	cfg := validConfig()
	cfg.Reassembler.MaxAssemblies = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_assemblies = 0")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestValidate_PersistenceDisabledSkipsPostgresChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres = PostgresConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty postgres section must be valid: %v", err)
	}
}

func TestValidate_PostgresBatchSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for postgres.batch_size = 0 with DSN set")
	}
}

func TestValidate_KafkaBrokersWithoutTopic(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Topic = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for brokers without topic")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
bgp:
  daemon_addr: "127.0.0.1:5000"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeMinimalYAML(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.HTTPListen != ":8080" {
		t.Errorf("http_listen default = %q", cfg.Service.HTTPListen)
	}
	if cfg.Reassembler.MaxAgeSeconds != 300 {
		t.Errorf("max_age_seconds default = %d, want 300", cfg.Reassembler.MaxAgeSeconds)
	}
	if cfg.BGP.QueueSize != 4096 {
		t.Errorf("queue_size default = %d, want 4096", cfg.BGP.QueueSize)
	}
}

func TestLoad_MissingDaemonAddrFails(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte("service:\n  log_level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatal("expected validation error without bgp.daemon_addr")
	}
}

func TestLoad_EnvOverrideDaemonAddr(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("KVSD_BGP__DAEMON_ADDR", "10.0.0.1:5010")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BGP.DaemonAddr != "10.0.0.1:5010" {
		t.Errorf("expected daemon_addr from env, got %q", cfg.BGP.DaemonAddr)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("KVSD_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvCommaSeparatedBrokers(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("KVSD_KAFKA__BROKERS", "a:9092,b:9092")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "a:9092" || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
}
