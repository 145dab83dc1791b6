package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service     ServiceConfig     `koanf:"service"`
	BGP         BGPConfig         `koanf:"bgp"`
	Reassembler ReassemblerConfig `koanf:"reassembler"`
	Postgres    PostgresConfig    `koanf:"postgres"`
	Kafka       KafkaConfig       `koanf:"kafka"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type BGPConfig struct {
	// DaemonAddr is the BGP daemon's local control channel (host:port).
	DaemonAddr       string `koanf:"daemon_addr"`
	ReconnectSeconds int    `koanf:"reconnect_seconds"`
	QueueSize        int    `koanf:"queue_size"`
	// CommunityASN enables community tagging of announced routes.
	// Zero disables tagging.
	CommunityASN uint32 `koanf:"community_asn"`
	// Subscribe limits admitted inbound updates to these key categories.
	// Empty accepts everything. Requires CommunityASN.
	Subscribe []string `koanf:"subscribe"`
}

type ReassemblerConfig struct {
	GCIntervalSeconds int `koanf:"gc_interval_seconds"`
	MaxAgeSeconds     int `koanf:"max_age_seconds"`
	MaxAssemblies     int `koanf:"max_assemblies"`
}

// PostgresConfig drives the optional pair snapshot. An empty DSN
// disables persistence entirely.
type PostgresConfig struct {
	DSN             string `koanf:"dsn"`
	MaxConns        int32  `koanf:"max_conns"`
	MinConns        int32  `koanf:"min_conns"`
	CompressValues  bool   `koanf:"compress_values"`
	FlushIntervalMs int    `koanf:"flush_interval_ms"`
	BatchSize       int    `koanf:"batch_size"`
}

// KafkaConfig drives the optional change-event firehose. Empty brokers
// disable it.
type KafkaConfig struct {
	Brokers  []string   `koanf:"brokers"`
	Topic    string     `koanf:"topic"`
	ClientID string     `koanf:"client_id"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: KVSD_BGP__DAEMON_ADDR → bgp.daemon_addr
	if err := k.Load(env.Provider("KVSD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "KVSD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "kvsd-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BGP: BGPConfig{
			ReconnectSeconds: 5,
			QueueSize:        4096,
		},
		Reassembler: ReassemblerConfig{
			GCIntervalSeconds: 30,
			MaxAgeSeconds:     300,
			MaxAssemblies:     65536,
		},
		Postgres: PostgresConfig{
			MaxConns:        10,
			MinConns:        1,
			CompressValues:  true,
			FlushIntervalMs: 200,
			BatchSize:       500,
		},
		Kafka: KafkaConfig{
			Topic:    "kvsd.events",
			ClientID: "kvsd",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if len(cfg.BGP.Subscribe) == 1 && strings.Contains(cfg.BGP.Subscribe[0], ",") {
		cfg.BGP.Subscribe = strings.Split(cfg.BGP.Subscribe[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BGP.DaemonAddr == "" {
		return fmt.Errorf("config: bgp.daemon_addr is required")
	}
	if c.BGP.ReconnectSeconds <= 0 {
		return fmt.Errorf("config: bgp.reconnect_seconds must be > 0 (got %d)", c.BGP.ReconnectSeconds)
	}
	if c.BGP.QueueSize <= 0 {
		return fmt.Errorf("config: bgp.queue_size must be > 0 (got %d)", c.BGP.QueueSize)
	}
	if len(c.BGP.Subscribe) > 0 && c.BGP.CommunityASN == 0 {
		return fmt.Errorf("config: bgp.subscribe requires bgp.community_asn")
	}
	if c.Reassembler.GCIntervalSeconds <= 0 {
		return fmt.Errorf("config: reassembler.gc_interval_seconds must be > 0 (got %d)", c.Reassembler.GCIntervalSeconds)
	}
	if c.Reassembler.MaxAgeSeconds <= 0 {
		return fmt.Errorf("config: reassembler.max_age_seconds must be > 0 (got %d)", c.Reassembler.MaxAgeSeconds)
	}
	if c.Reassembler.MaxAssemblies <= 0 {
		return fmt.Errorf("config: reassembler.max_assemblies must be > 0 (got %d)", c.Reassembler.MaxAssemblies)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Postgres.DSN != "" {
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
		if c.Postgres.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: postgres.flush_interval_ms must be > 0 (got %d)", c.Postgres.FlushIntervalMs)
		}
		if c.Postgres.BatchSize <= 0 {
			return fmt.Errorf("config: postgres.batch_size must be > 0 (got %d)", c.Postgres.BatchSize)
		}
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required when brokers are set")
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
