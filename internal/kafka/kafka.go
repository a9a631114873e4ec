// Package kafka publishes abuse-guard notifications to a Kafka topic.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	gerrors "abuse-guard/internal/errors"
)

// Config holds Kafka connection and producer configuration.
type Config struct {
	Brokers []string `yaml:"brokers"`
	// Topic receives one message per admin notification, keyed by alert ID.
	Topic string `yaml:"topic"`
	// Compression: none, gzip, snappy, lz4, zstd.
	Compression string `yaml:"compression"`

	// SecurityProtocol: PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL.
	SecurityProtocol string `yaml:"security_protocol"`
	// SASLMechanism: PLAIN, SCRAM-SHA-256, SCRAM-SHA-512.
	SASLMechanism string `yaml:"sasl_mechanism,omitempty"`
	SASLUsername  string `yaml:"sasl_username,omitempty"`
	SASLPassword  string `yaml:"sasl_password,omitempty"`

	TLSCAFile     string `yaml:"tls_ca_file,omitempty"`
	TLSCertFile   string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile    string `yaml:"tls_key_file,omitempty"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify,omitempty"`

	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// RequiredAcks: -1 all replicas, 1 leader only, 0 none.
	RequiredAcks int           `yaml:"required_acks"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

var codecs = map[string]kafka.Compression{
	"":       0,
	"none":   0,
	"gzip":   kafka.Gzip,
	"snappy": kafka.Snappy,
	"lz4":    kafka.Lz4,
	"zstd":   kafka.Zstd,
}

// protocols maps each security protocol to whether it uses TLS and SASL.
var protocols = map[string]struct{ tls, sasl bool }{
	"PLAINTEXT":      {false, false},
	"SSL":            {true, false},
	"SASL_PLAINTEXT": {false, true},
	"SASL_SSL":       {true, true},
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Brokers:          []string{"localhost:9092"},
		Topic:            "abuse-guard-alerts",
		Compression:      "lz4",
		SecurityProtocol: "PLAINTEXT",
		BatchTimeout:     10 * time.Millisecond,
		MaxRetries:       1,
		RetryBackoff:     100 * time.Millisecond,
		RequiredAcks:     -1,
		DialTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Validate checks the configuration. Every error is KindConfiguration.
func (c *Config) Validate() error {
	const op = "kafka"
	if len(c.Brokers) == 0 {
		return gerrors.Configuration(op, "at least one broker is required")
	}
	if c.Topic == "" {
		return gerrors.Configuration(op, "topic is required")
	}
	if _, ok := codecs[c.Compression]; !ok {
		return gerrors.Configuration(op, "unknown compression %q", c.Compression)
	}
	proto, ok := protocols[c.SecurityProtocol]
	if !ok {
		return gerrors.Configuration(op, "invalid security protocol %q", c.SecurityProtocol)
	}
	if proto.sasl {
		if _, err := c.mechanism(); err != nil {
			return gerrors.Configuration(op, "%v", err)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return gerrors.Configuration(op, "SASL username and password are required")
		}
	}
	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		return gerrors.Configuration(op, "required_acks must be -1, 0 or 1")
	}
	return nil
}

// Codec returns the configured compression codec. Unknown names mean none.
func (c *Config) Codec() kafka.Compression {
	return codecs[c.Compression]
}

// Transport builds the writer transport with TLS and SASL as the security
// protocol requires.
func (c *Config) Transport() (*kafka.Transport, error) {
	proto := protocols[c.SecurityProtocol]
	dialer := &net.Dialer{Timeout: c.DialTimeout}
	t := &kafka.Transport{
		Dial:        dialer.DialContext,
		DialTimeout: c.DialTimeout,
	}

	if proto.tls {
		tlsConfig, err := c.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: configure TLS: %w", err)
		}
		t.TLS = tlsConfig
	}
	if proto.sasl {
		mechanism, err := c.mechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: configure SASL: %w", err)
		}
		t.SASL = mechanism
	}
	return t, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.TLSSkipVerify {
		slog.Warn("SECURITY WARNING: TLS certificate verification is disabled for Kafka")
	}

	cfg := &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLSCAFile != "" {
		pem, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.TLSCAFile)
		}
		cfg.RootCAs = pool
	}

	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (c *Config) mechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", c.SASLMechanism)
	}
}
