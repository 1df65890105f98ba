package codekeeper

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Transport kinds.
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// Config holds the agent configuration, loaded from CODEKEEPER_* environment variables.
type Config struct {
	LicenseKey  string `envconfig:"LICENSE_KEY"`
	AppName     string `envconfig:"APP_NAME"`
	AppVersion  string `envconfig:"APP_VERSION" default:"unspecified"`
	Environment string `envconfig:"ENVIRONMENT" default:"default"`

	// Code base roots (comma separated). Empty disables code base tracking.
	CodeBaseRoots []string `envconfig:"CODEBASE_ROOTS"`

	// Upload transport: "http" or "nats". Config polls always use HTTP.
	Transport    string        `envconfig:"TRANSPORT" default:"http"`
	CollectorURL string        `envconfig:"COLLECTOR_URL"`
	HTTPTimeout  time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`

	// mTLS 1.3 (all three or none)
	CertPath string `envconfig:"CERT_PATH"`
	KeyPath  string `envconfig:"KEY_PATH"`
	CAPath   string `envconfig:"CA_PATH"`

	NATSURL           string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
	NATSSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"codekeeper"`

	// Durable outbox. Empty keeps undelivered batches in memory only.
	SpoolPath   string `envconfig:"SPOOL_PATH"`
	OutboxLimit int    `envconfig:"OUTBOX_LIMIT" default:"100"`

	// Distinct signatures per publish interval (0 = unlimited until the collector sets a limit).
	RegistryCapacity int `envconfig:"REGISTRY_CAPACITY" default:"0"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (Config, error) {
	var c Config
	if err := envconfig.Process("codekeeper", &c); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return c, nil
}

// Validate checks if all required config fields are present.
func (c Config) Validate() error {
	if c.LicenseKey == "" {
		return fmt.Errorf("LicenseKey required")
	}
	if c.AppName == "" {
		return fmt.Errorf("AppName required")
	}
	if c.CollectorURL == "" {
		return fmt.Errorf("CollectorURL required")
	}
	switch c.Transport {
	case TransportHTTP:
	case TransportNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("NATSURL required for transport %q", c.Transport)
		}
	default:
		return fmt.Errorf("Transport must be %q or %q, got %q", TransportHTTP, TransportNATS, c.Transport)
	}
	tls := 0
	for _, p := range []string{c.CertPath, c.KeyPath, c.CAPath} {
		if p != "" {
			tls++
		}
	}
	if tls != 0 && tls != 3 {
		return fmt.Errorf("CertPath, KeyPath and CAPath must be set together")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTPTimeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("ShutdownTimeout must be positive")
	}
	if c.OutboxLimit < 0 {
		return fmt.Errorf("OutboxLimit must not be negative")
	}
	if c.RegistryCapacity < 0 {
		return fmt.Errorf("RegistryCapacity must not be negative")
	}
	return nil
}
