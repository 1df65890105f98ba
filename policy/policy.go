// Package policy holds the server-issued publication policy.
//
// PollConfig is a plain typed struct. It is produced by ParsePollResponse (a
// pure function) and always replaced as a whole, never merged field by field.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Identity identifies the customer on every poll and upload.
type Identity struct {
	LicenseKey string `json:"licenseKey"`
	CustomerID int64  `json:"customerId"`
}

// Limits are licensing limits issued by the server.
type Limits struct {
	MaxMethods int `json:"maxMethods"` // 0 = unlimited
}

// PublisherPolicy is the typed form of a publisher policy string.
type PublisherPolicy struct {
	Enabled      bool
	MaxBatchSize int // 0 = unlimited
}

// String renders the canonical policy string, e.g. "enabled=true; maxBatchSize=5000".
func (p PublisherPolicy) String() string {
	return fmt.Sprintf("enabled=%t; maxBatchSize=%d", p.Enabled, p.MaxBatchSize)
}

// ParsePublisherPolicy parses "key=value; key=value". Unknown keys are ignored
// so the server can add keys before agents understand them.
func ParsePublisherPolicy(s string) (PublisherPolicy, error) {
	var p PublisherPolicy
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return PublisherPolicy{}, fmt.Errorf("invalid publisher policy entry %q", part)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "enabled":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return PublisherPolicy{}, fmt.Errorf("invalid enabled value %q: %w", value, err)
			}
			p.Enabled = b
		case "maxBatchSize":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return PublisherPolicy{}, fmt.Errorf("invalid maxBatchSize value %q", value)
			}
			p.MaxBatchSize = n
		}
	}
	return p, nil
}

// PollConfig is the complete, immutable result of one successful poll.
type PollConfig struct {
	ConfigPollInterval        time.Duration
	ConfigPollRetryInterval   time.Duration
	CodeBaseCheckInterval     time.Duration
	CodeBaseRetryInterval     time.Duration
	InvocationPublishInterval time.Duration
	InvocationRetryInterval   time.Duration

	CodeBasePublisher   PublisherPolicy
	InvocationPublisher PublisherPolicy

	CustomerID      int64
	Limits          Limits
	PackagePrefixes []string

	// Checksum identifies this policy; sent back on the next poll.
	Checksum string
}

// Defaults is the configuration in effect before the first successful poll:
// long intervals and publishing disabled.
func Defaults() PollConfig {
	return PollConfig{
		ConfigPollInterval:        time.Hour,
		ConfigPollRetryInterval:   5 * time.Minute,
		CodeBaseCheckInterval:     time.Hour,
		CodeBaseRetryInterval:     5 * time.Minute,
		InvocationPublishInterval: time.Hour,
		InvocationRetryInterval:   5 * time.Minute,
	}
}

// PollRequest is sent to the configuration endpoint.
type PollRequest struct {
	LicenseKey          string `json:"licenseKey"`
	PolicyChecksum      string `json:"policyChecksum,omitempty"` // empty before the first successful poll
	CustomerID          int64  `json:"customerId,omitempty"`
	AppName             string `json:"appName"`
	AppVersion          string `json:"appVersion"`
	Environment         string `json:"environment"`
	HostName            string `json:"hostName"`
	RunUUID             string `json:"runUuid"`
	CodeBaseFingerprint string `json:"codeBaseFingerprint,omitempty"`
}

// PollResponse is the wire form of the configuration endpoint's answer.
type PollResponse struct {
	CustomerID                       int64    `json:"customerId"`
	ConfigPollIntervalSeconds        int      `json:"configPollIntervalSeconds"`
	ConfigPollRetryIntervalSeconds   int      `json:"configPollRetryIntervalSeconds"`
	CodeBaseCheckIntervalSeconds     int      `json:"codeBaseCheckIntervalSeconds"`
	CodeBaseRetryIntervalSeconds     int      `json:"codeBaseRetryIntervalSeconds"`
	InvocationPublishIntervalSeconds int      `json:"invocationPublishIntervalSeconds"`
	InvocationRetryIntervalSeconds   int      `json:"invocationRetryIntervalSeconds"`
	CodeBasePublisherEnabled         bool     `json:"codeBasePublisherEnabled"`
	CodeBasePublisherConfig          string   `json:"codeBasePublisherConfig"`
	InvocationPublisherEnabled       bool     `json:"invocationPublisherEnabled"`
	InvocationPublisherConfig        string   `json:"invocationPublisherConfig"`
	MaxMethods                       int      `json:"maxMethods"`
	PackagePrefixes                  []string `json:"packagePrefixes"`
}

// ParsePollResponse converts a wire response into a PollConfig.
// The explicit enabled flags win over an "enabled=" key in the policy strings.
func ParsePollResponse(r PollResponse) (PollConfig, error) {
	var errs []error
	interval := func(name string, seconds int) time.Duration {
		if seconds <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, seconds))
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	cfg := PollConfig{
		ConfigPollInterval:        interval("configPollIntervalSeconds", r.ConfigPollIntervalSeconds),
		ConfigPollRetryInterval:   interval("configPollRetryIntervalSeconds", r.ConfigPollRetryIntervalSeconds),
		CodeBaseCheckInterval:     interval("codeBaseCheckIntervalSeconds", r.CodeBaseCheckIntervalSeconds),
		CodeBaseRetryInterval:     interval("codeBaseRetryIntervalSeconds", r.CodeBaseRetryIntervalSeconds),
		InvocationPublishInterval: interval("invocationPublishIntervalSeconds", r.InvocationPublishIntervalSeconds),
		InvocationRetryInterval:   interval("invocationRetryIntervalSeconds", r.InvocationRetryIntervalSeconds),
		CustomerID:                r.CustomerID,
		Limits:                    Limits{MaxMethods: r.MaxMethods},
	}
	if r.MaxMethods < 0 {
		errs = append(errs, fmt.Errorf("maxMethods must not be negative, got %d", r.MaxMethods))
	}

	cb, err := ParsePublisherPolicy(r.CodeBasePublisherConfig)
	if err != nil {
		errs = append(errs, fmt.Errorf("codeBasePublisherConfig: %w", err))
	}
	cb.Enabled = r.CodeBasePublisherEnabled
	cfg.CodeBasePublisher = cb

	inv, err := ParsePublisherPolicy(r.InvocationPublisherConfig)
	if err != nil {
		errs = append(errs, fmt.Errorf("invocationPublisherConfig: %w", err))
	}
	inv.Enabled = r.InvocationPublisherEnabled
	cfg.InvocationPublisher = inv

	for _, p := range r.PackagePrefixes {
		if p = strings.TrimSpace(p); p != "" {
			cfg.PackagePrefixes = append(cfg.PackagePrefixes, p)
		}
	}
	sort.Strings(cfg.PackagePrefixes)

	if len(errs) > 0 {
		return PollConfig{}, fmt.Errorf("invalid poll response: %w", errors.Join(errs...))
	}

	cfg.Checksum = Checksum(r)
	return cfg, nil
}
