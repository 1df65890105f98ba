// Package poller fetches the publication policy from the collector.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/st-keller/codekeeper-agent/policy"
)

// Transport performs one poll round trip.
type Transport interface {
	Poll(ctx context.Context, req policy.PollRequest) (policy.PollResponse, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req policy.PollRequest) (policy.PollResponse, error)

// Poll calls f.
func (f TransportFunc) Poll(ctx context.Context, req policy.PollRequest) (policy.PollResponse, error) {
	return f(ctx, req)
}

// RequestSource builds the identity part of a poll request (license, app,
// run, current fingerprint). The poller fills in the policy checksum.
type RequestSource func() policy.PollRequest

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithInitial sets the configuration in effect before the first successful poll.
func WithInitial(cfg policy.PollConfig) Option {
	return func(p *Poller) { p.current = cfg }
}

// Poller holds the last known-good configuration.
type Poller struct {
	transport Transport
	source    RequestSource
	now       func() time.Time

	mu          sync.RWMutex
	current     policy.PollConfig
	polled      bool
	lastSuccess time.Time
	lastError   error
	polls       int
	successes   int
}

// New creates a poller whose current configuration is policy.Defaults().
func New(transport Transport, source RequestSource, opts ...Option) *Poller {
	p := &Poller{
		transport: transport,
		source:    source,
		now:       time.Now,
		current:   policy.Defaults(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll fetches a new configuration. Unless force is set, a poll younger than
// the current ConfigPollInterval returns the current configuration without
// network I/O. On failure the previous configuration stays in effect and is
// returned together with the error.
func (p *Poller) Poll(ctx context.Context, force bool) (policy.PollConfig, error) {
	p.mu.RLock()
	current := p.current
	fresh := p.polled && p.now().Sub(p.lastSuccess) < current.ConfigPollInterval
	p.mu.RUnlock()

	if fresh && !force {
		return current, nil
	}

	req := p.source()
	if p.polled {
		req.PolicyChecksum = current.Checksum
	}

	p.mu.Lock()
	p.polls++
	p.mu.Unlock()

	resp, err := p.transport.Poll(ctx, req)
	if err != nil {
		return current, p.fail(fmt.Errorf("config poll: %w", err))
	}

	cfg, err := policy.ParsePollResponse(resp)
	if err != nil {
		return current, p.fail(err)
	}

	p.mu.Lock()
	p.current = cfg
	p.polled = true
	p.lastSuccess = p.now()
	p.lastError = nil
	p.successes++
	p.mu.Unlock()
	return cfg, nil
}

func (p *Poller) fail(err error) error {
	p.mu.Lock()
	p.lastError = err
	p.mu.Unlock()
	return err
}

// Current returns the configuration in effect.
func (p *Poller) Current() policy.PollConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Status is a snapshot of the poller state.
type Status struct {
	Polled      bool      `json:"polled"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Polls       int       `json:"polls"`
	Successes   int       `json:"successes"`
	Checksum    string    `json:"checksum,omitempty"`
}

// Status returns a snapshot of the poller state.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Status{
		Polled:      p.polled,
		LastSuccess: p.lastSuccess,
		Polls:       p.polls,
		Successes:   p.successes,
		Checksum:    p.current.Checksum,
	}
	if p.lastError != nil {
		s.LastError = p.lastError.Error()
	}
	return s
}
