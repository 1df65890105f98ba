package codekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/st-keller/codekeeper-agent/codebase"
	"github.com/st-keller/codekeeper-agent/policy"
	"github.com/st-keller/codekeeper-agent/poller"
	"github.com/st-keller/codekeeper-agent/publish"
	"github.com/st-keller/codekeeper-agent/registry"
	"github.com/st-keller/codekeeper-agent/scheduler"
	"github.com/st-keller/codekeeper-agent/spool"
	"github.com/st-keller/codekeeper-agent/standard"
	"github.com/st-keller/codekeeper-agent/transport"
)

// Agent owns the registry and the control loop of one monitored process.
type Agent struct {
	config Config
	run    standard.JvmRun

	registry *registry.Registry
	scanner  *codebase.Scanner // nil without code base roots

	// Standard components (public access via getters)
	logs         *standard.RecentLogs
	connectivity *standard.ConnectivityTracker

	poller              *poller.Poller
	codeBasePublisher   *publish.CodeBasePublisher
	invocationPublisher *publish.InvocationPublisher
	scheduler           *scheduler.Scheduler

	spool *spool.Spool
	nc    *nats.Conn

	mu      sync.Mutex
	running bool
	stopped bool
}

// Option configures an Agent.
type Option func(*agentOptions)

type agentOptions struct {
	logger *slog.Logger
	onWarn func()
}

// WithLogger replaces the default JSON logger on stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(o *agentOptions) { o.logger = logger }
}

// WithWarnHook registers fn to be called on every warning or error that needs
// attention (rejected uploads, dropped batches). Transient network failures
// do not call it. fn must not block.
func WithWarnHook(fn func()) Option {
	return func(o *agentOptions) { o.onWarn = fn }
}

// New creates an agent. Nothing runs until Start.
func New(config Config, opts ...Option) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := agentOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: standard.ParseLevel(config.LogLevel),
		}))
	}

	a := &Agent{
		config:       config,
		run:          standard.NewJvmRun(config.AppName, config.AppVersion, config.Environment),
		registry:     registry.New(registry.WithCapacity(config.RegistryCapacity)),
		logs:         standard.NewRecentLogs(100, o.logger),
		connectivity: standard.NewConnectivityTracker(),
	}
	if o.onWarn != nil {
		a.logs.SetWarnHook(o.onWarn)
	}
	if len(config.CodeBaseRoots) > 0 {
		a.scanner = codebase.NewScanner(config.CodeBaseRoots...)
	}

	httpClient, err := a.buildHTTPClient()
	if err != nil {
		return nil, err
	}
	collector := transport.NewHTTPClient(config.CollectorURL, httpClient, a.logs, a.connectivity)

	var uploader publish.Uploader = collector
	if config.Transport == TransportNATS {
		nc, err := transport.ConnectNATS(config.NATSURL, "codekeeper-"+config.AppName)
		if err != nil {
			return nil, err
		}
		a.nc = nc
		uploader = transport.NewNATSUploader(nc, config.NATSSubjectPrefix, config.HTTPTimeout, a.connectivity)
	}

	if config.SpoolPath != "" {
		sp, err := spool.Open(config.SpoolPath)
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("failed to open spool: %w", err)
		}
		a.spool = sp
	}

	a.poller = poller.New(collector, a.pollRequest)
	a.codeBasePublisher = publish.NewCodeBasePublisher(uploader, a.run)
	a.invocationPublisher = publish.NewInvocationPublisher(uploader, a.run)

	deps := scheduler.Deps{
		Registry:            a.registry,
		Poller:              a.poller,
		CodeBasePublisher:   a.codeBasePublisher,
		InvocationPublisher: a.invocationPublisher,
		Spool:               a.spool,
		Logs:                a.logs,
		LicenseKey:          config.LicenseKey,
	}
	if a.scanner != nil {
		deps.CodeBase = a.scanner
	}
	a.scheduler = scheduler.New(deps, scheduler.Options{OutboxLimit: config.OutboxLimit})

	a.logs.Info("Agent initialized", map[string]interface{}{
		"app":       config.AppName,
		"version":   config.AppVersion,
		"run_uuid":  a.run.UUID,
		"transport": config.Transport,
		"code_base": len(config.CodeBaseRoots) > 0,
		"spool":     config.SpoolPath != "",
		"agent":     standard.AgentVersion,
	})
	return a, nil
}

func (a *Agent) buildHTTPClient() (*http.Client, error) {
	if a.config.CertPath == "" {
		return transport.BuildHTTPClient(a.config.HTTPTimeout), nil
	}
	c, err := transport.BuildHTTP2Client(a.config.CertPath, a.config.KeyPath, a.config.CAPath, a.config.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}
	return c, nil
}

// pollRequest is the identity part of every config poll.
func (a *Agent) pollRequest() policy.PollRequest {
	return policy.PollRequest{
		LicenseKey:          a.config.LicenseKey,
		CustomerID:          a.poller.Current().CustomerID,
		AppName:             a.run.AppName,
		AppVersion:          a.run.AppVersion,
		Environment:         a.run.Environment,
		HostName:            a.run.HostName,
		RunUUID:             a.run.UUID,
		CodeBaseFingerprint: a.scheduler.Stats().Fingerprint,
	}
}

// OnMethodInvoked records an invocation at the current time. Safe for
// concurrent use from any goroutine; never blocks on I/O.
func (a *Agent) OnMethodInvoked(signature string) {
	a.registry.RecordNow(signature)
}

// Registry returns the invocation registry (for hosts that record their own timestamps).
func (a *Agent) Registry() *registry.Registry {
	return a.registry
}

// Logs returns the logs component.
func (a *Agent) Logs() *standard.RecentLogs {
	return a.logs
}

// Connectivity returns the collector connectivity tracker.
func (a *Agent) Connectivity() *standard.ConnectivityTracker {
	return a.connectivity
}

// Run returns the identity of this run.
func (a *Agent) Run() standard.JvmRun {
	return a.run
}

// Start starts the control loop. The agent starts on safe defaults
// (publishing disabled) even when the collector is unreachable.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return errors.New("agent already stopped")
	}
	if a.running {
		return errors.New("agent already running")
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.running = true

	a.logs.Info("Agent started", map[string]interface{}{
		"run_uuid": a.run.UUID,
	})
	return nil
}

// Stop shuts the control loop down, persists undelivered data and releases
// resources. Safe to call more than once and without Start.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return nil
	}
	a.stopped = true
	a.running = false

	err := a.scheduler.Shutdown(a.config.ShutdownTimeout)
	if err != nil {
		a.logs.WarnNoTrigger("Scheduler shutdown timed out", map[string]interface{}{"error": err.Error()})
	}
	err = errors.Join(err, a.closeResources())

	a.logs.Info("Agent stopped", map[string]interface{}{
		"run_uuid": a.run.UUID,
	})
	return err
}

func (a *Agent) closeResources() error {
	var err error
	if a.spool != nil {
		err = a.spool.Close()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	return err
}

// Status is a snapshot of the agent state.
type Status struct {
	Run          standard.JvmRun           `json:"run"`
	Registry     RegistryStatus            `json:"registry"`
	Scheduler    scheduler.Stats           `json:"scheduler"`
	Poller       poller.Status             `json:"poller"`
	Publishers   []publish.Stats           `json:"publishers"`
	Connectivity []standard.EndpointStats  `json:"connectivity"`
	Logs         map[standard.LogLevel]int `json:"logs"`
}

// RegistryStatus describes the registry since the last drain.
type RegistryStatus struct {
	Signatures int   `json:"signatures"`
	Capacity   int   `json:"capacity"`
	Dropped    int64 `json:"dropped"`
}

// Status returns a snapshot of the agent state.
func (a *Agent) Status() Status {
	return Status{
		Run: a.run,
		Registry: RegistryStatus{
			Signatures: a.registry.Len(),
			Capacity:   a.registry.Capacity(),
			Dropped:    a.registry.Dropped(),
		},
		Scheduler:    a.scheduler.Stats(),
		Poller:       a.poller.Status(),
		Publishers:   []publish.Stats{a.codeBasePublisher.Stats(), a.invocationPublisher.Stats()},
		Connectivity: a.connectivity.Stats(),
		Logs:         a.logs.Counts(),
	}
}
