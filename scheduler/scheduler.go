// Package scheduler runs the agent's single control loop.
//
// All I/O (config polls, code base scans, uploads, spool writes) happens here,
// serially, on one goroutine. Application goroutines only ever touch the
// registry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/st-keller/codekeeper-agent/backoff"
	"github.com/st-keller/codekeeper-agent/codebase"
	"github.com/st-keller/codekeeper-agent/policy"
	"github.com/st-keller/codekeeper-agent/poller"
	"github.com/st-keller/codekeeper-agent/publish"
	"github.com/st-keller/codekeeper-agent/registry"
	"github.com/st-keller/codekeeper-agent/spool"
	"github.com/st-keller/codekeeper-agent/standard"
)

// Default loop bounds.
const (
	DefaultMinSleep    = 100 * time.Millisecond
	DefaultMaxSleep    = time.Minute
	DefaultOutboxLimit = 100

	spoolTimeout = 5 * time.Second
)

// CodeBase scans the monitored code base. *codebase.Scanner implements it.
type CodeBase interface {
	Scan(ctx context.Context) (codebase.Snapshot, error)
	Inventory(ctx context.Context, snap codebase.Snapshot, prefixes []string) (codebase.Inventory, error)
}

// Deps are the collaborators of the scheduler.
type Deps struct {
	Registry            *registry.Registry
	Poller              *poller.Poller
	CodeBase            CodeBase // nil disables fingerprinting and code base publication
	CodeBasePublisher   *publish.CodeBasePublisher
	InvocationPublisher *publish.InvocationPublisher
	Spool               *spool.Spool // nil keeps undelivered batches in memory only
	Logs                *standard.RecentLogs
	LicenseKey          string
}

// Options tune the loop.
type Options struct {
	Now         func() time.Time
	MinSleep    time.Duration
	MaxSleep    time.Duration
	OutboxLimit int // undelivered invocation batches kept; oldest dropped first
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MinSleep <= 0 {
		o.MinSleep = DefaultMinSleep
	}
	if o.MaxSleep <= 0 {
		o.MaxSleep = DefaultMaxSleep
	}
	if o.MaxSleep < o.MinSleep {
		o.MaxSleep = o.MinSleep
	}
	if o.OutboxLimit <= 0 {
		o.OutboxLimit = DefaultOutboxLimit
	}
	return o
}

// Stats are scheduler counters.
type Stats struct {
	State               string `json:"state"`
	Ticks               int64  `json:"ticks"`
	Outbox              int64  `json:"outbox"`
	DroppedBatches      int64  `json:"droppedBatches"`
	DiscardedSignatures int64  `json:"discardedSignatures"`
	Fingerprint         string `json:"fingerprint,omitempty"`
}

// Scheduler drives config refresh, fingerprint check and publication.
type Scheduler struct {
	deps Deps
	opts Options

	mu      sync.Mutex
	state   State
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	// tickMu serializes ticks and guards everything below it.
	tickMu          sync.Mutex
	configTask      *backoff.Task
	fingerprintTask *backoff.Task
	codeBaseTask    *backoff.Task
	invocationTask  *backoff.Task
	cfg             policy.PollConfig
	appliedPolls    int
	localCapacity   int
	snapshot        codebase.Snapshot
	fingerprintSeen bool
	codeBaseDirty   bool
	pendingCodeBase *publish.Batch
	outbox          []*publish.Batch

	ticks       atomic.Int64
	outboxLen   atomic.Int64
	dropped     atomic.Int64
	discarded   atomic.Int64
	fingerprint atomic.Value // string
}

// New creates an idle scheduler. Until the first successful poll it runs on
// deps.Poller.Current(), which is policy.Defaults() for a fresh poller.
func New(deps Deps, opts Options) *Scheduler {
	if deps.Logs == nil {
		deps.Logs = standard.NewRecentLogs(100, nil)
	}
	s := &Scheduler{
		deps:            deps,
		opts:            opts.withDefaults(),
		state:           StateIdle,
		stop:            make(chan struct{}),
		configTask:      backoff.NewTask("config-refresh"),
		fingerprintTask: backoff.NewTask("fingerprint-check"),
		codeBaseTask:    backoff.NewTask("codebase-publish"),
		invocationTask:  backoff.NewTask("invocation-publish"),
		cfg:             deps.Poller.Current(),
		localCapacity:   deps.Registry.Capacity(),
	}
	s.fingerprint.Store("")
	return s
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		State:               s.State().String(),
		Ticks:               s.ticks.Load(),
		Outbox:              s.outboxLen.Load(),
		DroppedBatches:      s.dropped.Load(),
		DiscardedSignatures: s.discarded.Load(),
		Fingerprint:         s.fingerprint.Load().(string),
	}
}

// Start restores spooled batches and starts the control loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("scheduler already shut down")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.restore(ctx)

	go s.loop(loopCtx)

	s.deps.Logs.Info("Scheduler started", map[string]interface{}{
		"outbox": s.outboxLen.Load(),
	})
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.Tick(ctx)
		timer.Reset(s.nextWake())
	}
}

// nextWake returns how long the loop sleeps until the earliest due task.
func (s *Scheduler) nextWake() time.Duration {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	next := s.configTask.NextEligible()
	consider := func(t time.Time) {
		if t.Before(next) {
			next = t
		}
	}
	consider(s.invocationTask.NextEligible())
	if s.deps.CodeBase != nil {
		consider(s.fingerprintTask.NextEligible())
		if s.codeBaseDirty && s.deps.CodeBasePublisher.Enabled() {
			consider(s.codeBaseTask.NextEligible())
		}
	}

	wait := next.Sub(s.opts.Now())
	if wait < s.opts.MinSleep {
		return s.opts.MinSleep
	}
	if wait > s.opts.MaxSleep {
		return s.opts.MaxSleep
	}
	return wait
}

// Tick runs one scheduling cycle: config refresh, fingerprint check,
// code base publication and invocation publication, each only when due.
// A no-op after Shutdown.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || ctx.Err() != nil {
		return
	}

	s.transition(StateRunning)
	defer s.transition(StateIdle)
	s.ticks.Add(1)

	if s.configTask.Due(s.opts.Now()) {
		s.refreshConfig(ctx, false)
	}
	if s.deps.CodeBase != nil && s.fingerprintTask.Due(s.opts.Now()) {
		if s.checkFingerprint(ctx) {
			// the collector may reissue license decisions for the new code base
			s.refreshConfig(ctx, true)
		}
	}
	if s.codeBaseDirty && s.codeBaseTask.Due(s.opts.Now()) {
		s.publishCodeBase(ctx)
	}
	if s.invocationTask.Due(s.opts.Now()) {
		s.publishInvocations(ctx)
	}
}

// ============================================================================
// CONFIG REFRESH
// ============================================================================

func (s *Scheduler) refreshConfig(ctx context.Context, force bool) {
	s.transition(StateConfigRefresh)
	defer s.transition(StateRunning)

	cfg, err := s.deps.Poller.Poll(ctx, force)
	now := s.opts.Now()
	if err != nil {
		delay := s.configTask.Fail(now, s.cfg.ConfigPollRetryInterval)
		s.deps.Logs.WarnNoTrigger("Config poll failed, keeping previous config", map[string]interface{}{
			"error":    err.Error(),
			"forced":   force,
			"attempts": s.configTask.Attempts(),
			"retry_in": delay.String(),
		})
		return
	}
	s.configTask.Succeed(now, cfg.ConfigPollInterval)

	// only a fetched config re-enables suspended publishers
	if polls := s.deps.Poller.Status().Successes; polls != s.appliedPolls {
		s.appliedPolls = polls
		s.apply(cfg)
	}
}

// apply installs a freshly polled config. New intervals take effect when
// each task is next scheduled.
func (s *Scheduler) apply(cfg policy.PollConfig) {
	prev := s.cfg
	s.cfg = cfg

	identity := policy.Identity{LicenseKey: s.deps.LicenseKey, CustomerID: cfg.CustomerID}
	if err := s.deps.CodeBasePublisher.Configure(identity, cfg.CodeBasePublisher.String()); err != nil {
		s.deps.Logs.Error("Failed to configure code base publisher", map[string]interface{}{"error": err.Error()})
	}
	s.deps.CodeBasePublisher.SetLimits(cfg.Limits)
	if err := s.deps.InvocationPublisher.Configure(identity, cfg.InvocationPublisher.String()); err != nil {
		s.deps.Logs.Error("Failed to configure invocation publisher", map[string]interface{}{"error": err.Error()})
	}
	if cfg.Limits.MaxMethods > 0 {
		s.deps.Registry.SetCapacity(cfg.Limits.MaxMethods)
	} else {
		s.deps.Registry.SetCapacity(s.localCapacity)
	}

	now := s.opts.Now()
	if s.deps.CodeBase != nil {
		reschedule(s.fingerprintTask, now, prev.CodeBaseCheckInterval, cfg.CodeBaseCheckInterval)
		reschedule(s.codeBaseTask, now, prev.CodeBaseCheckInterval, cfg.CodeBaseCheckInterval)
	}
	reschedule(s.invocationTask, now, prev.InvocationPublishInterval, cfg.InvocationPublishInterval)

	if !slices.Equal(prev.PackagePrefixes, cfg.PackagePrefixes) && s.fingerprintSeen {
		s.markCodeBaseDirty()
	}

	if prev.Checksum != cfg.Checksum {
		s.deps.Logs.Info("Config applied", map[string]interface{}{
			"checksum":             cfg.Checksum,
			"customer_id":          cfg.CustomerID,
			"codebase_publisher":   cfg.CodeBasePublisher.String(),
			"invocation_publisher": cfg.InvocationPublisher.String(),
			"poll_interval":        cfg.ConfigPollInterval.String(),
			"publish_interval":     cfg.InvocationPublishInterval.String(),
		})
	}
}

// ============================================================================
// FINGERPRINT CHECK
// ============================================================================

// checkFingerprint rescans the code base. Returns true when a previously
// known fingerprint changed.
func (s *Scheduler) checkFingerprint(ctx context.Context) bool {
	s.transition(StateFingerprintCheck)
	defer s.transition(StateRunning)

	snap, err := s.deps.CodeBase.Scan(ctx)
	now := s.opts.Now()
	if err != nil {
		delay := s.fingerprintTask.Fail(now, s.cfg.CodeBaseRetryInterval)
		s.deps.Logs.WarnNoTrigger("Code base scan failed", map[string]interface{}{
			"error":    err.Error(),
			"retry_in": delay.String(),
		})
		return false
	}
	s.fingerprintTask.Succeed(now, s.cfg.CodeBaseCheckInterval)

	if s.fingerprintSeen && snap.Fingerprint == s.snapshot.Fingerprint {
		return false
	}

	changed := s.fingerprintSeen
	old := s.snapshot.Fingerprint
	s.snapshot = snap
	s.fingerprintSeen = true
	s.fingerprint.Store(snap.Fingerprint.String())
	s.markCodeBaseDirty()

	if changed {
		s.deps.Logs.Info("Code base changed", map[string]interface{}{
			"old": old.String(),
			"new": snap.Fingerprint.String(),
		})
	}
	return changed
}

// reschedule moves a task scheduled on the old interval up to its last
// success plus the new one. Tasks in backoff keep their retry time.
func reschedule(t *backoff.Task, now time.Time, old, interval time.Duration) {
	if old == interval || t.Attempts() > 0 || t.LastSuccess().IsZero() {
		return
	}
	next := t.LastSuccess().Add(interval)
	if !next.Before(t.NextEligible()) {
		return
	}
	t.Defer(now, max(next.Sub(now), 0))
}

func (s *Scheduler) markCodeBaseDirty() {
	s.codeBaseDirty = true
	s.pendingCodeBase = nil
	s.codeBaseTask.ForceNow(s.opts.Now())
}

// ============================================================================
// PUBLICATION
// ============================================================================

func (s *Scheduler) publishCodeBase(ctx context.Context) {
	pub := s.deps.CodeBasePublisher
	if !pub.Enabled() {
		return
	}

	s.transition(StatePublish)
	defer s.transition(StateRunning)

	if s.pendingCodeBase == nil {
		inv, err := s.deps.CodeBase.Inventory(ctx, s.snapshot, s.cfg.PackagePrefixes)
		if err != nil {
			delay := s.codeBaseTask.Fail(s.opts.Now(), s.cfg.CodeBaseRetryInterval)
			s.deps.Logs.WarnNoTrigger("Code base inventory failed", map[string]interface{}{
				"error":    err.Error(),
				"retry_in": delay.String(),
			})
			return
		}
		s.pendingCodeBase = pub.NewBatch(inv)
	}

	b := s.pendingCodeBase
	err := pub.Publish(ctx, b)
	now := s.opts.Now()
	switch {
	case err == nil:
		s.codeBaseDirty = false
		s.pendingCodeBase = nil
		s.codeBaseTask.Succeed(now, s.cfg.CodeBaseCheckInterval)
		s.deps.Logs.Info("Code base published", map[string]interface{}{
			"sequence":    b.Sequence,
			"signatures":  b.SizeHint(),
			"fingerprint": b.Fingerprint,
		})
	case publish.IsFatal(err):
		// stays dirty: a fresh batch goes out once the publisher is re-enabled
		s.pendingCodeBase = nil
		s.codeBaseTask.Succeed(now, s.cfg.CodeBaseCheckInterval)
		s.deps.Logs.Warn("Code base publisher disabled by policy rejection", map[string]interface{}{
			"sequence": b.Sequence,
			"error":    err.Error(),
		})
	default:
		delay := s.codeBaseTask.Fail(now, s.cfg.CodeBaseRetryInterval)
		s.deps.Logs.WarnNoTrigger("Code base publication failed, retrying", map[string]interface{}{
			"sequence": b.Sequence,
			"error":    err.Error(),
			"attempts": s.codeBaseTask.Attempts(),
			"retry_in": delay.String(),
		})
	}
}

func (s *Scheduler) publishInvocations(ctx context.Context) {
	s.transition(StatePublish)
	defer s.transition(StateRunning)

	pub := s.deps.InvocationPublisher
	drained := s.deps.Registry.DrainAndReset()

	if !pub.Enabled() {
		if len(drained) > 0 {
			s.discarded.Add(int64(len(drained)))
			s.deps.Logs.Debug("Invocation publisher disabled, discarding drained data", map[string]interface{}{
				"signatures": len(drained),
			})
		}
		s.invocationTask.Succeed(s.opts.Now(), s.cfg.InvocationPublishInterval)
		return
	}

	for _, b := range pub.NewBatches(drained, s.fingerprint.Load().(string)) {
		s.enqueue(b)
	}

	for len(s.outbox) > 0 {
		b := s.outbox[0]
		err := pub.Publish(ctx, b)
		if err == nil {
			s.popOutbox()
			s.unspool(b)
			s.deps.Logs.Debug("Invocations published", map[string]interface{}{
				"sequence":    b.Sequence,
				"invocations": b.SizeHint(),
			})
			continue
		}

		now := s.opts.Now()
		if publish.IsFatal(err) {
			s.popOutbox()
			s.unspool(b)
			s.invocationTask.Succeed(now, s.cfg.InvocationPublishInterval)
			s.deps.Logs.Warn("Invocation publisher disabled by policy rejection", map[string]interface{}{
				"sequence": b.Sequence,
				"error":    err.Error(),
			})
			return
		}

		delay := s.invocationTask.Fail(now, s.cfg.InvocationRetryInterval)
		s.deps.Logs.WarnNoTrigger("Invocation publication failed, retrying", map[string]interface{}{
			"sequence": b.Sequence,
			"error":    err.Error(),
			"attempts": s.invocationTask.Attempts(),
			"retry_in": delay.String(),
			"outbox":   len(s.outbox),
		})
		return
	}

	s.invocationTask.Succeed(s.opts.Now(), s.cfg.InvocationPublishInterval)
}

// ============================================================================
// OUTBOX
// ============================================================================

func (s *Scheduler) enqueue(b *publish.Batch) {
	if len(s.outbox) >= s.opts.OutboxLimit {
		oldest := s.outbox[0]
		s.popOutbox()
		s.unspool(oldest)
		s.dropped.Add(1)
		s.deps.Logs.Warn("Outbox full, dropping oldest batch", map[string]interface{}{
			"sequence":    oldest.Sequence,
			"invocations": oldest.SizeHint(),
			"limit":       s.opts.OutboxLimit,
		})
	}
	s.outbox = append(s.outbox, b)
	s.outboxLen.Store(int64(len(s.outbox)))
	s.spoolBatch(b)
}

func (s *Scheduler) popOutbox() {
	s.outbox[0] = nil
	s.outbox = s.outbox[1:]
	s.outboxLen.Store(int64(len(s.outbox)))
}

func (s *Scheduler) spoolBatch(b *publish.Batch) {
	if s.deps.Spool == nil {
		return
	}
	data, err := b.Marshal()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), spoolTimeout)
		err = s.deps.Spool.Save(ctx, string(b.Kind), b.Run.UUID, b.Sequence, data)
		cancel()
	}
	if err != nil {
		s.deps.Logs.ErrorNoTrigger("Failed to spool batch", map[string]interface{}{
			"sequence": b.Sequence,
			"error":    err.Error(),
		})
	}
}

func (s *Scheduler) unspool(b *publish.Batch) {
	if s.deps.Spool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), spoolTimeout)
	defer cancel()
	if err := s.deps.Spool.Delete(ctx, string(b.Kind), b.Run.UUID, b.Sequence); err != nil {
		s.deps.Logs.ErrorNoTrigger("Failed to remove spooled batch", map[string]interface{}{
			"sequence": b.Sequence,
			"error":    err.Error(),
		})
	}
}

// restore loads undelivered invocation batches of earlier runs into the outbox.
func (s *Scheduler) restore(ctx context.Context) {
	if s.deps.Spool == nil {
		return
	}
	entries, err := s.deps.Spool.Load(ctx)
	if err != nil {
		s.deps.Logs.Error("Failed to load spool", map[string]interface{}{"error": err.Error()})
		return
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	for _, e := range entries {
		b, err := publish.UnmarshalBatch(e.Payload)
		if err != nil || b.Kind != publish.KindInvocations {
			s.deps.Logs.Warn("Discarding unreadable spooled batch", map[string]interface{}{
				"kind":     e.Kind,
				"sequence": e.Sequence,
			})
			if delErr := s.deps.Spool.Delete(ctx, e.Kind, e.RunUUID, e.Sequence); delErr != nil {
				s.deps.Logs.ErrorNoTrigger("Failed to remove spooled batch", map[string]interface{}{"error": delErr.Error()})
			}
			continue
		}
		if len(s.outbox) >= s.opts.OutboxLimit {
			s.unspool(s.outbox[0])
			s.popOutbox()
			s.dropped.Add(1)
		}
		s.outbox = append(s.outbox, b)
	}
	s.outboxLen.Store(int64(len(s.outbox)))
}

// ============================================================================
// SHUTDOWN
// ============================================================================

// Shutdown stops the loop, waits up to timeout for an in-flight tick, then
// cancels it. Remaining registry data is persisted to the spool; no poll or
// publish happens during or after Shutdown. Safe to call more than once and
// before Start.
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	cancel := s.cancel
	done := s.done
	close(s.stop)
	s.mu.Unlock()

	var err error
	if started {
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("scheduler: in-flight tick did not finish within %s, canceled", timeout)
			cancel()
			<-done
		}
		cancel()
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if started {
		s.persistRemaining()
	}
	s.transition(StateShutdown)
	fields := map[string]interface{}{"outbox": len(s.outbox)}
	if s.deps.Spool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), spoolTimeout)
		if n, err := s.deps.Spool.Count(ctx); err == nil {
			fields["spooled"] = n
		}
		cancel()
	}
	s.deps.Logs.Info("Scheduler stopped", fields)
	return err
}

// persistRemaining drains the registry a last time into the spool.
func (s *Scheduler) persistRemaining() {
	drained := s.deps.Registry.DrainAndReset()
	if len(drained) == 0 {
		return
	}
	pub := s.deps.InvocationPublisher
	if !pub.Enabled() {
		s.discarded.Add(int64(len(drained)))
		return
	}
	if s.deps.Spool == nil {
		s.deps.Logs.WarnNoTrigger("No spool configured, dropping undelivered invocations", map[string]interface{}{
			"signatures": len(drained),
		})
		return
	}
	for _, b := range pub.NewBatches(drained, s.fingerprint.Load().(string)) {
		s.enqueue(b)
	}
}
