package publish

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/st-keller/codekeeper-agent/codebase"
	"github.com/st-keller/codekeeper-agent/policy"
	"github.com/st-keller/codekeeper-agent/registry"
	"github.com/st-keller/codekeeper-agent/standard"
)

// Upload is one network attempt of a batch.
type Upload struct {
	Kind           Kind
	LicenseKey     string
	CustomerID     int64
	Fingerprint    string
	SequenceNumber int64
	BatchSizeHint  int
	RunUUID        string
	Body           []byte
}

// Uploader transmits a serialized batch. Implementations classify failures
// with NewRetryable / NewFatal; unclassified errors are treated as retryable.
type Uploader interface {
	Upload(ctx context.Context, u Upload) error
}

// UploaderFunc adapts a function to the Uploader interface.
type UploaderFunc func(ctx context.Context, u Upload) error

// Upload calls f.
func (f UploaderFunc) Upload(ctx context.Context, u Upload) error {
	return f(ctx, u)
}

// Publisher is the contract shared by both publisher variants.
type Publisher interface {
	Kind() Kind
	// Configure applies identity and policy string (e.g. "enabled=true; maxBatchSize=5000")
	// and lifts a suspension caused by a fatal error.
	Configure(identity policy.Identity, policyString string) error
	Enabled() bool
	// SequenceNumber is the last acknowledged sequence number (0 = none yet).
	SequenceNumber() int64
	Publish(ctx context.Context, b *Batch) error
}

// Stats are publisher counters.
type Stats struct {
	Kind         Kind   `json:"kind"`
	Enabled      bool   `json:"enabled"`
	Issued       int64  `json:"issued"`
	Acknowledged int64  `json:"acknowledged"`
	Attempts     int64  `json:"attempts"`
	Failures     int64  `json:"failures"`
	Suspended    string `json:"suspended,omitempty"`
}

// publisher is the shared implementation. The scheduler is its only writer;
// Enabled, SequenceNumber and Stats may be read from any goroutine.
type publisher struct {
	kind     Kind
	uploader Uploader
	run      standard.JvmRun
	now      func() time.Time
	seq      atomic.Int64 // last issued sequence number

	mu         sync.Mutex
	identity   policy.Identity
	policy     policy.PublisherPolicy
	configured bool
	suspended  error
	acked      int64
	attempts   int64
	failures   int64
}

func newPublisher(kind Kind, uploader Uploader, run standard.JvmRun) *publisher {
	return &publisher{kind: kind, uploader: uploader, run: run, now: time.Now}
}

// Kind returns the publisher variant.
func (p *publisher) Kind() Kind {
	return p.kind
}

// Configure implements Publisher. On a parse error the previous policy stays in effect.
func (p *publisher) Configure(identity policy.Identity, policyString string) error {
	pol, err := policy.ParsePublisherPolicy(policyString)
	if err != nil {
		return fmt.Errorf("configure %s publisher: %w", p.kind, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = identity
	p.policy = pol
	p.configured = true
	p.suspended = nil
	return nil
}

// Enabled implements Publisher.
func (p *publisher) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configured && p.policy.Enabled && p.suspended == nil
}

// Suspended returns the fatal error that disabled the publisher, if any.
func (p *publisher) Suspended() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

// SequenceNumber implements Publisher.
func (p *publisher) SequenceNumber() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acked
}

// Stats returns a snapshot of the publisher counters.
func (p *publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Kind:         p.kind,
		Enabled:      p.configured && p.policy.Enabled && p.suspended == nil,
		Issued:       p.seq.Load(),
		Acknowledged: p.acked,
		Attempts:     p.attempts,
		Failures:     p.failures,
	}
	if p.suspended != nil {
		s.Suspended = p.suspended.Error()
	}
	return s
}

func (p *publisher) maxBatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy.MaxBatchSize
}

// newBatch stamps a batch with the next sequence number.
func (p *publisher) newBatch() *Batch {
	p.mu.Lock()
	customerID := p.identity.CustomerID
	p.mu.Unlock()

	now := p.now().UnixMilli()
	return &Batch{
		Kind:            p.kind,
		Sequence:        p.seq.Add(1),
		CustomerID:      customerID,
		Run:             p.run.Dumped(now),
		CreatedAtMillis: now,
	}
}

// Publish implements Publisher. Retries of the same batch reuse its sequence number.
func (p *publisher) Publish(ctx context.Context, b *Batch) error {
	if b == nil || b.Kind != p.kind || b.Sequence <= 0 {
		panic(fmt.Sprintf("publish: %s publisher got invalid batch %+v", p.kind, b))
	}

	p.mu.Lock()
	if !(p.configured && p.policy.Enabled && p.suspended == nil) {
		p.mu.Unlock()
		return NewFatal(ErrDisabled, 0)
	}
	identity := p.identity
	p.attempts++
	p.mu.Unlock()

	body, err := b.Marshal()
	if err != nil {
		return p.fail(NewFatal(fmt.Errorf("marshal batch %d: %w", b.Sequence, err), 0))
	}

	err = p.uploader.Upload(ctx, Upload{
		Kind:           p.kind,
		LicenseKey:     identity.LicenseKey,
		CustomerID:     identity.CustomerID,
		Fingerprint:    b.Fingerprint,
		SequenceNumber: b.Sequence,
		BatchSizeHint:  b.SizeHint(),
		RunUUID:        b.Run.UUID,
		Body:           body,
	})
	if err != nil {
		return p.fail(classify(err))
	}

	// batches restored from an earlier run carry that run's numbering
	p.mu.Lock()
	if b.Run.UUID == p.run.UUID && b.Sequence > p.acked {
		p.acked = b.Sequence
	}
	p.mu.Unlock()
	return nil
}

func (p *publisher) fail(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	if IsFatal(err) {
		p.suspended = err
	}
	return err
}

// ============================================================================
// CODE BASE PUBLISHER
// ============================================================================

// CodeBasePublisher uploads the signature inventory of the code base.
type CodeBasePublisher struct {
	*publisher
	maxMethods atomic.Int64
}

// NewCodeBasePublisher creates a disabled code base publisher (enabled by Configure).
func NewCodeBasePublisher(uploader Uploader, run standard.JvmRun) *CodeBasePublisher {
	return &CodeBasePublisher{publisher: newPublisher(KindCodeBase, uploader, run)}
}

// SetLimits applies licensing limits (MaxMethods 0 = unlimited).
func (p *CodeBasePublisher) SetLimits(limits policy.Limits) {
	p.maxMethods.Store(int64(limits.MaxMethods))
}

// NewBatch wraps an inventory in a new batch.
func (p *CodeBasePublisher) NewBatch(inv codebase.Inventory) *Batch {
	b := p.newBatch()
	b.Fingerprint = inv.Fingerprint
	b.CodeBase = &inv
	return b
}

// Publish checks the license limit locally before uploading.
func (p *CodeBasePublisher) Publish(ctx context.Context, b *Batch) error {
	if max := p.maxMethods.Load(); max > 0 && b != nil && int64(b.SizeHint()) > max {
		return p.fail(NewFatal(fmt.Errorf("%w: %d methods, license allows %d", ErrQuotaExceeded, b.SizeHint(), max), 0))
	}
	return p.publisher.Publish(ctx, b)
}

// ============================================================================
// INVOCATION DATA PUBLISHER
// ============================================================================

// InvocationPublisher uploads drained invocation data.
type InvocationPublisher struct {
	*publisher
}

// NewInvocationPublisher creates a disabled invocation publisher (enabled by Configure).
func NewInvocationPublisher(uploader Uploader, run standard.JvmRun) *InvocationPublisher {
	return &InvocationPublisher{publisher: newPublisher(KindInvocations, uploader, run)}
}

// NewBatches splits drained registry data into batches of at most
// maxBatchSize invocations (policy), each with its own sequence number.
func (p *InvocationPublisher) NewBatches(drained map[string]int64, fingerprint string) []*Batch {
	if len(drained) == 0 {
		return nil
	}
	invocations := registry.Invocations(drained)

	size := p.maxBatchSize()
	if size <= 0 {
		size = len(invocations)
	}

	var batches []*Batch
	for start := 0; start < len(invocations); start += size {
		end := start + size
		if end > len(invocations) {
			end = len(invocations)
		}
		b := p.newBatch()
		b.Fingerprint = fingerprint
		b.Invocations = invocations[start:end:end]
		batches = append(batches, b)
	}
	return batches
}
