package publish

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/st-keller/codekeeper-agent/codebase"
	"github.com/st-keller/codekeeper-agent/policy"
	"github.com/st-keller/codekeeper-agent/standard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingUploader fails with the queued errors first, then succeeds.
type recordingUploader struct {
	mu      sync.Mutex
	errs    []error
	uploads []Upload
}

func (r *recordingUploader) Upload(_ context.Context, u Upload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads = append(r.uploads, u)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	return nil
}

var testIdentity = policy.Identity{LicenseKey: "lic-123", CustomerID: 42}

func newTestRun() standard.JvmRun {
	return standard.NewJvmRun("shop", "1.0", "test")
}

func TestPublisher_DisabledUntilConfigured(t *testing.T) {
	p := NewInvocationPublisher(&recordingUploader{}, newTestRun())
	assert.False(t, p.Enabled())
	assert.Equal(t, int64(0), p.SequenceNumber())

	batches := p.NewBatches(map[string]int64{"a.B.c()": 1}, "fp")
	require.Len(t, batches, 1)

	err := p.Publish(context.Background(), batches[0])
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestPublisher_ConfigureRejectsBadPolicy(t *testing.T) {
	p := NewInvocationPublisher(&recordingUploader{}, newTestRun())
	require.NoError(t, p.Configure(testIdentity, "enabled=true; maxBatchSize=10"))

	err := p.Configure(testIdentity, "enabled=maybe")
	assert.Error(t, err)
	assert.True(t, p.Enabled(), "previous policy stays in effect")
}

func TestPublisher_RetriesReuseSequenceNumber(t *testing.T) {
	up := &recordingUploader{errs: []error{
		NewRetryable(errors.New("503"), 503),
		errors.New("connection reset"),
		NewRetryable(errors.New("timeout"), 408),
	}}
	p := NewInvocationPublisher(up, newTestRun())
	require.NoError(t, p.Configure(testIdentity, "enabled=true"))

	batches := p.NewBatches(map[string]int64{"a.B.c()": 100, "a.B.d()": 200}, "fp-1")
	require.Len(t, batches, 1)
	b := batches[0]

	for i := 0; i < 3; i++ {
		err := p.Publish(context.Background(), b)
		require.Error(t, err)
		assert.True(t, IsRetryable(err), "attempt %d", i)
		assert.Equal(t, int64(0), p.SequenceNumber())
	}
	require.NoError(t, p.Publish(context.Background(), b))

	require.Len(t, up.uploads, 4)
	for _, u := range up.uploads {
		assert.Equal(t, b.Sequence, u.SequenceNumber)
		assert.Equal(t, up.uploads[0].Body, u.Body)
		assert.Equal(t, "lic-123", u.LicenseKey)
		assert.Equal(t, int64(42), u.CustomerID)
		assert.Equal(t, "fp-1", u.Fingerprint)
		assert.Equal(t, 2, u.BatchSizeHint)
	}
	assert.Equal(t, b.Sequence, p.SequenceNumber())

	stats := p.Stats()
	assert.Equal(t, int64(4), stats.Attempts)
	assert.Equal(t, int64(3), stats.Failures)
	assert.Equal(t, int64(1), stats.Issued)
}

func TestPublisher_FatalSuspendsUntilConfigure(t *testing.T) {
	up := &recordingUploader{errs: []error{NewFatal(errors.New("license expired"), 402)}}
	p := NewInvocationPublisher(up, newTestRun())
	require.NoError(t, p.Configure(testIdentity, "enabled=true"))

	b := p.NewBatches(map[string]int64{"x.Y.z()": 1}, "")[0]
	err := p.Publish(context.Background(), b)
	require.True(t, IsFatal(err))
	assert.False(t, p.Enabled())
	assert.Error(t, p.Suspended())
	assert.Contains(t, p.Stats().Suspended, "license expired")

	err = p.Publish(context.Background(), b)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Len(t, up.uploads, 1, "suspended publisher does not upload")

	require.NoError(t, p.Configure(testIdentity, "enabled=true"))
	assert.True(t, p.Enabled())
	require.NoError(t, p.Publish(context.Background(), b))
	assert.Equal(t, b.Sequence, p.SequenceNumber())
}

func TestPublisher_SequenceNumbersIncreasePerBatch(t *testing.T) {
	p := NewInvocationPublisher(&recordingUploader{}, newTestRun())
	require.NoError(t, p.Configure(testIdentity, "enabled=true; maxBatchSize=2"))

	drained := map[string]int64{"a()": 1, "b()": 2, "c()": 3, "d()": 4, "e()": 5}
	batches := p.NewBatches(drained, "fp")
	require.Len(t, batches, 3)

	var total int
	for i, b := range batches {
		assert.Equal(t, int64(i+1), b.Sequence)
		assert.Equal(t, KindInvocations, b.Kind)
		assert.Equal(t, int64(42), b.CustomerID)
		total += len(b.Invocations)
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, "a()", batches[0].Invocations[0].Signature)
	assert.Equal(t, "e()", batches[2].Invocations[0].Signature)

	// ack cursor only moves on success, and never backwards
	require.NoError(t, p.Publish(context.Background(), batches[2]))
	require.NoError(t, p.Publish(context.Background(), batches[0]))
	assert.Equal(t, int64(3), p.SequenceNumber())
}

func TestPublisher_NewBatchesEmpty(t *testing.T) {
	p := NewInvocationPublisher(&recordingUploader{}, newTestRun())
	assert.Nil(t, p.NewBatches(nil, "fp"))
	assert.Equal(t, int64(0), p.Stats().Issued)
}

func TestPublisher_PanicsOnInvalidBatch(t *testing.T) {
	p := NewInvocationPublisher(&recordingUploader{}, newTestRun())
	require.NoError(t, p.Configure(testIdentity, "enabled=true"))

	assert.Panics(t, func() { _ = p.Publish(context.Background(), nil) })
	assert.Panics(t, func() {
		_ = p.Publish(context.Background(), &Batch{Kind: KindCodeBase, Sequence: 1})
	})
	assert.Panics(t, func() {
		_ = p.Publish(context.Background(), &Batch{Kind: KindInvocations, Sequence: 0})
	})
}

func TestCodeBasePublisher_QuotaExceededIsFatal(t *testing.T) {
	up := &recordingUploader{}
	p := NewCodeBasePublisher(up, newTestRun())
	require.NoError(t, p.Configure(testIdentity, "enabled=true"))
	p.SetLimits(policy.Limits{MaxMethods: 2})

	b := p.NewBatch(codebase.Inventory{
		Fingerprint: "fp",
		Files:       1,
		Signatures:  []string{"a()", "b()", "c()"},
	})
	assert.Equal(t, KindCodeBase, b.Kind)
	assert.Equal(t, "fp", b.Fingerprint)
	assert.Equal(t, 3, b.SizeHint())

	err := p.Publish(context.Background(), b)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.True(t, IsFatal(err))
	assert.False(t, p.Enabled())
	assert.Empty(t, up.uploads)

	p.SetLimits(policy.Limits{})
	require.NoError(t, p.Configure(testIdentity, "enabled=true"))
	require.NoError(t, p.Publish(context.Background(), b))
	require.Len(t, up.uploads, 1)
	assert.Equal(t, KindCodeBase, up.uploads[0].Kind)
}

func TestBatch_RoundTrip(t *testing.T) {
	p := NewInvocationPublisher(&recordingUploader{}, newTestRun())
	require.NoError(t, p.Configure(testIdentity, "enabled=true"))
	b := p.NewBatches(map[string]int64{"a.B.c()": 1234}, "fp")[0]

	data, err := b.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalBatch(data)
	require.NoError(t, err)
	assert.Equal(t, b, decoded)

	_, err = UnmarshalBatch([]byte(`{"kind":"bogus","sequence":1}`))
	assert.Error(t, err)
	_, err = UnmarshalBatch([]byte(`{"kind":"codebase","sequence":0}`))
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(context.DeadlineExceeded))

	fatal := NewFatal(errors.New("nope"), 403)
	wrapped := errors.Join(errors.New("outer"), fatal)
	assert.True(t, IsFatal(wrapped))
	assert.Equal(t, "FATAL (status 403): nope", fatal.Error())
	assert.Equal(t, "RETRYABLE: x", NewRetryable(errors.New("x"), 0).Error())
}

func TestCodeBasePublisher_UploadCarriesIdentity(t *testing.T) {
	var got Upload
	up := UploaderFunc(func(_ context.Context, u Upload) error {
		got = u
		return nil
	})
	p := NewCodeBasePublisher(up, newTestRun())
	require.NoError(t, p.Configure(testIdentity, "enabled=true"))

	b := p.NewBatch(codebase.Inventory{Fingerprint: "1:10:ab", Files: 1, Signatures: []string{"a.B.c()", "a.B.d()"}})
	require.NoError(t, p.Publish(context.Background(), b))

	assert.Equal(t, KindCodeBase, got.Kind)
	assert.Equal(t, "lic-123", got.LicenseKey)
	assert.Equal(t, int64(42), got.CustomerID)
	assert.Equal(t, "1:10:ab", got.Fingerprint)
	assert.Equal(t, 2, got.BatchSizeHint)
	assert.Equal(t, b.Sequence, got.SequenceNumber)

	decoded, err := UnmarshalBatch(got.Body)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.B.c()", "a.B.d()"}, decoded.CodeBase.Signatures)
}
