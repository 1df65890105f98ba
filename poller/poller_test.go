package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/st-keller/codekeeper-agent/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	calls    int
	requests []policy.PollRequest
	resp     policy.PollResponse
	err      error
}

func (f *fakeTransport) Poll(_ context.Context, req policy.PollRequest) (policy.PollResponse, error) {
	f.calls++
	f.requests = append(f.requests, req)
	return f.resp, f.err
}

func goodResponse() policy.PollResponse {
	return policy.PollResponse{
		CustomerID:                       1,
		ConfigPollIntervalSeconds:        60,
		ConfigPollRetryIntervalSeconds:   5,
		CodeBaseCheckIntervalSeconds:     60,
		CodeBaseRetryIntervalSeconds:     5,
		InvocationPublishIntervalSeconds: 60,
		InvocationRetryIntervalSeconds:   5,
		InvocationPublisherEnabled:       true,
	}
}

func source() policy.PollRequest {
	return policy.PollRequest{LicenseKey: "lic", RunUUID: "run", CodeBaseFingerprint: "fp"}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestPoller_InitialConfigIsDefaults(t *testing.T) {
	p := New(&fakeTransport{}, source)
	assert.Equal(t, policy.Defaults(), p.Current())
	assert.False(t, p.Status().Polled)
}

func TestPoller_SuccessReplacesConfig(t *testing.T) {
	tr := &fakeTransport{resp: goodResponse()}
	p := New(tr, source)

	cfg, err := p.Poll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.ConfigPollInterval)
	assert.True(t, cfg.InvocationPublisher.Enabled)
	assert.Equal(t, cfg, p.Current())

	require.Len(t, tr.requests, 1)
	assert.Empty(t, tr.requests[0].PolicyChecksum, "no checksum before first success")
	assert.Equal(t, "fp", tr.requests[0].CodeBaseFingerprint)
}

func TestPoller_ShortCircuitsUnforcedPolls(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := &fakeTransport{resp: goodResponse()}
	p := New(tr, source, WithClock(c.Now))

	first, err := p.Poll(context.Background(), false)
	require.NoError(t, err)

	c.now = c.now.Add(30 * time.Second)
	_, err = p.Poll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.calls, "fresh config served without network I/O")

	_, err = p.Poll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.calls, "forced poll always goes out")
	assert.Equal(t, first.Checksum, tr.requests[1].PolicyChecksum)

	c.now = c.now.Add(61 * time.Second)
	_, err = p.Poll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 3, tr.calls)
}

func TestPoller_FailureKeepsKnownGoodConfig(t *testing.T) {
	tr := &fakeTransport{resp: goodResponse()}
	p := New(tr, source)
	good, err := p.Poll(context.Background(), true)
	require.NoError(t, err)

	tr.err = errors.New("connection refused")
	cfg, err := p.Poll(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, good, cfg)
	assert.Equal(t, good, p.Current())
	assert.Contains(t, p.Status().LastError, "connection refused")

	tr.err = nil
	tr.resp = policy.PollResponse{} // zero intervals are invalid
	cfg, err = p.Poll(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, good, cfg)
	assert.Equal(t, good, p.Current())
}

func TestPoller_FailureBeforeFirstSuccessKeepsDefaults(t *testing.T) {
	tr := &fakeTransport{err: errors.New("timeout")}
	p := New(tr, source, WithInitial(policy.Defaults()))

	cfg, err := p.Poll(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, policy.Defaults(), cfg)
	assert.False(t, cfg.InvocationPublisher.Enabled)
	assert.Equal(t, 1, p.Status().Polls)
}

func TestPoller_TransportFuncHonoursContext(t *testing.T) {
	tr := TransportFunc(func(ctx context.Context, _ policy.PollRequest) (policy.PollResponse, error) {
		if err := ctx.Err(); err != nil {
			return policy.PollResponse{}, err
		}
		return goodResponse(), nil
	})
	p := New(tr, source)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg, err := p.Poll(ctx, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, policy.Defaults(), cfg)

	_, err = p.Poll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Status().Successes)
}
