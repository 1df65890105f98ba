package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validResponse() PollResponse {
	return PollResponse{
		CustomerID:                       42,
		ConfigPollIntervalSeconds:        60,
		ConfigPollRetryIntervalSeconds:   10,
		CodeBaseCheckIntervalSeconds:     120,
		CodeBaseRetryIntervalSeconds:     20,
		InvocationPublishIntervalSeconds: 300,
		InvocationRetryIntervalSeconds:   30,
		CodeBasePublisherEnabled:         true,
		CodeBasePublisherConfig:          "enabled=false; maxBatchSize=0",
		InvocationPublisherEnabled:       true,
		InvocationPublisherConfig:        "maxBatchSize=1000",
		MaxMethods:                       50000,
		PackagePrefixes:                  []string{" se.acme.", "com.acme.", ""},
	}
}

func TestParsePollResponse(t *testing.T) {
	cfg, err := ParsePollResponse(validResponse())
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.ConfigPollInterval)
	assert.Equal(t, 10*time.Second, cfg.ConfigPollRetryInterval)
	assert.Equal(t, 2*time.Minute, cfg.CodeBaseCheckInterval)
	assert.Equal(t, 20*time.Second, cfg.CodeBaseRetryInterval)
	assert.Equal(t, 5*time.Minute, cfg.InvocationPublishInterval)
	assert.Equal(t, 30*time.Second, cfg.InvocationRetryInterval)
	assert.Equal(t, int64(42), cfg.CustomerID)
	assert.Equal(t, 50000, cfg.Limits.MaxMethods)
	assert.Equal(t, []string{"com.acme.", "se.acme."}, cfg.PackagePrefixes)

	// explicit flag wins over the policy string
	assert.True(t, cfg.CodeBasePublisher.Enabled)
	assert.Equal(t, PublisherPolicy{Enabled: true, MaxBatchSize: 1000}, cfg.InvocationPublisher)
	assert.NotEmpty(t, cfg.Checksum)
}

func TestParsePollResponse_ChecksumStable(t *testing.T) {
	a, err := ParsePollResponse(validResponse())
	require.NoError(t, err)
	b, err := ParsePollResponse(validResponse())
	require.NoError(t, err)
	assert.Equal(t, a.Checksum, b.Checksum)

	changed := validResponse()
	changed.InvocationPublisherEnabled = false
	c, err := ParsePollResponse(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a.Checksum, c.Checksum)
}

func TestParsePollResponse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PollResponse)
	}{
		{"zero poll interval", func(r *PollResponse) { r.ConfigPollIntervalSeconds = 0 }},
		{"negative retry interval", func(r *PollResponse) { r.InvocationRetryIntervalSeconds = -1 }},
		{"negative max methods", func(r *PollResponse) { r.MaxMethods = -5 }},
		{"bad publisher config", func(r *PollResponse) { r.CodeBasePublisherConfig = "enabled" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validResponse()
			tt.mutate(&r)
			_, err := ParsePollResponse(r)
			assert.Error(t, err)
		})
	}
}

func TestParsePublisherPolicy(t *testing.T) {
	p, err := ParsePublisherPolicy(" enabled = true ;maxBatchSize=250; futureKey=x ")
	require.NoError(t, err)
	assert.Equal(t, PublisherPolicy{Enabled: true, MaxBatchSize: 250}, p)

	empty, err := ParsePublisherPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PublisherPolicy{}, empty)

	_, err = ParsePublisherPolicy("enabled=maybe")
	assert.Error(t, err)
	_, err = ParsePublisherPolicy("maxBatchSize=-1")
	assert.Error(t, err)
}

func TestPublisherPolicy_StringRoundTrip(t *testing.T) {
	in := PublisherPolicy{Enabled: true, MaxBatchSize: 77}
	out, err := ParsePublisherPolicy(in.String())
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "enabled=true; maxBatchSize=77", in.String())
}

func TestDefaults_PublishingDisabled(t *testing.T) {
	d := Defaults()
	assert.False(t, d.CodeBasePublisher.Enabled)
	assert.False(t, d.InvocationPublisher.Enabled)
	assert.Equal(t, time.Hour, d.ConfigPollInterval)
	assert.Empty(t, d.Checksum)
}
