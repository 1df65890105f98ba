package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_PrimeSequenceCappedByLimit(t *testing.T) {
	limit := 30 * time.Second
	var got []time.Duration
	for i := 1; i <= 10; i++ {
		got = append(got, Delay(i, limit))
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 3 * time.Second, 5 * time.Second,
		11 * time.Second, 23 * time.Second, 30 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second,
	}, got)
}

func TestDelay_ExhaustedUsesLimit(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Delay(9, 5*time.Minute))
	assert.Equal(t, 61*time.Second, Delay(8, 5*time.Minute))
	assert.Equal(t, time.Second, Delay(0, 5*time.Minute))
}

func TestTask_Lifecycle(t *testing.T) {
	now := time.Unix(1000, 0)
	task := NewTask("publish")

	assert.Equal(t, "publish", task.Name())
	assert.True(t, task.Due(now), "new task is due immediately")

	d := task.Fail(now, time.Minute)
	assert.Equal(t, time.Second, d)
	assert.Equal(t, 1, task.Attempts())
	assert.False(t, task.Due(now))
	assert.True(t, task.Due(now.Add(time.Second)))

	task.Fail(now, time.Minute)
	assert.Equal(t, now.Add(2*time.Second), task.NextEligible())

	task.Succeed(now, 10*time.Minute)
	assert.Equal(t, 0, task.Attempts())
	assert.Equal(t, now, task.LastSuccess())
	assert.False(t, task.Due(now.Add(9*time.Minute)))
	assert.True(t, task.Due(now.Add(10*time.Minute)))

	task.ForceNow(now.Add(time.Minute))
	assert.True(t, task.Due(now.Add(time.Minute)))

	task.Defer(now, time.Hour)
	assert.False(t, task.Due(now.Add(59*time.Minute)))
}

func TestTask_IndependentCounters(t *testing.T) {
	now := time.Unix(0, 0)
	a := NewTask("config")
	b := NewTask("publish")

	a.Fail(now, time.Minute)
	a.Fail(now, time.Minute)

	assert.Equal(t, 2, a.Attempts())
	assert.Equal(t, 0, b.Attempts())
	assert.True(t, b.Due(now))
}
