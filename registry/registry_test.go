package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_OutOfOrderTimestampKeepsMax(t *testing.T) {
	r := New()

	r.Record("com.acme.Foo.bar()", 1000)
	r.Record("com.acme.Foo.bar()", 500)

	drained := r.DrainAndReset()
	assert.Equal(t, map[string]int64{"com.acme.Foo.bar()": 1000}, drained)
}

func TestRegistry_LaterTimestampOverwrites(t *testing.T) {
	r := New()

	r.Record("com.acme.Foo.bar()", 1000)
	r.Record("com.acme.Foo.bar()", 2000)
	r.Record("com.acme.Foo.baz()", 0)

	drained := r.DrainAndReset()
	assert.Equal(t, int64(2000), drained["com.acme.Foo.bar()"])
	assert.Equal(t, int64(0), drained["com.acme.Foo.baz()"])
	assert.Len(t, drained, 2)
}

func TestRegistry_DrainTwiceReturnsEmpty(t *testing.T) {
	r := New()
	r.Record("a()", 1)

	first := r.DrainAndReset()
	second := r.DrainAndReset()

	assert.Len(t, first, 1)
	assert.Empty(t, second)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Len(t *testing.T) {
	r := New()
	r.Record("a()", 1)
	r.Record("a()", 2)
	r.Record("b()", 3)

	assert.Equal(t, 2, r.Len())
}

func TestRegistry_InvalidInputPanics(t *testing.T) {
	r := New()

	assert.Panics(t, func() { r.Record("", 1) })
	assert.Panics(t, func() { r.Record("a()", -1) })
}

func TestRegistry_ConcurrentSameSignatureKeepsMax(t *testing.T) {
	r := New()
	const goroutines = 64
	const callsPerGoroutine = 500

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				r.Record("com.acme.Hot.path()", int64(base*callsPerGoroutine+j))
			}
		}(i)
	}
	wg.Wait()

	drained := r.DrainAndReset()
	assert.Equal(t, int64(goroutines*callsPerGoroutine-1), drained["com.acme.Hot.path()"])
}

func TestRegistry_ConcurrentRecordAndDrainLosesNothing(t *testing.T) {
	r := New()
	const goroutines = 16
	const signaturesPerGoroutine = 2000

	var mu sync.Mutex
	seen := make(map[string]int64)
	merge := func(m map[string]int64) {
		mu.Lock()
		defer mu.Unlock()
		for sig, ts := range m {
			if ts > seen[sig] {
				seen[sig] = ts
			}
		}
	}

	stop := make(chan struct{})
	drainerDone := make(chan struct{})
	go func() {
		defer close(drainerDone)
		for {
			select {
			case <-stop:
				return
			default:
				merge(r.DrainAndReset())
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < signaturesPerGoroutine; j++ {
				r.Record(fmt.Sprintf("g%d.m%d()", g, j), int64(j+1))
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	<-drainerDone
	merge(r.DrainAndReset())

	require.Len(t, seen, goroutines*signaturesPerGoroutine)
	for i := 0; i < goroutines; i++ {
		for j := 0; j < signaturesPerGoroutine; j++ {
			assert.Equal(t, int64(j+1), seen[fmt.Sprintf("g%d.m%d()", i, j)])
		}
	}
}

func TestRegistry_KnownSignatureDoesNotAllocate(t *testing.T) {
	r := New()
	r.Record("com.acme.Foo.bar()", 1)

	var ts int64
	allocs := testing.AllocsPerRun(1000, func() {
		ts++
		r.Record("com.acme.Foo.bar()", ts)
	})
	assert.Zero(t, allocs)
}

func TestRegistry_CapacityDropsNewSignatures(t *testing.T) {
	r := New(WithCapacity(2))

	r.Record("a()", 1)
	r.Record("b()", 1)
	r.Record("c()", 1)
	r.Record("a()", 5) // known signatures still update

	assert.Equal(t, int64(1), r.Dropped())
	drained := r.DrainAndReset()
	assert.Equal(t, map[string]int64{"a()": 5, "b()": 1}, drained)

	// The ceiling applies per drain period.
	r.Record("c()", 2)
	assert.Equal(t, map[string]int64{"c()": 2}, r.DrainAndReset())
}

func TestRegistry_SetCapacityZeroRemovesCeiling(t *testing.T) {
	r := New(WithCapacity(1))
	r.SetCapacity(0)

	r.Record("a()", 1)
	r.Record("b()", 1)

	assert.Equal(t, 0, r.Capacity())
	assert.Len(t, r.DrainAndReset(), 2)
	assert.Zero(t, r.Dropped())
}

func TestInvocations_SortedBySignature(t *testing.T) {
	got := Invocations(map[string]int64{"b()": 2, "a()": 1})

	assert.Equal(t, []Invocation{
		{Signature: "a()", InvokedAtMillis: 1},
		{Signature: "b()", InvokedAtMillis: 2},
	}, got)
}
