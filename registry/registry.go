// Package registry implements the invocation registry: signature -> last seen timestamp.
//
// Record is called from arbitrary application goroutines on every monitored
// method call. DrainAndReset is called by the scheduler and is the ONLY way
// to read the registry (publish-then-forget).
package registry

import (
	"fmt"
	"hash/maphash"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 64

// Invocation is the last observed call of one signature.
type Invocation struct {
	Signature       string `json:"signature"`
	InvokedAtMillis int64  `json:"invokedAtMillis"`
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*atomic.Int64
}

// generation holds everything recorded between two drains.
type generation struct {
	shards  [shardCount]shard
	writers atomic.Int64 // Record calls currently writing into this generation
	size    atomic.Int64 // distinct signatures
}

func newGeneration() *generation {
	g := &generation{}
	for i := range g.shards {
		g.shards[i].m = make(map[string]*atomic.Int64)
	}
	return g
}

// Registry stores at most one timestamp per signature (the maximum seen).
type Registry struct {
	live     atomic.Pointer[generation]
	seed     maphash.Seed
	capacity atomic.Int64 // 0 = unbounded
	dropped  atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithCapacity limits the number of distinct signatures per drain period.
// New signatures above the limit are dropped and counted (see Dropped).
func WithCapacity(n int) Option {
	return func(r *Registry) {
		r.SetCapacity(n)
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{seed: maphash.MakeSeed()}
	r.live.Store(newGeneration())
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetCapacity changes the distinct-signature ceiling. n <= 0 removes it.
func (r *Registry) SetCapacity(n int) {
	if n < 0 {
		n = 0
	}
	r.capacity.Store(int64(n))
}

// Capacity returns the current ceiling (0 = unbounded).
func (r *Registry) Capacity() int {
	return int(r.capacity.Load())
}

// Dropped returns how many new signatures were rejected by the capacity ceiling.
func (r *Registry) Dropped() int64 {
	return r.dropped.Load()
}

// Len returns the number of distinct signatures recorded since the last drain.
func (r *Registry) Len() int {
	return int(r.live.Load().size.Load())
}

// RecordNow records an invocation of signature at the current wall clock time.
func (r *Registry) RecordNow(signature string) {
	r.Record(signature, time.Now().UnixMilli())
}

// Record stores timestampMillis for signature unless a later timestamp is
// already present. Never blocks on I/O and never allocates when the signature
// is already known in the current drain period.
//
// An empty signature or a negative timestamp is a programming error and panics.
func (r *Registry) Record(signature string, timestampMillis int64) {
	if signature == "" {
		panic("registry: Record called with empty signature")
	}
	if timestampMillis < 0 {
		panic(fmt.Sprintf("registry: negative timestamp %d for %q", timestampMillis, signature))
	}

	for {
		g := r.live.Load()
		g.writers.Add(1)
		// A drain may have swapped the generation between Load and Add.
		// In that case the drain is not waiting for us: move to the new one.
		if r.live.Load() != g {
			g.writers.Add(-1)
			continue
		}
		r.put(g, signature, timestampMillis)
		g.writers.Add(-1)
		return
	}
}

func (r *Registry) put(g *generation, signature string, ts int64) {
	sh := &g.shards[maphash.String(r.seed, signature)%shardCount]

	sh.mu.RLock()
	slot := sh.m[signature]
	sh.mu.RUnlock()

	if slot == nil {
		slot = r.insert(g, sh, signature)
		if slot == nil {
			return
		}
	}

	for {
		cur := slot.Load()
		if cur >= ts || slot.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// insert is the slow path for a signature not yet seen in this generation.
func (r *Registry) insert(g *generation, sh *shard, signature string) *atomic.Int64 {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if slot := sh.m[signature]; slot != nil {
		return slot
	}

	if limit := r.capacity.Load(); limit > 0 {
		if g.size.Add(1) > limit {
			g.size.Add(-1)
			r.dropped.Add(1)
			return nil
		}
	} else {
		g.size.Add(1)
	}

	slot := new(atomic.Int64)
	slot.Store(-1)
	sh.m[signature] = slot
	return slot
}

// DrainAndReset swaps the live store for an empty one and returns the
// previous contents. The swap is the only synchronization point with
// recorders: it waits just for writers that entered the old store before it.
func (r *Registry) DrainAndReset() map[string]int64 {
	old := r.live.Swap(newGeneration())
	for old.writers.Load() != 0 {
		runtime.Gosched()
	}

	out := make(map[string]int64, old.size.Load())
	for i := range old.shards {
		for signature, slot := range old.shards[i].m {
			out[signature] = slot.Load()
		}
	}
	return out
}

// Invocations converts a drained snapshot into a slice sorted by signature.
func Invocations(drained map[string]int64) []Invocation {
	out := make([]Invocation, 0, len(drained))
	for signature, ts := range drained {
		out = append(out, Invocation{Signature: signature, InvokedAtMillis: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}
