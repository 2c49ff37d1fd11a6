package decoder

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/metrics"
)

// DefaultFragmentTTL is the idle time after which an incomplete datagram is dropped.
const DefaultFragmentTTL = 60 * time.Second

// tableShards is the number of independently locked partitions of the table.
const tableShards = 64

// Clock supplies the time used for TTL bookkeeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

type tableEntry struct {
	r          *Reassembler
	lastAccess time.Time
}

type tableShard struct {
	mu      sync.Mutex
	entries map[core.FlowKey]*tableEntry
}

// FragmentTable holds the live reassemblers of the process, keyed by flow key.
// Every access refreshes the entry's idle timer; entries idle for longer than
// the TTL are dropped by Sweep without emitting anything.
//
// Operations on one key are serialized by the lock of the shard owning it,
// so completion and expiry of the same key never both happen.
type FragmentTable struct {
	ttl    time.Duration
	clock  Clock
	shards [tableShards]tableShard
	size   atomic.Int64
}

// NewFragmentTable creates an empty table. A non-positive ttl selects
// DefaultFragmentTTL and a nil clock selects SystemClock.
func NewFragmentTable(ttl time.Duration, clock Clock) *FragmentTable {
	if ttl <= 0 {
		ttl = DefaultFragmentTTL
	}
	if clock == nil {
		clock = SystemClock()
	}
	t := &FragmentTable{ttl: ttl, clock: clock}
	for i := range t.shards {
		t.shards[i].entries = make(map[core.FlowKey]*tableEntry)
	}
	return t
}

// TTL returns the configured idle timeout.
func (t *FragmentTable) TTL() time.Duration {
	return t.ttl
}

// Len returns the number of live reassemblers.
func (t *FragmentTable) Len() int {
	return int(t.size.Load())
}

// shardFor picks the shard with FNV-1a over the key bytes.
func (t *FragmentTable) shardFor(key core.FlowKey) *tableShard {
	return &t.shards[flowKeyHash(key)%tableShards]
}

func flowKeyHash(key core.FlowKey) uint32 {
	var b [10]byte
	copy(b[0:4], key.Src[:])
	copy(b[4:8], key.Dst[:])
	binary.BigEndian.PutUint16(b[8:], key.ID)
	h := fnv.New32a()
	h.Write(b[:])
	return h.Sum32()
}

// lookup returns the live entry for key, creating it when absent or expired.
// The caller holds s.mu.
func (t *FragmentTable) lookup(s *tableShard, key core.FlowKey, ts, now time.Time) *tableEntry {
	e, ok := s.entries[key]
	if ok && t.expired(e, now) {
		// Idle past the TTL but not swept yet: start over.
		delete(s.entries, key)
		t.size.Add(-1)
		metrics.FragmentsExpiredTotal.Inc()
		ok = false
	}
	if !ok {
		e = &tableEntry{r: NewReassembler(ts)}
		s.entries[key] = e
		t.size.Add(1)
	}
	e.lastAccess = now
	metrics.FragmentTableSize.Set(float64(t.size.Load()))
	return e
}

func (t *FragmentTable) expired(e *tableEntry, now time.Time) bool {
	return now.Sub(e.lastAccess) > t.ttl
}

// GetOrCreate returns the reassembler for key, creating one seeded with ts if
// none is live. The returned reassembler must not be mutated concurrently with
// other operations on the same key; use Accept for that.
func (t *FragmentTable) GetOrCreate(key core.FlowKey, ts time.Time) *Reassembler {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.lookup(s, key, ts, t.clock.Now()).r
}

// Accept feeds one fragment into the reassembler for its flow key. When the
// datagram completes, the entry is removed and the datagram returned.
func (t *FragmentTable) Accept(h core.Ipv4Header, payload []byte, ts time.Time) (Datagram, bool) {
	key := h.FlowKey()
	s := t.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := t.lookup(s, key, ts, t.clock.Now())
	d, ok := e.r.OnFragment(h, payload)
	if !ok {
		return Datagram{}, false
	}

	delete(s.entries, key)
	t.size.Add(-1)
	metrics.FragmentTableSize.Set(float64(t.size.Load()))
	metrics.DatagramsReassembledTotal.Inc()
	return d, true
}

// Remove deletes the entry for key. It reports whether an entry existed.
func (t *FragmentTable) Remove(key core.FlowKey) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	t.size.Add(-1)
	metrics.FragmentTableSize.Set(float64(t.size.Load()))
	return true
}

// Sweep drops every entry idle for more than the TTL at now and returns how many were dropped.
func (t *FragmentTable) Sweep(now time.Time) int {
	expired := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for key, e := range s.entries {
			if t.expired(e, now) {
				delete(s.entries, key)
				expired++
			}
		}
		s.mu.Unlock()
	}

	if expired > 0 {
		t.size.Add(-int64(expired))
		metrics.FragmentsExpiredTotal.Add(float64(expired))
		metrics.FragmentTableSize.Set(float64(t.size.Load()))
	}
	return expired
}

// Run sweeps the table once per TTL until ctx is cancelled.
func (t *FragmentTable) Run(ctx context.Context) {
	ticker := time.NewTicker(t.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.clock.Now())
		}
	}
}
