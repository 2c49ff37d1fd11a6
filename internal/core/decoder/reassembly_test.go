package decoder

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/captain/internal/core"
)

var (
	testSrc = [4]byte{192, 168, 1, 1}
	testDst = [4]byte{192, 168, 1, 2}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fragHeader builds a header for a fragment carrying n payload bytes at
// offset (in 8-byte units) of datagram id.
func fragHeader(id, offset uint16, more bool, n int) core.Ipv4Header {
	return core.Ipv4Header{
		SrcAddr:        testSrc,
		DstAddr:        testDst,
		Identification: id,
		FragmentOffset: offset,
		MoreFragments:  more,
		TotalLength:    20 + n,
		HeaderLength:   20,
		ProtocolNumber: protocolUDP,
	}
}

func sequence(start byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = start + byte(i)
	}
	return b
}

func TestReassembler_TwoFragments(t *testing.T) {
	ts := time.Unix(100, 0)
	r := NewReassembler(ts)

	_, done := r.OnFragment(fragHeader(1, 0, true, 80), sequence(0, 80))
	require.False(t, done, "first fragment alone must not complete")

	d, done := r.OnFragment(fragHeader(1, 10, false, 80), sequence(80, 80))
	require.True(t, done)
	assert.Equal(t, sequence(0, 160), d.Payload)
	assert.Equal(t, uint8(protocolUDP), d.ProtocolNumber)
	assert.Equal(t, testSrc, d.SrcAddr)
	assert.Equal(t, testDst, d.DstAddr)
	assert.Equal(t, ts, d.FirstSeen)
}

func TestReassembler_OrderIndependence(t *testing.T) {
	a := fragHeader(7, 0, true, 24)
	b := fragHeader(7, 3, false, 16)
	pa, pb := sequence(0, 24), sequence(24, 16)

	t1 := time.Unix(10, 0)

	forward := NewReassembler(t1)
	forward.OnFragment(a, pa)
	df, ok := forward.OnFragment(b, pb)
	require.True(t, ok)

	reverse := NewReassembler(t1)
	reverse.OnFragment(b, pb)
	dr, ok := reverse.OnFragment(a, pa)
	require.True(t, ok)

	assert.Equal(t, df.Payload, dr.Payload)
	assert.Equal(t, df.FirstSeen, dr.FirstSeen)
	assert.Equal(t, t1, dr.FirstSeen)
}

func TestReassembler_RequiresEndMarker(t *testing.T) {
	r := NewReassembler(time.Now())
	for i := uint16(0); i < 5; i++ {
		_, done := r.OnFragment(fragHeader(2, i*2, true, 16), sequence(byte(i*16), 16))
		require.False(t, done, "contiguous prefix without the last fragment must not complete")
	}
	assert.Equal(t, 5, r.Fragments())
}

func TestReassembler_GapDefers(t *testing.T) {
	r := NewReassembler(time.Now())

	_, done := r.OnFragment(fragHeader(3, 0, true, 96), sequence(0, 96))
	require.False(t, done)
	_, done = r.OnFragment(fragHeader(3, 24, false, 64), sequence(192, 64))
	require.False(t, done, "gap must keep waiting after the end marker")

	// A repeated end marker does not help while the gap is open.
	_, done = r.OnFragment(fragHeader(3, 24, false, 64), sequence(192, 64))
	require.False(t, done)

	d, done := r.OnFragment(fragHeader(3, 12, true, 96), sequence(96, 96))
	require.True(t, done, "closing the gap completes the datagram")
	assert.Len(t, d.Payload, 96+96+64)
}

func TestReassembler_DuplicateLastWriteWins(t *testing.T) {
	r := NewReassembler(time.Now())

	r.OnFragment(fragHeader(4, 0, true, 8), bytes.Repeat([]byte{0xaa}, 8))
	r.OnFragment(fragHeader(4, 0, true, 8), bytes.Repeat([]byte{0xbb}, 8))
	d, done := r.OnFragment(fragHeader(4, 1, false, 8), bytes.Repeat([]byte{0xcc}, 8))

	require.True(t, done)
	assert.Equal(t, bytes.Repeat([]byte{0xbb}, 8), d.Payload[:8])
	assert.Equal(t, 2, r.Fragments())
}

func TestReassembler_CopiesPayload(t *testing.T) {
	r := NewReassembler(time.Now())

	frame := sequence(0, 16)
	r.OnFragment(fragHeader(5, 0, true, 16), frame)
	frame[0] = 0xff

	d, done := r.OnFragment(fragHeader(5, 2, false, 8), sequence(16, 8))
	require.True(t, done)
	assert.Equal(t, byte(0), d.Payload[0])
}

func TestReassembler_ProtocolFromOffsetZero(t *testing.T) {
	r := NewReassembler(time.Now())

	last := fragHeader(6, 1, false, 8)
	last.ProtocolNumber = protocolGRE
	r.OnFragment(last, sequence(8, 8))

	d, done := r.OnFragment(fragHeader(6, 0, true, 8), sequence(0, 8))
	require.True(t, done)
	assert.Equal(t, uint8(protocolUDP), d.ProtocolNumber)
}

func TestFragmentTable_AcceptCompletesAndRemoves(t *testing.T) {
	clock := newFakeClock()
	table := NewFragmentTable(time.Minute, clock)

	// Every fragment but the last carries a multiple of 8 bytes.
	a := fragHeader(0xe8dd, 0, true, 24)
	b := fragHeader(0xe8dd, 3, false, 20)

	t0 := clock.Now()
	_, done := table.Accept(a, sequence(0, 24), t0)
	require.False(t, done)
	assert.Equal(t, 1, table.Len())

	clock.Advance(time.Second)
	d, done := table.Accept(b, sequence(24, 20), clock.Now())
	require.True(t, done)
	assert.Len(t, d.Payload, 44)
	assert.Equal(t, uint8(protocolUDP), d.ProtocolNumber)
	assert.Equal(t, t0, d.FirstSeen)
	assert.Equal(t, 0, table.Len(), "completed entry is removed")
	assert.False(t, table.Remove(a.FlowKey()))
}

func TestFragmentTable_SweepExpiresIdle(t *testing.T) {
	clock := newFakeClock()
	ttl := time.Minute
	table := NewFragmentTable(ttl, clock)

	a := fragHeader(9, 0, true, 16)
	table.Accept(a, sequence(0, 16), clock.Now())

	assert.Equal(t, 0, table.Sweep(clock.Now().Add(ttl)), "idle for exactly one TTL is kept")
	assert.Equal(t, 1, table.Sweep(clock.Now().Add(ttl+time.Millisecond)))
	assert.Equal(t, 0, table.Len())

	// The same key now starts a new datagram; the old prefix is gone.
	clock.Advance(ttl + time.Millisecond)
	_, done := table.Accept(fragHeader(9, 2, false, 8), sequence(16, 8), clock.Now())
	assert.False(t, done)
	assert.Equal(t, 1, table.Len())
}

func TestFragmentTable_AccessRefreshesTTL(t *testing.T) {
	clock := newFakeClock()
	ttl := time.Minute
	table := NewFragmentTable(ttl, clock)

	table.Accept(fragHeader(10, 0, true, 8), sequence(0, 8), clock.Now())
	clock.Advance(ttl / 2)
	table.Accept(fragHeader(10, 1, true, 8), sequence(8, 8), clock.Now())
	clock.Advance(ttl / 2)

	assert.Equal(t, 0, table.Sweep(clock.Now().Add(time.Millisecond)))

	_, done := table.Accept(fragHeader(10, 2, false, 8), sequence(16, 8), clock.Now())
	assert.True(t, done)
}

func TestFragmentTable_StaleEntryReplacedOnAccess(t *testing.T) {
	clock := newFakeClock()
	ttl := time.Minute
	table := NewFragmentTable(ttl, clock)

	table.Accept(fragHeader(11, 0, true, 8), sequence(0, 8), clock.Now())
	clock.Advance(2 * ttl)

	// Without a sweep in between, the idle entry must not be continued.
	_, done := table.Accept(fragHeader(11, 1, false, 8), sequence(8, 8), clock.Now())
	assert.False(t, done)

	r := table.GetOrCreate(fragHeader(11, 0, false, 0).FlowKey(), clock.Now())
	assert.Equal(t, clock.Now(), r.FirstSeen())
	assert.Equal(t, 1, r.Fragments())
}

func TestFragmentTable_GetOrCreateAndRemove(t *testing.T) {
	clock := newFakeClock()
	table := NewFragmentTable(0, clock)
	assert.Equal(t, DefaultFragmentTTL, table.TTL())

	key := core.FlowKey{Src: testSrc, Dst: testDst, ID: 42}
	r1 := table.GetOrCreate(key, clock.Now())
	r2 := table.GetOrCreate(key, clock.Now().Add(time.Second))
	assert.Same(t, r1, r2)
	assert.Equal(t, clock.Now(), r2.FirstSeen())

	assert.True(t, table.Remove(key))
	assert.Equal(t, 0, table.Len())
}

func TestFragmentTable_ConcurrentFlows(t *testing.T) {
	clock := newFakeClock()
	table := NewFragmentTable(time.Minute, clock)

	const flows = 200
	var completed atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < flows; i++ {
		for _, h := range []core.Ipv4Header{
			fragHeader(uint16(i), 0, true, 8),
			fragHeader(uint16(i), 1, false, 8),
		} {
			wg.Add(1)
			go func(h core.Ipv4Header) {
				defer wg.Done()
				if _, done := table.Accept(h, sequence(0, 8), clock.Now()); done {
					completed.Add(1)
				}
			}(h)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			table.Sweep(clock.Now())
		}
	}()

	wg.Wait()
	assert.Equal(t, int64(flows), completed.Load(), "each datagram completes exactly once")
	assert.Equal(t, 0, table.Len())
}

func TestFragmentTable_ShardSpread(t *testing.T) {
	table := NewFragmentTable(time.Minute, newFakeClock())
	key := core.FlowKey{Src: testSrc, Dst: testDst, ID: 7}
	assert.Same(t, table.shardFor(key), table.shardFor(key))

	// FNV-1a of 10 zero bytes
	assert.Equal(t, uint32(0x404ba46d), flowKeyHash(core.FlowKey{}))

	used := make(map[*tableShard]bool)
	for id := 0; id < 256; id++ {
		used[table.shardFor(core.FlowKey{Src: testSrc, Dst: testDst, ID: uint16(id)})] = true
	}
	assert.Greater(t, len(used), tableShards/2, "datagram ids spread across shards")
}
