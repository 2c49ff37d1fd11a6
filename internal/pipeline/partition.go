package pipeline

import (
	"encoding/binary"
	"hash/fnv"
	"sync/atomic"

	"firestige.xyz/captain/internal/config"
	"firestige.xyz/captain/internal/core"
)

// Partitioner determines which pipeline instance receives a frame.
type Partitioner interface {
	// Partition returns the pipeline index (0-based) for the given frame.
	// numPipelines is guaranteed to be > 0.
	Partition(raw core.RawPacket, numPipelines int) int

	// Name returns the strategy name for logging.
	Name() string
}

// FlowHashPartitioner hashes the outer IPv4 address pair (FNV-1a). All
// fragments of a datagram carry the same addresses, so they reach the same
// instance; frames without an IPv4 header go to instance 0.
type FlowHashPartitioner struct{}

func (FlowHashPartitioner) Partition(raw core.RawPacket, numPipelines int) int {
	if numPipelines <= 1 {
		return 0
	}
	src, dst, ok := ipv4Addrs(raw.Data)
	if !ok {
		return 0
	}
	return int(addrPairHash(src, dst) % uint32(numPipelines))
}

func (FlowHashPartitioner) Name() string { return config.DispatchFlowHash }

// RoundRobinPartitioner spreads frames evenly with no flow affinity.
// Fragments of one datagram may then land on different instances; the
// shared fragment table still reassembles them.
type RoundRobinPartitioner struct {
	counter atomic.Uint64
}

func (p *RoundRobinPartitioner) Partition(_ core.RawPacket, numPipelines int) int {
	return int(p.counter.Add(1) % uint64(numPipelines))
}

func (p *RoundRobinPartitioner) Name() string { return config.DispatchRoundRobin }

// NewPartitioner creates a partitioner by name.
// Supported strategies: "flow-hash" (default), "round-robin".
func NewPartitioner(name string) Partitioner {
	switch name {
	case config.DispatchRoundRobin:
		return &RoundRobinPartitioner{}
	default:
		return FlowHashPartitioner{}
	}
}

const (
	etherTypeIPv4  = 0x0800
	etherTypeDot1Q = 0x8100
	etherTypeQinQ  = 0x88A8
	ethHeaderLen   = 14
	vlanTagLen     = 4
	maxVlanTags    = 2
)

// ipv4Addrs locates the outer IPv4 addresses behind Ethernet and up to two VLAN tags.
func ipv4Addrs(frame []byte) (src, dst [4]byte, ok bool) {
	if len(frame) < ethHeaderLen {
		return src, dst, false
	}
	off := 12
	etherType := binary.BigEndian.Uint16(frame[off:])
	for tags := 0; (etherType == etherTypeDot1Q || etherType == etherTypeQinQ) && tags < maxVlanTags; tags++ {
		off += vlanTagLen
		if len(frame) < off+2 {
			return src, dst, false
		}
		etherType = binary.BigEndian.Uint16(frame[off:])
	}
	if etherType != etherTypeIPv4 {
		return src, dst, false
	}

	ip := frame[off+2:]
	if len(ip) < 20 || ip[0]>>4 != 4 {
		return src, dst, false
	}
	copy(src[:], ip[12:16])
	copy(dst[:], ip[16:20])
	return src, dst, true
}

// addrPairHash is direction independent: a->b and b->a hash alike.
func addrPairHash(a, b [4]byte) uint32 {
	if binary.BigEndian.Uint32(a[:]) > binary.BigEndian.Uint32(b[:]) {
		a, b = b, a
	}
	h := fnv.New32a()
	h.Write(a[:])
	h.Write(b[:])
	return h.Sum32()
}
