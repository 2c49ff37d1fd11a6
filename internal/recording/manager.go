// Package recording selects RTP streams by address and hands copies of their
// packets to the recording route without slowing the decode path.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/captain/internal/config"
	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/metrics"
)

// Route is the downstream route of recorded packets.
const Route = "rec"

const (
	defaultForwardBatchSize    = 64
	defaultForwardBatchTimeout = 50 * time.Millisecond
)

// Sender delivers a batch on a route.
type Sender interface {
	Send(ctx context.Context, route string, batch []*core.Packet) error
}

// Manager holds the recording targets and the hand-off queue.
// Check and Record are safe for concurrent use by all pipelines.
type Manager struct {
	enabled bool
	targets *cache.Cache
	queue   chan *core.Packet
}

// NewManager creates a manager from cfg and marks the configured targets.
func NewManager(cfg config.RecordingConfig) (*Manager, error) {
	expiration := cache.NoExpiration
	var cleanup time.Duration
	if cfg.TTL > 0 {
		expiration = cfg.TTL
		cleanup = cfg.TTL
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}

	m := &Manager{
		enabled: cfg.Enabled,
		targets: cache.New(expiration, cleanup),
		queue:   make(chan *core.Packet, size),
	}
	for _, t := range cfg.Targets {
		addr, err := netip.ParseAddr(t)
		if err != nil || !addr.Is4() {
			return nil, fmt.Errorf("%w: recording target %q is not an IPv4 address", core.ErrConfigInvalid, t)
		}
		m.Mark(addr.As4())
	}
	return m, nil
}

// Enabled reports whether recording is switched on.
func (m *Manager) Enabled() bool { return m.enabled }

// Mark adds addr as a target using the default expiration.
func (m *Manager) Mark(addr [4]byte) {
	m.targets.SetDefault(key(addr), struct{}{})
}

// Unmark removes addr from the targets.
func (m *Manager) Unmark(addr [4]byte) {
	m.targets.Delete(key(addr))
}

// Targets returns the number of live targets.
func (m *Manager) Targets() int {
	return m.targets.ItemCount()
}

// Check reports whether pkt belongs to a recorded stream.
func (m *Manager) Check(pkt *core.Packet) bool {
	if !m.enabled {
		return false
	}
	if _, ok := m.targets.Get(key(pkt.SrcAddr)); ok {
		return true
	}
	_, ok := m.targets.Get(key(pkt.DstAddr))
	return ok
}

// Record queues pkt for recording. It never blocks; when the queue is full
// the packet is dropped and counted.
func (m *Manager) Record(pkt *core.Packet) {
	select {
	case m.queue <- pkt:
		metrics.RecordingHandoffsTotal.WithLabelValues("queued").Inc()
	default:
		metrics.RecordingHandoffsTotal.WithLabelValues("dropped").Inc()
	}
}

// C returns the queue of recorded packets.
func (m *Manager) C() <-chan *core.Packet {
	return m.queue
}

// Forward drains the queue into s in batches on Route until ctx is done,
// flushing on size or timeout. Packets still queued at cancellation are
// sent with a final flush.
func (m *Manager) Forward(ctx context.Context, s Sender, batchSize int) {
	if batchSize <= 0 {
		batchSize = defaultForwardBatchSize
	}
	batch := make([]*core.Packet, 0, batchSize)
	ticker := time.NewTicker(defaultForwardBatchTimeout)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.Send(ctx, Route, batch); err != nil {
			slog.Warn("recording batch failed", "batch_size", len(batch), "error", err)
		}
		batch = make([]*core.Packet, 0, batchSize)
	}

	for {
		select {
		case pkt := <-m.queue:
			batch = append(batch, pkt)
			if len(batch) >= batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			for {
				select {
				case pkt := <-m.queue:
					batch = append(batch, pkt)
				default:
					flush(context.WithoutCancel(ctx))
					return
				}
			}
		}
	}
}

func key(addr [4]byte) string {
	return netip.AddrFrom4(addr).String()
}
