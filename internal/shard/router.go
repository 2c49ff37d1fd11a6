// Package shard groups decoded RTP packets by stream and hands them to the
// downstream sink in per-shard batches.
package shard

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/metrics"
)

// RoutePrefix names the downstream route of a shard: "rtp_<index>".
const RoutePrefix = "rtp_"

// Sink delivers one batch to one downstream route. Send may block;
// that is how downstream backpressure reaches the pipeline.
type Sink interface {
	Send(ctx context.Context, route string, batch []*core.Packet) error
}

// Index returns the shard of a stream. It only depends on ssrc, so every
// packet of one stream lands on the same shard.
func Index(ssrc uint32, instances int) int {
	if instances <= 1 {
		return 0
	}
	return int(ssrc % uint32(instances))
}

// RouteName returns the route of shard index.
func RouteName(index int) string {
	return RoutePrefix + strconv.Itoa(index)
}

// Router accumulates packets per shard and flushes a shard's batch once it
// reaches the bulk size. Batches of different shards are never merged.
//
// A Router belongs to one pipeline instance and is not safe for concurrent use.
type Router struct {
	instances int
	bulkSize  int
	sink      Sink
	batches   map[int][]*core.Packet
}

// NewRouter creates a router over instances shards. A bulk size below 1 means 1.
func NewRouter(instances, bulkSize int, sink Sink) *Router {
	if instances < 1 {
		instances = 1
	}
	if bulkSize < 1 {
		bulkSize = 1
	}
	return &Router{
		instances: instances,
		bulkSize:  bulkSize,
		sink:      sink,
		batches:   make(map[int][]*core.Packet),
	}
}

// Route appends pkt to its shard's batch and flushes the batch when full.
// pkt's payload must already be the parsed RTP header.
func (r *Router) Route(ctx context.Context, pkt *core.Packet) error {
	h, ok := pkt.Payload.(core.RtpHeader)
	if !ok {
		return fmt.Errorf("shard route: %w", core.ErrUnsupportedProto)
	}

	index := Index(h.SSRC, r.instances)
	batch := append(r.batches[index], pkt)
	if len(batch) < r.bulkSize {
		r.batches[index] = batch
		return nil
	}

	// The flushed slice is handed off; the shard starts a fresh one.
	delete(r.batches, index)
	return r.send(ctx, index, batch)
}

// Pending returns the number of packets waiting in shard index.
func (r *Router) Pending(index int) int {
	return len(r.batches[index])
}

// Flush sends every partial batch, in shard order.
func (r *Router) Flush(ctx context.Context) error {
	var errs []error
	for index := 0; index < r.instances; index++ {
		batch, ok := r.batches[index]
		if !ok {
			continue
		}
		delete(r.batches, index)
		if err := r.send(ctx, index, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) send(ctx context.Context, index int, batch []*core.Packet) error {
	route := RouteName(index)
	metrics.BatchSize.WithLabelValues(route).Observe(float64(len(batch)))

	if err := r.sink.Send(ctx, route, batch); err != nil {
		return fmt.Errorf("send batch to %s: %w", route, err)
	}
	metrics.BatchesFlushedTotal.WithLabelValues(route).Inc()
	return nil
}
