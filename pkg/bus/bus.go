package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed MessageBus.
var ErrBusClosed = errors.New("message bus closed")

// defaultBuffer absorbs short admission bursts when no capacity is
// configured.
const defaultBuffer = 64

// MessageBus connects the ingress surfaces (websocket frames, admin
// injection, the chat console) to the engine, and carries finished
// responses back out. Publishing blocks once a direction's buffer is
// full, so a saturated pipeline backpressures ingress instead of
// dropping messages.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	closed   atomic.Bool
}

// NewMessageBus sizes both directions to capacity; non-positive picks
// the default. Deployments pass the pipeline queue size so the bus
// never holds more than one dispatch round ahead of the workers.
func NewMessageBus(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = defaultBuffer
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
		done:     make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	return send(ctx, mb, mb.inbound, msg)
}

// ConsumeInbound blocks for the next message awaiting admission. The
// second return is false once the bus closes or ctx ends.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return receive(ctx, mb, mb.inbound)
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	return send(ctx, mb, mb.outbound, msg)
}

// SubscribeOutbound blocks for the next finished response. The second
// return is false once the bus closes or ctx ends.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return receive(ctx, mb, mb.outbound)
}

// Close wakes every blocked publisher and consumer. Messages still
// buffered are drained by consumers already mid-receive; new publishes
// fail with ErrBusClosed.
func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}

func send[T any](ctx context.Context, mb *MessageBus, ch chan<- T, msg T) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case ch <- msg:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func receive[T any](ctx context.Context, mb *MessageBus, ch <-chan T) (T, bool) {
	var zero T
	select {
	case msg, ok := <-ch:
		if !ok {
			return zero, false
		}
		return msg, true
	case <-mb.done:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}
