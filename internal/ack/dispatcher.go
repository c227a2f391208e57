// Package ack dispatches delivery receipts and chat markers to the
// transport. Dispatch is fire-and-forget: failures are logged, never
// retried, and never fed back into the ingestion path.
package ack

import (
	"context"

	"go.uber.org/zap"
)

// Kind is one acknowledgement flavor.
type Kind int

const (
	Receipt Kind = iota + 1 // XEP-0184 delivery receipt
	MarkerReceived
	MarkerDisplayed
)

// Request asks the transport to acknowledge a message by origin-id.
type Request struct {
	Account  string
	Peer     string
	OriginID string
	Kinds    []Kind
}

// Sender transmits an acknowledgement. Implemented by the transport
// adapter; the core never talks to the network itself.
type Sender interface {
	Send(ctx context.Context, req Request) error
}

// Dispatcher drains queued requests to a Sender on its own goroutine.
type Dispatcher struct {
	sender Sender
	logger *zap.Logger
	queue  chan Request
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher with a bounded queue. When the queue is
// full, new requests are dropped; acknowledgements are best-effort.
func NewDispatcher(sender Sender, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		logger: logger,
		queue:  make(chan Request, 256),
	}
}

// Start begins draining the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.loop(ctx)
}

// Stop stops the drain loop. Queued requests are abandoned.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Enqueue queues a request without blocking.
func (d *Dispatcher) Enqueue(req Request) {
	if len(req.Kinds) == 0 || req.OriginID == "" {
		return
	}
	select {
	case d.queue <- req:
	default:
		d.logger.Warn("ack queue full, dropping",
			zap.String("peer", req.Peer), zap.String("origin_id", req.OriginID))
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case req := <-d.queue:
			if err := d.sender.Send(ctx, req); err != nil {
				d.logger.Warn("failed to send ack",
					zap.Error(err), zap.String("peer", req.Peer), zap.String("origin_id", req.OriginID))
			}
		case <-ctx.Done():
			return
		}
	}
}

// NopSender discards acknowledgements. Used until a transport adapter is
// wired in.
type NopSender struct{}

func (NopSender) Send(context.Context, Request) error { return nil }
