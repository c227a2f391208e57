package history

import (
	"context"

	"github.com/lucasmdrs/chirp/internal/bus"
	"github.com/lucasmdrs/chirp/internal/status"
	"github.com/lucasmdrs/chirp/internal/xmpp"
	"go.uber.org/zap"
)

// Engine feeds the history service from the bus. The transport adapter
// publishes decoded stanzas under the "stanza." namespace; the engine is the
// single consumer, so ingestion is single-writer by construction.
type Engine struct {
	service *Service
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewEngine creates an ingestion engine.
func NewEngine(service *Service, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Engine {
	return &Engine{
		service: service,
		bus:     b,
		machine: machine,
		logger:  logger,
	}
}

// Start subscribes to inbound stanza events.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("stanza.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.StanzaMessage:
		in, ok := evt.Payload.(*xmpp.Inbound)
		if !ok {
			return
		}
		if in.Source == xmpp.SourceArchive {
			_ = e.machine.Transition(status.CatchingUp)
		}
		if err := e.service.Ingest(in); err != nil {
			e.logger.Error("failed to ingest stanza",
				zap.Error(err), zap.String("jid", in.Peer), zap.String("origin_id", in.OriginID))
		}
	case bus.StanzaArchiveFinished:
		if err := e.machine.Transition(status.Live); err == nil {
			e.logger.Info("archive replay finished")
		}
	}
}
