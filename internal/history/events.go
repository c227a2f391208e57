package history

import (
	"time"

	"github.com/lucasmdrs/chirp/internal/bus"
	"github.com/lucasmdrs/chirp/internal/store"
)

// Removed is the payload of a bus.HistoryRemoved event, one per deleted row.
type Removed struct {
	Account string
	JID     string
	ID      int64
}

// MarkedRead is the payload of a bus.HistoryMarkedRead event.
type MarkedRead struct {
	Account  string
	JID      string
	Messages []store.ReadMessage
}

func publishEntry(b *bus.Bus, kind bus.Kind, e *store.Entry) {
	if b == nil {
		return
	}
	b.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: e})
}

func publishRemoved(b *bus.Bus, account, jid string, ids []int64) {
	if b == nil {
		return
	}
	for _, id := range ids {
		b.Publish(bus.Event{
			Kind:      bus.HistoryRemoved,
			Timestamp: time.Now(),
			Payload:   Removed{Account: account, JID: jid, ID: id},
		})
	}
}
