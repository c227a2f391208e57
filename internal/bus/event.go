package bus

import "time"

// Kind identifies an event type. Kinds are dot-separated, with the first
// segment acting as a namespace that subscribers can filter on.
type Kind string

const (
	// History timeline events. Payloads are defined by the history package.
	HistoryAdded      Kind = "history.added"
	HistoryUpdated    Kind = "history.updated"
	HistoryRemoved    Kind = "history.removed"
	HistoryMarkedRead Kind = "history.marked_read"

	// Conversation directory events.
	ConversationUpdated Kind = "conversation.updated"
	ConversationClosed  Kind = "conversation.closed"

	// Inbound stanza events, published by the transport adapter.
	StanzaMessage         Kind = "stanza.message"
	StanzaArchiveFinished Kind = "stanza.archive_finished"

	// Ingestion status changes.
	IngestStatusChanged Kind = "ingest.status_changed"
)

// Event is a single domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}
