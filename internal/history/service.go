// Package history is the chat history ingestion and reconciliation core.
// It classifies inbound stanzas against the existing timeline, materializes
// each remote message at most once, applies corrections and retractions
// with monotonicity guards, and keeps read markers and link previews in
// step with the timeline.
package history

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lucasmdrs/chirp/internal/ack"
	"github.com/lucasmdrs/chirp/internal/bus"
	"github.com/lucasmdrs/chirp/internal/directory"
	"github.com/lucasmdrs/chirp/internal/store"
	"github.com/lucasmdrs/chirp/internal/xmpp"
	"go.uber.org/zap"
)

// Service owns all timeline mutations. Every mutation is a single
// transactional store call followed by exactly one added/updated/removed
// event, so observers never see a half-applied step.
type Service struct {
	db       *store.DB
	bus      *bus.Bus
	dir      *directory.Directory
	previews *Generator
	acks     *ack.Dispatcher
	logger   *zap.Logger
}

// New creates the history service. previews and acks may be nil; the
// corresponding side effects are then skipped.
func New(db *store.DB, b *bus.Bus, dir *directory.Directory, previews *Generator, acks *ack.Dispatcher, logger *zap.Logger) *Service {
	return &Service{
		db:       db,
		bus:      b,
		dir:      dir,
		previews: previews,
		acks:     acks,
		logger:   logger,
	}
}

// Ingest runs one stanza through the identity cascade. Resolution order is
// a deliberate tie-break policy: retraction, correction, own-archive-id
// dedup, origin-id reconciliation, then append.
func (s *Service) Ingest(in *xmpp.Inbound) error {
	kind := conversationKind(in)
	conv, err := s.dir.Open(in.Account, in.Peer, kind)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}

	if in.RetractID != "" {
		return s.retract(conv, in)
	}
	if in.CorrectionID != "" {
		return s.correct(conv, in)
	}
	if in.Type == xmpp.TypeError {
		return s.deliveryError(conv, in)
	}
	if in.Marker != nil {
		// A marker can ride on a stanza that also carries content.
		if err := s.applyMarker(conv, in); err != nil {
			return err
		}
	}
	if !in.HasContent() {
		// State-only signal: chat state or a bare marker. Never a timeline row.
		return nil
	}

	if sid := in.ServerMsgID(); sid != "" {
		exists, err := s.db.HasServerMsgID(in.Account, sid)
		if err != nil {
			return err
		}
		if exists {
			// Already materialized, e.g. own-message echo via the archive.
			return nil
		}
	}

	if in.OriginID != "" {
		e, changed, err := s.db.ReconcileServerMsgID(in.Account, in.Peer, in.OriginID,
			authorFilter(conv.Kind, in), in.ServerMsgID(), in.RemoteMsgID())
		if err != nil {
			return err
		}
		if e != nil {
			// Same logical message through a second channel. An event goes
			// out only when an archive id was actually filled in.
			if changed {
				publishEntry(s.bus, bus.HistoryUpdated, e)
			}
			return nil
		}
	}

	return s.append(conv, in)
}

// append materializes a genuinely new entry.
func (s *Service) append(conv store.Conversation, in *xmpp.Inbound) error {
	itemType, data, appendix := interpretPayload(in)
	state := entryState(in)
	senderKind, nickname, participantID, authorJID := sender(conv.Kind, in)

	e := &store.Entry{
		Account:       in.Account,
		JID:           in.Peer,
		Timestamp:     in.Timestamp.Truncate(time.Millisecond).UnixMilli(),
		State:         state,
		ItemType:      itemType,
		Data:          data,
		Appendix:      appendix,
		SenderKind:    senderKind,
		Nickname:      nickname,
		ParticipantID: participantID,
		AuthorJID:     authorJID,
		StanzaID:      in.OriginID,
		ServerMsgID:   in.ServerMsgID(),
		RemoteMsgID:   in.RemoteMsgID(),
		Markable:      in.Markable,
		Encryption:    store.Encryption(in.Encryption),
		Fingerprint:   in.Fingerprint,
		ErrorMsg:      in.ErrorCondition,
	}

	if _, err := s.db.InsertEntry(e); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the race against another channel of the same message.
			return nil
		}
		return err
	}

	publishEntry(s.bus, bus.HistoryAdded, e)
	s.dir.NewActivity(in.Account, in.Peer, e.Timestamp, activityPreview(e), nickname, state.IsUnread())

	if in.Outgoing {
		// Own messages cannot be unread; everything up to here was seen.
		if err := s.MarkAsRead(in.Account, in.Peer, in.Timestamp); err != nil {
			s.logger.Warn("failed to mark own message read", zap.Error(err))
		}
	} else if in.Source == xmpp.SourceStream {
		s.dispatchAcks(in)
	}

	if s.previews != nil && itemType == store.ItemMessage && state != store.OutgoingUnsent {
		s.previews.Generate(e.ID)
	}
	return nil
}

// AppendOutgoing creates an unsent outgoing message with a fresh origin-id.
// The transport confirms transmission via UpdateState(OutgoingUnsent,
// OutgoingSent).
func (s *Service) AppendOutgoing(account, jid, body string) (*store.Entry, error) {
	conv, err := s.dir.Open(account, jid, store.KindChat)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}

	e := &store.Entry{
		Account:    account,
		JID:        jid,
		Timestamp:  time.Now().Truncate(time.Millisecond).UnixMilli(),
		State:      store.OutgoingUnsent,
		ItemType:   store.ItemMessage,
		Data:       body,
		SenderKind: store.SenderMe,
		Nickname:   conv.Nickname,
		AuthorJID:  account,
		StanzaID:   uuid.NewString(),
	}
	if _, err := s.db.InsertEntry(e); err != nil {
		return nil, err
	}
	publishEntry(s.bus, bus.HistoryAdded, e)
	s.dir.NewActivity(account, jid, e.Timestamp, activityPreview(e), e.Nickname, false)
	return e, nil
}

// correct applies a last-message-correction. Stale and replayed corrections
// are dropped silently; that is normal federated eventual consistency, not
// a fault.
func (s *Service) correct(conv store.Conversation, in *xmpp.Inbound) error {
	var body string
	if in.Body != nil {
		body = *in.Body
	}
	ts := in.Timestamp.Truncate(time.Millisecond).UnixMilli()

	e, err := s.db.ApplyCorrection(in.Account, in.Peer, in.CorrectionID,
		authorFilter(conv.Kind, in), body, ts, in.OriginID)
	if err != nil {
		return err
	}
	if e == nil {
		s.logger.Debug("correction dropped",
			zap.String("target", in.CorrectionID), zap.String("jid", in.Peer))
		return nil
	}

	publishEntry(s.bus, bus.HistoryUpdated, e)
	s.dir.RefreshActivity(in.Account, in.Peer)
	if s.previews != nil {
		s.previews.Regenerate(e.ID)
	}
	return nil
}

// retract replaces the target's payload with its retracted variant. The row
// id survives so UI and notification identifiers stay stable; the previews
// do not.
func (s *Service) retract(conv store.Conversation, in *xmpp.Inbound) error {
	ts := in.Timestamp.Truncate(time.Millisecond).UnixMilli()

	res, err := s.db.ApplyRetraction(in.Account, in.Peer, in.RetractID,
		authorFilter(conv.Kind, in), ts, in.OriginID)
	if err != nil {
		return err
	}
	if res == nil {
		s.logger.Debug("retraction dropped",
			zap.String("target", in.RetractID), zap.String("jid", in.Peer))
		return nil
	}

	publishEntry(s.bus, bus.HistoryUpdated, res.Entry)
	publishRemoved(s.bus, in.Account, in.Peer, res.PreviewIDs)
	if res.WasUnread {
		s.dir.MarkAsRead(in.Account, in.Peer, 1)
	}
	s.dir.RefreshActivity(in.Account, in.Peer)
	return nil
}

// deliveryError attaches an error to the entry it refers to, or appends an
// incoming error entry when no prior entry matches. The timeline entry is
// the error-reporting channel; no separate alert exists.
func (s *Service) deliveryError(conv store.Conversation, in *xmpp.Inbound) error {
	if in.OriginID != "" {
		e, err := s.db.FindEntryByOriginID(in.Account, in.Peer, in.OriginID, store.AuthorFilter{})
		if err != nil {
			return err
		}
		if e != nil {
			to := store.IncomingError
			if !e.State.IsIncoming() {
				to = store.OutgoingError
			}
			wasUnread := e.State.IsUnread()
			changed, err := s.db.UpdateEntryState(e.ID, e.State, to, in.ErrorCondition)
			if err != nil {
				return err
			}
			if changed {
				e.State = to
				e.ErrorMsg = in.ErrorCondition
				publishEntry(s.bus, bus.HistoryUpdated, e)
				if to.IsUnread() && !wasUnread {
					// The entry just entered the unread set; keep the
					// conversation counter in step with the sweep.
					s.dir.MarkUnread(in.Account, in.Peer)
				}
			}
			return nil
		}
	}
	if !in.HasContent() && in.ErrorCondition == "" {
		return nil
	}
	return s.append(conv, in)
}

// applyMarker handles a chat marker carried by a stanza. A marker from the
// peer upgrades the state of our own message; a carbon of our own marker
// from another device moves the local read boundary instead.
func (s *Service) applyMarker(conv store.Conversation, in *xmpp.Inbound) error {
	if in.Outgoing {
		e, err := s.db.FindEntryByOriginID(in.Account, in.Peer, in.Marker.ID, store.AuthorFilter{})
		if err != nil {
			return err
		}
		if e != nil && in.Marker.Type == xmpp.MarkerDisplayed {
			return s.MarkAsRead(in.Account, in.Peer, time.UnixMilli(e.Timestamp))
		}
		return nil
	}

	to := store.OutgoingDelivered
	if in.Marker.Type == xmpp.MarkerDisplayed {
		to = store.OutgoingDisplayed
	}
	e, err := s.db.UpgradeMarkerState(in.Account, in.Peer, in.Marker.ID, store.AuthorFilter{}, to)
	if err != nil {
		return err
	}
	if e != nil {
		publishEntry(s.bus, bus.HistoryUpdated, e)
	}
	return nil
}

// MarkAsRead moves the read boundary of a conversation up to and including
// the given timestamp, publishes one HistoryMarkedRead event for the sweep,
// and dispatches displayed markers for the markable entries. Idempotent.
func (s *Service) MarkAsRead(account, jid string, before time.Time) error {
	msgs, err := s.db.MarkEntriesRead(account, jid, before.Truncate(time.Millisecond).UnixMilli())
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	s.dir.MarkAsRead(account, jid, len(msgs))
	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      bus.HistoryMarkedRead,
			Timestamp: time.Now(),
			Payload:   MarkedRead{Account: account, JID: jid, Messages: msgs},
		})
	}
	if s.acks != nil {
		for _, m := range msgs {
			if m.MarkableID != "" {
				s.acks.Enqueue(ack.Request{
					Account:  account,
					Peer:     jid,
					OriginID: m.MarkableID,
					Kinds:    []ack.Kind{ack.MarkerDisplayed},
				})
			}
		}
	}
	return nil
}

// UpdateState performs the optimistic oldState to newState transition. The
// unsent-to-sent edge triggers preview generation: that is the moment the
// message is fully materialized.
func (s *Service) UpdateState(id int64, oldState, newState store.EntryState, errMsg string) error {
	changed, err := s.db.UpdateEntryState(id, oldState, newState, errMsg)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	e, err := s.db.GetEntry(id)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}
	publishEntry(s.bus, bus.HistoryUpdated, e)
	if s.previews != nil && oldState == store.OutgoingUnsent && newState == store.OutgoingSent {
		s.previews.Generate(id)
	}
	return nil
}

// Remove deletes an entry and its previews, emitting removed per row.
func (s *Service) Remove(id int64) error {
	e, err := s.db.GetEntry(id)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}
	ids, err := s.db.DeleteEntry(id)
	if err != nil {
		return err
	}
	publishRemoved(s.bus, e.Account, e.JID, ids)
	s.dir.RefreshActivity(e.Account, e.JID)
	return nil
}

// RemoveHistory purges a conversation's timeline and closes it.
func (s *Service) RemoveHistory(account, jid string) error {
	if err := s.db.RemoveHistory(account, jid); err != nil {
		return err
	}
	return s.dir.Close(account, jid)
}

// dispatchAcks fires the receipt/marker responses an incoming live message
// asked for. Fire-and-forget; the core never retries.
func (s *Service) dispatchAcks(in *xmpp.Inbound) {
	if s.acks == nil || in.OriginID == "" {
		return
	}
	var kinds []ack.Kind
	if in.ReceiptRequested {
		kinds = append(kinds, ack.Receipt)
	}
	if in.Markable {
		kinds = append(kinds, ack.MarkerReceived)
	}
	if len(kinds) == 0 {
		return
	}
	s.acks.Enqueue(ack.Request{
		Account:  in.Account,
		Peer:     in.Peer,
		OriginID: in.OriginID,
		Kinds:    kinds,
	})
}

// activityPreview is the short text shown in conversation lists, truncated
// on a rune boundary.
func activityPreview(e *store.Entry) string {
	const max = 100
	if len(e.Data) <= max {
		return e.Data
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(e.Data[cut]) {
		cut--
	}
	return e.Data[:cut]
}
