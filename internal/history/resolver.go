package history

import (
	"encoding/json"

	"github.com/lucasmdrs/chirp/internal/store"
	"github.com/lucasmdrs/chirp/internal/xmpp"
)

// conversationKind maps a stanza to the conversation model it belongs to.
// Groupchat stanzas carrying a participant id come from a stable-identity
// channel; plain groupchat is an anonymous room.
func conversationKind(in *xmpp.Inbound) store.ConversationKind {
	if in.Type != xmpp.TypeGroupChat {
		return store.KindChat
	}
	if in.ParticipantID != "" {
		return store.KindChannel
	}
	return store.KindRoom
}

// authorFilter narrows origin-id lookups to the stanza's sender identity.
// Rooms match on nickname, channels on participant id; a 1:1 chat needs no
// filter since origin-ids are unique within it.
func authorFilter(kind store.ConversationKind, in *xmpp.Inbound) store.AuthorFilter {
	switch kind {
	case store.KindRoom:
		return store.AuthorFilter{Nickname: in.Nickname}
	case store.KindChannel:
		return store.AuthorFilter{ParticipantID: in.ParticipantID}
	}
	return store.AuthorFilter{}
}

// interpretPayload chooses the payload variant for a new entry. A body that
// merely repeats the out-of-band URL is an attachment, not a message.
func interpretPayload(in *xmpp.Inbound) (store.ItemType, string, string) {
	if in.Invitation != nil {
		appendix, _ := json.Marshal(in.Invitation)
		return store.ItemInvitation, in.Invitation.Text, string(appendix)
	}
	if in.OOBURL != "" && (in.Body == nil || *in.Body == in.OOBURL) {
		return store.ItemAttachment, in.OOBURL, ""
	}
	var body string
	if in.Body != nil {
		body = *in.Body
	}
	return store.ItemMessage, body, ""
}

// entryState picks the initial state for a new entry.
func entryState(in *xmpp.Inbound) store.EntryState {
	if in.Outgoing {
		if in.Type == xmpp.TypeError {
			return store.OutgoingError
		}
		return store.OutgoingSent
	}
	if in.Type == xmpp.TypeError {
		return store.IncomingError
	}
	return store.IncomingReceived
}

// sender resolves the sender identity columns for a new entry.
func sender(kind store.ConversationKind, in *xmpp.Inbound) (store.SenderKind, string, string, string) {
	if in.Outgoing {
		return store.SenderMe, in.Nickname, in.ParticipantID, in.Account
	}
	switch kind {
	case store.KindRoom:
		return store.SenderOccupant, in.Nickname, "", in.AuthorJID
	case store.KindChannel:
		return store.SenderParticipant, in.Nickname, in.ParticipantID, in.AuthorJID
	}
	return store.SenderBuddy, "", "", in.Peer
}
