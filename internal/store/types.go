package store

// ConversationKind is a closed enumeration of conversation models. It decides
// how sender identity is matched when reconciling corrections and
// retractions.
type ConversationKind int

const (
	KindChat    ConversationKind = iota // 1:1 chat
	KindRoom                            // anonymous groupchat, nickname identity
	KindChannel                         // stable-identity channel, participant id
)

// SenderKind tags who authored a timeline entry.
type SenderKind int

const (
	SenderNone SenderKind = iota
	SenderMe
	SenderBuddy
	SenderOccupant    // room member, identified by nickname
	SenderParticipant // channel member, identified by participant id
)

// EntryState encodes direction, delivery phase and error flag of an entry.
// The numeric values are persisted; do not reorder.
type EntryState int

const (
	IncomingReceived EntryState = iota + 1
	IncomingDisplayed
	IncomingError
	IncomingErrorDisplayed
	OutgoingUnsent
	OutgoingSent
	OutgoingDelivered
	OutgoingDisplayed
	OutgoingError
	OutgoingErrorDisplayed
)

// IsIncoming reports whether the entry was authored by the remote side.
func (s EntryState) IsIncoming() bool {
	return s >= IncomingReceived && s <= IncomingErrorDisplayed
}

// IsError reports whether the entry carries a delivery error.
func (s EntryState) IsError() bool {
	switch s {
	case IncomingError, IncomingErrorDisplayed, OutgoingError, OutgoingErrorDisplayed:
		return true
	}
	return false
}

// IsUnread reports whether the entry counts toward the unread total.
func (s EntryState) IsUnread() bool {
	switch s {
	case IncomingReceived, IncomingError, OutgoingError:
		return true
	}
	return false
}

// Displayed returns the read counterpart of an unread state. States that are
// already read map to themselves.
func (s EntryState) Displayed() EntryState {
	switch s {
	case IncomingReceived:
		return IncomingDisplayed
	case IncomingError:
		return IncomingErrorDisplayed
	case OutgoingError:
		return OutgoingErrorDisplayed
	}
	return s
}

// ItemType is the payload variant of a timeline entry. Exactly one variant
// applies per entry; retraction rewrites the variant in place, preserving the
// row id.
type ItemType string

const (
	ItemMessage             ItemType = "message"
	ItemMessageRetracted    ItemType = "message_retracted"
	ItemAttachment          ItemType = "attachment"
	ItemAttachmentRetracted ItemType = "attachment_retracted"
	ItemLinkPreview         ItemType = "link_preview"
	ItemInvitation          ItemType = "invitation"
	ItemDeleted             ItemType = "deleted"
)

// Retracted returns the retracted variant of an item type, or the type
// itself when retraction does not apply.
func (t ItemType) Retracted() ItemType {
	switch t {
	case ItemMessage:
		return ItemMessageRetracted
	case ItemAttachment:
		return ItemAttachmentRetracted
	}
	return t
}

// Encryption mirrors the crypto layer's verdict on an entry.
type Encryption int

const (
	EncryptionNone Encryption = iota
	EncryptionDecrypted
	EncryptionFailed
	EncryptionNotForThisDevice
)

// Entry is one timeline row.
type Entry struct {
	ID        int64
	Account   string
	JID       string
	Timestamp int64 // unix milliseconds
	State     EntryState
	ItemType  ItemType
	Data      string
	Appendix  string // JSON side data for attachments and invitations

	SenderKind    SenderKind
	Nickname      string
	AuthorJID     string
	ParticipantID string
	Recipient     string

	StanzaID            string // origin-id, chosen by the sender
	ServerMsgID         string // own archive id, authoritative for dedup
	RemoteMsgID         string // peer's or room's archive id
	CorrectionStanzaID  string
	CorrectionTimestamp int64 // millis of the last applied correction

	MasterID    int64 // owning entry for link previews, 0 otherwise
	Markable    bool
	Encryption  Encryption
	Fingerprint string
	ErrorMsg    string
}

// Conversation is one row of the conversations table.
type Conversation struct {
	ID            int64
	Account       string
	JID           string
	Kind          ConversationKind
	Name          string
	Nickname      string
	ParticipantID string
	Muted         bool
	UnreadCount   int

	LastActivityTS      int64
	LastActivityPreview string
	LastActivitySender  string
}

// ReadMessage identifies an entry affected by a mark-as-read sweep, with the
// origin-id to echo in an outbound chat marker when the entry was markable.
type ReadMessage struct {
	ID         int64
	MarkableID string // empty when the entry was not markable
}

// AuthorFilter narrows origin-id lookups to a sender identity. Empty fields
// do not filter; rooms set Nickname, channels set ParticipantID.
type AuthorFilter struct {
	Nickname      string
	ParticipantID string
}
