package xmpp

import "time"

// Source tags the channel a message arrived through.
type Source int

const (
	SourceStream  Source = iota // live stream
	SourceArchive               // MAM replay
	SourceCarbon                // carbon copy of another resource's traffic
)

// MessageType mirrors the stanza type attribute.
type MessageType int

const (
	TypeChat MessageType = iota
	TypeGroupChat
	TypeError
)

// Encryption describes the decryption outcome attached by the crypto layer.
type Encryption int

const (
	EncryptionNone Encryption = iota
	EncryptionDecrypted
	EncryptionFailed
	EncryptionNotForThisDevice
)

// MarkerType is a XEP-0333 chat marker kind, ordered by finality.
type MarkerType int

const (
	MarkerReceived MarkerType = iota + 1
	MarkerDisplayed
)

// Marker is a chat marker carried by a stanza, referencing the origin-id of
// the message it acknowledges.
type Marker struct {
	Type MarkerType
	ID   string
}

// Invitation is a MUC/MIX invitation payload.
type Invitation struct {
	Channel string
	Token   string
	Text    string
}

// Inbound is a decoded message stanza, normalized by the transport adapter.
// The history core consumes this shape and nothing closer to the wire.
type Inbound struct {
	Account string // bare JID of the local account
	Peer    string // bare JID of the remote party or room

	Type     MessageType
	Outgoing bool // sent by the local account (carbon "sent", own archive echo)

	Body      *string
	OOBURL    string // out-of-band URL; marks the message as an attachment
	Timestamp time.Time

	// Identifiers. StanzaIDs maps archiving entity bare JID to the id that
	// entity assigned (XEP-0359 stanza-id elements).
	OriginID  string
	StanzaIDs map[string]string

	// References to earlier messages.
	RetractID    string // XEP-0424 retraction target origin-id
	CorrectionID string // XEP-0308 last message correction target
	Marker       *Marker

	// Sender identity within a room or channel.
	Nickname      string // MUC occupant nickname
	ParticipantID string // MIX participant id
	AuthorJID     string // real bare JID when disclosed

	ChatState        string
	Invitation       *Invitation
	ReceiptRequested bool
	Markable         bool

	Encryption  Encryption
	Fingerprint string

	// ErrorCondition is set for Type == TypeError.
	ErrorCondition string

	// Archive metadata, set for SourceArchive.
	ArchiveJID string
	ArchiveID  string

	Source Source
}

// ServerMsgID returns the id assigned by the account's own archive, which is
// authoritative for deduplication once present.
func (in *Inbound) ServerMsgID() string {
	if in.Source == SourceArchive && in.ArchiveJID == in.Account {
		return in.ArchiveID
	}
	return in.StanzaIDs[in.Account]
}

// RemoteMsgID returns the id assigned by the peer's or room's archive.
func (in *Inbound) RemoteMsgID() string {
	return in.StanzaIDs[in.Peer]
}

// HasContent reports whether the stanza can materialize a timeline row.
// A stanza with no body, no retraction or correction reference, no
// attachment URL and no invitation is a state-only signal.
func (in *Inbound) HasContent() bool {
	return in.Body != nil || in.OOBURL != "" || in.RetractID != "" ||
		in.CorrectionID != "" || in.Invitation != nil
}
