package history

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/lucasmdrs/chirp/internal/ack"
	"github.com/lucasmdrs/chirp/internal/bus"
	"github.com/lucasmdrs/chirp/internal/directory"
	"github.com/lucasmdrs/chirp/internal/store"
	"github.com/lucasmdrs/chirp/internal/xmpp"
	"go.uber.org/zap"
)

const (
	account = "me@example.org"
	peer    = "peer@example.org"
	room    = "room@muc.example.org"
)

type fixture struct {
	db  *store.DB
	bus *bus.Bus
	dir *directory.Directory
	gen *Generator
	svc *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	b := bus.New()
	dir := directory.New(db, b, logger, nil)
	gen := NewGenerator(db, b, logger)
	gen.Start(context.Background())
	t.Cleanup(gen.Stop)

	return &fixture{
		db:  db,
		bus: b,
		dir: dir,
		gen: gen,
		svc: New(db, b, dir, gen, nil, logger),
	}
}

func strptr(s string) *string { return &s }

func stream(originID, body string, ts int64) *xmpp.Inbound {
	return &xmpp.Inbound{
		Account:   account,
		Peer:      peer,
		Type:      xmpp.TypeChat,
		Body:      strptr(body),
		OriginID:  originID,
		Timestamp: time.UnixMilli(ts),
		Source:    xmpp.SourceStream,
	}
}

func (f *fixture) ingest(t *testing.T, in *xmpp.Inbound) {
	t.Helper()
	if err := f.svc.Ingest(in); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) timeline(t *testing.T, jid string) []store.Entry {
	t.Helper()
	entries, err := f.db.ListEntries(account, jid, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestIngestNewMessage(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, stream("m1", "hello", 1000))

	entries := f.timeline(t, peer)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.State != store.IncomingReceived || e.ItemType != store.ItemMessage || e.Data != "hello" {
		t.Errorf("entry = %+v", e)
	}
	if e.StanzaID != "m1" {
		t.Errorf("stanza id = %q, want m1", e.StanzaID)
	}

	conv, ok := f.dir.Get(account, peer)
	if !ok {
		t.Fatal("conversation not opened")
	}
	if conv.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", conv.UnreadCount)
	}
}

func TestIngestChatStateOnlyProducesNoRow(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, &xmpp.Inbound{
		Account:   account,
		Peer:      peer,
		Type:      xmpp.TypeChat,
		ChatState: "composing",
		Timestamp: time.UnixMilli(1000),
		Source:    xmpp.SourceStream,
	})

	if entries := f.timeline(t, peer); len(entries) != 0 {
		t.Errorf("chat state produced %d timeline rows", len(entries))
	}
}

func TestAtMostOnceServerMsgID(t *testing.T) {
	f := newFixture(t)

	// The same archived message delivered twice, in any order or channel.
	first := stream("m1", "hello", 1000)
	first.StanzaIDs = map[string]string{account: "srv42"}
	f.ingest(t, first)

	replay := &xmpp.Inbound{
		Account:    account,
		Peer:       peer,
		Type:       xmpp.TypeChat,
		Body:       strptr("hello"),
		OriginID:   "m1",
		Timestamp:  time.UnixMilli(1000),
		Source:     xmpp.SourceArchive,
		ArchiveJID: account,
		ArchiveID:  "srv42",
	}
	f.ingest(t, replay)
	f.ingest(t, replay)

	if entries := f.timeline(t, peer); len(entries) != 1 {
		t.Errorf("got %d entries, want exactly 1", len(entries))
	}
}

func TestOriginIDReconciliation(t *testing.T) {
	f := newFixture(t)

	// Live message first, no archive id yet.
	f.ingest(t, stream("m1", "hello", 1000))

	// Archive catch-up assigns srv42 to the same logical message.
	f.ingest(t, &xmpp.Inbound{
		Account:    account,
		Peer:       peer,
		Type:       xmpp.TypeChat,
		Body:       strptr("hello"),
		OriginID:   "m1",
		Timestamp:  time.UnixMilli(1000),
		Source:     xmpp.SourceArchive,
		ArchiveJID: account,
		ArchiveID:  "srv42",
	})

	entries := f.timeline(t, peer)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (reconciled)", len(entries))
	}
	if entries[0].ServerMsgID != "srv42" {
		t.Errorf("server msg id = %q, want srv42", entries[0].ServerMsgID)
	}
}

func TestCorrectionMonotonicity(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, stream("m1", "hello", 1000))

	c1 := stream("c1", "corrected by c1", 10_000)
	c1.CorrectionID = "m1"
	f.ingest(t, c1)

	// Stale correction arriving late must not clobber the newer one.
	c2 := stream("c2", "stale", 5_000)
	c2.CorrectionID = "m1"
	f.ingest(t, c2)

	entries := f.timeline(t, peer)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Data != "corrected by c1" {
		t.Errorf("body = %q, want the newer correction", entries[0].Data)
	}

	// A newer correction wins.
	c3 := stream("c3", "corrected by c3", 15_000)
	c3.CorrectionID = "m1"
	f.ingest(t, c3)

	entries = f.timeline(t, peer)
	if entries[0].Data != "corrected by c3" {
		t.Errorf("body = %q, want the newest correction", entries[0].Data)
	}
	if entries[0].CorrectionTimestamp != 15_000 {
		t.Errorf("correction ts = %d, want 15000", entries[0].CorrectionTimestamp)
	}
}

func TestRetractionFinality(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, stream("m1", "see https://example.com/page", 1000))
	f.gen.Flush()

	entries := f.timeline(t, peer)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want message + preview", len(entries))
	}
	masterID := entries[1].ID

	retract := &xmpp.Inbound{
		Account:   account,
		Peer:      peer,
		Type:      xmpp.TypeChat,
		OriginID:  "rt1",
		RetractID: "m1",
		Timestamp: time.UnixMilli(2000),
		Source:    xmpp.SourceStream,
	}
	f.ingest(t, retract)

	entries = f.timeline(t, peer)
	if len(entries) != 1 {
		t.Fatalf("got %d entries after retraction, want 1", len(entries))
	}
	e := entries[0]
	if e.ID != masterID {
		t.Errorf("row id changed across retraction: %d != %d", e.ID, masterID)
	}
	if e.ItemType != store.ItemMessageRetracted || e.Data != "" {
		t.Errorf("payload not retracted: %+v", e)
	}

	conv, _ := f.dir.Get(account, peer)
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d after retracting the only unread message", conv.UnreadCount)
	}
}

func TestGroupchatCorrectionMatchesNickname(t *testing.T) {
	f := newFixture(t)

	msg := &xmpp.Inbound{
		Account:   account,
		Peer:      room,
		Type:      xmpp.TypeGroupChat,
		Body:      strptr("from alice"),
		OriginID:  "m1",
		Nickname:  "alice",
		Timestamp: time.UnixMilli(1000),
		Source:    xmpp.SourceStream,
	}
	f.ingest(t, msg)

	// Bob must not be able to correct alice's message.
	forged := &xmpp.Inbound{
		Account:      account,
		Peer:         room,
		Type:         xmpp.TypeGroupChat,
		Body:         strptr("forged"),
		OriginID:     "c1",
		CorrectionID: "m1",
		Nickname:     "bob",
		Timestamp:    time.UnixMilli(2000),
		Source:       xmpp.SourceStream,
	}
	f.ingest(t, forged)

	entries := f.timeline(t, room)
	if len(entries) != 1 || entries[0].Data != "from alice" {
		t.Errorf("timeline = %+v, want alice's original only", entries)
	}

	// The author's own correction applies.
	own := &xmpp.Inbound{
		Account:      account,
		Peer:         room,
		Type:         xmpp.TypeGroupChat,
		Body:         strptr("fixed"),
		OriginID:     "c2",
		CorrectionID: "m1",
		Nickname:     "alice",
		Timestamp:    time.UnixMilli(3000),
		Source:       xmpp.SourceStream,
	}
	f.ingest(t, own)

	entries = f.timeline(t, room)
	if entries[0].Data != "fixed" {
		t.Errorf("body = %q, want alice's correction", entries[0].Data)
	}
}

func TestOutgoingAppendMarksConversationRead(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, stream("m1", "unread incoming", 1000))
	conv, _ := f.dir.Get(account, peer)
	if conv.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", conv.UnreadCount)
	}

	reply := stream("m2", "my reply", 2000)
	reply.Outgoing = true
	f.ingest(t, reply)

	conv, _ = f.dir.Get(account, peer)
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d after own reply, want 0", conv.UnreadCount)
	}

	e, err := f.db.FindEntryByOriginID(account, peer, "m1", store.AuthorFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if e.State != store.IncomingDisplayed {
		t.Errorf("incoming state = %d, want IncomingDisplayed", e.State)
	}
}

func TestMarkAsReadIdempotentAndMarkers(t *testing.T) {
	f := newFixture(t)

	sent := make(chan ack.Request, 10)
	acks := ack.NewDispatcher(captureSender{sent}, zap.NewNop())
	acks.Start(context.Background())
	t.Cleanup(acks.Stop)
	f.svc = New(f.db, f.bus, f.dir, nil, acks, zap.NewNop())

	msg := stream("m1", "please mark me", 1000)
	msg.Markable = true
	f.ingest(t, msg)

	// The live markable message first triggers a received marker.
	select {
	case req := <-sent:
		if len(req.Kinds) != 1 || req.Kinds[0] != ack.MarkerReceived {
			t.Errorf("ack on ingest = %+v, want received marker", req)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for received marker")
	}

	if err := f.svc.MarkAsRead(account, peer, time.UnixMilli(1000)); err != nil {
		t.Fatal(err)
	}

	select {
	case req := <-sent:
		if req.OriginID != "m1" || len(req.Kinds) != 1 || req.Kinds[0] != ack.MarkerDisplayed {
			t.Errorf("marker request = %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for displayed marker")
	}

	// Second sweep with the same boundary sends nothing.
	if err := f.svc.MarkAsRead(account, peer, time.UnixMilli(1000)); err != nil {
		t.Fatal(err)
	}
	select {
	case req := <-sent:
		t.Errorf("unexpected marker on idempotent sweep: %+v", req)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPeerMarkerMonotonicity(t *testing.T) {
	f := newFixture(t)

	out := stream("o1", "my message", 1000)
	out.Outgoing = true
	f.ingest(t, out)

	displayed := &xmpp.Inbound{
		Account:   account,
		Peer:      peer,
		Type:      xmpp.TypeChat,
		Marker:    &xmpp.Marker{Type: xmpp.MarkerDisplayed, ID: "o1"},
		Timestamp: time.UnixMilli(2000),
		Source:    xmpp.SourceStream,
	}
	f.ingest(t, displayed)

	e, _ := f.db.FindEntryByOriginID(account, peer, "o1", store.AuthorFilter{})
	if e.State != store.OutgoingDisplayed {
		t.Fatalf("state = %d, want OutgoingDisplayed", e.State)
	}

	// A received marker processed afterwards must not downgrade.
	received := &xmpp.Inbound{
		Account:   account,
		Peer:      peer,
		Type:      xmpp.TypeChat,
		Marker:    &xmpp.Marker{Type: xmpp.MarkerReceived, ID: "o1"},
		Timestamp: time.UnixMilli(1500),
		Source:    xmpp.SourceStream,
	}
	f.ingest(t, received)

	e, _ = f.db.FindEntryByOriginID(account, peer, "o1", store.AuthorFilter{})
	if e.State != store.OutgoingDisplayed {
		t.Errorf("state downgraded to %d", e.State)
	}
}

func TestCarbonOfOwnMarkerMovesReadBoundary(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, stream("m1", "read elsewhere", 1000))

	// Another device of ours sent a displayed marker for m1.
	carbon := &xmpp.Inbound{
		Account:   account,
		Peer:      peer,
		Type:      xmpp.TypeChat,
		Outgoing:  true,
		Marker:    &xmpp.Marker{Type: xmpp.MarkerDisplayed, ID: "m1"},
		Timestamp: time.UnixMilli(2000),
		Source:    xmpp.SourceCarbon,
	}
	f.ingest(t, carbon)

	e, _ := f.db.FindEntryByOriginID(account, peer, "m1", store.AuthorFilter{})
	if e.State != store.IncomingDisplayed {
		t.Errorf("state = %d, want IncomingDisplayed", e.State)
	}
	conv, _ := f.dir.Get(account, peer)
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", conv.UnreadCount)
	}
}

func TestDeliveryErrorAttachesToEntry(t *testing.T) {
	f := newFixture(t)

	out := stream("o1", "will bounce", 1000)
	out.Outgoing = true
	f.ingest(t, out)

	f.ingest(t, &xmpp.Inbound{
		Account:        account,
		Peer:           peer,
		Type:           xmpp.TypeError,
		OriginID:       "o1",
		ErrorCondition: "service-unavailable",
		Timestamp:      time.UnixMilli(2000),
		Source:         xmpp.SourceStream,
	})

	entries := f.timeline(t, peer)
	if len(entries) != 1 {
		t.Fatalf("error stanza added a row: %d entries", len(entries))
	}
	e := entries[0]
	if e.State != store.OutgoingError || e.ErrorMsg != "service-unavailable" {
		t.Errorf("entry = %+v, want outgoing error state", e)
	}

	// The entry entered the unread set, so the counter must follow.
	conv, _ := f.dir.Get(account, peer)
	if conv.UnreadCount != 1 {
		t.Errorf("unread = %d after delivery error, want 1", conv.UnreadCount)
	}

	// A sweep clears exactly what the counter holds.
	if err := f.svc.MarkAsRead(account, peer, time.UnixMilli(2000)); err != nil {
		t.Fatal(err)
	}
	conv, _ = f.dir.Get(account, peer)
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d after sweep, want 0", conv.UnreadCount)
	}
}

func TestMarkerOnContentStanzaApplies(t *testing.T) {
	f := newFixture(t)

	out := stream("o1", "my message", 1000)
	out.Outgoing = true
	f.ingest(t, out)

	// The peer replies and acknowledges o1 in the same stanza.
	reply := stream("m2", "got it", 2000)
	reply.Marker = &xmpp.Marker{Type: xmpp.MarkerDisplayed, ID: "o1"}
	f.ingest(t, reply)

	entries := f.timeline(t, peer)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want reply + original", len(entries))
	}
	e, _ := f.db.FindEntryByOriginID(account, peer, "o1", store.AuthorFilter{})
	if e.State != store.OutgoingDisplayed {
		t.Errorf("state = %d, marker carried on a content stanza was dropped", e.State)
	}
}

func TestActivityPreviewKeepsValidUTF8(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, stream("m1", strings.Repeat("界", 50), 1000))

	conv, _ := f.dir.Get(account, peer)
	if len(conv.LastActivityPreview) > 100 {
		t.Errorf("preview is %d bytes, want at most 100", len(conv.LastActivityPreview))
	}
	if !utf8.ValidString(conv.LastActivityPreview) {
		t.Errorf("preview %q is not valid UTF-8", conv.LastActivityPreview)
	}
}

func TestDuplicateReconciliationPublishesNothing(t *testing.T) {
	f := newFixture(t)

	first := stream("m1", "hello", 1000)
	first.StanzaIDs = map[string]string{peer: "r1"}
	f.ingest(t, first)

	ch, unsub := f.bus.Subscribe("history.", 10)
	defer unsub()

	// Same stanza through a second channel; every id is already in place.
	dup := stream("m1", "hello", 1000)
	dup.StanzaIDs = map[string]string{peer: "r1"}
	f.ingest(t, dup)

	select {
	case evt := <-ch:
		t.Errorf("no-op reconciliation published %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
	if entries := f.timeline(t, peer); len(entries) != 1 {
		t.Errorf("got %d entries, want 1", len(entries))
	}
}

func TestUpdateStateTriggersPreviews(t *testing.T) {
	f := newFixture(t)

	e, err := f.svc.AppendOutgoing(account, peer, "draft with https://example.com")
	if err != nil {
		t.Fatal(err)
	}
	f.gen.Flush()
	if previews, _ := f.db.ListPreviews(e.ID); len(previews) != 0 {
		t.Fatalf("unsent message got previews: %v", previews)
	}

	if err := f.svc.UpdateState(e.ID, store.OutgoingUnsent, store.OutgoingSent, ""); err != nil {
		t.Fatal(err)
	}
	f.gen.Flush()

	previews, err := f.db.ListPreviews(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(previews) != 1 || previews[0].Data != "https://example.com" {
		t.Errorf("previews = %+v", previews)
	}
}

func TestLiveArchiveCorrectionSequence(t *testing.T) {
	f := newFixture(t)

	// Live stanza from a buddy.
	f.ingest(t, stream("m1", "hello", 1000))
	entries := f.timeline(t, peer)
	if len(entries) != 1 || entries[0].State != store.IncomingReceived || entries[0].Data != "hello" {
		t.Fatalf("step 1: %+v", entries)
	}

	// Archive replay assigns srv42.
	f.ingest(t, &xmpp.Inbound{
		Account:    account,
		Peer:       peer,
		Type:       xmpp.TypeChat,
		Body:       strptr("hello"),
		OriginID:   "m1",
		Timestamp:  time.UnixMilli(1000),
		Source:     xmpp.SourceArchive,
		ArchiveJID: account,
		ArchiveID:  "srv42",
	})
	entries = f.timeline(t, peer)
	if len(entries) != 1 || entries[0].ServerMsgID != "srv42" {
		t.Fatalf("step 2: %+v", entries)
	}

	// Correction rewrites the body and regenerates previews.
	c := stream("c1", "hello https://example.com/world", 2000)
	c.CorrectionID = "m1"
	f.ingest(t, c)
	f.gen.Flush()

	e, _ := f.db.FindEntryByOriginID(account, peer, "m1", store.AuthorFilter{})
	if e.Data != "hello https://example.com/world" || e.CorrectionTimestamp != 2000 {
		t.Fatalf("step 3: %+v", e)
	}
	previews, _ := f.db.ListPreviews(e.ID)
	if len(previews) != 1 || previews[0].Data != "https://example.com/world" {
		t.Errorf("step 3 previews: %+v", previews)
	}
}

type captureSender struct {
	sent chan ack.Request
}

func (c captureSender) Send(_ context.Context, req ack.Request) error {
	c.sent <- req
	return nil
}
