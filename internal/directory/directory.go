// Package directory maintains the in-memory index of open conversations,
// backed by the conversations table. All mutation of the shared index goes
// through one mutex, so concurrent ingestion across accounts cannot corrupt
// it.
package directory

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lucasmdrs/chirp/internal/bus"
	"github.com/lucasmdrs/chirp/internal/store"
	"go.uber.org/zap"
)

// Key identifies a conversation by account and peer.
type Key struct {
	Account string
	JID     string
}

// Directory is the conversation index.
type Directory struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu    sync.Mutex
	convs map[Key]*store.Conversation
	muted map[string]bool
}

// New creates a directory. jids in muted keep their unread counts out of the
// global total.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger, muted []string) *Directory {
	d := &Directory{
		db:     db,
		bus:    b,
		logger: logger,
		convs:  make(map[Key]*store.Conversation),
		muted:  make(map[string]bool, len(muted)),
	}
	for _, jid := range muted {
		d.muted[jid] = true
	}
	return d
}

// Load populates the index from the conversations table.
func (d *Directory) Load() error {
	convs, err := d.db.ListConversations()
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range convs {
		c := convs[i]
		c.Muted = c.Muted || d.muted[c.JID]
		d.convs[Key{c.Account, c.JID}] = &c
	}
	return nil
}

// Open returns the conversation for (account, jid), creating and persisting
// it when absent. The kind is fixed at creation time.
func (d *Directory) Open(account, jid string, kind store.ConversationKind) (store.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := Key{account, jid}
	if c, ok := d.convs[key]; ok {
		return *c, nil
	}

	c := &store.Conversation{
		Account: account,
		JID:     jid,
		Kind:    kind,
		Muted:   d.muted[jid],
	}
	if err := d.db.UpsertConversation(c); err != nil {
		return store.Conversation{}, err
	}
	d.convs[key] = c
	d.publish(bus.ConversationUpdated, *c)
	return *c, nil
}

// Get returns a snapshot of a conversation, or false when it is not open.
func (d *Directory) Get(account, jid string) (store.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[Key{account, jid}]
	if !ok {
		return store.Conversation{}, false
	}
	return *c, true
}

// Close removes a conversation from the index and the table. The caller is
// responsible for purging its timeline.
func (d *Directory) Close(account, jid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := Key{account, jid}
	c, ok := d.convs[key]
	if !ok {
		return nil
	}
	if err := d.db.DeleteConversation(account, jid); err != nil {
		return err
	}
	delete(d.convs, key)
	d.publish(bus.ConversationClosed, *c)
	return nil
}

// NewActivity records a new timeline entry against the conversation's
// last-activity projection, bumping the unread counter when asked. Older
// entries (archive backfill) never move the projection backwards.
func (d *Directory) NewActivity(account, jid string, ts int64, preview, sender string, unread bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.convs[Key{account, jid}]
	if !ok {
		return
	}
	if unread {
		c.UnreadCount++
	}
	if ts >= c.LastActivityTS {
		c.LastActivityTS = ts
		c.LastActivityPreview = preview
		c.LastActivitySender = sender
	}
	d.persist(c)
}

// RefreshActivity re-derives the last-activity projection from storage,
// used after a correction or retraction touched the newest entry.
func (d *Directory) RefreshActivity(account, jid string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.convs[Key{account, jid}]
	if !ok {
		return
	}
	last, err := d.db.LastActivity(account, jid)
	if err != nil {
		d.logger.Error("failed to refresh last activity", zap.Error(err), zap.String("jid", jid))
		return
	}
	if last == nil {
		c.LastActivityTS = 0
		c.LastActivityPreview = ""
		c.LastActivitySender = ""
	} else {
		c.LastActivityTS = last.Timestamp
		c.LastActivityPreview = last.Data
		c.LastActivitySender = last.Nickname
	}
	d.persist(c)
}

// MarkUnread bumps the unread counter by one without moving the
// last-activity projection, used when an existing entry transitions into an
// unread state.
func (d *Directory) MarkUnread(account, jid string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.convs[Key{account, jid}]
	if !ok {
		return
	}
	c.UnreadCount++
	d.persist(c)
}

// MarkAsRead drops the unread counter by count, or to zero when count < 0.
func (d *Directory) MarkAsRead(account, jid string, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.convs[Key{account, jid}]
	if !ok || c.UnreadCount == 0 {
		return
	}
	if count < 0 || count > c.UnreadCount {
		c.UnreadCount = 0
	} else {
		c.UnreadCount -= count
	}
	d.persist(c)
}

// UnreadTotal sums unread counts across conversations, skipping muted ones.
func (d *Directory) UnreadTotal() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for _, c := range d.convs {
		if !c.Muted {
			total += c.UnreadCount
		}
	}
	return total
}

// List returns snapshots of all open conversations, newest activity first.
func (d *Directory) List() []store.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]store.Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b store.Conversation) int {
		switch {
		case a.LastActivityTS > b.LastActivityTS:
			return -1
		case a.LastActivityTS < b.LastActivityTS:
			return 1
		}
		return 0
	})
	return out
}

// persist writes the cached counters back to the table. Called with mu held.
func (d *Directory) persist(c *store.Conversation) {
	err := d.db.UpdateConversationActivity(c.Account, c.JID,
		c.LastActivityTS, c.LastActivityPreview, c.LastActivitySender, c.UnreadCount)
	if err != nil {
		d.logger.Error("failed to persist conversation", zap.Error(err), zap.String("jid", c.JID))
		return
	}
	d.publish(bus.ConversationUpdated, *c)
}

func (d *Directory) publish(kind bus.Kind, c store.Conversation) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: c})
}
