package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrDuplicate is returned when an insert collides with an already
// materialized entry (same account and server_msg_id).
var ErrDuplicate = errors.New("entry already materialized")

const entryColumns = `id, account, jid, timestamp, state, item_type, data, appendix,
	sender_kind, author_nickname, author_jid, participant_id, recipient,
	stanza_id, server_msg_id, remote_msg_id, correction_stanza_id, correction_timestamp,
	master_id, markable, encryption, fingerprint, error`

// originMatch locates the most recent entry a given origin-id refers to,
// optionally narrowed by sender identity. Corrections chain: an entry that
// was already corrected is still found through its correction_stanza_id.
const originMatch = `
	FROM entries
	WHERE account = ? AND jid = ? AND master_id IS NULL
	  AND (stanza_id = ? OR correction_stanza_id = ?)
	  AND (? = '' OR author_nickname = ?)
	  AND (? = '' OR participant_id = ?)
	ORDER BY timestamp DESC
	LIMIT 1`

func originArgs(account, jid, targetID string, f AuthorFilter) []any {
	return []any{account, jid, targetID, targetID,
		f.Nickname, f.Nickname, f.ParticipantID, f.ParticipantID}
}

// InsertEntry appends a new timeline row and returns its id.
func (db *DB) InsertEntry(e *Entry) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO entries (account, jid, timestamp, state, item_type, data, appendix,
			sender_kind, author_nickname, author_jid, participant_id, recipient,
			stanza_id, server_msg_id, remote_msg_id, correction_stanza_id, correction_timestamp,
			master_id, markable, encryption, fingerprint, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Account, e.JID, e.Timestamp, e.State, e.ItemType, e.Data, nullif(e.Appendix),
		e.SenderKind, nullif(e.Nickname), nullif(e.AuthorJID), nullif(e.ParticipantID), nullif(e.Recipient),
		nullif(e.StanzaID), nullif(e.ServerMsgID), nullif(e.RemoteMsgID),
		nullif(e.CorrectionStanzaID), e.CorrectionTimestamp,
		nullMasterID(e.MasterID), e.Markable, e.Encryption, nullif(e.Fingerprint), nullif(e.ErrorMsg),
		time.Now().UnixMilli())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert entry id: %w", err)
	}
	e.ID = id
	return id, nil
}

// GetEntry fetches a single entry by id. Returns nil when the row is gone.
func (db *DB) GetEntry(id int64) (*Entry, error) {
	row := db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// HasServerMsgID reports whether an entry with the given own-archive id is
// already materialized for the account.
func (db *DB) HasServerMsgID(account, serverMsgID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM entries WHERE account = ? AND server_msg_id = ?`,
		account, serverMsgID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("server msg id lookup: %w", err)
	}
	return n > 0, nil
}

// ReconcileServerMsgID finds the entry an origin-id refers to and fills in
// archive-assigned ids that are still missing. Returns the reconciled entry
// and whether anything was written; the entry is nil when no prior entry
// matches. Check and update run in one transaction so a concurrent ingest
// cannot interleave.
func (db *DB) ReconcileServerMsgID(account, jid, originID string, f AuthorFilter, serverMsgID, remoteMsgID string) (*Entry, bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanEntry(tx.QueryRow(`SELECT `+entryColumns+originMatch, originArgs(account, jid, originID, f)...))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	changed := false
	if serverMsgID != "" && e.ServerMsgID == "" {
		if _, err := tx.Exec(`UPDATE entries SET server_msg_id = ? WHERE id = ?`, serverMsgID, e.ID); err != nil {
			return nil, false, fmt.Errorf("set server msg id: %w", err)
		}
		e.ServerMsgID = serverMsgID
		changed = true
	}
	if remoteMsgID != "" && e.RemoteMsgID == "" {
		if _, err := tx.Exec(`UPDATE entries SET remote_msg_id = ? WHERE id = ?`, remoteMsgID, e.ID); err != nil {
			return nil, false, fmt.Errorf("set remote msg id: %w", err)
		}
		e.RemoteMsgID = remoteMsgID
		changed = true
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return e, changed, nil
}

// FindEntryByOriginID returns the most recent entry an origin-id refers to,
// or nil when none matches.
func (db *DB) FindEntryByOriginID(account, jid, originID string, f AuthorFilter) (*Entry, error) {
	e, err := scanEntry(db.QueryRow(`SELECT `+entryColumns+originMatch, originArgs(account, jid, originID, f)...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ApplyCorrection rewrites the body of the entry targetID refers to. The
// correction is dropped (nil, no error) when no entry matches, when the
// entry was retracted, or when an equal-or-newer correction was already
// applied: a correction wins only with a strictly newer timestamp, or an
// equal timestamp under a different correction stanza id.
func (db *DB) ApplyCorrection(account, jid, targetID string, f AuthorFilter, body string, ts int64, correctionID string) (*Entry, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanEntry(tx.QueryRow(`SELECT `+entryColumns+originMatch, originArgs(account, jid, targetID, f)...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !correctionWins(e, ts, correctionID) {
		return nil, nil
	}

	if _, err := tx.Exec(`
		UPDATE entries
		SET data = ?, correction_timestamp = ?, correction_stanza_id = ?
		WHERE id = ?`,
		body, ts, correctionID, e.ID); err != nil {
		return nil, fmt.Errorf("apply correction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	e.Data = body
	e.CorrectionTimestamp = ts
	e.CorrectionStanzaID = correctionID
	return e, nil
}

// RetractionResult reports what a retraction changed.
type RetractionResult struct {
	Entry      *Entry
	PreviewIDs []int64 // preview rows deleted alongside
	WasUnread  bool
}

// ApplyRetraction replaces the payload of the entry targetID refers to with
// its retracted variant, keeping the row id, and deletes the entry's link
// previews in the same transaction. Stale retractions are dropped under the
// same timestamp rule as corrections. Returns nil when nothing was changed.
func (db *DB) ApplyRetraction(account, jid, targetID string, f AuthorFilter, ts int64, retractionID string) (*RetractionResult, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanEntry(tx.QueryRow(`SELECT `+entryColumns+originMatch, originArgs(account, jid, targetID, f)...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !correctionWins(e, ts, retractionID) {
		return nil, nil
	}

	wasUnread := e.State.IsUnread()
	newState := e.State.Displayed()
	newType := e.ItemType.Retracted()

	if _, err := tx.Exec(`
		UPDATE entries
		SET item_type = ?, data = '', state = ?, correction_timestamp = ?, correction_stanza_id = ?
		WHERE id = ?`,
		newType, newState, ts, retractionID, e.ID); err != nil {
		return nil, fmt.Errorf("apply retraction: %w", err)
	}

	previewIDs, err := deletePreviewsTx(tx, e.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	e.ItemType = newType
	e.Data = ""
	e.State = newState
	e.CorrectionTimestamp = ts
	e.CorrectionStanzaID = retractionID
	return &RetractionResult{Entry: e, PreviewIDs: previewIDs, WasUnread: wasUnread}, nil
}

// correctionWins decides whether a correction or retraction at ts/id may
// replace whatever is already applied to e. A retracted entry is final.
func correctionWins(e *Entry, ts int64, correctionID string) bool {
	if e.ItemType == ItemMessageRetracted || e.ItemType == ItemAttachmentRetracted {
		return false
	}
	if e.CorrectionTimestamp == 0 {
		return true
	}
	if ts > e.CorrectionTimestamp {
		return true
	}
	return ts == e.CorrectionTimestamp && correctionID != e.CorrectionStanzaID
}

// UpdateEntryState transitions an entry from oldState to newState. The write
// applies only while the row still holds oldState, so a state change racing
// with a correction or retraction cannot be lost. Returns whether the
// transition happened.
func (db *DB) UpdateEntryState(id int64, oldState, newState EntryState, errMsg string) (bool, error) {
	res, err := db.Exec(`
		UPDATE entries SET state = ?, error = COALESCE(NULLIF(?, ''), error)
		WHERE id = ? AND state = ?`,
		newState, errMsg, id, oldState)
	if err != nil {
		return false, fmt.Errorf("update entry state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpgradeMarkerState applies a peer chat marker to the outgoing entry an
// origin-id refers to. The state only moves toward a more final marker:
// delivered upgrades sent, displayed upgrades sent or delivered, and nothing
// ever downgrades. Returns the updated entry, or nil when no transition
// applied.
func (db *DB) UpgradeMarkerState(account, jid, originID string, f AuthorFilter, to EntryState) (*Entry, error) {
	var from []any
	switch to {
	case OutgoingDelivered:
		from = []any{OutgoingSent, OutgoingSent}
	case OutgoingDisplayed:
		from = []any{OutgoingSent, OutgoingDelivered}
	default:
		return nil, fmt.Errorf("not a marker state: %d", to)
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanEntry(tx.QueryRow(`SELECT `+entryColumns+originMatch, originArgs(account, jid, originID, f)...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec(`UPDATE entries SET state = ? WHERE id = ? AND state IN (?, ?)`,
		to, e.ID, from[0], from[1])
	if err != nil {
		return nil, fmt.Errorf("apply marker: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	e.State = to
	return e, nil
}

// DeleteEntry removes a row and its dependent preview rows. Returns every
// deleted id, the entry's own id first.
func (db *DB) DeleteEntry(id int64) ([]int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	previewIDs, err := deletePreviewsTx(tx, id)
	if err != nil {
		return nil, err
	}
	res, err := tx.Exec(`DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("delete entry: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return append([]int64{id}, previewIDs...), nil
}

// ListEntries returns a conversation's timeline using keyset pagination by
// timestamp, newest first.
func (db *DB) ListEntries(account, jid string, beforeTS int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTS <= 0 {
		beforeTS = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+entryColumns+`
		FROM entries
		WHERE account = ? AND jid = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, account, jid, beforeTS, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// RemoveHistory wipes a conversation's timeline, previews included.
func (db *DB) RemoveHistory(account, jid string) error {
	_, err := db.Exec(`DELETE FROM entries WHERE account = ? AND jid = ?`, account, jid)
	if err != nil {
		return fmt.Errorf("remove history: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var e Entry
	var appendix, nickname, authorJID, participantID, recipient sql.NullString
	var stanzaID, serverMsgID, remoteMsgID, correctionID, fingerprint, errMsg sql.NullString
	var masterID sql.NullInt64

	err := r.Scan(&e.ID, &e.Account, &e.JID, &e.Timestamp, &e.State, &e.ItemType, &e.Data, &appendix,
		&e.SenderKind, &nickname, &authorJID, &participantID, &recipient,
		&stanzaID, &serverMsgID, &remoteMsgID, &correctionID, &e.CorrectionTimestamp,
		&masterID, &e.Markable, &e.Encryption, &fingerprint, &errMsg)
	if err != nil {
		return nil, err
	}
	e.Appendix = appendix.String
	e.Nickname = nickname.String
	e.AuthorJID = authorJID.String
	e.ParticipantID = participantID.String
	e.Recipient = recipient.String
	e.StanzaID = stanzaID.String
	e.ServerMsgID = serverMsgID.String
	e.RemoteMsgID = remoteMsgID.String
	e.CorrectionStanzaID = correctionID.String
	e.Fingerprint = fingerprint.String
	e.ErrorMsg = errMsg.String
	e.MasterID = masterID.Int64
	return &e, nil
}

func nullif(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullMasterID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
