package store

import (
	"fmt"
	"strings"
)

// MarkEntriesRead transitions every unread entry at or before the boundary
// timestamp to its displayed counterpart, in one transaction, and returns
// the affected entries with the origin-id to echo in a chat marker for the
// ones that were markable. Idempotent: a second call with the same or an
// earlier boundary affects zero rows.
func (db *DB) MarkEntriesRead(account, jid string, beforeTS int64) ([]ReadMessage, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, markable, COALESCE(stanza_id, '')
		FROM entries
		WHERE account = ? AND jid = ? AND timestamp <= ? AND state IN (?, ?, ?)
		ORDER BY timestamp`,
		account, jid, beforeTS, IncomingReceived, IncomingError, OutgoingError)
	if err != nil {
		return nil, fmt.Errorf("select unread: %w", err)
	}

	var msgs []ReadMessage
	var ids []any
	for rows.Next() {
		var id int64
		var markable bool
		var stanzaID string
		if err := rows.Scan(&id, &markable, &stanzaID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		m := ReadMessage{ID: id}
		if markable {
			m.MarkableID = stanzaID
		}
		msgs = append(msgs, m)
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		UPDATE entries
		SET state = CASE state WHEN %d THEN %d WHEN %d THEN %d WHEN %d THEN %d ELSE state END
		WHERE id IN (%s)`,
		IncomingReceived, IncomingDisplayed,
		IncomingError, IncomingErrorDisplayed,
		OutgoingError, OutgoingErrorDisplayed,
		placeholders(len(ids)))
	if _, err := tx.Exec(query, ids...); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msgs, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
