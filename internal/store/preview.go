package store

import (
	"database/sql"
	"fmt"
)

// ListPreviews returns the link preview entries attached to a master entry.
func (db *DB) ListPreviews(masterID int64) ([]Entry, error) {
	rows, err := db.Query(`
		SELECT `+entryColumns+` FROM entries WHERE master_id = ? ORDER BY id`, masterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var previews []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		previews = append(previews, *e)
	}
	return previews, rows.Err()
}

// DeletePreviews removes every preview attached to a master entry and
// returns the deleted rows.
func (db *DB) DeletePreviews(masterID int64) ([]Entry, error) {
	previews, err := db.ListPreviews(masterID)
	if err != nil {
		return nil, err
	}
	if len(previews) == 0 {
		return nil, nil
	}
	if _, err := db.Exec(`DELETE FROM entries WHERE master_id = ?`, masterID); err != nil {
		return nil, fmt.Errorf("delete previews: %w", err)
	}
	return previews, nil
}

func deletePreviewsTx(tx *sql.Tx, masterID int64) ([]int64, error) {
	rows, err := tx.Query(`SELECT id FROM entries WHERE master_id = ?`, masterID)
	if err != nil {
		return nil, fmt.Errorf("list previews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.Exec(`DELETE FROM entries WHERE master_id = ?`, masterID); err != nil {
		return nil, fmt.Errorf("delete previews: %w", err)
	}
	return ids, nil
}
