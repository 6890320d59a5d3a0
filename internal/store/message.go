package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/coderunner-ai/coderunner/internal/event"
	"github.com/coderunner-ai/coderunner/internal/id"
	"github.com/coderunner-ai/coderunner/pkg/types"
)

// UpsertMessage inserts or in-place updates a message row. Ids are never
// reused (invariant 5): a caller upserting a message with a new id inserts;
// an existing id updates.
func (s *Store) UpsertMessage(ctx context.Context, msg *types.Message) error {
	_, err := withTx(ctx, s.db, func(tx *Tx) (struct{}, error) {
		if msg.Role == "assistant" && msg.ParentID != "" {
			parent, err := getMessage(tx, msg.SessionID, msg.ParentID)
			if err != nil {
				return struct{}{}, err
			}
			if parent.Role != "user" {
				return struct{}{}, ErrInvalidParent
			}
		}

		if err := upsertMessageRow(tx, msg); err != nil {
			return struct{}{}, err
		}
		tx.publish(event.MessageUpdated, event.MessageUpdatedData{Info: msg})
		return struct{}{}, nil
	})
	return err
}

func upsertMessageRow(tx *Tx, msg *types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = tx.sql.Exec(
		`INSERT INTO message (id, session_id, role, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		msg.ID, msg.SessionID, msg.Role, string(data), msg.Time.Created, msg.Time.Updated,
	)
	return err
}

func getMessage(tx *Tx, sessionID, messageID string) (*types.Message, error) {
	var data string
	err := tx.sql.QueryRow(`SELECT data FROM message WHERE id = ? AND session_id = ?`, messageID, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var msg types.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RemoveMessage deletes a message (and, via cascade, its parts).
func (s *Store) RemoveMessage(ctx context.Context, sessionID, messageID string) error {
	_, err := withTx(ctx, s.db, func(tx *Tx) (struct{}, error) {
		res, err := tx.sql.Exec(`DELETE FROM message WHERE id = ? AND session_id = ?`, messageID, sessionID)
		if err != nil {
			return struct{}{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return struct{}{}, ErrNotFound
		}
		tx.publish(event.MessageRemoved, event.MessageRemovedData{SessionID: sessionID, MessageID: messageID})
		return struct{}{}, nil
	})
	return err
}

// ListMessages returns up to limit messages for a session in creation
// order, oldest first. limit <= 0 means unlimited.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]*types.Message, error) {
	return withTx(ctx, s.db, func(tx *Tx) ([]*types.Message, error) {
		query := `SELECT data FROM message WHERE session_id = ? ORDER BY created_at ASC`
		args := []any{sessionID}
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}

		rows, err := tx.sql.Query(query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*types.Message
		for rows.Next() {
			var data string
			if err := rows.Scan(&data); err != nil {
				return nil, err
			}
			var msg types.Message
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				return nil, err
			}
			out = append(out, &msg)
		}
		return out, rows.Err()
	})
}

// MessageWithParts bundles a message and its parts in sequence order, the
// unit get_message_with_parts returns.
type MessageWithParts struct {
	Message *types.Message
	Parts   []types.Part
}

// GetMessageWithParts returns a message alongside all of its parts, ordered
// by insertion sequence.
func (s *Store) GetMessageWithParts(ctx context.Context, sessionID, messageID string) (*MessageWithParts, error) {
	return withTx(ctx, s.db, func(tx *Tx) (*MessageWithParts, error) {
		msg, err := getMessage(tx, sessionID, messageID)
		if err != nil {
			return nil, err
		}
		parts, err := listParts(tx, messageID)
		if err != nil {
			return nil, err
		}
		return &MessageWithParts{Message: msg, Parts: parts}, nil
	})
}

// cloneMessages copies every message (and its parts) from srcSession to
// dstSession up to but not including cutoff, remapping ids through a fresh
// id map and preserving each message's token totals.
func cloneMessages(tx *Tx, srcSession, dstSession, cutoff string) error {
	rows, err := tx.sql.Query(`SELECT id, data FROM message WHERE session_id = ? ORDER BY created_at ASC`, srcSession)
	if err != nil {
		return err
	}

	type row struct {
		oldID string
		msg   types.Message
	}
	var all []row
	for rows.Next() {
		var oldID, data string
		if err := rows.Scan(&oldID, &data); err != nil {
			rows.Close()
			return err
		}
		var msg types.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			rows.Close()
			return err
		}
		all = append(all, row{oldID: oldID, msg: msg})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	idMap := make(map[string]string)
	for _, r := range all {
		if r.oldID == cutoff {
			break
		}

		newID := id.Message()
		idMap[r.oldID] = newID

		clone := r.msg
		clone.ID = newID
		clone.SessionID = dstSession
		if clone.Role == "assistant" && clone.ParentID != "" {
			if remapped, ok := idMap[clone.ParentID]; ok {
				clone.ParentID = remapped
			}
		}

		if err := upsertMessageRow(tx, &clone); err != nil {
			return err
		}

		if err := cloneParts(tx, r.oldID, newID, dstSession); err != nil {
			return err
		}
	}

	return nil
}
