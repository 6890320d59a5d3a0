package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/coderunner-ai/coderunner/internal/event"
	"github.com/coderunner-ai/coderunner/internal/id"
	"github.com/coderunner-ai/coderunner/pkg/types"
)

// UpsertPart inserts or in-place updates a part row. A part cannot exist
// without its message, enforced at the schema level by the message_id
// foreign key (invariant 1).
func (s *Store) UpsertPart(ctx context.Context, part types.Part) error {
	_, err := withTx(ctx, s.db, func(tx *Tx) (struct{}, error) {
		if err := upsertPartRow(tx, part); err != nil {
			return struct{}{}, err
		}
		tx.publish(event.MessagePartUpdated, event.MessagePartUpdatedData{Part: part})
		return struct{}{}, nil
	})
	return err
}

func upsertPartRow(tx *Tx, part types.Part) error {
	data, err := json.Marshal(part)
	if err != nil {
		return err
	}

	var seq sql.NullInt64
	err = tx.sql.QueryRow(`SELECT seq FROM part WHERE id = ?`, part.PartID()).Scan(&seq)
	if err == sql.ErrNoRows {
		var maxSeq sql.NullInt64
		if err := tx.sql.QueryRow(`SELECT MAX(seq) FROM part WHERE message_id = ?`, part.PartMessageID()).Scan(&maxSeq); err != nil {
			return err
		}
		seq.Int64 = maxSeq.Int64 + 1
	} else if err != nil {
		return err
	}

	_, err = tx.sql.Exec(
		`INSERT INTO part (id, message_id, session_id, type, data, seq) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		part.PartID(), part.PartMessageID(), part.PartSessionID(), part.PartType(), string(data), seq.Int64,
	)
	return err
}

// RemovePart deletes a part.
func (s *Store) RemovePart(ctx context.Context, sessionID, messageID, partID string) error {
	_, err := withTx(ctx, s.db, func(tx *Tx) (struct{}, error) {
		res, err := tx.sql.Exec(`DELETE FROM part WHERE id = ? AND message_id = ? AND session_id = ?`, partID, messageID, sessionID)
		if err != nil {
			return struct{}{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return struct{}{}, ErrNotFound
		}
		tx.publish(event.MessagePartRemoved, event.MessagePartRemovedData{SessionID: sessionID, MessageID: messageID, PartID: partID})
		return struct{}{}, nil
	})
	return err
}

func listParts(tx *Tx, messageID string) ([]types.Part, error) {
	rows, err := tx.sql.Query(`SELECT data FROM part WHERE message_id = ? ORDER BY seq ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Part
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		part, err := types.UnmarshalPart([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, part)
	}
	return out, rows.Err()
}

// cloneParts copies every part of a cloned message to its new id, minting
// fresh part ids (spec.md §4.3 "Forking": "parts are cloned with fresh
// ids").
func cloneParts(tx *Tx, oldMessageID, newMessageID, newSessionID string) error {
	rows, err := tx.sql.Query(`SELECT data FROM part WHERE message_id = ? ORDER BY seq ASC`, oldMessageID)
	if err != nil {
		return err
	}

	var raws [][]byte
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return err
		}
		raws = append(raws, []byte(data))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, raw := range raws {
		part, err := types.UnmarshalPart(raw)
		if err != nil {
			return err
		}
		cloned := clonePartWithNewIDs(part, newSessionID, newMessageID)
		if err := upsertPartRow(tx, cloned); err != nil {
			return err
		}
	}
	return nil
}

// clonePartWithNewIDs returns a copy of part rebound to a new id/session/
// message, preserving every variant-specific field.
func clonePartWithNewIDs(part types.Part, sessionID, messageID string) types.Part {
	newID := id.Part()
	switch p := part.(type) {
	case *types.TextPart:
		c := *p
		c.ID, c.SessionID, c.MessageID = newID, sessionID, messageID
		return &c
	case *types.ReasoningPart:
		c := *p
		c.ID, c.SessionID, c.MessageID = newID, sessionID, messageID
		return &c
	case *types.ToolPart:
		c := *p
		c.ID, c.SessionID, c.MessageID = newID, sessionID, messageID
		return &c
	case *types.FilePart:
		c := *p
		c.ID, c.SessionID, c.MessageID = newID, sessionID, messageID
		return &c
	case *types.StepStartPart:
		c := *p
		c.ID, c.SessionID, c.MessageID = newID, sessionID, messageID
		return &c
	case *types.StepFinishPart:
		c := *p
		c.ID, c.SessionID, c.MessageID = newID, sessionID, messageID
		return &c
	case *types.SnapshotPart:
		c := *p
		c.ID, c.SessionID, c.MessageID = newID, sessionID, messageID
		return &c
	case *types.PatchPart:
		c := *p
		c.ID, c.SessionID, c.MessageID = newID, sessionID, messageID
		return &c
	case *types.AgentPart:
		c := *p
		c.ID, c.SessionID, c.MessageID = newID, sessionID, messageID
		return &c
	case *types.SubtaskPart:
		c := *p
		c.ID, c.SessionID, c.MessageID = newID, sessionID, messageID
		return &c
	case *types.CompactionPart:
		c := *p
		c.ID, c.SessionID, c.MessageID = newID, sessionID, messageID
		return &c
	case *types.RetryPart:
		c := *p
		c.ID, c.SessionID, c.MessageID = newID, sessionID, messageID
		return &c
	default:
		return part
	}
}
