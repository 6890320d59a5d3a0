package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/coderunner-ai/coderunner/internal/event"
	"github.com/coderunner-ai/coderunner/pkg/types"
)

// GetTodos returns a session's structured task list, or an empty slice if
// the session has never had one set.
func (s *Store) GetTodos(ctx context.Context, sessionID string) ([]types.TodoInfo, error) {
	return withTx(ctx, s.db, func(tx *Tx) ([]types.TodoInfo, error) {
		var data string
		err := tx.sql.QueryRow(`SELECT data FROM todo WHERE session_id = ?`, sessionID).Scan(&data)
		if err == sql.ErrNoRows {
			return []types.TodoInfo{}, nil
		}
		if err != nil {
			return nil, err
		}
		var todos []types.TodoInfo
		if err := json.Unmarshal([]byte(data), &todos); err != nil {
			return nil, err
		}
		return todos, nil
	})
}

// SetTodos replaces a session's task list and publishes todo.updated.
func (s *Store) SetTodos(ctx context.Context, sessionID string, todos []types.TodoInfo) error {
	_, err := withTx(ctx, s.db, func(tx *Tx) (struct{}, error) {
		data, err := json.Marshal(todos)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := tx.sql.Exec(
			`INSERT INTO todo (session_id, data, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			sessionID, string(data), nowMillis(),
		); err != nil {
			return struct{}{}, err
		}
		tx.publish(event.TodoUpdated, event.TodoUpdatedData{SessionID: sessionID, Todos: todos})
		return struct{}{}, nil
	})
	return err
}
