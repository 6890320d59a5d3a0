package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/coderunner-ai/coderunner/pkg/types"
)

// GetPermissionRules returns the persistent permission rule set attached to a
// project (as opposed to the session-scoped rules carried on
// types.Session.Permission, which take precedence over these — see
// internal/permission's reverse-order evaluation). Returns an empty slice if
// the project has never had persistent rules set.
func (s *Store) GetPermissionRules(ctx context.Context, projectID string) ([]types.PermissionRuleSnapshot, error) {
	return withTx(ctx, s.db, func(tx *Tx) ([]types.PermissionRuleSnapshot, error) {
		var data string
		err := tx.sql.QueryRow(`SELECT data FROM permission WHERE project_id = ?`, projectID).Scan(&data)
		if err == sql.ErrNoRows {
			return []types.PermissionRuleSnapshot{}, nil
		}
		if err != nil {
			return nil, err
		}
		var rules []types.PermissionRuleSnapshot
		if err := json.Unmarshal([]byte(data), &rules); err != nil {
			return nil, err
		}
		return rules, nil
	})
}

// SetPermissionRules replaces a project's persistent permission rule set.
func (s *Store) SetPermissionRules(ctx context.Context, projectID string, rules []types.PermissionRuleSnapshot) error {
	_, err := withTx(ctx, s.db, func(tx *Tx) (struct{}, error) {
		data, err := json.Marshal(rules)
		if err != nil {
			return struct{}{}, err
		}
		now := nowMillis()
		if _, err := tx.sql.Exec(
			`INSERT INTO project (id, data, created_at, updated_at) VALUES (?, '{}', ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			projectID, now, now,
		); err != nil {
			return struct{}{}, err
		}
		_, err = tx.sql.Exec(
			`INSERT INTO permission (project_id, data, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(project_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			projectID, string(data), nowMillis(),
		)
		return struct{}{}, err
	})
	return err
}
