package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coderunner-ai/coderunner/internal/storage"
	"github.com/coderunner-ai/coderunner/pkg/types"
)

// MigrationReport summarizes a MigrateLegacy run: per-entity row counts plus
// any per-row errors encountered (a bad row is skipped, not fatal).
type MigrationReport struct {
	Projects      int
	Sessions      int
	Messages      int
	Parts         int
	Todos         int
	Permissions   int
	SessionShares int
	Errors        []error
}

// MigrateLegacy imports the file-based JSON layout internal/storage reads
// (project/<id>.json, session/<pid>/<sid>.json, message/<sid>/<mid>.json,
// part/<mid>/<pid>.json, todo/<sid>.json, permission/<pid>.json,
// session_share/<sid>.json — spec.md §6 "Persistence layout") into the SQL
// store. It is idempotent: rows that already exist by id are left alone
// (`INSERT OR IGNORE` semantics via ON CONFLICT DO NOTHING), so running it
// again after a partial or repeat migration is always safe.
func (s *Store) MigrateLegacy(ctx context.Context, legacy *storage.Storage) (*MigrationReport, error) {
	report := &MigrationReport{}

	_, err := withTx(ctx, s.db, func(tx *Tx) (struct{}, error) {
		if err := migrateProjects(ctx, tx, legacy, report); err != nil {
			return struct{}{}, err
		}
		if err := migrateSessions(ctx, tx, legacy, report); err != nil {
			return struct{}{}, err
		}
		if err := migratePermissions(ctx, tx, legacy, report); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func migrateProjects(ctx context.Context, tx *Tx, legacy *storage.Storage, report *MigrationReport) error {
	return legacy.Scan(ctx, []string{"project"}, func(projectID string, raw json.RawMessage) error {
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("project %s: %w", projectID, err))
			return nil
		}
		now := nowMillis()
		if _, err := tx.sql.ExecContext(ctx,
			`INSERT INTO project (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			projectID, string(raw), now, now,
		); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("project %s: %w", projectID, err))
			return nil
		}
		report.Projects++
		return nil
	})
}

func migrateSessions(ctx context.Context, tx *Tx, legacy *storage.Storage, report *MigrationReport) error {
	projectIDs, err := legacy.List(ctx, []string{"session"})
	if err != nil {
		return err
	}

	for _, projectID := range projectIDs {
		err := legacy.Scan(ctx, []string{"session", projectID}, func(sessionID string, raw json.RawMessage) error {
			var sess types.Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("session %s: %w", sessionID, err))
				return nil
			}
			if _, err := tx.sql.ExecContext(ctx,
				`INSERT INTO session (id, project_id, parent_id, title, data, created_at, updated_at, archived_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO NOTHING`,
				sess.ID, sess.ProjectID, nullableString(sess.ParentID), sess.Title, string(raw), sess.Time.Created, sess.Time.Updated, sess.Time.Archived,
			); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("session %s: %w", sessionID, err))
				return nil
			}
			report.Sessions++

			if err := migrateMessages(ctx, tx, legacy, sessionID, report); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("session %s messages: %w", sessionID, err))
			}
			if err := migrateTodo(ctx, tx, legacy, sessionID, report); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("session %s todo: %w", sessionID, err))
			}
			if err := migrateShare(ctx, tx, legacy, sessionID, report); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("session %s share: %w", sessionID, err))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func migrateMessages(ctx context.Context, tx *Tx, legacy *storage.Storage, sessionID string, report *MigrationReport) error {
	return legacy.Scan(ctx, []string{"message", sessionID}, func(messageID string, raw json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("message %s: %w", messageID, err))
			return nil
		}
		if _, err := tx.sql.ExecContext(ctx,
			`INSERT INTO message (id, session_id, role, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			msg.ID, msg.SessionID, msg.Role, string(raw), msg.Time.Created, msg.Time.Updated,
		); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("message %s: %w", messageID, err))
			return nil
		}
		report.Messages++

		if err := legacy.Scan(ctx, []string{"part", messageID}, func(partID string, rawPart json.RawMessage) error {
			part, err := types.UnmarshalPart(rawPart)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("part %s: %w", partID, err))
				return nil
			}
			if _, err := tx.sql.ExecContext(ctx,
				`INSERT INTO part (id, message_id, session_id, type, data, seq) VALUES (?, ?, ?, ?, ?,
					(SELECT COALESCE(MAX(seq), 0) + 1 FROM part WHERE message_id = ?))
				 ON CONFLICT(id) DO NOTHING`,
				part.PartID(), part.PartMessageID(), part.PartSessionID(), part.PartType(), string(rawPart), messageID,
			); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("part %s: %w", partID, err))
				return nil
			}
			report.Parts++
			return nil
		}); err != nil {
			return err
		}
		return nil
	})
}

func migrateTodo(ctx context.Context, tx *Tx, legacy *storage.Storage, sessionID string, report *MigrationReport) error {
	var raw json.RawMessage
	if err := legacy.Get(ctx, []string{"todo", sessionID}, &raw); err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}
	if _, err := tx.sql.ExecContext(ctx,
		`INSERT INTO todo (session_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, string(raw), nowMillis(),
	); err != nil {
		return err
	}
	report.Todos++
	return nil
}

func migrateShare(ctx context.Context, tx *Tx, legacy *storage.Storage, sessionID string, report *MigrationReport) error {
	var share types.SessionShare
	if err := legacy.Get(ctx, []string{"session_share", sessionID}, &share); err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}
	if _, err := tx.sql.ExecContext(ctx,
		`INSERT INTO session_share (session_id, url, token, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, share.URL, share.URL, nowMillis(),
	); err != nil {
		return err
	}
	report.SessionShares++
	return nil
}

// migratePermissions copies the legacy per-project permission blob as-is.
// internal/permission owns translating whatever shape that legacy file used
// (AgentPermissions) into the []types.PermissionRuleSnapshot shape
// GetPermissionRules expects on read; this pass only has to make the bytes
// durable, not reinterpret them.
func migratePermissions(ctx context.Context, tx *Tx, legacy *storage.Storage, report *MigrationReport) error {
	return legacy.Scan(ctx, []string{"permission"}, func(projectID string, raw json.RawMessage) error {
		if _, err := tx.sql.ExecContext(ctx,
			`INSERT INTO permission (project_id, data, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(project_id) DO NOTHING`,
			projectID, string(raw), nowMillis(),
		); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("permission %s: %w", projectID, err))
			return nil
		}
		report.Permissions++
		return nil
	})
}
