package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/coderunner-ai/coderunner/internal/event"
	"github.com/coderunner-ai/coderunner/internal/id"
	"github.com/coderunner-ai/coderunner/pkg/types"
)

// Store is the relational Session/Message/Part persistence layer described
// by spec.md §4.3. Every exported method runs inside its own transaction;
// Store is the only writer of session/message/part rows (spec.md §5
// "Shared resources").
type Store struct {
	db *DB
}

// New wraps an opened DB as a Store.
func New(db *DB) *Store {
	return &Store{db: db}
}

// ListFilters narrows Store.List to sessions matching every set field
// (conjunctive, per spec.md §4.3 "Tie-breaks").
type ListFilters struct {
	ProjectID string
	Archived  *bool
}

// CreateSession creates a new root session (no parent_id) under project.
func (s *Store) CreateSession(ctx context.Context, projectID, directory string) (*types.Session, error) {
	return withTx(ctx, s.db, func(tx *Tx) (*types.Session, error) {
		now := nowMillis()
		sess := &types.Session{
			ID:        id.Session(),
			ProjectID: projectID,
			Directory: directory,
			Version:   "1",
			Time:      types.SessionTime{Created: now, Updated: now},
		}
		if err := insertSession(tx, sess); err != nil {
			return nil, err
		}
		tx.publish(event.SessionCreated, event.SessionCreatedData{Info: sess})
		return sess, nil
	})
}

func insertSession(tx *Tx, sess *types.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if _, err := tx.sql.Exec(
		`INSERT INTO project (id, data, created_at, updated_at) VALUES (?, '{}', ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sess.ProjectID, sess.Time.Created, sess.Time.Created,
	); err != nil {
		return err
	}
	_, err = tx.sql.Exec(
		`INSERT INTO session (id, project_id, parent_id, title, data, created_at, updated_at, archived_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, nullableString(sess.ParentID), sess.Title, string(data), sess.Time.Created, sess.Time.Updated, sess.Time.Archived,
	)
	return err
}

func updateSession(tx *Tx, sess *types.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = tx.sql.Exec(
		`UPDATE session SET parent_id = ?, title = ?, data = ?, updated_at = ?, archived_at = ? WHERE id = ?`,
		nullableString(sess.ParentID), sess.Title, string(data), sess.Time.Updated, sess.Time.Archived, sess.ID,
	)
	return err
}

// Get returns a session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	return withTx(ctx, s.db, func(tx *Tx) (*types.Session, error) {
		return getSession(tx, sessionID)
	})
}

func getSession(tx *Tx, sessionID string) (*types.Session, error) {
	var data string
	err := tx.sql.QueryRow(`SELECT data FROM session WHERE id = ?`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess types.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Touch bumps a session's updated_at without otherwise changing it.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	_, err := withTx(ctx, s.db, func(tx *Tx) (struct{}, error) {
		sess, err := getSession(tx, sessionID)
		if err != nil {
			return struct{}{}, err
		}
		sess.Time.Updated = nowMillis()
		if err := updateSession(tx, sess); err != nil {
			return struct{}{}, err
		}
		tx.publish(event.SessionUpdated, event.SessionUpdatedData{Info: sess})
		return struct{}{}, nil
	})
	return err
}

// SetTitle updates a session's title.
func (s *Store) SetTitle(ctx context.Context, sessionID, title string) error {
	return s.mutate(ctx, sessionID, func(sess *types.Session) {
		sess.Title = title
	})
}

// SetArchived sets or clears a session's archived marker.
func (s *Store) SetArchived(ctx context.Context, sessionID string, archived bool) error {
	return s.mutate(ctx, sessionID, func(sess *types.Session) {
		sess.Archived = archived
		if archived {
			now := nowMillis()
			sess.Time.Archived = &now
		} else {
			sess.Time.Archived = nil
		}
	})
}

// SetPermission replaces a session's attached permission-rule snapshot.
func (s *Store) SetPermission(ctx context.Context, sessionID string, rules []types.PermissionRuleSnapshot) error {
	return s.mutate(ctx, sessionID, func(sess *types.Session) {
		sess.Permission = rules
	})
}

// SetCompacting sets or clears a session's in-progress compaction marker.
func (s *Store) SetCompacting(ctx context.Context, sessionID string, compacting *int64) error {
	return s.mutate(ctx, sessionID, func(sess *types.Session) {
		sess.Time.Compacting = compacting
	})
}

// UpdateSummary applies apply to a session's code-change summary (diff
// stats), used by compaction and tool-call diff recording.
func (s *Store) UpdateSummary(ctx context.Context, sessionID string, apply func(*types.SessionSummary)) error {
	return s.mutate(ctx, sessionID, func(sess *types.Session) {
		apply(&sess.Summary)
	})
}

// SetRevert attaches a revert marker to a session.
func (s *Store) SetRevert(ctx context.Context, sessionID string, revert *types.SessionRevert) error {
	return s.mutate(ctx, sessionID, func(sess *types.Session) {
		sess.Revert = revert
	})
}

// ClearRevert removes a session's revert marker.
func (s *Store) ClearRevert(ctx context.Context, sessionID string) error {
	return s.mutate(ctx, sessionID, func(sess *types.Session) {
		sess.Revert = nil
	})
}

// mutate is the common path for single-field session updates: load, apply,
// persist, publish session.updated.
func (s *Store) mutate(ctx context.Context, sessionID string, apply func(*types.Session)) error {
	_, err := withTx(ctx, s.db, func(tx *Tx) (struct{}, error) {
		sess, err := getSession(tx, sessionID)
		if err != nil {
			return struct{}{}, err
		}
		apply(sess)
		sess.Time.Updated = nowMillis()
		if err := updateSession(tx, sess); err != nil {
			return struct{}{}, err
		}
		tx.publish(event.SessionUpdated, event.SessionUpdatedData{Info: sess})
		return struct{}{}, nil
	})
	return err
}

// List returns sessions matching filters, ordered by updated_at DESC.
func (s *Store) List(ctx context.Context, filters ListFilters) ([]*types.Session, error) {
	return withTx(ctx, s.db, func(tx *Tx) ([]*types.Session, error) {
		query := `SELECT data FROM session WHERE 1=1`
		var args []any
		if filters.ProjectID != "" {
			query += ` AND project_id = ?`
			args = append(args, filters.ProjectID)
		}
		if filters.Archived != nil {
			if *filters.Archived {
				query += ` AND archived_at IS NOT NULL`
			} else {
				query += ` AND archived_at IS NULL`
			}
		}
		query += ` ORDER BY updated_at DESC`

		rows, err := tx.sql.Query(query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanSessions(rows)
	})
}

// Children returns the direct forks of parentID. Forks are roots: a forked
// session is never itself returned by Children of its grandparent.
func (s *Store) Children(ctx context.Context, parentID string) ([]*types.Session, error) {
	return withTx(ctx, s.db, func(tx *Tx) ([]*types.Session, error) {
		rows, err := tx.sql.Query(`SELECT data FROM session WHERE parent_id = ? ORDER BY updated_at DESC`, parentID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanSessions(rows)
	})
}

func scanSessions(rows *sql.Rows) ([]*types.Session, error) {
	var out []*types.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sess types.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// Delete removes a session and, via cascading foreign keys, every message
// and part beneath it.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := withTx(ctx, s.db, func(tx *Tx) (struct{}, error) {
		sess, err := getSession(tx, sessionID)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := tx.sql.Exec(`DELETE FROM session WHERE id = ?`, sessionID); err != nil {
			return struct{}{}, err
		}
		tx.publish(event.SessionDeleted, event.SessionDeletedData{Info: sess})
		return struct{}{}, nil
	})
	return err
}

// Share mints a share token/URL for a session and persists it to the
// session_share table, also surfacing it on the session's Share field.
func (s *Store) Share(ctx context.Context, sessionID, baseURL string) (*types.SessionShare, error) {
	return withTx(ctx, s.db, func(tx *Tx) (*types.SessionShare, error) {
		sess, err := getSession(tx, sessionID)
		if err != nil {
			return nil, err
		}
		token := id.Request()
		url := fmt.Sprintf("%s/s/%s", baseURL, token)

		if _, err := tx.sql.Exec(
			`INSERT INTO session_share (session_id, url, token, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET url = excluded.url, token = excluded.token`,
			sessionID, url, token, nowMillis(),
		); err != nil {
			return nil, err
		}

		share := &types.SessionShare{URL: url}
		sess.Share = share
		sess.Time.Updated = nowMillis()
		if err := updateSession(tx, sess); err != nil {
			return nil, err
		}
		tx.publish(event.SessionUpdated, event.SessionUpdatedData{Info: sess})
		return share, nil
	})
}

// Unshare revokes a session's share token.
func (s *Store) Unshare(ctx context.Context, sessionID string) error {
	_, err := withTx(ctx, s.db, func(tx *Tx) (struct{}, error) {
		sess, err := getSession(tx, sessionID)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := tx.sql.Exec(`DELETE FROM session_share WHERE session_id = ?`, sessionID); err != nil {
			return struct{}{}, err
		}
		sess.Share = nil
		sess.Time.Updated = nowMillis()
		if err := updateSession(tx, sess); err != nil {
			return struct{}{}, err
		}
		tx.publish(event.SessionUpdated, event.SessionUpdatedData{Info: sess})
		return struct{}{}, nil
	})
	return err
}

var forkSuffix = regexp.MustCompile(`\s\(fork #(\d+)\)$`)

// ForkSession creates a new root session cloning parent's messages/parts up
// to (but not including) cutoff, a message id. Assistant parent_id pointers
// and part ids are remapped through a fresh id map; token totals are
// preserved per message (spec.md §4.3 "Forking").
func (s *Store) ForkSession(ctx context.Context, parentID string, cutoff string) (*types.Session, error) {
	return withTx(ctx, s.db, func(tx *Tx) (*types.Session, error) {
		parent, err := getSession(tx, parentID)
		if err != nil {
			return nil, err
		}

		n := nextForkNumber(parent.Title)
		title := forkSuffix.ReplaceAllString(parent.Title, "")
		title = fmt.Sprintf("%s (fork #%d)", title, n)

		now := nowMillis()
		fork := &types.Session{
			ID:        id.Session(),
			ProjectID: parent.ProjectID,
			Directory: parent.Directory,
			Title:     title,
			Version:   parent.Version,
			Time:      types.SessionTime{Created: now, Updated: now},
		}
		if err := insertSession(tx, fork); err != nil {
			return nil, err
		}

		if err := cloneMessages(tx, parentID, fork.ID, cutoff); err != nil {
			return nil, err
		}

		tx.publish(event.SessionCreated, event.SessionCreatedData{Info: fork})
		return fork, nil
	})
}

func nextForkNumber(title string) int {
	m := forkSuffix.FindStringSubmatch(title)
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 1
	}
	return n + 1
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
