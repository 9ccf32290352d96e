package store

import (
	"context"
	"database/sql"
	"fmt"

	"abode/collab/internal/access"
	"abode/collab/internal/changes"
	"abode/collab/internal/comments"
	"abode/collab/internal/notify"
	"abode/collab/internal/rbac"
	"abode/collab/internal/state"
	"abode/collab/internal/versions"
)

// SQLStore persists collaboration state to Postgres or SQLite through
// database/sql. Every write is an idempotent upsert so a retried write-behind
// job never duplicates rows.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	return err
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) UpsertCollaborator(ctx context.Context, c access.Collaborator) error {
	err := s.exec(ctx, `
		INSERT INTO collaborators (project_id, user_id, role, added_by, added_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=excluded.role
	`, c.ProjectID, c.UserID, string(c.Role), c.AddedBy, nanos(c.AddedAt))
	if err != nil {
		return fmt.Errorf("upsert collaborator: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteCollaborator(ctx context.Context, projectID, userID string) error {
	if err := s.exec(ctx, `DELETE FROM collaborators WHERE project_id=$1 AND user_id=$2`, projectID, userID); err != nil {
		return fmt.Errorf("delete collaborator: %w", err)
	}
	return nil
}

func (s *SQLStore) ListCollaborators(ctx context.Context) ([]access.Collaborator, error) {
	rows, err := s.query(ctx, `
		SELECT project_id, user_id, role, added_by, added_at
		FROM collaborators
		ORDER BY project_id ASC, added_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]access.Collaborator, 0)
	for rows.Next() {
		var item access.Collaborator
		var role string
		var addedAt int64
		if err := rows.Scan(&item.ProjectID, &item.UserID, &role, &item.AddedBy, &addedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		item.Role = rbac.Role(role)
		item.Permissions = rbac.PermissionsFor(item.Role)
		item.AddedAt = fromNanos(addedAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}

func (s *SQLStore) InsertVersion(ctx context.Context, v versions.Version) error {
	snapshot, err := encodeJSON(v.Snapshot, v.Snapshot == nil)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	summary, err := encodeJSON(v.Changes, v.Changes == nil)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	err = s.exec(ctx, `
		INSERT INTO versions (id, project_id, author, message, version_number, snapshot, changes_summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, v.ID, v.ProjectID, v.Author, v.Message, v.VersionNumber, snapshot, summary, nanos(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *SQLStore) ListVersions(ctx context.Context) ([]versions.Version, error) {
	rows, err := s.query(ctx, `
		SELECT id, project_id, author, message, version_number, snapshot, changes_summary, created_at
		FROM versions
		ORDER BY project_id ASC, version_number ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]versions.Version, 0)
	for rows.Next() {
		var item versions.Version
		var snapshot, summary sql.NullString
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Author, &item.Message, &item.VersionNumber, &snapshot, &summary, &createdAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if err := decodeJSON(snapshot, &item.Snapshot); err != nil {
			return nil, fmt.Errorf("version %s snapshot: %w", item.ID, err)
		}
		if summary.Valid {
			var diff state.Diff
			if err := decodeJSON(summary, &diff); err != nil {
				return nil, fmt.Errorf("version %s changes: %w", item.ID, err)
			}
			item.Changes = &diff
		}
		item.CreatedAt = fromNanos(createdAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *SQLStore) UpsertCurrent(ctx context.Context, cur versions.Current) error {
	err := s.exec(ctx, `
		INSERT INTO current_versions (project_id, version_id, restored, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id) DO UPDATE SET
			version_id=excluded.version_id,
			restored=excluded.restored,
			updated_by=excluded.updated_by,
			updated_at=excluded.updated_at
	`, cur.ProjectID, cur.VersionID, cur.Restored, cur.UpdatedBy, nanos(cur.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert current version: %w", err)
	}
	return nil
}

func (s *SQLStore) ListCurrents(ctx context.Context) ([]versions.Current, error) {
	rows, err := s.query(ctx, `SELECT project_id, version_id, restored, updated_by, updated_at FROM current_versions ORDER BY project_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list current versions: %w", err)
	}
	defer rows.Close()

	items := make([]versions.Current, 0)
	for rows.Next() {
		var item versions.Current
		var updatedAt int64
		if err := rows.Scan(&item.ProjectID, &item.VersionID, &item.Restored, &item.UpdatedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan current version: %w", err)
		}
		item.UpdatedAt = fromNanos(updatedAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate current versions: %w", err)
	}
	return items, nil
}

func (s *SQLStore) InsertChange(ctx context.Context, c changes.Change) error {
	before, err := encodeJSON(c.Before, c.Before == nil)
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	after, err := encodeJSON(c.After, c.After == nil)
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	err = s.exec(ctx, `
		INSERT INTO changes (id, project_id, user_id, action, object_type, object_id, before_state, after_state, source, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.ProjectID, c.UserID, string(c.Action), c.ObjectType, c.ObjectID, before, after, string(c.Source), nanos(c.Timestamp))
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	return nil
}

// ListChanges returns every change grouped by project in ledger order.
func (s *SQLStore) ListChanges(ctx context.Context) ([]changes.Change, error) {
	rows, err := s.query(ctx, `
		SELECT id, project_id, user_id, action, object_type, object_id, before_state, after_state, source, changed_at
		FROM changes
		ORDER BY project_id ASC, changed_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	items := make([]changes.Change, 0)
	for rows.Next() {
		var item changes.Change
		var action, source string
		var before, after sql.NullString
		var changedAt int64
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.UserID, &action, &item.ObjectType, &item.ObjectID, &before, &after, &source, &changedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if err := decodeJSON(before, &item.Before); err != nil {
			return nil, fmt.Errorf("change %s before: %w", item.ID, err)
		}
		if err := decodeJSON(after, &item.After); err != nil {
			return nil, fmt.Errorf("change %s after: %w", item.ID, err)
		}
		item.Action = changes.Action(action)
		item.Source = changes.Source(source)
		item.Timestamp = fromNanos(changedAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return items, nil
}

func (s *SQLStore) InsertResolution(ctx context.Context, r changes.Resolution) error {
	conflictIDs, err := encodeJSON(r.ConflictIDs, false)
	if err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}
	err = s.exec(ctx, `
		INSERT INTO conflict_resolutions (id, project_id, object_id, strategy, winning_user_id, winning_change_id, through_change_id, conflict_ids, resolved_by, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.ProjectID, r.ObjectID, r.Strategy, r.WinningUserID, r.WinningChangeID, r.ThroughChangeID, conflictIDs, r.ResolvedBy, nanos(r.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}
	return nil
}

func (s *SQLStore) ListResolutions(ctx context.Context) ([]changes.Resolution, error) {
	rows, err := s.query(ctx, `
		SELECT id, project_id, object_id, strategy, winning_user_id, winning_change_id, through_change_id, conflict_ids, resolved_by, resolved_at
		FROM conflict_resolutions
		ORDER BY project_id ASC, resolved_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	items := make([]changes.Resolution, 0)
	for rows.Next() {
		var item changes.Resolution
		var conflictIDs sql.NullString
		var resolvedAt int64
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.ObjectID, &item.Strategy, &item.WinningUserID, &item.WinningChangeID, &item.ThroughChangeID, &conflictIDs, &item.ResolvedBy, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		if err := decodeJSON(conflictIDs, &item.ConflictIDs); err != nil {
			return nil, fmt.Errorf("resolution %s: %w", item.ID, err)
		}
		item.ResolvedAt = fromNanos(resolvedAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resolutions: %w", err)
	}
	return items, nil
}

func (s *SQLStore) UpsertComment(ctx context.Context, c comments.Comment) error {
	position, err := encodeJSON(c.Position, c.Position == nil)
	if err != nil {
		return fmt.Errorf("upsert comment: %w", err)
	}
	attachments, err := encodeJSON(c.Attachments, len(c.Attachments) == 0)
	if err != nil {
		return fmt.Errorf("upsert comment: %w", err)
	}
	mentions, err := encodeJSON(c.Mentions, false)
	if err != nil {
		return fmt.Errorf("upsert comment: %w", err)
	}
	err = s.exec(ctx, `
		INSERT INTO comments (id, project_id, user_id, content, position, attachments, mentions, parent_id, thread_id, resolved, resolved_by, resolved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			attachments=excluded.attachments,
			resolved=excluded.resolved,
			resolved_by=excluded.resolved_by,
			resolved_at=excluded.resolved_at
	`, c.ID, c.ProjectID, c.UserID, c.Content, position, attachments, mentions, nullString(c.ParentID), c.ThreadID,
		c.Resolved, nullString(c.ResolvedBy), nullNanos(c.ResolvedAt), nanos(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert comment: %w", err)
	}
	return nil
}

const commentColumns = `id, project_id, user_id, content, position, attachments, mentions, parent_id, thread_id, resolved, resolved_by, resolved_at, created_at`

func (s *SQLStore) ListComments(ctx context.Context) ([]comments.Comment, error) {
	rows, err := s.query(ctx, `SELECT `+commentColumns+` FROM comments ORDER BY project_id ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return scanComments(rows)
}

// SearchComments matches content case-insensitively within one project.
func (s *SQLStore) SearchComments(ctx context.Context, projectID, query string, limit int) ([]comments.Comment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE project_id=$1 AND LOWER(content) LIKE LOWER($2)
		ORDER BY created_at DESC
		LIMIT $3
	`, projectID, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search comments: %w", err)
	}
	return scanComments(rows)
}

func scanComments(rows *sql.Rows) ([]comments.Comment, error) {
	defer rows.Close()

	items := make([]comments.Comment, 0)
	for rows.Next() {
		var item comments.Comment
		var position, attachments, mentions, parentID, resolvedBy sql.NullString
		var resolvedAt sql.NullInt64
		var createdAt int64
		if err := rows.Scan(
			&item.ID,
			&item.ProjectID,
			&item.UserID,
			&item.Content,
			&position,
			&attachments,
			&mentions,
			&parentID,
			&item.ThreadID,
			&item.Resolved,
			&resolvedBy,
			&resolvedAt,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if err := decodeJSON(position, &item.Position); err != nil {
			return nil, fmt.Errorf("comment %s position: %w", item.ID, err)
		}
		if err := decodeJSON(attachments, &item.Attachments); err != nil {
			return nil, fmt.Errorf("comment %s attachments: %w", item.ID, err)
		}
		if err := decodeJSON(mentions, &item.Mentions); err != nil {
			return nil, fmt.Errorf("comment %s mentions: %w", item.ID, err)
		}
		if item.Mentions == nil {
			item.Mentions = []string{}
		}
		item.ParentID = parentID.String
		item.ResolvedBy = resolvedBy.String
		item.ResolvedAt = timePtr(resolvedAt)
		item.CreatedAt = fromNanos(createdAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *SQLStore) UpsertNotification(ctx context.Context, n notify.Notification) error {
	payload, err := encodeJSON(n.Payload, false)
	if err != nil {
		return fmt.Errorf("upsert notification: %w", err)
	}
	err = s.exec(ctx, `
		INSERT INTO notifications (id, user_id, type, project_id, payload, delivered, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET delivered=excluded.delivered, delivered_at=excluded.delivered_at
	`, n.ID, n.UserID, string(n.Type), n.ProjectID, payload, n.Delivered, nanos(n.CreatedAt), nullNanos(n.DeliveredAt))
	if err != nil {
		return fmt.Errorf("upsert notification: %w", err)
	}
	return nil
}

func (s *SQLStore) ListNotifications(ctx context.Context) ([]notify.Notification, error) {
	rows, err := s.query(ctx, `
		SELECT id, user_id, type, project_id, payload, delivered, created_at, delivered_at
		FROM notifications
		ORDER BY user_id ASC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]notify.Notification, 0)
	for rows.Next() {
		var item notify.Notification
		var kind string
		var payload sql.NullString
		var createdAt int64
		var deliveredAt sql.NullInt64
		if err := rows.Scan(&item.ID, &item.UserID, &kind, &item.ProjectID, &payload, &item.Delivered, &createdAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if err := decodeJSON(payload, &item.Payload); err != nil {
			return nil, fmt.Errorf("notification %s payload: %w", item.ID, err)
		}
		item.Type = notify.Type(kind)
		item.CreatedAt = fromNanos(createdAt)
		item.DeliveredAt = timePtr(deliveredAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}
