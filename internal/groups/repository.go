package groups

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"parley/infrastructure"
	"parley/internal/changefeed"
)

type Repository interface {
	InsertGroup(ctx context.Context, g *Group) error
	FindGroup(ctx context.Context, id uuid.UUID) (*Group, error)
	ListGroups(ctx context.Context) ([]*Group, error)
	SetAbandoned(ctx context.Context, id uuid.UUID, abandoned bool) error

	InsertMember(ctx context.Context, m *Member) (bool, error)
	DeleteMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error)
	ListMembers(ctx context.Context, groupID uuid.UUID) ([]*Member, error)

	InsertJoinRequest(ctx context.Context, req *JoinRequest) error
	FindJoinRequest(ctx context.Context, id uuid.UUID) (*JoinRequest, error)
	ListPendingJoinRequests(ctx context.Context, groupID uuid.UUID) ([]*JoinRequest, error)
	ResolveJoinRequest(ctx context.Context, id uuid.UUID, status RequestStatus, resolvedBy uuid.UUID, at time.Time) (*JoinRequest, error)

	InsertInvite(ctx context.Context, inv *Invite) error
	FindInvite(ctx context.Context, id uuid.UUID) (*Invite, error)
	FindPendingInvite(ctx context.Context, groupID, inviteeID uuid.UUID) (*Invite, error)
	ListPendingInvitesFor(ctx context.Context, inviteeID uuid.UUID) ([]*Invite, error)
	ResolveInvite(ctx context.Context, id uuid.UUID, status RequestStatus, at time.Time) (*Invite, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) InsertGroup(ctx context.Context, g *Group) error {
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO groups (id, tag, name, description, visibility, creator_id, conversation_id, business, abandoned, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			g.ID, g.Tag, g.Name, g.Description, g.Visibility, g.CreatorID, g.ConversationID, g.Business, g.Abandoned, g.CreatedAt)
		if err != nil {
			return err
		}
		return changefeed.Append(tx, "groups", changefeed.OpInsert, nil, g)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

const groupColumns = `id, tag, name, description, visibility, creator_id, conversation_id, business, abandoned, created_at`

func (r *PostgresRepository) FindGroup(ctx context.Context, id uuid.UUID) (*Group, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1`, id)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: group %s", infrastructure.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return g, nil
}

func (r *PostgresRepository) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list groups: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SetAbandoned(ctx context.Context, id uuid.UUID, abandoned bool) error {
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE groups SET abandoned = $2 WHERE id = $1
			RETURNING `+groupColumns, id, abandoned)
		g, err := scanGroup(row)
		if err != nil {
			return err
		}
		return changefeed.Append(tx, "groups", changefeed.OpUpdate, nil, g)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

// InsertMember reports whether the row was actually created, so a repeated
// join never produces a second feed event.
func (r *PostgresRepository) InsertMember(ctx context.Context, m *Member) (bool, error) {
	inserted := false
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, user_id, joined_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (group_id, user_id) DO NOTHING`,
			m.GroupID, m.UserID, m.JoinedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		inserted = true
		return changefeed.Append(tx, "group_members", changefeed.OpInsert, nil, m)
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return inserted, nil
}

func (r *PostgresRepository) DeleteMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	deleted := false
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		var joinedAt time.Time
		err := tx.QueryRowContext(ctx, `
			DELETE FROM group_members WHERE group_id = $1 AND user_id = $2
			RETURNING joined_at`, groupID, userID).Scan(&joinedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		deleted = true
		before := &Member{GroupID: groupID, UserID: userID, JoinedAt: joinedAt}
		return changefeed.Append(tx, "group_members", changefeed.OpDelete, before, nil)
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return deleted, nil
}

func (r *PostgresRepository) ListMembers(ctx context.Context, groupID uuid.UUID) ([]*Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT group_id, user_id, joined_at FROM group_members
		WHERE group_id = $1 ORDER BY joined_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list members: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	var out []*Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) InsertJoinRequest(ctx context.Context, req *JoinRequest) error {
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO group_join_requests (id, group_id, user_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			req.ID, req.GroupID, req.UserID, req.Status, req.CreatedAt)
		if err != nil {
			return err
		}
		return changefeed.Append(tx, "group_join_requests", changefeed.OpInsert, nil, req)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

const joinRequestColumns = `id, group_id, user_id, status, resolved_by, created_at, resolved_at`

func (r *PostgresRepository) FindJoinRequest(ctx context.Context, id uuid.UUID) (*JoinRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+joinRequestColumns+` FROM group_join_requests WHERE id = $1`, id)
	req, err := scanJoinRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: join request %s", infrastructure.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return req, nil
}

func (r *PostgresRepository) ListPendingJoinRequests(ctx context.Context, groupID uuid.UUID) ([]*JoinRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+joinRequestColumns+` FROM group_join_requests
		WHERE group_id = $1 AND status = 'pending'
		ORDER BY created_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list join requests: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	var out []*JoinRequest
	for rows.Next() {
		req, err := scanJoinRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ResolveJoinRequest(ctx context.Context, id uuid.UUID, status RequestStatus, resolvedBy uuid.UUID, at time.Time) (*JoinRequest, error) {
	var resolved *JoinRequest
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE group_join_requests
			SET status = $2, resolved_by = $3, resolved_at = $4
			WHERE id = $1 AND status = 'pending'
			RETURNING `+joinRequestColumns,
			id, status, resolvedBy, at)
		req, err := scanJoinRequest(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: join request %s is not pending", infrastructure.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := changefeed.Append(tx, "group_join_requests", changefeed.OpUpdate, nil, req); err != nil {
			return err
		}
		resolved = req
		return nil
	})
	if err != nil {
		if !infrastructure.IsDomainError(err) {
			err = fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
		}
		return nil, err
	}
	return resolved, nil
}

func (r *PostgresRepository) InsertInvite(ctx context.Context, inv *Invite) error {
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO group_invites (id, group_id, inviter_id, invitee_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			inv.ID, inv.GroupID, inv.InviterID, inv.InviteeID, inv.Status, inv.CreatedAt)
		if err != nil {
			return err
		}
		return changefeed.Append(tx, "group_invites", changefeed.OpInsert, nil, inv)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

const inviteColumns = `id, group_id, inviter_id, invitee_id, status, created_at, resolved_at`

func (r *PostgresRepository) FindInvite(ctx context.Context, id uuid.UUID) (*Invite, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM group_invites WHERE id = $1`, id)
	inv, err := scanInvite(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: group invite %s", infrastructure.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return inv, nil
}

func (r *PostgresRepository) FindPendingInvite(ctx context.Context, groupID, inviteeID uuid.UUID) (*Invite, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+inviteColumns+` FROM group_invites
		WHERE group_id = $1 AND invitee_id = $2 AND status = 'pending'`, groupID, inviteeID)
	inv, err := scanInvite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return inv, nil
}

func (r *PostgresRepository) ListPendingInvitesFor(ctx context.Context, inviteeID uuid.UUID) ([]*Invite, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+inviteColumns+` FROM group_invites
		WHERE invitee_id = $1 AND status = 'pending'
		ORDER BY created_at DESC`, inviteeID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list group invites: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	var out []*Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ResolveInvite(ctx context.Context, id uuid.UUID, status RequestStatus, at time.Time) (*Invite, error) {
	var resolved *Invite
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE group_invites
			SET status = $2, resolved_at = $3
			WHERE id = $1 AND status = 'pending'
			RETURNING `+inviteColumns,
			id, status, at)
		inv, err := scanInvite(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: group invite %s is not pending", infrastructure.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := changefeed.Append(tx, "group_invites", changefeed.OpUpdate, nil, inv); err != nil {
			return err
		}
		resolved = inv
		return nil
	})
	if err != nil {
		if !infrastructure.IsDomainError(err) {
			err = fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
		}
		return nil, err
	}
	return resolved, nil
}

func scanGroup(row interface{ Scan(...interface{}) error }) (*Group, error) {
	var g Group
	err := row.Scan(&g.ID, &g.Tag, &g.Name, &g.Description, &g.Visibility, &g.CreatorID,
		&g.ConversationID, &g.Business, &g.Abandoned, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func scanJoinRequest(row interface{ Scan(...interface{}) error }) (*JoinRequest, error) {
	var req JoinRequest
	var resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&req.ID, &req.GroupID, &req.UserID, &req.Status, &resolvedBy, &req.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedBy.Valid {
		req.ResolvedBy, _ = uuid.Parse(resolvedBy.String)
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		req.ResolvedAt = &at
	}
	return &req, nil
}

func scanInvite(row interface{ Scan(...interface{}) error }) (*Invite, error) {
	var inv Invite
	var resolvedAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.GroupID, &inv.InviterID, &inv.InviteeID, &inv.Status, &inv.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		inv.ResolvedAt = &at
	}
	return &inv, nil
}
