package invitations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"parley/infrastructure"
	"parley/internal/changefeed"
	"parley/internal/identity"
)

type Repository interface {
	Insert(ctx context.Context, inv *Invitation) error
	FindByID(ctx context.Context, id uuid.UUID) (*Invitation, error)
	FindPending(ctx context.Context, inviterID uuid.UUID, invitee identity.Identity) (*Invitation, error)
	ListPendingFor(ctx context.Context, inviteeUserID uuid.UUID) ([]*Invitation, error)
	MarkResponded(ctx context.Context, id uuid.UUID, status Status, conversationID uuid.UUID, at time.Time) (*Invitation, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const invitationColumns = `id, inviter_id, invitee_kind, invitee_value, invitee_user_id,
	first_name, last_name, initial_message, status, conversation_id, created_at, responded_at`

func (r *PostgresRepository) Insert(ctx context.Context, inv *Invitation) error {
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO invitations (id, inviter_id, invitee_kind, invitee_value, invitee_user_id,
				first_name, last_name, initial_message, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			inv.ID, inv.InviterID, inv.InviteeKind, inv.InviteeValue, nullableUUID(inv.InviteeUserID),
			inv.FirstName, inv.LastName, inv.InitialMessage, inv.Status, inv.CreatedAt)
		if err != nil {
			return err
		}
		return changefeed.Append(tx, "invitations", changefeed.OpInsert, nil, inv)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id uuid.UUID) (*Invitation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id = $1`, id)
	inv, err := scanInvitation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: invitation %s", infrastructure.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return inv, nil
}

func (r *PostgresRepository) FindPending(ctx context.Context, inviterID uuid.UUID, invitee identity.Identity) (*Invitation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+invitationColumns+` FROM invitations
		WHERE inviter_id = $1 AND invitee_kind = $2 AND invitee_value = $3 AND status = 'pending'`,
		inviterID, invitee.Kind, invitee.Value)
	inv, err := scanInvitation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return inv, nil
}

func (r *PostgresRepository) ListPendingFor(ctx context.Context, inviteeUserID uuid.UUID) ([]*Invitation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+invitationColumns+` FROM invitations
		WHERE invitee_user_id = $1 AND status = 'pending'
		ORDER BY created_at DESC`, inviteeUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list invitations: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	var out []*Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// MarkResponded resolves a pending invitation. The status guard in the
// UPDATE makes concurrent responses race safely: exactly one wins, the
// others see the already-terminal row.
func (r *PostgresRepository) MarkResponded(ctx context.Context, id uuid.UUID, status Status, conversationID uuid.UUID, at time.Time) (*Invitation, error) {
	var resolved *Invitation
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE invitations
			SET status = $2, conversation_id = $3, responded_at = $4
			WHERE id = $1 AND status = 'pending'
			RETURNING `+invitationColumns,
			id, status, nullableUUID(conversationID), at)
		inv, err := scanInvitation(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: invitation %s is not pending", infrastructure.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := changefeed.Append(tx, "invitations", changefeed.OpUpdate, nil, inv); err != nil {
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

func nullableUUID(id uuid.UUID) interface{} {
	if id == uuid.Nil {
		return nil
	}
	return id
}

func scanInvitation(row interface{ Scan(...interface{}) error }) (*Invitation, error) {
	var inv Invitation
	var inviteeUser, conversation sql.NullString
	var respondedAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.InviterID, &inv.InviteeKind, &inv.InviteeValue, &inviteeUser,
		&inv.FirstName, &inv.LastName, &inv.InitialMessage, &inv.Status, &conversation,
		&inv.CreatedAt, &respondedAt)
	if err != nil {
		return nil, err
	}
	if inviteeUser.Valid {
		inv.InviteeUserID, _ = uuid.Parse(inviteeUser.String)
	}
	if conversation.Valid {
		inv.ConversationID, _ = uuid.Parse(conversation.String)
	}
	if respondedAt.Valid {
		at := respondedAt.Time
		inv.RespondedAt = &at
	}
	return &inv, nil
}
