package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"parley/infrastructure"
	"parley/internal/changefeed"
)

type Repository interface {
	// Insert durably writes the message and returns its server-assigned
	// sequence. The stored status is always "sent": durability is what
	// confirms a send.
	Insert(ctx context.Context, m *Message) (int64, error)
	UpdateBody(ctx context.Context, messageID uuid.UUID, body string, editedAt time.Time) error
	UpdateStatus(ctx context.Context, messageID uuid.UUID, status Status) error
	Delete(ctx context.Context, messageID uuid.UUID) error
	AddReaction(ctx context.Context, reaction *Reaction) error
	RemoveReaction(ctx context.Context, reaction *Reaction) error
	Find(ctx context.Context, messageID uuid.UUID) (*Message, error)
	ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*Message, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, m *Message) (int64, error) {
	var seq int64
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, body, status, sent_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING seq
		`, m.ID, m.ConversationID, m.SenderID, m.Body, StatusSent, m.SentAt).Scan(&seq)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		for _, a := range m.Attachments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (id, message_id, name, kind, url)
				VALUES ($1, $2, $3, $4, $5)
			`, a.ID, m.ID, a.Name, a.Kind, a.URL); err != nil {
				return fmt.Errorf("failed to insert attachment: %w", err)
			}
		}

		confirmed := m.clone()
		confirmed.Seq = seq
		confirmed.Status = StatusSent
		return changefeed.Append(tx, "messages", changefeed.OpInsert, nil, confirmed)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return seq, nil
}

func (r *PostgresRepository) UpdateBody(ctx context.Context, messageID uuid.UUID, body string, editedAt time.Time) error {
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET body = $1, edited = TRUE, edited_at = $2 WHERE id = $3
		`, body, editedAt, messageID)
		if err != nil {
			return fmt.Errorf("failed to update message body: %w", err)
		}
		return r.appendMessageEvent(ctx, tx, messageID, changefeed.OpUpdate)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, messageID uuid.UUID, status Status) error {
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		// The CASE guard keeps the durable status monotonic even when two
		// sessions race to mark delivered/read.
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = CASE
				WHEN $1 = 'delivered' AND status = 'sent' THEN 'delivered'
				WHEN $1 = 'read' AND status IN ('sent', 'delivered') THEN 'read'
				ELSE status
			END
			WHERE id = $2
		`, status, messageID)
		if err != nil {
			return fmt.Errorf("failed to update message status: %w", err)
		}
		return r.appendMessageEvent(ctx, tx, messageID, changefeed.OpUpdate)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, messageID uuid.UUID) error {
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		m, err := scanMessage(tx.QueryRowContext(ctx, `
			SELECT id, conversation_id, sender_id, body, status, seq, sent_at, edited, edited_at
			FROM messages WHERE id = $1
		`, messageID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: message %s", infrastructure.ErrNotFound, messageID)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, messageID); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return changefeed.Append(tx, "messages", changefeed.OpDelete, m, nil)
	})
	if errors.Is(err, infrastructure.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

func (r *PostgresRepository) AddReaction(ctx context.Context, reaction *Reaction) error {
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (message_id, user_id, emoji) DO NOTHING
		`, reaction.MessageID, reaction.UserID, reaction.Emoji, reaction.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert reaction: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			return nil
		}
		return changefeed.Append(tx, "message_reactions", changefeed.OpInsert, nil, reaction)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

func (r *PostgresRepository) RemoveReaction(ctx context.Context, reaction *Reaction) error {
	err := infrastructure.WithTransaction(r.db, ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3
		`, reaction.MessageID, reaction.UserID, reaction.Emoji)
		if err != nil {
			return fmt.Errorf("failed to delete reaction: %w", err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if deleted == 0 {
			return nil
		}
		return changefeed.Append(tx, "message_reactions", changefeed.OpDelete, reaction, nil)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return nil
}

func (r *PostgresRepository) Find(ctx context.Context, messageID uuid.UUID) (*Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, body, status, seq, sent_at, edited, edited_at
		FROM messages WHERE id = $1
	`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", infrastructure.ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", infrastructure.ErrTransient, err)
	}
	return m, nil
}

func (r *PostgresRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, body, status, seq, sent_at, edited, edited_at
		FROM messages WHERE conversation_id = $1 ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list messages: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	var list []*Message
	index := make(map[uuid.UUID]*Message)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
		index[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attachReactions(ctx, conversationID, index); err != nil {
		return nil, err
	}
	if err := r.attachAttachments(ctx, conversationID, index); err != nil {
		return nil, err
	}
	return list, nil
}

func (r *PostgresRepository) attachReactions(ctx context.Context, conversationID uuid.UUID, index map[uuid.UUID]*Message) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT mr.message_id, mr.user_id, mr.emoji
		FROM message_reactions mr
		JOIN messages m ON m.id = mr.message_id
		WHERE m.conversation_id = $1
		ORDER BY mr.created_at ASC
	`, conversationID)
	if err != nil {
		return fmt.Errorf("%w: failed to list reactions: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID uuid.UUID
		var emoji string
		if err := rows.Scan(&messageID, &userID, &emoji); err != nil {
			return fmt.Errorf("failed to scan reaction: %w", err)
		}
		if m, ok := index[messageID]; ok {
			m.addReaction(emoji, userID)
		}
	}
	return rows.Err()
}

func (r *PostgresRepository) attachAttachments(ctx context.Context, conversationID uuid.UUID, index map[uuid.UUID]*Message) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.message_id, a.name, a.kind, a.url
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.conversation_id = $1
	`, conversationID)
	if err != nil {
		return fmt.Errorf("%w: failed to list attachments: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Attachment
		var messageID uuid.UUID
		if err := rows.Scan(&a.ID, &messageID, &a.Name, &a.Kind, &a.URL); err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		if m, ok := index[messageID]; ok {
			m.Attachments = append(m.Attachments, a)
		}
	}
	return rows.Err()
}

func (r *PostgresRepository) appendMessageEvent(ctx context.Context, tx *sql.Tx, messageID uuid.UUID, op changefeed.Op) error {
	m, err := scanMessage(tx.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, body, status, seq, sent_at, edited, edited_at
		FROM messages WHERE id = $1
	`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: message %s", infrastructure.ErrNotFound, messageID)
	}
	if err != nil {
		return err
	}
	return changefeed.Append(tx, "messages", op, nil, m)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var editedAt sql.NullTime
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.Status, &m.Seq, &m.SentAt, &m.Edited, &editedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	return &m, nil
}
