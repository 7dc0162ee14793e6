package conversations

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// previewLimit bounds the conversation preview column.
const previewLimit = 120

// Querier is satisfied by pgxpool.Pool, pgx.Tx and pgxmock.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool subset the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists conversations and messages in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		panic("conversations: pgx pool required")
	}
	return &Store{pool: pool}
}

const conversationColumns = `id, lead_id, channel, is_group, external_thread_id, last_message_at, last_message_preview, unread_count, archived`

// FindOrCreate returns the open conversation for the key, creating it when
// none exists. Concurrent first messages race on the insert; the partial
// unique index turns the loser's insert into a no-op update so both callers
// converge on the same row.
func (s *Store) FindOrCreate(ctx context.Context, key ThreadKey) (*Conversation, error) {
	if key.Channel == "" {
		return nil, fmt.Errorf("conversations: channel required")
	}
	if key.IsGroup {
		if key.ExternalThreadID == "" {
			return nil, fmt.Errorf("conversations: group thread id required")
		}
		query := `
			INSERT INTO conversations (id, channel, is_group, external_thread_id)
			VALUES ($1, $2, TRUE, $3)
			ON CONFLICT (external_thread_id) WHERE is_group
			DO UPDATE SET channel = EXCLUDED.channel
			RETURNING ` + conversationColumns
		return s.scanConversation(s.pool.QueryRow(ctx, query, uuid.New(), key.Channel, key.ExternalThreadID))
	}
	if key.LeadID == nil {
		return nil, fmt.Errorf("conversations: lead required for direct thread")
	}
	query := `
		INSERT INTO conversations (id, lead_id, channel, is_group)
		VALUES ($1, $2, $3, FALSE)
		ON CONFLICT (lead_id, channel) WHERE NOT archived AND NOT is_group
		DO UPDATE SET channel = EXCLUDED.channel
		RETURNING ` + conversationColumns
	return s.scanConversation(s.pool.QueryRow(ctx, query, uuid.New(), *key.LeadID, key.Channel))
}

// AppendMessage persists the message and updates the conversation's preview,
// last-activity timestamp and unread counter in one transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID uuid.UUID, msg MessageRecord) (uuid.UUID, error) {
	if msg.Direction != DirectionInbound && msg.Direction != DirectionOutbound {
		return uuid.Nil, fmt.Errorf("conversations: invalid direction %q", msg.Direction)
	}
	if msg.SentStatus == "" {
		msg.SentStatus = StatusSent
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	payload := msg.ProviderPayload
	if payload == nil {
		payload = []byte("{}")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("conversations: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `
		INSERT INTO messages (
			id, conversation_id, direction, content, media_url, mime_type,
			message_type, provider, provider_message_id, provider_payload, sent_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
		RETURNING id
	`
	var id uuid.UUID
	if err := tx.QueryRow(ctx, insert,
		uuid.New(),
		conversationID,
		msg.Direction,
		msg.Content,
		msg.MediaURL,
		msg.MimeType,
		msg.MessageType,
		msg.Provider,
		msg.ProviderMessageID,
		payload,
		msg.SentStatus,
	).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("conversations: insert message: %w", err)
	}

	unreadDelta := 0
	if msg.Direction == DirectionInbound {
		unreadDelta = 1
	}
	update := `
		UPDATE conversations
		SET last_message_preview = $2,
			last_message_at = now(),
			unread_count = unread_count + $3,
			updated_at = now()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, update, conversationID, preview(msg), unreadDelta); err != nil {
		return uuid.Nil, fmt.Errorf("conversations: update thread: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("conversations: commit: %w", err)
	}
	return id, nil
}

// HasProviderMessage checks whether a message with the provider message id
// exists, so replayed webhooks do not duplicate rows.
func (s *Store) HasProviderMessage(ctx context.Context, providerMessageID string) (bool, error) {
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return false, nil
	}
	query := `
		SELECT 1 FROM messages
		WHERE provider_message_id = $1
		LIMIT 1
	`
	var exists int
	if err := s.pool.QueryRow(ctx, query, providerMessageID).Scan(&exists); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("conversations: check provider message: %w", err)
	}
	return true, nil
}

// UpdateMessageStatus advances a message's delivery status. Transitions only
// move forward (sending, sent, delivered, read) and failed is accepted from
// any non-terminal state.
func (s *Store) UpdateMessageStatus(ctx context.Context, providerMessageID, status string) error {
	rank := statusRank(status)
	if rank < 0 {
		return fmt.Errorf("conversations: unknown status %q", status)
	}
	// failed may replace anything short of read.
	cmp := rank
	if status == StatusFailed {
		cmp = statusRank(StatusRead)
	}
	query := `
		UPDATE messages
		SET sent_status = $2
		WHERE provider_message_id = $1
			AND (CASE sent_status
				WHEN 'sending' THEN 0
				WHEN 'sent' THEN 1
				WHEN 'delivered' THEN 2
				WHEN 'read' THEN 3
				ELSE 4 END) < $3
	`
	if _, err := s.pool.Exec(ctx, query, providerMessageID, status, cmp); err != nil {
		return fmt.Errorf("conversations: update message status: %w", err)
	}
	return nil
}

// MarkRead resets the unread counter when an agent opens the thread.
func (s *Store) MarkRead(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE conversations
		SET unread_count = 0,
			updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("conversations: mark read: %w", err)
	}
	return nil
}

// Archive closes the thread. Conversations are never deleted.
func (s *Store) Archive(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE conversations
		SET archived = TRUE,
			updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("conversations: archive: %w", err)
	}
	return nil
}

// GetByID fetches one conversation.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	return s.scanConversation(s.pool.QueryRow(ctx, query, id))
}

// ListOpen returns non-archived conversations, most recent activity first.
func (s *Store) ListOpen(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE NOT archived
		ORDER BY last_message_at DESC NULLS LAST
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("conversations: list open: %w", err)
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		conv, err := scanConversationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

// ListMessages returns messages for a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, conversation_id, direction, content, media_url, mime_type,
			message_type, provider, COALESCE(provider_message_id, ''), provider_payload, sent_status, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversations: list messages: %w", err)
	}
	defer rows.Close()
	var out []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.ConversationID,
			&rec.Direction,
			&rec.Content,
			&rec.MediaURL,
			&rec.MimeType,
			&rec.MessageType,
			&rec.Provider,
			&rec.ProviderMessageID,
			&rec.ProviderPayload,
			&rec.SentStatus,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("conversations: scan message: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) scanConversation(row pgx.Row) (*Conversation, error) {
	return scanConversationRow(row)
}

func scanConversationRow(row pgx.Row) (*Conversation, error) {
	var conv Conversation
	var threadID *string
	if err := row.Scan(
		&conv.ID,
		&conv.LeadID,
		&conv.Channel,
		&conv.IsGroup,
		&threadID,
		&conv.LastMessageAt,
		&conv.LastMessagePreview,
		&conv.UnreadCount,
		&conv.Archived,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("conversations: scan: %w", err)
	}
	if threadID != nil {
		conv.ExternalThreadID = *threadID
	}
	return &conv, nil
}

// preview truncates message content for the thread listing. Media-only
// messages fall back to a type tag.
func preview(msg MessageRecord) string {
	text := strings.TrimSpace(msg.Content)
	if text == "" && msg.MediaURL != "" {
		return "[" + msg.MessageType + "]"
	}
	runes := []rune(text)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit])
	}
	return text
}
