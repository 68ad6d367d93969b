package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

//go:embed migrations/0001_chat.sql
var schema string

// Connect creates a pgx pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 8
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = time.Hour
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Postgres is the production Store. Unread counters live in two columns of the
// chats row and are only ever changed by single UPDATE statements.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*Postgres)(nil)

const chatColumns = `id, client_id, craftsman_id, job_id, last_message_preview, last_message_at,
	last_message_sender_id, client_unread, craftsman_unread, is_active, created_at, updated_at`

const messageColumns = `id, seq, chat_id, sender_id, type, content, created_at, is_read, read_at,
	is_edited, edited_at, is_deleted, deleted_at, COALESCE(client_message_id, '')`

func scanChat(row pgx.Row) (*model.Chat, error) {
	var (
		c               model.Chat
		clientUnread    int
		craftsmanUnread int
	)
	err := row.Scan(&c.ID, &c.ClientID, &c.CraftsmanID, &c.JobID, &c.LastMessagePreview, &c.LastMessageAt,
		&c.LastMessageSenderID, &clientUnread, &craftsmanUnread, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.UnreadCounts = map[string]int{c.ClientID: clientUnread, c.CraftsmanID: craftsmanUnread}
	return &c, nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m   model.Message
		seq int64
		typ string
	)
	err := row.Scan(&m.ID, &seq, &m.ChatID, &m.SenderID, &typ, &m.Content, &m.Timestamp, &m.IsRead, &m.ReadAt,
		&m.IsEdited, &m.EditedAt, &m.IsDeleted, &m.DeletedAt, &m.ClientMessageID)
	if err != nil {
		return nil, err
	}
	m.Sequence = uint64(seq)
	m.Type = model.MessageType(typ)
	return &m, nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return err
}

// CreateOrGetChat implements Store.
func (s *Postgres) CreateOrGetChat(ctx context.Context, client, craftsman model.Identity, jobID *string) (*model.Chat, bool, error) {
	if client.UserID == craftsman.UserID {
		return nil, false, model.ErrSelfChat
	}

	existing, err := s.chatByPair(ctx, client.UserID, craftsman.UserID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	if err := CheckNewChat(client, craftsman); err != nil {
		return nil, false, err
	}

	now := s.now()
	chat, err := scanChat(s.pool.QueryRow(ctx, `
		INSERT INTO chats (id, client_id, craftsman_id, job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT DO NOTHING
		RETURNING `+chatColumns,
		uuid.Must(uuid.NewV7()).String(), client.UserID, craftsman.UserID, jobID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race against a concurrent first contact.
		existing, err := s.chatByPair(ctx, client.UserID, craftsman.UserID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return chat, true, nil
}

func (s *Postgres) chatByPair(ctx context.Context, a, b string) (*model.Chat, error) {
	return scanChat(s.pool.QueryRow(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE LEAST(client_id, craftsman_id) = LEAST($1::text, $2::text)
		  AND GREATEST(client_id, craftsman_id) = GREATEST($1::text, $2::text)`, a, b))
}

// GetChat implements Store.
func (s *Postgres) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	chat, err := scanChat(s.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, chatID))
	if err != nil {
		return nil, notFound("chat", chatID, err)
	}
	return chat, nil
}

func (s *Postgres) queryChats(ctx context.Context, sql string, args ...any) ([]model.Chat, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := []model.Chat{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// ListChats implements Store.
func (s *Postgres) ListChats(ctx context.Context, userID string, page, limit int) ([]model.Chat, int, error) {
	page, limit = Clamp(page, limit)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chats WHERE client_id = $1 OR craftsman_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	chats, err := s.queryChats(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE client_id = $1 OR craftsman_id = $1
		ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	return chats, total, nil
}

// ListAllChats implements Store.
func (s *Postgres) ListAllChats(ctx context.Context, page, limit int) ([]model.Chat, int, error) {
	page, limit = Clamp(page, limit)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chats`).Scan(&total); err != nil {
		return nil, 0, err
	}
	chats, err := s.queryChats(ctx, `
		SELECT `+chatColumns+` FROM chats
		ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	return chats, total, nil
}

// ChatIDsForUser implements Store.
func (s *Postgres) ChatIDsForUser(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM chats
		WHERE client_id = $1 OR craftsman_id = $1
		ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ArchiveChat implements Store.
func (s *Postgres) ArchiveChat(ctx context.Context, chatID, requesterID string) (*model.Chat, error) {
	chat, err := scanChat(s.pool.QueryRow(ctx, `
		UPDATE chats SET is_active = FALSE, updated_at = $3
		WHERE id = $1 AND (client_id = $2 OR craftsman_id = $2)
		RETURNING `+chatColumns, chatID, requesterID, s.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainMiss(ctx, chatID, requesterID)
	}
	return chat, err
}

// explainMiss turns a guarded UPDATE that touched no row into the right error.
func (s *Postgres) explainMiss(ctx context.Context, chatID, userID string) error {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(userID) {
		return model.ErrNotParticipant
	}
	if !chat.IsActive {
		return model.ErrChatArchived
	}
	return fmt.Errorf("chat %s: concurrent update", chatID)
}

// AppendMessage implements Store. The chats row is updated first so its row
// lock serializes appends to the same chat and seq matches commit order.
func (s *Postgres) AppendMessage(ctx context.Context, in model.NewMessage) (*model.Message, *model.Chat, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, nil, err
	}
	id := in.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	now := s.now()

	var (
		msg  *model.Message
		chat *model.Chat
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		chat, err = scanChat(tx.QueryRow(ctx, `
			UPDATE chats SET
				last_message_preview = $2,
				last_message_at = $3,
				last_message_sender_id = $4,
				client_unread = client_unread + CASE WHEN client_id = $4 THEN 0 ELSE 1 END,
				craftsman_unread = craftsman_unread + CASE WHEN craftsman_id = $4 THEN 0 ELSE 1 END,
				updated_at = $3
			WHERE id = $1 AND is_active AND (client_id = $4 OR craftsman_id = $4)
			RETURNING `+chatColumns,
			in.ChatID, model.Preview(in.Type, in.Content), now, in.SenderID))
		if errors.Is(err, pgx.ErrNoRows) {
			return s.explainMiss(ctx, in.ChatID, in.SenderID)
		}
		if err != nil {
			return err
		}

		var clientMsgID *string
		if in.ClientMessageID != "" {
			clientMsgID = &in.ClientMessageID
		}
		msg, err = scanMessage(tx.QueryRow(ctx, `
			INSERT INTO messages (id, chat_id, sender_id, type, content, created_at, client_message_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+messageColumns,
			id, in.ChatID, in.SenderID, string(in.Type), in.Content, now, clientMsgID))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, chat, nil
}

// GetMessage implements Store.
func (s *Postgres) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 AND NOT is_deleted`, messageID))
	if err != nil {
		return nil, notFound("message", messageID, err)
	}
	return msg, nil
}

// ListMessages implements Store.
func (s *Postgres) ListMessages(ctx context.Context, q model.MessageQuery) ([]model.Message, bool, error) {
	page, limit := Clamp(q.Page, q.Limit)

	chat, err := s.GetChat(ctx, q.ChatID)
	if err != nil {
		return nil, false, err
	}
	if !q.Oversight && !chat.HasParticipant(q.RequesterID) {
		return nil, false, model.ErrNotParticipant
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = $1 AND NOT is_deleted
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3`, q.ChatID, limit+1, (page-1)*limit)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}

// MarkRead implements Store.
func (s *Postgres) MarkRead(ctx context.Context, chatID, readerID string) (int, *model.Chat, error) {
	now := s.now()
	var (
		changed int
		chat    *model.Chat
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		chat, err = scanChat(tx.QueryRow(ctx,
			`SELECT `+chatColumns+` FROM chats WHERE id = $1 FOR UPDATE`, chatID))
		if err != nil {
			return notFound("chat", chatID, err)
		}
		if !chat.HasParticipant(readerID) {
			return model.ErrNotParticipant
		}

		tag, err := tx.Exec(ctx, `
			UPDATE messages SET is_read = TRUE, read_at = $3
			WHERE chat_id = $1 AND sender_id <> $2 AND NOT is_read`, chatID, readerID, now)
		if err != nil {
			return err
		}
		changed = int(tag.RowsAffected())

		chat, err = scanChat(tx.QueryRow(ctx, `
			UPDATE chats SET
				client_unread = CASE WHEN client_id = $2 THEN 0 ELSE client_unread END,
				craftsman_unread = CASE WHEN craftsman_id = $2 THEN 0 ELSE craftsman_unread END,
				updated_at = CASE WHEN $3 THEN $4 ELSE updated_at END
			WHERE id = $1
			RETURNING `+chatColumns, chatID, readerID, changed > 0, now))
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return changed, chat, nil
}

// SoftDeleteMessage implements Store.
func (s *Postgres) SoftDeleteMessage(ctx context.Context, messageID, requesterID string) (*model.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE messages SET is_deleted = TRUE, deleted_at = $3
		WHERE id = $1 AND sender_id = $2 AND NOT is_deleted
		RETURNING `+messageColumns, messageID, requesterID, s.now()))
	if !errors.Is(err, pgx.ErrNoRows) {
		return msg, err
	}
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return nil, err
	}
	return nil, model.ErrForbidden
}

// Ping implements Store.
func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close implements Store.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
