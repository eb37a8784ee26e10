package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/peerlearn/groupchat/core"
)

var (
	ErrInvalidMessage   = errors.New("invalid message")
	ErrResourceNotFound = errors.New("resource not found")
)

// MaxHistoryLimit caps how many messages a single history query returns.
const MaxHistoryLimit = 500

type MessageCreateInput struct {
	RoomID      string           `validate:"required,max=128"`
	AuthorID    string           `validate:"required"`
	Body        string           `validate:"max=4000"`
	Kind        core.MessageKind `validate:"oneof=text resource"`
	ResourceID  string           `validate:"required_if=Kind resource"`
	ReplyToID   string
	ClientToken string `validate:"required,max=64"`
}

type MessageStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db, now: time.Now}
}

const selectMessage = `
SELECT m.id, m.room_id, m.author_id, u.name, m.body, m.type, m.reply_to, m.client_token, m.sent_at,
	r.id, r.title, r.type, r.link,
	p.id, pu.name, p.body
FROM messages m
JOIN users u ON u.id = m.author_id
LEFT JOIN resources r ON r.id = m.resource_id
LEFT JOIN messages p ON p.id = m.reply_to
LEFT JOIN users pu ON pu.id = p.author_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*core.ChatMessage, error) {
	var (
		m                                   core.ChatMessage
		replyTo, resID, resTitle, resType   sql.NullString
		resLink, prevID, prevName, prevBody sql.NullString
		sentAt                              int64
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.AuthorName, &m.Body, &m.Kind, &replyTo,
		&m.ClientToken, &sentAt, &resID, &resTitle, &resType, &resLink, &prevID, &prevName, &prevBody); err != nil {
		return nil, err
	}
	m.SentAt = time.UnixMilli(sentAt).UTC()
	m.ReplyToID = replyTo.String
	if resID.Valid {
		m.Attachment = &core.Attachment{
			ResourceID: resID.String,
			Title:      resTitle.String,
			Type:       resType.String,
			Link:       resLink.String,
		}
	}
	if prevID.Valid {
		m.ReplyTo = &core.ReplyPreview{ID: prevID.String, AuthorName: prevName.String, Body: prevBody.String}
	}
	return &m, nil
}

// SaveMessage persists a message. Saving the same client token twice for one
// author returns the stored message with created set to false.
func (s *MessageStore) SaveMessage(ctx context.Context, input MessageCreateInput) (msg *core.ChatMessage, created bool, err error) {
	if input.Kind == "" {
		input.Kind = core.TextMessage
	}
	if err := validate.Struct(input); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if input.Kind == core.TextMessage && input.Body == "" {
		return nil, false, fmt.Errorf("%w: empty body", ErrInvalidMessage)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	var resourceID sql.NullString
	if input.Kind == core.ResourceMessage {
		var room string
		err := tx.QueryRowContext(ctx, "SELECT room_id FROM resources WHERE id = ?", input.ResourceID).Scan(&room)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && room != input.RoomID) {
			return nil, false, ErrResourceNotFound
		}
		if err != nil {
			return nil, false, fmt.Errorf("lookup resource: %w", err)
		}
		resourceID = sql.NullString{String: input.ResourceID, Valid: true}
	}

	query := `
	INSERT INTO messages (id, room_id, author_id, body, type, resource_id, reply_to, client_token, sent_at)
	VALUES (@id, @room_id, @author_id, @body, @type, @resource_id, @reply_to, @client_token, @sent_at)
	ON CONFLICT (author_id, client_token) DO NOTHING`
	res, err := tx.ExecContext(ctx, query,
		sql.Named("id", uuid.NewString()),
		sql.Named("room_id", input.RoomID),
		sql.Named("author_id", input.AuthorID),
		sql.Named("body", input.Body),
		sql.Named("type", string(input.Kind)),
		sql.Named("resource_id", resourceID),
		sql.Named("reply_to", sql.NullString{String: input.ReplyToID, Valid: input.ReplyToID != ""}),
		sql.Named("client_token", input.ClientToken),
		sql.Named("sent_at", s.now().UnixMilli()))
	if err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("RowsAffected: %w", err)
	}

	row := tx.QueryRowContext(ctx, selectMessage+"WHERE m.author_id = ? AND m.client_token = ?",
		input.AuthorID, input.ClientToken)
	msg, err = scanMessage(row)
	if err != nil {
		return nil, false, fmt.Errorf("scan message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("Commit: %w", err)
	}
	return msg, n > 0, nil
}

// RoomMessages returns the most recent limit messages of roomID, oldest first.
func (s *MessageStore) RoomMessages(ctx context.Context, roomID string, limit int) ([]core.ChatMessage, error) {
	if limit <= 0 {
		limit = core.DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	rows, err := s.db.QueryContext(ctx,
		selectMessage+"WHERE m.room_id = ? ORDER BY m.sent_at DESC, m.rowid DESC LIMIT ?", roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	messages := make([]core.ChatMessage, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}
