package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageKind determines how the message body and attachment are interpreted.
type MessageKind string

const (
	// TextMessage is a plain UTF-8 text message.
	TextMessage MessageKind = "text"
	// ResourceMessage references a shared resource. The body is a caption and
	// Attachment carries the reference the view renders as a link card.
	ResourceMessage MessageKind = "resource"
)

// tempIDPrefix marks client-local ids of messages the server has not acknowledged.
const tempIDPrefix = "tmp-"

// Attachment is a reference to a shared resource. The client never fetches the
// resource itself.
type Attachment struct {
	ResourceID string `json:"resourceId" validate:"required"`
	Title      string `json:"title"`
	Type       string `json:"type"`
	Link       string `json:"link" validate:"omitempty,url"`
}

// ReplyPreview is a snapshot of the message being replied to.
type ReplyPreview struct {
	ID         string `json:"id"`
	AuthorName string `json:"authorName"`
	Body       string `json:"message"`
}

// ChatMessage is a message sent by a user to a room.
type ChatMessage struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"roomId"`
	AuthorID   string      `json:"authorId"`
	AuthorName string      `json:"authorName"`
	Body       string      `json:"message"`
	Kind       MessageKind `json:"type"`
	Attachment *Attachment `json:"resource,omitempty"`
	// ReplyToID is a weak reference: the target may have been deleted.
	ReplyToID string        `json:"replyToId,omitempty"`
	ReplyTo   *ReplyPreview `json:"replyTo,omitempty"`
	// SentAt is assigned by the server and is authoritative for ordering.
	SentAt time.Time `json:"sentAt"`
	// ClientToken correlates a server copy with the optimistic entry it confirms.
	ClientToken string `json:"clientToken,omitempty"`
}

// IsTemporary reports whether the message still carries a client-local id.
func (m ChatMessage) IsTemporary() bool {
	return strings.HasPrefix(m.ID, tempIDPrefix)
}

// ReplyText returns the text to render for the reply preview. A reply whose
// target is gone degrades to a placeholder.
func (m ChatMessage) ReplyText() string {
	if m.ReplyToID == "" {
		return ""
	}
	if m.ReplyTo == nil {
		return "original message unavailable"
	}
	return m.ReplyTo.AuthorName + ": " + m.ReplyTo.Body
}

// Draft is what the composer submits.
type Draft struct {
	Body       string `validate:"required_without=Attachment,max=4000"`
	ReplyToID  string
	Attachment *Attachment
}

// Kind returns the message kind implied by the draft.
func (d Draft) Kind() MessageKind {
	if d.Attachment != nil {
		return ResourceMessage
	}
	return TextMessage
}

// MessageState is the phase of a store entry in the client-side two phase commit.
type MessageState int

const (
	// Pending entries were inserted locally and await the server copy.
	Pending MessageState = iota
	// Confirmed entries carry the server id and timestamp.
	Confirmed
	// Failed entries could not be sent. They stay visible until retried or discarded.
	Failed
)

func (s MessageState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one row of the ordered message store.
type Entry struct {
	Message ChatMessage
	State   MessageState
	// Err is set when State is Failed.
	Err error
}

func newTempID() string {
	return tempIDPrefix + uuid.NewString()
}

func newClientToken() string {
	return uuid.NewString()
}
