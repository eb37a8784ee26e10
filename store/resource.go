package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/peerlearn/groupchat/core"
)

var ErrInvalidResource = errors.New("invalid resource")

type ResourceCreateInput struct {
	RoomID  string `json:"roomId" validate:"required,max=128"`
	OwnerID string `json:"-"`
	Title   string `json:"title" validate:"required,max=200"`
	Type    string `json:"type" validate:"omitempty,oneof=link pdf video note"`
	Link    string `json:"link" validate:"required,url"`
}

// Resource is a study material shared to a room.
type Resource struct {
	core.Attachment
	RoomID    string    `json:"roomId"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

type ResourceStore struct {
	db *sql.DB
}

func NewResourceStore(db *sql.DB) *ResourceStore {
	return &ResourceStore{db: db}
}

func (s *ResourceStore) CreateResource(ctx context.Context, input ResourceCreateInput) (*Resource, error) {
	if input.Type == "" {
		input.Type = "link"
	}
	if err := validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}

	r := &Resource{
		Attachment: core.Attachment{
			ResourceID: uuid.NewString(),
			Title:      input.Title,
			Type:       input.Type,
			Link:       input.Link,
		},
		RoomID:    input.RoomID,
		OwnerID:   input.OwnerID,
		CreatedAt: time.UnixMilli(time.Now().UnixMilli()).UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO resources (id, room_id, owner_id, title, type, link, created_at)
	VALUES (@id, @room_id, @owner_id, @title, @type, @link, @created_at)`,
		sql.Named("id", r.ResourceID), sql.Named("room_id", r.RoomID), sql.Named("owner_id", r.OwnerID),
		sql.Named("title", r.Title), sql.Named("type", r.Type), sql.Named("link", r.Link),
		sql.Named("created_at", r.CreatedAt.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("insert resource: %w", err)
	}
	return r, nil
}

// RoomResources lists the resources shared to roomID, newest first.
func (s *ResourceStore) RoomResources(ctx context.Context, roomID string) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, room_id, owner_id, title, type, link, created_at
	FROM resources WHERE room_id = ? ORDER BY created_at DESC, rowid DESC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	resources := []Resource{}
	for rows.Next() {
		var (
			r         Resource
			createdAt int64
		)
		if err := rows.Scan(&r.ResourceID, &r.RoomID, &r.OwnerID, &r.Title, &r.Type, &r.Link, &createdAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		resources = append(resources, r)
	}
	return resources, rows.Err()
}
