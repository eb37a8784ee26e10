package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by a Transport that has no live connection.
	ErrNotConnected = errors.New("realtime connection is down")
	// ErrRoomClosed is returned when a completion arrives for a room that is no longer open.
	ErrRoomClosed = errors.New("room is no longer open")
	// ErrInvalidDraft is returned when the composer submits an unsendable draft.
	ErrInvalidDraft = errors.New("invalid draft")
	// ErrUnknownEntry is returned when a correlation token matches no store entry.
	ErrUnknownEntry = errors.New("unknown message entry")
	// ErrNotFailed is returned when retrying an entry that has not failed.
	ErrNotFailed = errors.New("message has not failed")
)

// HistoryLoadError is returned when the history fetch for a room fails.
// The view shows a room-level banner and may retry manually.
type HistoryLoadError struct {
	RoomID string
	Err    error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("load history of room %s: %v", e.RoomID, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }

// SendFailedError is attached to a failed entry. The entry stays visible with
// a retry affordance.
type SendFailedError struct {
	RoomID      string
	ClientToken string
	Err         error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send message to room %s: %v", e.RoomID, e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// AuthExpiredError means the bearer token is invalid or expired (HTTP 401).
// It is surfaced to the hosting application, never handled in the chat.
type AuthExpiredError struct {
	Err error
}

func (e *AuthExpiredError) Error() string {
	if e.Err == nil {
		return "authentication expired"
	}
	return fmt.Sprintf("authentication expired: %v", e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// JoinFailedError is returned when a room join could not be sent.
// The membership stays idle and the caller must retry explicitly.
type JoinFailedError struct {
	RoomID string
	Err    error
}

func (e *JoinFailedError) Error() string {
	return fmt.Sprintf("join room %s: %v", e.RoomID, e.Err)
}

func (e *JoinFailedError) Unwrap() error { return e.Err }

// IsAuthExpired reports whether err is or wraps an *AuthExpiredError.
func IsAuthExpired(err error) bool {
	var authErr *AuthExpiredError
	return errors.As(err, &authErr)
}
