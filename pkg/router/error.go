package router

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Error is an error that renders itself as a response body.
type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// StatusError is the JSON body every failed API call answers with.
type StatusError struct {
	Status  int    `json:"code"`
	Message string `json:"error"`
}

// NewError returns a StatusError. An empty msg falls back to the status text.
func NewError(status int, msg string) StatusError {
	if msg == "" {
		msg = http.StatusText(status)
	}
	return StatusError{Status: status, Message: msg}
}

func Errorf(status int, format string, args ...any) StatusError {
	return NewError(status, fmt.Sprintf(format, args...))
}

func (e StatusError) StatusCode() int { return e.Status }

func (e StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func (e StatusError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
