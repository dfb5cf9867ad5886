package errors

import (
	"encoding/json"
	"fmt"
)

// Code classifies an error raised by the sync layer
type Code int

const (
	Internal    Code = 500
	NotFound    Code = 404
	Validation  Code = 400
	Conflict    Code = 409
	Unavailable Code = 503
	Timeout     Code = 504
)

// Error is a custom error
type Error struct {
	Code     Code     `json:"code"`
	Messages []string `json:"messages"`
	Err      error    `json:"err,omitempty"`
}

// Error returns the Error as a json string
func (e *Error) Error() string {
	if e.Code == 0 {
		e.Code = Internal
	}
	type jsonError struct {
		Code     Code     `json:"code"`
		Messages []string `json:"messages"`
		Err      string   `json:"err,omitempty"`
	}
	je := jsonError{Code: e.Code, Messages: e.Messages}
	if e.Err != nil {
		je.Err = e.Err.Error()
	}
	bits, _ := json.Marshal(je)
	return string(bits)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// RemoveError removes the error from the Error and leaves it's messages and code
func (e *Error) RemoveError() *Error {
	return &Error{
		Code:     e.Code,
		Messages: e.Messages,
		Err:      nil,
	}
}

// New creates a new error with the given code and message
func New(code Code, msg string, args ...any) error {
	e := &Error{Code: code}
	if msg != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
	}
	return e
}

// Extract extracts the custom Error from the given error
func Extract(err error) *Error {
	if err == nil {
		return nil
	}
	e, ok := err.(*Error)
	if !ok {
		return &Error{
			Code:     0,
			Messages: nil,
			Err:      err,
		}
	}
	return e
}

// Is reports whether err carries the given code
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return Extract(err).Code == code
}

// Wrap wraps the given error and returns a new one. A nil error stays nil.
func Wrap(err error, code Code, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	e, ok := err.(*Error)
	if ok {
		if msg != "" {
			e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
		}
		if code > 0 {
			e.Code = code
		}
		return e
	}
	e = &Error{
		Code: code,
		Err:  err,
	}
	if msg != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
	}
	return e
}
