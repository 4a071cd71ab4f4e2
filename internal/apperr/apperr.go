// Package apperr defines the error kinds returned to chat and moderation
// callers, and their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindValidation Kind = "validation"
	KindProfanity  Kind = "profanity"
	KindConflict   Kind = "conflict"
	KindAuth       Kind = "auth"
	KindForbidden  Kind = "forbidden"
	KindBanned     Kind = "banned"
	KindNotFound   Kind = "not_found"
	KindNotMember  Kind = "not_member"
	KindStorage    Kind = "storage"
)

// Sentinels usable with errors.Is.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrProfanity  = &Error{Kind: KindProfanity}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrAuth       = &Error{Kind: KindAuth}
	ErrForbidden  = &Error{Kind: KindForbidden}
	ErrBanned     = &Error{Kind: KindBanned}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrNotMember  = &Error{Kind: KindNotMember}
	ErrStorage    = &Error{Kind: KindStorage}
)

// Error is a user-visible error with a kind and message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return string(e.Kind) + ": " + e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrBanned) works
// regardless of the message. A forbidden error is an auth error with a valid
// token that lacks the role, so it also matches ErrAuth.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind || (e.Kind == KindForbidden && t.Kind == KindAuth)
}

func Validation(msg string) error { return &Error{Kind: KindValidation, Msg: msg} }
func Profanity(msg string) error  { return &Error{Kind: KindProfanity, Msg: msg} }
func Conflict(msg string) error   { return &Error{Kind: KindConflict, Msg: msg} }
func Auth(msg string) error       { return &Error{Kind: KindAuth, Msg: msg} }
func Forbidden(msg string) error  { return &Error{Kind: KindForbidden, Msg: msg} }
func Banned(msg string) error     { return &Error{Kind: KindBanned, Msg: msg} }
func NotFound(msg string) error   { return &Error{Kind: KindNotFound, Msg: msg} }
func NotMember(msg string) error  { return &Error{Kind: KindNotMember, Msg: msg} }

// Storage wraps a failure of the storage collaborator on a write path.
func Storage(msg string, err error) error {
	return &Error{Kind: KindStorage, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindValidation, KindProfanity:
		return http.StatusBadRequest
	case KindConflict, KindNotMember:
		return http.StatusConflict
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden, KindBanned:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the text safe to show a client: the message of an *Error
// without its wrapped cause, or a generic text for anything else.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Internal server error"
	}
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Kind)
}
