package models

import "errors"

type ErrorCode string

const (
	CodeUnauthenticated   ErrorCode = "unauthenticated"
	CodeInvalidCredential ErrorCode = "invalid_credential"
	CodeNotAParticipant   ErrorCode = "not_a_participant"
	CodeForbidden         ErrorCode = "forbidden"
	CodeNotFound          ErrorCode = "not_found"
	CodeInvalidInput      ErrorCode = "invalid_input"
	CodeConflict          ErrorCode = "conflict"
	CodeInternal          ErrorCode = "internal"
)

// Error is a classified failure. Specific errors keep a pointer to the
// generic error of their kind, so errors.Is matches both.
type Error struct {
	Code    ErrorCode
	Message string
	kind    *Error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	if e.kind == nil {
		return nil
	}
	return e.kind
}

func newKind(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func newError(kind *Error, msg string) *Error {
	return &Error{Code: kind.Code, Message: msg, kind: kind}
}

var (
	ErrUnauthenticated   = newKind(CodeUnauthenticated, "unauthenticated")
	ErrInvalidCredential = newKind(CodeInvalidCredential, "invalid credential")
	ErrNotAParticipant   = newKind(CodeNotAParticipant, "not a participant of this conversation")
	ErrForbidden         = newKind(CodeForbidden, "forbidden")
	ErrNotFound          = newKind(CodeNotFound, "not found")
	ErrInvalidInput      = newKind(CodeInvalidInput, "invalid input")
	ErrConflict          = newKind(CodeConflict, "conflict")

	ErrSelfChat       = newError(ErrInvalidInput, "cannot start a conversation with yourself")
	ErrEmptyContent   = newError(ErrInvalidInput, "message content is empty")
	ErrContentTooLong = newError(ErrInvalidInput, "message content is too long")
	ErrTargetNotFound = newError(ErrNotFound, "target user not found")
	ErrFollowRequired = newError(ErrConflict, "you must follow this user to start a conversation")
)

// CodeOf classifies err. Anything unclassified is internal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// PublicMessage returns the message safe to show to a client.
func PublicMessage(err error) string {
	if CodeOf(err) == CodeInternal {
		return "internal server error"
	}
	return err.Error()
}
