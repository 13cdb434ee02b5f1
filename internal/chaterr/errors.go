// Package chaterr defines the application error type returned by chat
// components. Every AppError carries a message that is safe to show to the
// client; the wrapped cause is for logs only.
package chaterr

import (
	"errors"
	"fmt"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches another AppError by code, so sentinels below work with
// errors.Is even after wrapping.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func AlreadyExists(msg string) error {
	return New(CodeAlreadyExists, msg)
}

func Unauthenticated(msg string) error {
	return New(CodeUnauthenticated, msg)
}

func Forbidden(msg string) error {
	return New(CodePermissionDenied, msg)
}

func FailedPrecondition(msg string) error {
	return New(CodeFailedPrecondition, msg)
}

func Persistence(msg string, cause error) error {
	return Wrap(CodePersistence, msg, cause)
}

func Internal(msg string, cause error) error {
	return Wrap(CodeInternal, msg, cause)
}

var (
	ErrDuplicateSession   = New(CodeDuplicateSession, "user already online")
	ErrNotLoggedIn        = Unauthenticated("not logged in")
	ErrAlreadyLoggedIn    = FailedPrecondition("already logged in")
	ErrInvalidCredentials = Unauthenticated("invalid username or password")
	ErrRateLimited        = New(CodeRateLimited, "rate limit exceeded")
	ErrUsernameTaken      = AlreadyExists("username already exists")
	ErrUserNotFound       = NotFound("user not found")
	ErrMessageNotFound    = NotFound("message not found")
	ErrNotAuthor          = Forbidden("only the author can change this message")
	ErrMessageDeleted     = FailedPrecondition("message has been deleted")
	ErrSelfConversation   = InvalidArg("cannot send a private message to yourself")
)

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// UserMessage returns text that may be sent to a client for err. Errors
// that are not AppErrors, and internal or persistence failures, collapse to
// fallback so no driver or stack detail leaks.
func UserMessage(err error, fallback string) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fallback
	}
	switch appErr.Code {
	case CodeInternal, CodePersistence, CodeUnknown:
		return fallback
	}
	return appErr.Message
}
