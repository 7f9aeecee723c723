package errors

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

// postgrestCode matches the "(code) message" form the PostgREST client uses
// for error responses.
var postgrestCode = regexp.MustCompile(`^\(([0-9A-Z]+)\)\s*(.*)$`)

// Classify maps an error returned by a remote collaborator onto the
// application taxonomy. AppErrors pass through unchanged.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("remote call").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return NewNetworkError("request was cancelled", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTimeoutError("remote call").WithCause(err)
		}
		return NewNetworkError("network error", err)
	}

	if m := postgrestCode.FindStringSubmatch(err.Error()); m != nil {
		code, msg := m[1], m[2]
		switch {
		case code == "23505":
			return NewConflictError(msg).WithCode(code).WithCause(err)
		case code == "23503":
			return NewConflictError(msg).WithCode(code).WithCause(err)
		case code == "42501":
			return NewForbiddenError(msg).WithCode(code).WithCause(err)
		case code == "PGRST301" || code == "PGRST302":
			return NewUnauthorizedError(msg).WithCode(code).WithCause(err)
		case code == "PGRST116":
			return NewNotFoundError("record").WithCode(code).WithCause(err)
		case strings.HasPrefix(code, "22") || strings.HasPrefix(code, "23"):
			return NewValidationError(msg).WithCode(code).WithCause(err)
		}
		return NewExternalError("remote store", err).WithCode(code)
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "eof"):
		return NewNetworkError("network error", err)
	case strings.Contains(lower, "timeout"):
		return NewTimeoutError("remote call").WithCause(err)
	}

	return NewExternalError("remote store", err)
}

// UserMessage returns the notification text shown when a mutation is rolled
// back. Conflicts get their own wording; everything else collapses into one
// of three generic messages.
func UserMessage(err error) string {
	appErr := Classify(err)
	if appErr == nil {
		return ""
	}
	switch appErr.Type {
	case ErrorTypeConflict:
		if appErr.Code == "23503" {
			return "That change refers to something that no longer exists. Your change was undone."
		}
		return "Something with that name already exists. Your change was undone."
	case ErrorTypeUnauthorized, ErrorTypeForbidden:
		return "You don't have permission to make that change. Your change was undone."
	case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeUnavailable:
		return "Could not reach the server. Your change was undone; please try again."
	case ErrorTypeValidation:
		return "That change was rejected: " + appErr.Message
	case ErrorTypeNotFound:
		return "That item no longer exists. Your change was undone."
	}
	return "Something went wrong saving your change. It was undone."
}
