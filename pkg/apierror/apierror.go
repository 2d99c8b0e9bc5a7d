package apierror

import (
	"fmt"
	"net/http"

	"store-auth/internal/model"
)

const (
	CodeMissingToken            = "MISSING_TOKEN"
	CodeInvalidToken            = "INVALID_TOKEN"
	CodeUserNotFound            = "USER_NOT_FOUND"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodeAuthError               = "AUTH_ERROR"

	CodeMissingRefreshToken    = "MISSING_REFRESH_TOKEN"
	CodeInvalidRefreshToken    = "INVALID_REFRESH_TOKEN"
	CodeUserNotFoundOrInactive = "USER_NOT_FOUND_OR_INACTIVE"
	CodeTokenVersionStale      = "TOKEN_VERSION_STALE"

	CodeBadRequest         = "BAD_REQUEST"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountDisabled    = "ACCOUNT_DISABLED"
	CodeAlreadyExists      = "ALREADY_EXISTS"
	CodeNotFound           = "NOT_FOUND"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
)

type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	HTTPStatus int    `json:"-"`
	kind       error
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}

	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the taxonomy sentinel so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.kind
}

func New(code string, message string, details string, status int) *APIError {
	return &APIError{Code: code, Message: message, Details: details, HTTPStatus: status}
}

// Wrap builds an APIError classified under one of the model taxonomy sentinels.
func Wrap(kind error, code string, message string, status int) *APIError {
	return &APIError{Code: code, Message: message, HTTPStatus: status, kind: kind}
}

func MissingToken() *APIError {
	return Wrap(model.ErrMalformedRequest, CodeMissingToken, "access token is required", http.StatusUnauthorized)
}

func InvalidToken() *APIError {
	return Wrap(model.ErrTokenInvalid, CodeInvalidToken, "invalid or expired token", http.StatusUnauthorized)
}

func UserNotFound() *APIError {
	return Wrap(model.ErrIdentityUnavailable, CodeUserNotFound, "user not found or inactive", http.StatusUnauthorized)
}

func InsufficientPermissions() *APIError {
	return Wrap(model.ErrPermissionDenied, CodeInsufficientPermissions, "insufficient permissions", http.StatusForbidden)
}

func AuthError() *APIError {
	return Wrap(model.ErrUnexpected, CodeAuthError, "authentication failed", http.StatusInternalServerError)
}

func MissingRefreshToken() *APIError {
	return Wrap(model.ErrMalformedRequest, CodeMissingRefreshToken, "refresh token is required", http.StatusBadRequest)
}

func InvalidRefreshToken() *APIError {
	return Wrap(model.ErrTokenInvalid, CodeInvalidRefreshToken, "invalid or expired refresh token", http.StatusUnauthorized)
}

func UserNotFoundOrInactive() *APIError {
	return Wrap(model.ErrIdentityUnavailable, CodeUserNotFoundOrInactive, "user not found or inactive", http.StatusUnauthorized)
}

func TokenVersionStale() *APIError {
	return Wrap(model.ErrVersionStale, CodeTokenVersionStale, "refresh token has been revoked, please log in again", http.StatusUnauthorized)
}
