package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"store-auth/internal/model"
	"store-auth/pkg/apierror"
)

func writeSuccess(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: true,
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := model.APIResponse{
		Code:    apierror.CodeInternal,
		Message: "unexpected server error",
	}

	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatus
		body.Code = apiErr.Code
		body.Message = apiErr.Message
		body.Details = apiErr.Details
	} else if errors.Is(err, model.ErrUserNotFound) {
		status = http.StatusNotFound
		body.Code = apierror.CodeNotFound
		body.Message = "user not found"
	} else if errors.Is(err, model.ErrUserAlreadyExists) {
		status = http.StatusConflict
		body.Code = apierror.CodeAlreadyExists
		body.Message = "user already exists"
	} else if errors.Is(err, model.ErrInvalidCredentials) {
		status = http.StatusUnauthorized
		body.Code = apierror.CodeInvalidCredentials
		body.Message = "invalid email or password"
	} else if errors.Is(err, model.ErrMalformedRequest) {
		status = http.StatusBadRequest
		body.Code = apierror.CodeBadRequest
		body.Message = "invalid request"
	} else if errors.Is(err, model.ErrTokenInvalid) {
		status = http.StatusUnauthorized
		body.Code = apierror.CodeInvalidToken
		body.Message = "invalid or expired token"
	} else if errors.Is(err, model.ErrVersionStale) {
		status = http.StatusUnauthorized
		body.Code = apierror.CodeTokenVersionStale
		body.Message = "refresh token has been revoked, please log in again"
	} else if errors.Is(err, model.ErrPermissionDenied) {
		status = http.StatusForbidden
		body.Code = apierror.CodeInsufficientPermissions
		body.Message = "insufficient permissions"
	} else {
		slog.Error("unhandled error in writeError", "error", err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON reads a JSON request body. An empty body leaves dst untouched
// so the service layer reports the missing fields.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apierror.Wrap(model.ErrMalformedRequest, apierror.CodeBadRequest, "invalid JSON body", http.StatusBadRequest)
	}
	return nil
}

const maxBodyBytes = 1 << 20
