package app

import (
	"database/sql"
	"errors"
	"net/http"

	"postwork/api/internal/apperr"
	"postwork/api/internal/auth"
	"postwork/api/internal/authpw"
	"postwork/api/internal/export"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:     http.StatusUnprocessableEntity,
	apperr.KindForbidden:      http.StatusForbidden,
	apperr.KindNotFound:       http.StatusNotFound,
	apperr.KindConflict:       http.StatusConflict,
	apperr.KindStorageFailure: http.StatusServiceUnavailable,
}

// mapError turns a service error into the HTTP status and the
// {code, error, details} body fields.
func mapError(err error) (status int, code, message string, details any) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		mapped, ok := kindStatus[appErr.Kind]
		if !ok {
			mapped = http.StatusInternalServerError
		}
		message = appErr.Message
		if appErr.Kind == apperr.KindStorageFailure {
			// The cause may carry driver detail; clients only see the operation.
			message = "Storage unavailable: " + appErr.Message
		}
		return mapped, appErr.PublicCode(), message, appErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
