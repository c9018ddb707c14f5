package app

import (
	"errors"
	"net/http"

	"kanban/api/internal/apperr"
)

var (
	errUnauthenticated = apperr.New(apperr.KindAuth, "Unauthorized")
	errForbidden       = apperr.New(apperr.KindForbidden, "Forbidden")
)

// mapError turns any error into the status and body fields written by
// writeError. Errors outside the apperr taxonomy never leak their text.
func mapError(err error) (status int, code, message string, details any) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, string(apperr.KindInternal), "Server error", nil
	}
	message = appErr.Message
	if appErr.Kind == apperr.KindInternal {
		message = "Server error"
	}
	if appErr.Details != nil {
		details = appErr.Details
	}
	return appErr.Kind.Status(), string(appErr.Kind), message, details
}
