package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/turtacn/casewatch/pkg/errors"
)

// ErrorBody is the JSON error envelope of the API.
type ErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// WriteJSON writes v as the response body with status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError renders err with the status mapped from its code. Anything that
// is not an AppError is reported as an internal error, and server errors never
// expose their detail.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) || appErr == nil {
		appErr = errors.New(errors.ErrCodeInternal, "internal server error")
	}
	status := errors.HTTPStatusForCode(appErr.Code)
	body := ErrorBody{Code: string(appErr.Code), Message: appErr.Message}
	if status >= http.StatusInternalServerError {
		body.Message = errors.DefaultMessageForCode(appErr.Code)
		WriteJSON(w, status, body)
		return
	}
	body.Details = append(body.Details, appErr.Reasons...)
	if appErr.Detail != "" {
		body.Details = append(body.Details, appErr.Detail)
	}
	WriteJSON(w, status, body)
}
