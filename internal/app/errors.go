package app

import (
	"errors"
	"fmt"
	"net/http"

	"abode/collab/internal/auth"
	"abode/collab/internal/errs"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError turns a component error into the response the API writes. Each
// errs.Kind gets its own status so clients can tell them apart.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}

	var e *errs.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case errs.KindNotFound:
			return http.StatusNotFound, "NOT_FOUND", e.Msg, nil
		case errs.KindPermissionDenied:
			return http.StatusForbidden, "FORBIDDEN", e.Msg, nil
		case errs.KindInvalidState:
			return http.StatusUnprocessableEntity, "INVALID_STATE", e.Msg, nil
		case errs.KindConflict:
			return http.StatusConflict, "CONFLICT", e.Msg, nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
