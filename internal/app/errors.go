package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"vellum/api/internal/engine"
	"vellum/api/internal/store"
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

// mapError translates engine errors into transport responses. Every
// details payload carries the engine outcome so clients can branch on it
// without parsing codes.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	outcome := engine.Classify(err)

	var validation *engine.ValidationError
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Reason, map[string]any{
			"outcome": outcome,
			"field":   validation.Field,
		}
	}

	if errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", map[string]any{"outcome": outcome}
	}

	if errors.Is(err, engine.ErrForbidden) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"outcome": outcome}
	}

	var leaseConflict *engine.LeaseConflictError
	if errors.As(err, &leaseConflict) {
		return http.StatusConflict, "LEASE_HELD", leaseConflict.Error(), map[string]any{
			"outcome":    outcome,
			"holder":     leaseConflict.Holder,
			"ageSeconds": int64(leaseConflict.Age.Seconds()),
		}
	}

	var versionConflict *engine.VersionConflictError
	if errors.As(err, &versionConflict) {
		return http.StatusConflict, "VERSION_CONFLICT", versionConflict.Error(), map[string]any{
			"outcome":         outcome,
			"expectedVersion": versionConflict.Expected,
			"currentVersion":  versionConflict.Current,
		}
	}

	var transition *engine.TransitionError
	if errors.As(err, &transition) {
		return http.StatusConflict, "INVALID_TRANSITION", transition.Error(), map[string]any{
			"outcome": outcome,
			"status":  transition.Status,
			"action":  transition.Action,
		}
	}

	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
