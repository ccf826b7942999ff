package api

import (
	"errors"
	"net/http"

	"minutes-api/domain"
)

// errorStatus maps an engine error to its HTTP status and response body.
// Internal failures are not described to the client.
func errorStatus(err error) (int, errorResponse) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorResponse{Error: domain.ErrValidation.Error(), Field: ve.Field, Reason: ve.Reason}
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error()}
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, errorResponse{Error: domain.ErrForbidden.Error()}
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, errRunInProgress):
		return http.StatusConflict, errorResponse{Error: err.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal error"}
	}
}
