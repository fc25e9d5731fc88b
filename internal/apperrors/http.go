package apperrors

import (
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindSubmissionRejected:
		return http.StatusUnprocessableEntity
	case KindAuthenticationFailed, KindAuthorizationFailed:
		return http.StatusBadGateway
	case KindNoBackendAvailable, KindBackendCircuitOpen, KindTransientFailureExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
