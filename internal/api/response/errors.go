package response

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/tickets/internal/models"
)

// conflictRetryAfter is the Retry-After value, in seconds, sent with CONFLICT
const conflictRetryAfter = 1

// ErrorResponse defines the structure of an error response
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error represents an API error
type Error struct {
	Message    string
	StatusCode int
	Code       string
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// Common API errors
var (
	ErrInvalidRequest = &Error{Message: "Invalid request", StatusCode: http.StatusBadRequest, Code: "INVALID_REQUEST"}
	ErrNotFound       = &Error{Message: "Resource not found", StatusCode: http.StatusNotFound, Code: "NOT_FOUND"}
	ErrInternalServer = &Error{Message: "Internal server error", StatusCode: http.StatusInternalServerError, Code: "INTERNAL_ERROR"}
	ErrUnauthorized   = &Error{Message: "Unauthorized", StatusCode: http.StatusUnauthorized, Code: "UNAUTHORIZED"}
	ErrForbidden      = &Error{Message: "Forbidden", StatusCode: http.StatusForbidden, Code: "FORBIDDEN"}
	ErrConflict       = &Error{Message: "Concurrent update, retry the request", StatusCode: http.StatusServiceUnavailable, Code: "CONFLICT"}
)

// domainErrors maps domain errors to their HTTP form. The first match wins,
// so specific errors precede their classes.
var domainErrors = []struct {
	target error
	code   string
	status int
}{
	{models.ErrSoldOut, "SOLD_OUT", http.StatusConflict},
	{models.ErrSalesClosed, "SALES_CLOSED", http.StatusUnprocessableEntity},
	{models.ErrEventNotPublished, "SALES_CLOSED", http.StatusUnprocessableEntity},
	{models.ErrValidation, "VALIDATION_ERROR", http.StatusBadRequest},
	{models.ErrNotFound, "NOT_FOUND", http.StatusNotFound},
	{models.ErrConflict, "CONFLICT", http.StatusServiceUnavailable},
}

// FromError converts any error into an API error
func FromError(err error) *Error {
	var apiError *Error
	if errors.As(err, &apiError) {
		return apiError
	}

	for _, d := range domainErrors {
		if errors.Is(err, d.target) {
			return &Error{Message: err.Error(), StatusCode: d.status, Code: d.code}
		}
	}
	return ErrInternalServer
}

// WriteError aborts the request with the error's HTTP form
func WriteError(c *gin.Context, err error) {
	apiError := FromError(err)

	if apiError.StatusCode >= http.StatusInternalServerError && apiError.Code != "CONFLICT" {
		log.Error().Err(err).
			Str("path", c.Request.URL.Path).
			Str("request_id", c.GetString("X-Request-ID")).
			Msg("Unhandled error")
	}
	if apiError.Code == "CONFLICT" {
		c.Header("Retry-After", strconv.Itoa(conflictRetryAfter))
	}

	c.AbortWithStatusJSON(apiError.StatusCode, ErrorResponse{
		Message: apiError.Message,
		Code:    apiError.Code,
	})
}

// NewValidationError creates a new validation error with a custom message
func NewValidationError(message string) *Error {
	return &Error{
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Code:       "VALIDATION_ERROR",
	}
}
