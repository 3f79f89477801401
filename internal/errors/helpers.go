package errors

import (
	"fmt"
	"net/http"
)

// NewValidationError creates a validation error with field context.
// Validation errors are raised before any network effect.
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a local cache error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("cache %s failed", operation)).
		WithContext("operation", operation)
}

// NewPersistenceError wraps a failed send/edit/delete/pin call. The caller
// rolls back its optimistic change and keeps running.
func NewPersistenceError(operation string, err error) *AppError {
	appErr := Wrap(err, ErrCodePersistence, fmt.Sprintf("%s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage(fmt.Sprintf("Could not %s message, please try again", operation))
	appErr.Retryable = true
	return appErr
}

// NewAPIError creates an error for a non-2xx REST response.
func NewAPIError(method, endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodePersistence, fmt.Sprintf("%s %s returned %d", method, endpoint, statusCode)).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)

	if statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout {
		appErr.Retryable = true
	}
	return appErr
}

// NewReconciliationMiss marks an event that references state not loaded locally.
func NewReconciliationMiss(kind, id string) *AppError {
	return New(ErrCodeReconciliationMiss, fmt.Sprintf("%s references unknown %s", kind, id)).
		WithContext("event", kind).
		WithContext("id", id)
}

// NewStaleEventError marks an event addressed to a conversation that is not active.
func NewStaleEventError(kind string) *AppError {
	return New(ErrCodeStaleEvent, fmt.Sprintf("%s does not match the active conversation", kind)).
		WithContext("event", kind)
}

// NewReceiptCommitError wraps a failed mark-as-seen call.
func NewReceiptCommitError(count int, err error) *AppError {
	return WrapRetryable(err, ErrCodeReceiptCommit, "mark-as-seen commit failed").
		WithContext("pending", count)
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// HTTPStatusCode maps error codes to status codes for the local control API.
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeReconciliationMiss:
		return http.StatusNotFound
	case ErrCodeStaleEvent:
		return http.StatusConflict
	case ErrCodePersistence, ErrCodeReceiptCommit:
		return http.StatusBadGateway
	case ErrCodeCircuitOpen, ErrCodeChannelClosed, ErrCodeDatabaseQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the error body returned by the local control API.
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error) HTTPErrorResponse {
	var response HTTPErrorResponse

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = appErr.UserMessage
	if response.Error.Message == "" {
		response.Error.Message = appErr.Message
	}
	if len(appErr.Context) > 0 {
		public := make(map[string]interface{}, len(appErr.Context))
		for k, v := range appErr.Context {
			if k != "token" && k != "secret" {
				public[k] = v
			}
		}
		response.Error.Context = public
	}
	return response
}
