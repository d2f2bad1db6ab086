package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"exchange-service/internal/auth"
	"exchange-service/internal/service"
	"exchange-service/internal/util"
)

// Error codes let clients tell apart the conflicts that share a status.
const (
	CodeAlreadyScanned = "already_scanned"
	CodeConflict       = "conflict"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeInvalidInput   = "invalid_input"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
)

var errRateLimited = errors.New("rate limit exceeded")

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse hides internal error text behind a generic message.
func errorResponse(err error, code, message string) Response {
	text := err.Error()
	if code == CodeInternal {
		text = "internal server error"
	}
	return Response{
		Success: false,
		Error:   text,
		Code:    code,
		Message: message,
	}
}

func respondWithJSON(logger *zap.Logger, w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps err to its status and code and writes the envelope.
func respondWithError(logger *zap.Logger, w http.ResponseWriter, err error, message string) {
	statusCode, code := getStatusCode(err)
	if statusCode >= http.StatusInternalServerError {
		logger.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	} else {
		logger.Debug("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	}
	respondWithJSON(logger, w, statusCode, errorResponse(err, code, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrAlreadyScanned):
		return http.StatusConflict, CodeAlreadyScanned
	case errors.Is(err, service.ErrSessionExists):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrMatchNotFound),
		errors.Is(err, service.ErrShareTokenNotFound),
		errors.Is(err, service.ErrProfileNotFound),
		errors.Is(err, service.ErrProfileUnavailable):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, service.ErrUnauthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrMissingUser):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrSelfRedeem):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
