// Package api exposes the ParkWatch HTTP surface
package api

import (
	"encoding/json"
	"net/http"

	"github.com/Spatial-NVR/ParkWatch/internal/config"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo represents error information in a response
type ErrorInfo struct {
	Code    string                   `json:"code"`
	Message string                   `json:"message"`
	Details []config.ValidationError `json:"details,omitempty"`
}

// Meta represents list metadata
type Meta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func success(status int) bool {
	return status >= 200 && status < 300
}

// JSON sends data in the standard envelope
func JSON(w http.ResponseWriter, status int, data interface{}) {
	writeResponse(w, status, Response{Success: success(status), Data: data})
}

// JSONWithMeta sends a list with its metadata
func JSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *Meta) {
	writeResponse(w, status, Response{Success: success(status), Data: data, Meta: meta})
}

// Error sends an error response
func Error(w http.ResponseWriter, status int, code, message string) {
	writeResponse(w, status, Response{Error: &ErrorInfo{Code: code, Message: message}})
}

// ValidationErrorResponse sends a 400 listing every rejected field
func ValidationErrorResponse(w http.ResponseWriter, errors config.ValidationErrors) {
	writeResponse(w, http.StatusBadRequest, Response{
		Error: &ErrorInfo{
			Code:    "VALIDATION_ERROR",
			Message: "Request validation failed",
			Details: errors,
		},
	})
}

// Common error responses
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, "NOT_FOUND", message)
}

func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, "CONFLICT", message)
}

// OK sends a 200 OK response
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

// Accepted sends a 202 Accepted response
func Accepted(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusAccepted, data)
}

// Unavailable sends a 503 response
func Unavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", message)
}
