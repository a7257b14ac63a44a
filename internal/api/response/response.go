// Package response writes the JSON envelopes shared by every handler:
// success payloads live under "data", failures under "error" with a
// machine-readable code.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type dataEnvelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes data in the standard envelope with status 200.
func JSON(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, dataEnvelope{Data: data})
}

// Created writes data in the standard envelope with status 201.
func Created(w http.ResponseWriter, data any) {
	write(w, http.StatusCreated, dataEnvelope{Data: data})
}

// Accepted writes data in the standard envelope with status 202, used when
// work has been handed off but not completed.
func Accepted(w http.ResponseWriter, data any) {
	write(w, http.StatusAccepted, dataEnvelope{Data: data})
}

// Error writes an error envelope. code is a stable machine-readable
// identifier; message is for humans; details is optional and omitted
// from the body when nil.
func Error(w http.ResponseWriter, status int, code, message string, details any) {
	write(w, status, errorEnvelope{Error: apiError{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response body", "error", err)
	}
}
