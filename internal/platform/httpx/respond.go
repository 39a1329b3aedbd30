// Package httpx provides JSON envelope helpers for the HTTP API.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/charitydesk/charitydesk/internal/shared"
)

const maxBodyBytes = 1 << 20

// Envelope is the response body shared by every API endpoint.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// OK sends a successful envelope.
func OK(w http.ResponseWriter, status int, data any) {
	JSON(w, status, Envelope{Success: true, Data: data})
}

// Fail sends a failure envelope.
func Fail(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, Envelope{Success: false, Error: message, Code: code})
}

// DecodeJSON decodes JSON request body into the target struct. Failures wrap
// shared.ErrValidation.
func DecodeJSON(r *http.Request, target any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: request body required", shared.ErrValidation)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body required", shared.ErrValidation)
		}
		return fmt.Errorf("%w: malformed json: %v", shared.ErrValidation, err)
	}
	return nil
}
