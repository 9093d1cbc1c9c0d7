// Package httpx holds the small JSON response helpers the admin handlers
// share, the way the teacher's pkg/httpx does for its API surface.
package httpx

import (
	"encoding/json"
	"log"
	"net/http"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("httpx: failed to encode JSON response: %v", err)
	}
}

// ErrorResponse is the JSON shape of an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an error response built from err's message.
func RespondError(w http.ResponseWriter, status int, err error) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}
