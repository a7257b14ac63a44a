package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/taskrelay/taskrelay/internal/api/response"
	"github.com/taskrelay/taskrelay/internal/signature"
)

const maxCallbackBody = 1 << 20 // 1 MiB

// Signature authenticates inbound agent callbacks by verifying the HMAC
// signature over the raw request body. Requests failing verification are
// rejected before any handler or storage code runs.
type Signature struct {
	secret string
}

// NewSignature creates a Signature middleware using the shared webhook secret.
func NewSignature(secret string) *Signature {
	return &Signature{secret: secret}
}

// Verify reads and verifies the request body, then restores it for the handler.
func (s *Signature) Verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get(signature.Header)
		if provided == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_SIGNATURE", "Missing signature header", nil)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
		if err != nil {
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "Failed to read request body", nil)
			return
		}
		r.Body.Close()

		if !signature.Verify(s.secret, body, provided) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_SIGNATURE", "Signature verification failed", nil)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
