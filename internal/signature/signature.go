// Package signature implements the shared-secret HMAC scheme used to sign
// outbound webhook payloads and authenticate inbound status callbacks.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header is the HTTP header carrying the signature on both directions.
const Header = "X-Taskrelay-Signature"

const prefix = "sha256="

// Sign computes the hex-encoded HMAC-SHA256 of body under secret,
// in the "sha256=<hex>" wire format.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether provided is a valid signature for body under secret.
// Comparison is constant time.
func Verify(secret string, body []byte, provided string) bool {
	if !strings.HasPrefix(provided, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(provided, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil))
}
