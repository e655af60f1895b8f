package notification

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var ErrInvalidSignature = errors.New("notification: signature does not match webhook secret")

// Header names Hotmart has used for the shared token, in lookup order.
var signatureHeaders = []string{"X-Hotmart-Signature", "X-Auth-Token", "X-Hotmart-Hottok"}

// SignatureFromHeader returns the first non-empty signature header.
func SignatureFromHeader(h http.Header) string {
	for _, name := range signatureHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// VerifySignature compares the caller's token with the configured secret as
// plain strings. An empty secret or an empty signature skips the check.
func VerifySignature(secret, signature string) error {
	if secret == "" || signature == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(signature)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
