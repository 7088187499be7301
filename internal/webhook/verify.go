// Package webhook receives asynchronous payment provider callbacks:
// signature verification, payload normalization and deduplicated dispatch
// into the saga coordinator.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrUnknownSecret means no HMAC secret is configured for the tenant and
// gateway pair. The delivery is rejected before the body is parsed.
var ErrUnknownSecret = errors.New("webhook: no secret configured")

// ErrBadSignature rejects a delivery whose signature does not match the
// body. Always answered 401; never logged with the body.
var ErrBadSignature = errors.New("webhook: signature mismatch")

// Secrets resolves the shared HMAC secret for a tenant and gateway pair.
type Secrets interface {
	Secret(tenantID, gateway string) (string, bool)
}

// StaticSecrets is an env-loaded Secrets map keyed "tenant:gateway", with
// a "gateway"-only fallback for single-tenant deployments.
type StaticSecrets map[string]string

func (s StaticSecrets) Secret(tenantID, gateway string) (string, bool) {
	if v, ok := s[tenantID+":"+gateway]; ok {
		return v, true
	}
	v, ok := s[gateway]
	return v, ok
}

// Sign computes the hex HMAC-SHA256 signature of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the provider's signature in constant time.
func Verify(secret, signature string, body []byte) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Authenticate resolves the secret and verifies the signature for one
// delivery.
func Authenticate(secrets Secrets, tenantID, gateway, signature string, body []byte) error {
	secret, ok := secrets.Secret(tenantID, gateway)
	if !ok {
		return ErrUnknownSecret
	}
	if !Verify(secret, signature, body) {
		return ErrBadSignature
	}
	return nil
}
