// Package token implements the secure token primitives for the newsletter
// platform: derivation of permanent admin links, keyed tracking signatures,
// random code generation, and constant-time comparison.
//
// Everything here is pure and stateless. Uniqueness of generated codes is
// enforced by storage constraints, not by this package; callers retry on
// collision.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// DeriveAdminLink computes the permanent management-link token for a
// subscriber: hex(SHA-256(secretCode || email)). Deterministic, so the link
// never needs to be stored — it is recomputed and compared on every request.
// Unforgeable without knowledge of secretCode.
func DeriveAdminLink(secretCode, email string) string {
	h := sha256.New()
	h.Write([]byte(secretCode))
	h.Write([]byte(email))
	return hex.EncodeToString(h.Sum(nil))
}

// DeriveTrackingSignature computes the tamper-evident signature carried by
// tracking URLs: hex(HMAC-SHA256(key=secretCode, msg="ucode:topic:url")).
// Open-tracking pixels carry no destination; pass url = "".
// Binding the destination URL into the MAC makes click links tamper-proof.
func DeriveTrackingSignature(secretCode, ucode, topic, url string) string {
	mac := hmac.New(sha256.New, []byte(secretCode))
	fmt.Fprintf(mac, "%s:%s:%s", ucode, topic, url)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSecretCode returns 32 cryptographically secure random bytes as
// 64 hex characters. Generated exactly once per subscriber.
func GenerateSecretCode() string {
	return randomHex(32)
}

// GenerateToken returns a 64-hex-character random string used for
// verification tokens and session tokens.
func GenerateToken() string {
	return randomHex(32)
}

// GenerateUcode returns the short public subscriber code used in tracking
// URLs: 8 random bytes as 16 hex characters.
func GenerateUcode() string {
	return randomHex(8)
}

// Equal compares two strings in constant time. A length mismatch returns
// false without leaking anything beyond the lengths themselves. Every
// comparison against a secret-derived value (admin links, legacy admin
// links, tracking signatures) must route through this.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// VerifyTrackingSignature recomputes the expected signature and compares it
// in constant time.
func VerifyTrackingSignature(secretCode, ucode, topic, url, provided string) bool {
	return Equal(DeriveTrackingSignature(secretCode, ucode, topic, url), provided)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the process has no usable entropy
		// source; defined behavior is to stop rather than degrade.
		panic(fmt.Sprintf("token: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}
