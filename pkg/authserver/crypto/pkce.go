// Package crypto implements the cryptographic primitives of the flow core:
// PKCE challenge handling (RFC 7636) and the authenticated state codec used
// to round-trip flow state through the upstream identity provider.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/oauth2"
)

// ChallengeMethodS256 is the only PKCE challenge method accepted (RFC 7636).
const ChallengeMethodS256 = "S256"

// GenerateVerifier generates a cryptographically random code_verifier per
// RFC 7636 Section 4.1 (43 characters from the base64url alphabet).
// It delegates to oauth2.GenerateVerifier, which panics on entropy failure.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// GenerateHexVerifier generates a 64-character hex code_verifier (256 bits of
// entropy). This is the verifier shape sent to the upstream IdP.
func GenerateHexVerifier() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// ChallengeFromVerifier computes the S256 code_challenge for a verifier:
// BASE64URL(SHA256(verifier)) without padding, per RFC 7636 Section 4.2.
func ChallengeFromVerifier(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyChallenge reports whether the verifier hashes to the stored
// challenge. The comparison is constant-time.
func VerifyChallenge(verifier, challenge string) bool {
	computed := ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
