package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// tokenByteLength is the number of random bytes generated for internal secrets.
// 32 bytes = 256 bits of entropy, hex-encoded to a 64-character string.
//
// The queue signing secret is used as an HMAC-SHA256 key for callback
// signatures, so 32 bytes matches the hash's block-friendly key size.
const tokenByteLength = 32

// GenerateSecureToken produces a cryptographically secure random token
// suitable for use as an HMAC signing key or other high-privilege
// internal secret.
//
// The token is generated using crypto/rand (OS entropy source) and encoded
// as a lowercase hex string. The result is 64 characters long (32 bytes
// hex-encoded), providing 256 bits of entropy.
//
// This function is used during the bootstrap process to automatically
// populate QUEUE_SIGNING_SECRET without requiring human input. Since the
// value is generated internally, it is never displayed to the operator.
//
// Returns an error only if the system's cryptographic random number generator
// fails, which indicates a severe system-level problem.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	n, err := rand.Read(buf)
	if err != nil {
		return "", fmt.Errorf("generating secure token: crypto/rand failed: %w", err)
	}
	if n != tokenByteLength {
		return "", fmt.Errorf("generating secure token: expected %d random bytes, got %d", tokenByteLength, n)
	}

	return hex.EncodeToString(buf), nil
}

// GenerateInternalSecrets generates all internally-created secrets required
// by the bootstrap process. These are secrets that do not come from external
// vendors but are created locally using cryptographic randomness.
//
// Currently generates:
// - Queue Signing Secret (queue/signing_secret): HMAC key for the signatures
//   the dispatch worker attaches to queue callback requests.
//
// Returns a map of SSM category/key paths to their generated values.
// The caller is responsible for writing these to SSM via SSMManager.PutSecret.
//
// The generated values are never logged or displayed to the operator.
// The SSMManager.PutSecret method logs only the path and value length,
// not the value itself.
func GenerateInternalSecrets() (map[string]string, error) {
	secrets := make(map[string]string, 1)

	signingSecret, err := GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("generating queue signing secret: %w", err)
	}
	secrets["queue/signing_secret"] = signingSecret

	return secrets, nil
}
