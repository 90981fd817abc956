package core

// BodySigner decouples the HTTP layer from the HMAC implementation, allowing
// for easy mocking in tests.
type BodySigner interface {
	// Configured reports whether a signing secret is available. When false,
	// signature enforcement depends on the environment: production rejects
	// unsigned requests, non-production tolerates them.
	Configured() bool

	// Verify checks a raw request body against a signature header value.
	Verify(payload []byte, header string) bool
}
