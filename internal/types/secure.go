package types

// redactedPlaceholder replaces secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString is a string type that prevents accidental logging or
// serialization of sensitive values (API keys, signing secrets, connection
// strings). It overrides String() and MarshalJSON() to return a redacted
// placeholder. Use Unmask() where the raw value is genuinely needed.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value of the secret. Usage should be
// limited to constructing Authorization headers, HMAC keys, and connection
// strings.
func (s SecretString) Unmask() string {
	return string(s)
}
