package types

import "crypto/subtle"

// redactedPlaceholder replaces secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString is a string type that prevents accidental logging or
// serialization of signing secrets and provider keys. String() and
// MarshalJSON() return a redacted placeholder.
//
// Use Unmask() to retrieve the raw value when it is genuinely needed
// (e.g., computing an HMAC or building an Authorization header).
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value of the secret.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsSet reports whether a non-empty value was configured.
func (s SecretString) IsSet() bool {
	return s != ""
}

// Matches compares candidate against the secret in constant time.
// An unset secret never matches.
func (s SecretString) Matches(candidate string) bool {
	if !s.IsSet() {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s), []byte(candidate)) == 1
}
