package types

const (
	redactedPlaceholder = "***REDACTED***"

	// MaskedSecret is what admin listings show in place of a stored credential.
	// Updates that send it back leave the stored value untouched.
	MaskedSecret = "********"
)

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString is a string that never leaks through fmt or encoding/json.
// Use Unmask() to retrieve the plaintext when it is genuinely needed
// (provider SDK clients, signature verification, database DSNs).
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// GoString keeps %#v from printing the raw value.
func (s SecretString) GoString() string {
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

// IsZero reports whether the secret is empty.
func (s SecretString) IsZero() bool {
	return s == ""
}

// Masked returns MaskedSecret for a set secret and "" for an empty one.
func (s SecretString) Masked() string {
	if s == "" {
		return ""
	}
	return MaskedSecret
}
