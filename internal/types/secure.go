package types

import "log/slog"

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"` + redactedPlaceholder + `"`)

// SecretString holds a credential that must never reach logs or API output:
// OAuth client secrets issued by remote servers, the database URL, the Redis
// password. fmt, encoding/json and log/slog all see a placeholder.
//
// Use Unmask() where the plaintext is genuinely needed (outbound form bodies,
// driver connection strings).
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// GoString covers the %#v verb.
func (s SecretString) GoString() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// LogValue implements slog.LogValuer.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// Unmask returns the raw plaintext value of the secret.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsZero reports whether the secret is empty.
func (s SecretString) IsZero() bool {
	return s == ""
}
