package types

const redactedPlaceholder = "***REDACTED***"

// SecretString holds credentials loaded from configuration. Its String and
// MarshalJSON forms are redacted so that config dumps and structured logs
// never carry the raw value.
type SecretString string

// String returns the redacted placeholder.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

// Unmask returns the raw value. Callers are limited to HTTP clients,
// database drivers and hash comparisons.
func (s SecretString) Unmask() string {
	return string(s)
}
