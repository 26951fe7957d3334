package activity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RedactedValue replaces the value of every sensitive request field.
const RedactedValue = "[REDACTED]"

// SensitiveFields lists the case-insensitive key fragments that mark a request
// field as sensitive.
var SensitiveFields = []string{
	"password", "token", "secret", "key", "auth", "email", "phone",
	"ssn", "credit_card", "account_number", "api_key", "bearer",
}

// isSensitiveKey reports whether key contains any sensitive fragment.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, field := range SensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of data with the values of sensitive keys replaced
// by RedactedValue. Nested maps and slices are walked recursively; the input
// is never modified.
func Sanitize(data any) any {
	switch v := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			if isSensitiveKey(key) {
				out[key] = RedactedValue
				continue
			}
			out[key] = Sanitize(value)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Sanitize(item)
		}
		return out
	default:
		return v
	}
}

// EncodeRequestData sanitizes a decoded request body and encodes it as JSON
// for storage on an Activity. Returns nil for a nil body.
func EncodeRequestData(body map[string]any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := json.Marshal(Sanitize(body))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request data: %w", err)
	}
	return data, nil
}
