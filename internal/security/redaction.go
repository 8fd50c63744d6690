package security

import (
	"fmt"
	"strings"
)

// secretKeyMarkers flags any key whose lowercased form contains one of these
// substrings. Matching values never reach the audit trail or structured log
// in plaintext.
var secretKeyMarkers = []string{
	"access_token",
	"refresh_token",
	"token",
	"authorization",
	"cookie",
	"sessionid",
	"api_key",
	"api_secret",
	"secret",
	"password",
}

// IsSecretKey reports whether a payload key should have its value masked.
func IsSecretKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// MaskSecret masks a secret value, keeping a short prefix/suffix preview for
// values long enough to stay unrecoverable.
func MaskSecret(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + "..." + value[len(value)-4:]
}

// Redact walks a JSON-shaped payload and masks every value stored under a
// secret key. The input is not mutated.
func Redact(payload interface{}) interface{} {
	switch typed := payload.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, value := range typed {
			if IsSecretKey(key) {
				out[key] = maskValue(value)
				continue
			}
			out[key] = Redact(value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, value := range typed {
			out[i] = Redact(value)
		}
		return out
	default:
		return payload
	}
}

func maskValue(value interface{}) string {
	str, ok := value.(string)
	if !ok {
		str = fmt.Sprintf("%v", value)
	}
	return MaskSecret(str)
}
