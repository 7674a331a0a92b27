package audit

import "strings"

// sensitiveKeywords lists substrings that indicate a sensitive argument key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactArguments returns a copy of args with sensitive values masked. A key
// is sensitive if it contains any of the sensitiveKeywords (case-insensitive).
// Nested argument maps are redacted recursively; values are replaced with
// "***REDACTED***".
func RedactArguments(args map[string]any) map[string]any {
	if len(args) == 0 {
		return args
	}
	redacted := make(map[string]any, len(args))
	for k, v := range args {
		switch {
		case isSensitiveKey(k):
			redacted[k] = "***REDACTED***"
		default:
			if nested, ok := v.(map[string]any); ok {
				redacted[k] = RedactArguments(nested)
			} else {
				redacted[k] = v
			}
		}
	}
	return redacted
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
