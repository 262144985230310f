package log

import (
	"strings"
)

// maxPromptLogLength bounds how much of a user prompt ends up in logs.
const maxPromptLogLength = 120

// SanitizeField checks if the key contains sensitive keywords and sanitizes the value
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	// Convert key to lowercase for case-insensitive matching
	lowerKey := strings.ToLower(key)

	// Check if key contains sensitive keywords
	sensitiveKeywords := []string{
		"password", "passwd", "pwd",
		"api_key", "apikey", "api-key",
		"token", "access_token",
		"secret", "auth", "authorization",
		"credential", "private_key", "privatekey",
	}

	isSensitive := false
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			isSensitive = true
			break
		}
	}

	// User prompts are free text; truncate rather than log in full
	if strings.Contains(lowerKey, "prompt") && !strings.Contains(lowerKey, "prompt_id") &&
		!strings.Contains(lowerKey, "promptid") {
		return truncatePrompt(value)
	}

	// Sanitize sensitive fields
	if isSensitive {
		return sanitizeToken(value)
	}

	return value
}

// sanitizeToken masks token/password values showing only first 4 and last 4 characters
func sanitizeToken(value string) string {
	if len(value) <= 8 {
		// For short strings, mask everything except first and last char
		if len(value) <= 2 {
			return strings.Repeat("*", len(value))
		}
		return string(value[0]) + strings.Repeat("*", len(value)-2) + string(value[len(value)-1])
	}

	// For longer strings, show first 4 and last 4
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// truncatePrompt trims overly long prompt text for log output
func truncatePrompt(value string) string {
	if len(value) <= maxPromptLogLength {
		return value
	}
	return value[:maxPromptLogLength] + "...(truncated)"
}
