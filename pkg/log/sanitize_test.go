package log

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeField_SensitiveKeys(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"password", "password", "supersecret123"},
		{"redis password", "redis_password", "hunter2hunter2"},
		{"api key", "api_key", "sk-abcdef1234567890"},
		{"authorization header", "authorization", "Bearer abcdef123456"},
		{"access token", "access_token", "tok_1234567890abcdef"},
		{"mixed case", "API_KEY", "sk-abcdef1234567890"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeField(tt.key, tt.value)
			assert.NotEqual(t, tt.value, result)
			assert.Contains(t, result, "*")
		})
	}
}

func TestSanitizeField_NonSensitiveKeys(t *testing.T) {
	assert.Equal(t, "queued", SanitizeField("status", "queued"))
	assert.Equal(t, "abc-123", SanitizeField("prompt_id", "abc-123"))
	assert.Equal(t, "user-42", SanitizeField("user_id", "user-42"))
	assert.Equal(t, "http://worker:8188", SanitizeField("server_url", "http://worker:8188"))
}

func TestSanitizeField_EmptyValue(t *testing.T) {
	assert.Equal(t, "", SanitizeField("password", ""))
}

func TestSanitizeField_PromptTruncation(t *testing.T) {
	long := strings.Repeat("a castle on a hill, ", 20)
	result := SanitizeField("prompt", long)

	assert.LessOrEqual(t, len(result), maxPromptLogLength+len("...(truncated)"))
	assert.True(t, strings.HasSuffix(result, "...(truncated)"))

	short := "a red fox"
	assert.Equal(t, short, SanitizeField("prompt", short))
}

func TestSanitizeField_PromptIDNotTruncated(t *testing.T) {
	// prompt_id must pass through untouched even though it contains "prompt"
	id := strings.Repeat("f", 200)
	assert.Equal(t, id, SanitizeField("prompt_id", id))
	assert.Equal(t, id, SanitizeField("promptId", id))
}

func TestSanitizeToken_Lengths(t *testing.T) {
	// Long values keep first and last 4 characters
	result := sanitizeToken("abcdefghijklmnop")
	assert.Equal(t, "abcd", result[:4])
	assert.Equal(t, "mnop", result[len(result)-4:])
	assert.Contains(t, result, "*")

	// Short values keep only the edges
	assert.Equal(t, "a****f", sanitizeToken("abcdef"))

	// Tiny values are fully masked
	assert.Equal(t, "**", sanitizeToken("ab"))
}
