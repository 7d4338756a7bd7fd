package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credential-bearing fragments that show up in chat traffic and
// transport errors. Patterns with two groups keep the first group and replace the second.
var secretPatterns = []*regexp.Regexp{
	// NickServ identification, both "IDENTIFY pass" and "IDENTIFY account pass".
	regexp.MustCompile(`(?i)(identify\s+(?:\S+\s+)?)(\S+)\s*$`),
	// Server password line.
	regexp.MustCompile(`(?i)^(PASS\s+:?)(\S+)`),
	// Telegram bot tokens (<bot id>:<35 char secret>), usually embedded in API URLs.
	regexp.MustCompile(`\b([0-9]{6,12}:)([A-Za-z0-9_\-]{30,})`),
	// Generic key/token assignments.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret|auth[_-]?token|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
