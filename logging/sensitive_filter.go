package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces any detected secret.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{20,})`),          // OpenAI keys
	regexp.MustCompile(`(hf_[a-zA-Z0-9]{30,})`),                // Hugging Face tokens
	regexp.MustCompile(`(r8_[a-zA-Z0-9]{30,})`),                // Replicate tokens
	regexp.MustCompile(`(?i)(bearer\s+[a-zA-Z0-9._-]{20,})`),   // Authorization headers
	regexp.MustCompile(`(?i)(password\s*[:=]\s*[^\s,;]{8,})`),  // password=...
	regexp.MustCompile(`(?i)(token\s*[:=]\s*[^\s,;]{8,})`),     // token=...
	regexp.MustCompile(`(?i)(api_key\s*[:=]\s*[^\s,;]{8,})`),   // api_key=...
	regexp.MustCompile(`(?i)(redis://[^:/\s]*:[^@\s]+@[^\s]+)`), // redis URLs with credentials
}

var sensitiveFieldNames = []string{
	"API_KEY",
	"APIKEY",
	"API_TOKEN",
	"HF_TOKEN",
	"PASSWORD",
	"SECRET",
	"TOKEN",
	"AUTHORIZATION",
}

// RedactSensitiveData replaces credentials found in value with RedactedPlaceholder.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	for _, p := range sensitivePatterns {
		value = p.ReplaceAllString(value, RedactedPlaceholder)
	}
	return value
}

// IsSensitiveField reports whether a field name denotes a credential.
func IsSensitiveField(name string) bool {
	upper := strings.ToUpper(name)
	for _, s := range sensitiveFieldNames {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}
