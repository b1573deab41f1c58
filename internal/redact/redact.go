// Package redact removes secrets from strings before they are logged or
// stored as a failure message. It covers the relay's own credentials (proxy
// tokens, provider API keys, signed webhook contexts, encoded caller
// callbacks) as well as connection strings, file paths and SQL fragments
// that driver errors tend to carry.
package redact

import "regexp"

// Placeholders substituted for redacted content.
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedProxyKeyPlaceholder   = "[REDACTED_PROXY_KEY]"
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Rules run in order; earlier rules see the raw text.
var rules = []rule{
	{
		re:   regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`),
		repl: "[STACK_TRACE_REDACTED]",
	},
	{
		// "<key id>.<secret>" proxy tokens.
		re: regexp.MustCompile(
			`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\.[A-Za-z0-9_-]{16,}`,
		),
		repl: RedactedProxyKeyPlaceholder,
	},
	{
		re:   regexp.MustCompile(`(?i)(postgres(?:ql)?|rediss?|mysql|db|database|connection)://[^@\s]+@`),
		repl: RedactedCredentialPlaceholder,
	},
	{
		re:   regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-.~+/=]+`),
		repl: "Bearer " + RedactedKeyPlaceholder,
	},
	{
		re:   regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
		repl: "[REDACTED_JWT]",
	},
	{
		// Covers the provider's x-freepik-api-key header.
		re: regexp.MustCompile(
			`(?i)(api[_-]?key|access[_-]?key|token|secret)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
		),
		repl: "${1}${2}" + RedactedKeyPlaceholder,
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s]{3,}`),
		repl: RedactedCredentialPlaceholder,
	},
	{
		// Webhook URL parameters and presigned URL credentials.
		re: regexp.MustCompile(
			`(?i)([?&](?:cb|ctx|token|key|signature|x-amz-signature|x-amz-credential)=)[^&\s"]+`,
		),
		repl: "${1}" + RedactionPlaceholder,
	},
	{
		re:   regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`),
		repl: RedactedKeyPlaceholder,
	},
	{
		re:   regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		repl: "[REDACTED_EMAIL]",
	},
	{
		// Absolute filesystem paths; URL paths are preceded by a host and left alone.
		re:   regexp.MustCompile(`(^|[\s'"(=])(/[\w.-]+){2,}`),
		repl: "${1}" + RedactedPathPlaceholder,
	},
	{
		re:   regexp.MustCompile(`[A-Za-z]:\\[^\\]+(\\[^\\]+)+`),
		repl: RedactedPathPlaceholder,
	},
	{
		re: regexp.MustCompile(
			`(?i)\b(SELECT|INSERT|UPDATE|DELETE|CREATE|ALTER|DROP|GRANT)\b[\s\w,*()]+\b(?:FROM|INTO|SET|TABLE|DATABASE|SCHEMA|VIEW)\b(?:[\s\w,*()='"$.-]+)?`,
		),
		repl: "[REDACTED_SQL]",
	},
}

// String redacts sensitive information from the input string.
func String(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, r := range rules {
		result = r.re.ReplaceAllString(result, r.repl)
	}
	return result
}

// Error redacts sensitive information from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
