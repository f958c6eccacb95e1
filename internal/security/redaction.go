// Package security scrubs credentials out of strings that leave the process:
// logs, persisted queue errors and API responses.
package security

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	secretKeyExpr      = `(?:password|passwd|sslpassword|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern    = regexp.MustCompile(`(?i)\b(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	urlUserinfoPattern = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)([^\s/@:]*):([^\s/@]*)@`)
	bearerTokenPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
)

// RedactURL masks the password of a connection URL such as a postgres:// or
// redis:// DSN. Unparseable input is redacted with the string patterns.
func RedactURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" {
		return RedactError(trimmed)
	}
	out := u.Redacted()
	return kvSecretPattern.ReplaceAllStringFunc(out, redactKV)
}

// RedactError removes credentials that drivers sometimes echo back in error
// text: URL userinfo, key=value secrets and bearer tokens.
func RedactError(msg string) string {
	if msg == "" {
		return ""
	}
	out := urlUserinfoPattern.ReplaceAllString(msg, "${1}${2}:xxxxx@")
	out = kvSecretPattern.ReplaceAllStringFunc(out, redactKV)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	return out
}

func redactKV(match string) string {
	idx := strings.IndexAny(match, ":=")
	if idx < 0 {
		return "[REDACTED]"
	}
	return match[:idx+1] + "[REDACTED]"
}
