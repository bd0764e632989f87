package fragment

import "regexp"

// The four redaction passes run in order on content only; topic, keywords
// and source are never redacted. Redaction is destructive: originals are
// not stored anywhere.
var (
	reAPIKey   = regexp.MustCompile(`sk-[A-Za-z0-9]{32,}|AIza[0-9A-Za-z_-]{35}`)
	reEmail    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	rePassword = regexp.MustCompile(`(?i)(password|passwd|pwd|비밀번호|비번)\s*[:=]\s*\S+`)
	rePhoneKR  = regexp.MustCompile(`01[016789][-\s]?\d{3,4}[-\s]?\d{4}`)
)

// Redact applies the ordered PII substitutions. Idempotent: the replacement
// markers do not re-match any of the patterns.
func Redact(content string) string {
	content = reAPIKey.ReplaceAllString(content, "[REDACTED_API_KEY]")
	content = reEmail.ReplaceAllString(content, "[REDACTED_EMAIL]")
	content = rePassword.ReplaceAllString(content, "$1: [REDACTED_PWD]")
	content = rePhoneKR.ReplaceAllString(content, "[REDACTED_PHONE]")
	return content
}
