package fragment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedact_APIKey(t *testing.T) {
	out := Redact("use sk-abcdefghijklmnopqrstuvwxyz0123456789 for auth")
	require.Equal(t, "use [REDACTED_API_KEY] for auth", out)
}

func TestRedact_GoogleAPIKey(t *testing.T) {
	out := Redact("key AIzaSyA1234567890abcdefghijklmnopqrstuvw")
	require.Contains(t, out, "[REDACTED_API_KEY]")
	require.NotContains(t, out, "AIza")
}

func TestRedact_Email(t *testing.T) {
	out := Redact("contact kim.lee@example.co.kr please")
	require.Equal(t, "contact [REDACTED_EMAIL] please", out)
}

func TestRedact_PasswordAssignments(t *testing.T) {
	require.Equal(t, "password: [REDACTED_PWD]", Redact("password: hunter2"))
	require.Equal(t, "pwd: [REDACTED_PWD] rest", Redact("pwd = s3cret rest"))
	require.Equal(t, "비밀번호: [REDACTED_PWD]", Redact("비밀번호: 한글비번123"))
}

func TestRedact_KoreanPhone(t *testing.T) {
	require.Equal(t, "call [REDACTED_PHONE]", Redact("call 010-1234-5678"))
	require.Equal(t, "call [REDACTED_PHONE]", Redact("call 01112345678"))
}

func TestRedact_Idempotent(t *testing.T) {
	in := "email a@b.com pwd=x 010-1234-5678 sk-abcdefghijklmnopqrstuvwxyz0123456789"
	once := Redact(in)
	require.Equal(t, once, Redact(once))
}

func TestRedact_LeavesCleanContentAlone(t *testing.T) {
	in := "PostgreSQL 16 requires the pgvector extension"
	require.Equal(t, in, Redact(in))
}

func TestTruncate_CapsAtLimitWithEllipsis(t *testing.T) {
	long := strings.Repeat("한", 400)
	out := Truncate(long)
	require.Equal(t, MaxContentChars, len([]rune(out)))
	require.True(t, strings.HasSuffix(out, "…"))
}

func TestTruncate_ShortContentUnchanged(t *testing.T) {
	require.Equal(t, "short", Truncate("short"))
}
