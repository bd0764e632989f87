package fragment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractKeywords_TopFiveByFrequency(t *testing.T) {
	content := "redis redis redis postgres postgres pgvector gin gorm prometheus"
	kws := ExtractKeywords(content)
	require.Len(t, kws, 5)
	require.Equal(t, "redis", kws[0])
	require.Equal(t, "postgres", kws[1])
}

func TestExtractKeywords_DropsStopwordsAndShortTokens(t *testing.T) {
	kws := ExtractKeywords("the build is in a bad state")
	require.NotContains(t, kws, "the")
	require.NotContains(t, kws, "is")
	require.NotContains(t, kws, "in")
	require.NotContains(t, kws, "a")
	require.Contains(t, kws, "build")
}

func TestExtractKeywords_Korean(t *testing.T) {
	kws := ExtractKeywords("배포 스크립트는 배포 전에 테스트를 실행한다")
	require.Contains(t, kws, "배포")
	require.NotContains(t, kws, "한다")
}

func TestExtractKeywords_Empty(t *testing.T) {
	require.Nil(t, ExtractKeywords(""))
	require.Nil(t, ExtractKeywords("a I"))
}

func TestNormalizeKeywords_TrimLowerDedup(t *testing.T) {
	out := NormalizeKeywords([]string{" Redis ", "", "REDIS", "gin "})
	require.Equal(t, []string{"redis", "gin"}, out)
}

func TestCountTokens_Positive(t *testing.T) {
	require.Greater(t, CountTokens("estimate the token count of this sentence"), 0)
	require.Equal(t, 0, CountTokens(""))
}
