package search

import (
	"regexp"
	"strings"

	"github.com/agentmem/fragment-service/internal/fragment"
)

// Embedding queries arrive as raw agent context: markdown, code dumps, tool
// transcripts. Embedding that verbatim wastes the vector on formatting, so
// the text is reduced to its prose before the provider sees it.

const maxQueryTokens = 8000

var (
	reFrontmatter = regexp.MustCompile(`(?s)\A---\n.*?\n---\n?`)
	reCodeFence   = regexp.MustCompile("(?s)```.*?```")
	reInlineCode  = regexp.MustCompile("`[^`\n]*`")
	reMDLink      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	reHTMLTag     = regexp.MustCompile(`<[^>\n]+>`)
	reWhitespace  = regexp.MustCompile(`\s+`)
)

// PrepareQueryText normalises free text for embedding: YAML frontmatter is
// dropped, code blocks collapse to a placeholder, markdown links keep only
// their label, HTML tags are stripped, and whitespace is collapsed. The
// result is capped near the embedding provider's input limit.
func PrepareQueryText(text string) string {
	t := reFrontmatter.ReplaceAllString(text, "")
	t = reCodeFence.ReplaceAllString(t, " [code] ")
	t = reInlineCode.ReplaceAllString(t, " ")
	t = reMDLink.ReplaceAllString(t, "$1")
	t = reHTMLTag.ReplaceAllString(t, " ")
	t = reWhitespace.ReplaceAllString(t, " ")
	t = strings.TrimSpace(t)

	if fragment.CountTokens(t) > maxQueryTokens {
		// Rough character cap; exact token alignment does not matter here.
		runes := []rune(t)
		if len(runes) > maxQueryTokens*4 {
			t = string(runes[:maxQueryTokens*4])
		}
	}
	return t
}
