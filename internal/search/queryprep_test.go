package search

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrepareQueryText_DropsFrontmatter(t *testing.T) {
	in := "---\ntitle: notes\n---\nthe actual question"
	require.Equal(t, "the actual question", PrepareQueryText(in))
}

func TestPrepareQueryText_CollapsesCodeFences(t *testing.T) {
	in := "before\n```go\nfunc main() {}\n```\nafter"
	require.Equal(t, "before [code] after", PrepareQueryText(in))
}

func TestPrepareQueryText_InlineCodeAndLinks(t *testing.T) {
	in := "run `go vet` then read [the docs](https://example.com/docs)"
	require.Equal(t, "run then read the docs", PrepareQueryText(in))
}

func TestPrepareQueryText_StripsHTMLAndWhitespace(t *testing.T) {
	in := "a  <b>bold</b>\n\n claim"
	require.Equal(t, "a bold claim", PrepareQueryText(in))
}

func TestPrepareQueryText_PlainTextUntouched(t *testing.T) {
	require.Equal(t, "how do we deploy", PrepareQueryText("how do we deploy"))
}
