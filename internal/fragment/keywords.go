package fragment

import (
	"regexp"
	"sort"
	"strings"
)

const maxKeywords = 5

// Word runs: latin/digits or Hangul syllables.
var reWord = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Bilingual stopword set: high-frequency English and Korean terms that carry
// no retrieval signal.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "in": {},
	"is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {},
	"the": {}, "this": {}, "to": {}, "was": {}, "were": {}, "will": {},
	"with": {}, "not": {}, "but": {}, "if": {}, "when": {}, "use": {},
	"이": {}, "그": {}, "저": {}, "것": {}, "수": {}, "들": {}, "및": {},
	"에서": {}, "으로": {}, "하는": {}, "하고": {}, "있다": {}, "한다": {},
	"그리고": {}, "또는": {}, "위해": {}, "대한": {},
}

// ExtractKeywords lowercases, splits on non-word runs (Unicode-aware,
// including Hangul), drops stopwords, ranks by term frequency and returns
// the top five. Ties break lexicographically for stable output.
func ExtractKeywords(content string) []string {
	freq := map[string]int{}
	for _, w := range reWord.FindAllString(strings.ToLower(content), -1) {
		if len(w) < 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		freq[w]++
	}
	if len(freq) == 0 {
		return nil
	}

	terms := make([]string, 0, len(freq))
	for w := range freq {
		terms = append(terms, w)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > maxKeywords {
		terms = terms[:maxKeywords]
	}
	return terms
}

// NormalizeKeywords lowercases, trims and deduplicates a caller-supplied
// keyword list, preserving order.
func NormalizeKeywords(keywords []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
