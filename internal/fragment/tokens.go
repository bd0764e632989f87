package fragment

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// CountTokens estimates the token count of content using the cl100k_base
// tokenizer. If the tokenizer cannot be initialised the failure is logged
// once and the process falls back to ceil(len/4) for its lifetime.
func CountTokens(content string) int {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn("Tokenizer init failed; falling back to char/4 estimate", "err", err)
			return
		}
		tokenizer = enc
	})
	if tokenizer != nil {
		return len(tokenizer.Encode(content, nil, nil))
	}
	return (len(content) + 3) / 4
}
