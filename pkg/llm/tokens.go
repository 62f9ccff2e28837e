package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackCharsPerToken approximates English prose when no encoder is
// available (offline, or an unknown encoding).
const fallbackCharsPerToken = 4

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// CountTokens estimates how many tokens text occupies. It uses the
// cl100k_base encoding when it can be loaded and falls back to a character
// ratio otherwise; callers use it for budget checks, not billing.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err == nil {
			encoder = enc
		}
	})
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	return (len(text) + fallbackCharsPerToken - 1) / fallbackCharsPerToken
}

// TruncateToTokens trims text so CountTokens(result) stays at or under
// budget. The cut is approximate from the character ratio when no encoder is
// available, and exact otherwise.
func TruncateToTokens(text string, budget int) string {
	if budget <= 0 || text == "" {
		return ""
	}
	if CountTokens(text) <= budget {
		return text
	}
	if encoder != nil {
		tokens := encoder.Encode(text, nil, nil)
		return encoder.Decode(tokens[:budget])
	}
	limit := budget * fallbackCharsPerToken
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
