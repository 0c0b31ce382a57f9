// Package tokencount estimates token counts when a provider doesn't
// return usage (most streaming responses, some vendors' unary
// responses). The heuristic is a character-class model: ASCII text
// averages roughly 4 characters per token, CJK text averages roughly
// 1.5 characters per token, and every message carries a fixed
// 40-character overhead for role/formatting. Counts are rounded up. An optional precision path uses
// tiktoken-go for OpenAI-vendor prompt counting, where an exact
// tokenizer is available; everything else uses the heuristic.
package tokencount

import (
	"math"
	"sync"
	"unicode"

	"github.com/agentflow/gateway/types"
	"github.com/pkoukk/tiktoken-go"
)

const (
	asciiCharsPerToken = 4.0
	cjkCharsPerToken   = 1.5
	perMessageOverhead = 40
	minInputTokens     = 10
	minCompletionTokens = 1
)

// isCJK reports whether r falls in a CJK unicode range.
func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0x3040 && r <= 0x30FF: // hiragana/katakana
		return true
	case r >= 0xAC00 && r <= 0xD7A3: // hangul syllables
		return true
	default:
		return false
	}
}

// EstimateText returns the heuristic token count for a single string.
func EstimateText(s string) int {
	var asciiChars, cjkChars float64
	for _, r := range s {
		if isCJK(r) {
			cjkChars++
		} else if r <= unicode.MaxASCII {
			asciiChars++
		} else {
			// Other non-ASCII scripts: treat like ASCII-ish density.
			asciiChars++
		}
	}
	return int(math.Ceil(asciiChars/asciiCharsPerToken + cjkChars/cjkCharsPerToken))
}

// EstimateMessages estimates the prompt token count for a full message
// list using the character-class heuristic, with a 40-character
// per-message overhead counted at the ASCII rate (10 tokens), floored at
// minInputTokens.
func EstimateMessages(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateText(m.Content) + int(perMessageOverhead/asciiCharsPerToken)
	}
	if total < minInputTokens {
		return minInputTokens
	}
	return total
}

// EstimateCompletion estimates the completion token count for a
// generated string, floored at minCompletionTokens.
func EstimateCompletion(s string) int {
	n := EstimateText(s)
	if n < minCompletionTokens {
		return minCompletionTokens
	}
	return n
}

// tiktokenEncodings caches loaded BPE encodings by name; tiktoken-go's
// loader does network/file I/O the first time a given encoding is used.
// Guarded by tiktokenMu since dispatch calls this concurrently per request.
var (
	tiktokenMu        sync.Mutex
	tiktokenEncodings = map[string]*tiktoken.Tiktoken{}
)

// PreciseOpenAIPromptTokens counts prompt tokens for an OpenAI-vendor
// model using tiktoken-go's actual BPE tokenizer, falling back to the
// character-class heuristic if the model's encoding can't be resolved
// (non-OpenAI model names, or an offline tiktoken data cache miss).
func PreciseOpenAIPromptTokens(model string, msgs []types.Message) int {
	tiktokenMu.Lock()
	enc, ok := tiktokenEncodings[model]
	tiktokenMu.Unlock()
	if !ok {
		loaded, err := tiktoken.EncodingForModel(model)
		if err != nil {
			return EstimateMessages(msgs)
		}
		enc = loaded
		tiktokenMu.Lock()
		tiktokenEncodings[model] = enc
		tiktokenMu.Unlock()
	}
	total := 0
	for _, m := range msgs {
		total += len(enc.Encode(m.Content, nil, nil)) + 4 // role/format overhead per OpenAI's counting convention
	}
	if total < minInputTokens {
		return minInputTokens
	}
	return total
}
