// Package text provides text handling for synthesis: splitting long input
// into model-sized chunks and laying out transcripts for video overlays.
package text

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkLimit is the largest input, in characters, one model call accepts.
const DefaultChunkLimit = 500

// Length returns the length of s in characters (code points).
func Length(s string) int {
	return utf8.RuneCountInString(s)
}

// Chunk splits text into ordered segments of at most limit characters
// without breaking words. Text that already fits is returned untouched as a
// single segment. Longer text is packed greedily by whitespace-separated
// words joined with single spaces; a word longer than limit becomes its own
// segment. A non-positive limit falls back to DefaultChunkLimit.
func Chunk(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}

	if Length(text) <= limit {
		return []string{text}
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{text}
	}

	var (
		chunks     []string
		current    strings.Builder
		currentLen int
	)

	flush := func() {
		if currentLen > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			currentLen = 0
		}
	}

	for _, word := range words {
		wordLen := Length(word)

		if wordLen > limit {
			flush()
			chunks = append(chunks, word)

			continue
		}

		needed := wordLen
		if currentLen > 0 {
			needed++
		}

		if currentLen+needed > limit {
			flush()

			needed = wordLen
		}

		if currentLen > 0 {
			current.WriteByte(' ')
		}

		current.WriteString(word)
		currentLen += needed
	}

	flush()

	return chunks
}
