package text

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

const ellipsis = "..."

// cjkRanges cover Kana, CJK ideographs, CJK punctuation, fullwidth forms and Hangul.
var cjkRanges = [][2]rune{
	{0x3040, 0x30FF},
	{0x31F0, 0x31FF},
	{0x4E00, 0x9FFF},
	{0x3400, 0x4DBF},
	{0x3000, 0x303F},
	{0xFF00, 0xFFEF},
	{0x1100, 0x11FF},
	{0xAC00, 0xD7A3},
}

// ContainsCJK reports whether s has any CJK or Hangul character.
func ContainsCJK(s string) bool {
	for _, r := range s {
		for _, bounds := range cjkRanges {
			if r >= bounds[0] && r <= bounds[1] {
				return true
			}
		}
	}

	return false
}

// WrapTranscript lays text out in lines no wider than maxWidth display
// columns and at most maxLines lines; overflow is cut and marked with an
// ellipsis. Words wider than a line stay whole unless breakLongWords is set,
// which is what scripts written without spaces need.
func WrapTranscript(text string, maxWidth, maxLines int, breakLongWords bool) string {
	words := strings.Fields(text)
	if len(words) == 0 || maxWidth <= 0 || maxLines <= 0 {
		return ""
	}

	var (
		lines   []string
		current strings.Builder
		width   int
	)

	flush := func() {
		if width > 0 {
			lines = append(lines, current.String())
			current.Reset()
			width = 0
		}
	}

	for _, word := range words {
		wordWidth := runewidth.StringWidth(word)

		gap := 0
		if width > 0 {
			gap = 1
		}

		if width+gap+wordWidth <= maxWidth {
			if gap > 0 {
				current.WriteByte(' ')
			}

			current.WriteString(word)
			width += gap + wordWidth

			continue
		}

		if wordWidth > maxWidth && breakLongWords {
			if gap > 0 && width+gap < maxWidth {
				current.WriteByte(' ')

				width += gap
			}

			for _, r := range word {
				runeWidth := runewidth.RuneWidth(r)
				if width+runeWidth > maxWidth {
					flush()
				}

				current.WriteRune(r)
				width += runeWidth
			}

			continue
		}

		flush()
		current.WriteString(word)
		width = wordWidth
	}

	flush()

	if len(lines) > maxLines {
		lines = lines[:maxLines]
		last := lines[maxLines-1]

		if runewidth.StringWidth(last) > maxWidth-len(ellipsis) {
			last = strings.TrimRight(runewidth.Truncate(last, maxWidth-len(ellipsis), ""), " ")
		}

		lines[maxLines-1] = strings.TrimRight(last, ".") + ellipsis
	}

	return strings.Join(lines, "\n")
}
