// Package textutil provides the text normalization and segmentation
// primitives shared by every pipeline stage: encoding cleanup, punctuation
// normalization, sentence-boundary search, and chapter marker extraction.
package textutil

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var blankLines = regexp.MustCompile(`\n{3,}`)

var punctuationReplacer = strings.NewReplacer(
	"，", ",",
	"。", ".",
	"！", "!",
	"？", "?",
	"；", ";",
	"：", ":",
	"“", "\"",
	"”", "\"",
	"‘", "'",
	"’", "'",
	"（", "(",
	"）", ")",
	"【", "[",
	"】", "]",
)

// StripBOM removes a leading UTF-8 byte-order mark, if present.
func StripBOM(content string) string {
	return strings.TrimPrefix(content, "\xef\xbb\xbf")
}

// EnsureUTF8 reports whether content is valid UTF-8. It does not attempt
// a guess-based re-encode.
func EnsureUTF8(content []byte) bool {
	return utf8.Valid(content)
}

// NormalizePunctuation rewrites full-width CJK punctuation to its
// half-width ASCII equivalent.
func NormalizePunctuation(text string) string {
	return punctuationReplacer.Replace(text)
}

// Clean collapses runs of 3+ newlines to a single blank line and trims
// leading/trailing whitespace.
func Clean(text string) string {
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

var sentenceEnds = []rune{'.', '!', '?', '。', '！', '？'}

// FindSentenceEnd returns the index just past the nearest sentence-ending
// punctuation at or after startPos, or startPos itself if none is found
// before the end of text.
func FindSentenceEnd(text string, startPos int) int {
	runes := []rune(text)
	if startPos >= len(runes) {
		return startPos
	}
	minPos := len(runes)
	for _, end := range sentenceEnds {
		for i := startPos; i < len(runes); i++ {
			if runes[i] == end {
				if i < minPos {
					minPos = i
				}
				break
			}
		}
	}
	if minPos == len(runes) {
		return startPos
	}
	return minPos + 1
}

// Snippet truncates text to length runes for log/debug display, appending
// an ellipsis when truncated.
func Snippet(text string, length int) string {
	runes := []rune(text)
	if len(runes) <= length {
		return text
	}
	return string(runes[:length]) + "..."
}

var chineseChar = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)

// CountChineseChars counts CJK Unified Ideographs in text.
func CountChineseChars(text string) int {
	return len(chineseChar.FindAllString(text, -1))
}

var sentenceSplit = regexp.MustCompile(`[.!?。！？]+`)

// SplitBySentence splits text on sentence-ending punctuation, dropping
// empty segments.
func SplitBySentence(text string) []string {
	parts := sentenceSplit.Split(text, -1)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// GetTextMarkers returns the first and last substantial (>=15 rune) lines
// of text, truncated to markerLength runes, for use as fuzzy-match anchors
// when a chapter boundary needs re-locating in the raw source.
func GetTextMarkers(text string, markerLength int) (start, end string) {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return "", ""
	}

	for _, line := range lines {
		if utf8.RuneCountInString(line) >= 15 {
			start = truncateRunes(line, markerLength)
			break
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if utf8.RuneCountInString(line) >= 15 {
			end = tailRunes(line, markerLength)
			break
		}
	}
	return start, end
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func tailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
