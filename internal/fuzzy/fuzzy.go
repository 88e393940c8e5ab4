// Package fuzzy locates chapter/scene boundary markers inside the raw
// source text when an exact substring match fails, using the same
// exact-match-first, sliding-window partial-ratio strategy as the
// reference pipeline.
package fuzzy

import (
	"regexp"
	"strings"
)

var whitespace = regexp.MustCompile(`\s+`)

// normalizeForMatching strips whitespace and lowercases, matching the
// reference normalization applied before every ratio comparison.
func normalizeForMatching(text string) string {
	return strings.ToLower(whitespace.ReplaceAllString(text, ""))
}

// FindText finds marker inside fullText. It tries an exact substring match
// first; failing that, it slides a window of len(marker) runes across
// fullText in steps of max(1, len(marker)/4) and keeps the offset with the
// highest partial-ratio score, returning -1 if no window clears threshold.
func FindText(fullText, marker string, threshold float64) int {
	if marker == "" || fullText == "" {
		return -1
	}

	if pos := strings.Index(fullText, marker); pos != -1 {
		return runeIndex(fullText, pos)
	}

	markerNorm := normalizeForMatching(marker)
	full := []rune(fullText)
	markerLen := len([]rune(marker))
	step := markerLen / 4
	if step < 1 {
		step = 1
	}

	bestRatio := 0.0
	bestPos := -1

	for i := 0; i+markerLen <= len(full); i += step {
		window := string(full[i : i+markerLen])
		windowNorm := normalizeForMatching(window)
		r := partialRatio(markerNorm, windowNorm)
		if r > bestRatio {
			bestRatio = r
			bestPos = i
		}
	}

	if bestRatio >= threshold {
		return bestPos
	}
	return -1
}

// runeIndex converts a byte offset into fullText (as produced by
// strings.Index) to a rune offset, so callers can treat all positions
// uniformly as rune indices.
func runeIndex(s string, byteOffset int) int {
	return len([]rune(s[:byteOffset]))
}

// FindBestMatchPosition returns the fuzzy match position for marker along
// with a confidence score (the whole-string ratio at that position), or
// (-1, 0) if no window cleared threshold.
func FindBestMatchPosition(fullText, marker string, threshold float64) (int, float64) {
	pos := FindText(fullText, marker, threshold)
	if pos == -1 {
		return -1, 0.0
	}

	full := []rune(fullText)
	markerLen := len([]rune(marker))
	end := pos + markerLen
	if end > len(full) {
		end = len(full)
	}
	window := string(full[pos:end])
	confidence := ratio(normalizeForMatching(marker), normalizeForMatching(window))
	return pos, confidence
}

// ValidateMarkerOrder locates startMarker and endMarker and reports
// whether both were found and start precedes end.
func ValidateMarkerOrder(fullText, startMarker, endMarker string, threshold float64) (startPos, endPos int, valid bool) {
	startPos, startConf := FindBestMatchPosition(fullText, startMarker, threshold)
	endPos, endConf := FindBestMatchPosition(fullText, endMarker, threshold)
	_ = startConf
	_ = endConf

	if startPos == -1 || endPos == -1 {
		return startPos, endPos, false
	}
	return startPos, endPos, startPos < endPos
}

// partialRatio mirrors thefuzz's partial_ratio: it slides the shorter
// string across the longer one and returns the best ratio found across
// the alignment. When both strings are the same length (the common case
// here, since windows are cut to marker length) it degenerates to ratio.
func partialRatio(a, b string) float64 {
	ar, br := []rune(a), []rune(b)
	shorter, longer := ar, br
	if len(ar) > len(br) {
		shorter, longer = br, ar
	}
	if len(shorter) == 0 {
		if len(longer) == 0 {
			return 1.0
		}
		return 0.0
	}
	if len(shorter) == len(longer) {
		return ratio(a, b)
	}

	best := 0.0
	for i := 0; i+len(shorter) <= len(longer); i++ {
		window := string(longer[i : i+len(shorter)])
		if r := ratio(string(shorter), window); r > best {
			best = r
		}
	}
	return best
}

// ratio implements the Ratcliff/Obershelp similarity used by Python's
// difflib.SequenceMatcher.ratio(): twice the total length of matching
// blocks divided by the combined length of both strings.
func ratio(a, b string) float64 {
	ar, br := []rune(a), []rune(b)
	if len(ar) == 0 && len(br) == 0 {
		return 1.0
	}
	matched := matchingBlockTotal(ar, br, 0, len(ar), 0, len(br))
	return 2.0 * float64(matched) / float64(len(ar)+len(br))
}

// matchingBlockTotal recursively sums the sizes of all matching blocks
// between a[aLo:aHi] and b[bLo:bHi].
func matchingBlockTotal(a, b []rune, aLo, aHi, bLo, bHi int) int {
	i, j, size := longestMatch(a, b, aLo, aHi, bLo, bHi)
	if size == 0 {
		return 0
	}
	total := size
	if i > aLo && j > bLo {
		total += matchingBlockTotal(a, b, aLo, i, bLo, j)
	}
	if i+size < aHi && j+size < bHi {
		total += matchingBlockTotal(a, b, i+size, aHi, j+size, bHi)
	}
	return total
}

// longestMatch finds the longest matching run between a[aLo:aHi] and
// b[bLo:bHi], preferring the earliest such run on ties, as
// difflib.SequenceMatcher.find_longest_match does.
func longestMatch(a, b []rune, aLo, aHi, bLo, bHi int) (besti, bestj, bestsize int) {
	b2j := make(map[rune][]int, bHi-bLo)
	for j := bLo; j < bHi; j++ {
		b2j[b[j]] = append(b2j[b[j]], j)
	}

	j2len := make(map[int]int)
	besti, bestj, bestsize = aLo, bLo, 0

	for i := aLo; i < aHi; i++ {
		newJ2len := make(map[int]int)
		for _, j := range b2j[a[i]] {
			k := j2len[j-1] + 1
			newJ2len[j] = k
			if k > bestsize {
				besti, bestj, bestsize = i-k+1, j-k+1, k
			}
		}
		j2len = newJ2len
	}
	return besti, bestj, bestsize
}
