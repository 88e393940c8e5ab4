package queryunderstanding

import (
	"regexp"
	"strings"

	"github.com/airp2/storyforge/pkg/fn"
)

// stopWords is the closed Chinese/English stop-word list filtered out of
// event keyword extraction, generalizing the teacher's English-only
// extractKeywords stop-word set (engine/rag/rag.go) to the mixed-language
// query text this service actually receives.
var stopWords = map[string]bool{
	"的": true, "了": true, "是": true, "在": true, "我": true, "你": true,
	"他": true, "她": true, "它": true, "我们": true, "你们": true, "他们": true,
	"她们": true, "它们": true, "和": true, "与": true, "及": true, "或": true,
	"并": true, "就": true, "都": true, "也": true, "很": true, "还": true,
	"吗": true, "呢": true, "啊": true, "吧": true, "么": true, "如何": true,
	"怎么": true, "什么": true, "哪个": true, "哪些": true, "这个": true, "那个": true,
	"这里": true, "那里": true, "一下": true, "一下子": true, "请": true, "帮": true,
	"继续": true, "现在": true, "之前": true, "之后": true,

	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "can": true, "shall": true, "to": true,
	"of": true, "in": true, "for": true, "on": true, "with": true,
	"at": true, "by": true, "from": true, "as": true, "into": true,
	"through": true, "during": true, "before": true, "after": true,
	"what": true, "where": true, "when": true, "how": true, "which": true,
	"who": true, "whom": true, "this": true, "that": true, "these": true,
	"those": true, "i": true, "me": true, "my": true, "it": true,
	"its": true, "and": true, "but": true, "or": true, "not": true,
}

var (
	chineseChunkPattern = regexp.MustCompile(`[\x{4e00}-\x{9fff}]{2,}`)
	asciiWordPattern     = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_\-]+`)

	// locationPattern matches a short Chinese place name ending in one of
	// the common location suffixes the annotation pipeline also recognizes.
	locationPattern = regexp.MustCompile(`[\x{4e00}-\x{9fff}]{1,10}(?:城|府|宫|寺|山|谷|楼|馆|堂|门|营|州|郡|村|镇|客栈|书院|牢房|驿站)`)
)

// TokenizeKeywords extracts coarse keywords from mixed Chinese/ASCII query
// text: Chinese chunks of length >= 2 plus ASCII word tokens, stop-word
// filtered and deduplicated while preserving first-seen order.
func TokenizeKeywords(text string) []string {
	if text == "" {
		return nil
	}

	var tokens []string
	for _, chunk := range chineseChunkPattern.FindAllString(text, -1) {
		if !stopWords[chunk] {
			tokens = append(tokens, chunk)
		}
	}
	for _, chunk := range asciiWordPattern.FindAllString(text, -1) {
		lowered := strings.ToLower(chunk)
		if !stopWords[lowered] {
			tokens = append(tokens, lowered)
		}
	}
	return fn.Unique(tokens)
}

// extractLocations returns the deduplicated set of place names matched by
// locationPattern.
func extractLocations(text string) []string {
	return normalizeEntities(locationPattern.FindAllString(text, -1))
}

// normalizeEntities trims, drops empties, and deduplicates while preserving
// order — the Go equivalent of the reference normalize_entities helper.
func normalizeEntities(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
