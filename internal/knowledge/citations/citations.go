// Package citations assembles source citations from retrieved chunks and
// injects inline [n] markers into response prose.
package citations

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/attunevoice/attune/internal/knowledge/pgstore"
)

const (
	// excerptLimit caps excerpt length; truncation prefers a sentence end,
	// then a word boundary.
	excerptLimit = 150

	// keyPhraseLimit trims the leading key phrase used for marker placement.
	keyPhraseLimit = 50

	// needleWords is how many leading words of the key phrase are matched
	// against the response text.
	needleWords = 5

	// fuzzyFloor is the Jaro-Winkler similarity below which a fuzzy needle
	// match is rejected.
	fuzzyFloor = 0.9
)

// Citation is one deduplicated source reference.
type Citation struct {
	// Number is the 1-based inline marker number.
	Number int

	DocumentID int64
	Title      string
	SourceURL  string
	SourceType string

	// Excerpt is the best-matching chunk text, truncated.
	Excerpt string

	// Similarity is the retrieval score of the kept chunk.
	Similarity float64
}

// Build deduplicates retrieved chunks by parent document, keeping the
// highest-similarity excerpt per document, sorted by relevance and numbered
// from 1.
func Build(results []pgstore.SearchResult) []Citation {
	best := make(map[int64]pgstore.SearchResult)
	for _, r := range results {
		if cur, ok := best[r.DocumentID]; !ok || r.Similarity > cur.Similarity {
			best[r.DocumentID] = r
		}
	}

	out := make([]Citation, 0, len(best))
	for _, r := range best {
		out = append(out, Citation{
			DocumentID: r.DocumentID,
			Title:      r.Title,
			SourceURL:  r.SourceURL,
			SourceType: r.SourceType,
			Excerpt:    truncateExcerpt(r.ChunkText, excerptLimit),
			Similarity: r.Similarity,
		})
	}

	// Highest similarity first; stable order for equal scores via document id.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if b.Similarity > a.Similarity || (b.Similarity == a.Similarity && b.DocumentID < a.DocumentID) {
				out[j-1], out[j] = b, a
			} else {
				break
			}
		}
	}
	for i := range out {
		out[i].Number = i + 1
	}
	return out
}

// InjectMarkers places [n] markers into response where each citation's
// leading key phrase is found. A response position is marked at most once.
func InjectMarkers(response string, cites []Citation) string {
	if response == "" || len(cites) == 0 {
		return response
	}

	type insertion struct {
		pos    int
		marker string
	}
	var inserts []insertion
	used := make(map[int]bool)

	lowerResp := strings.ToLower(response)
	for _, c := range cites {
		needle := needleFor(c.Excerpt)
		if needle == "" {
			continue
		}

		pos := strings.Index(lowerResp, strings.ToLower(needle))
		if pos < 0 {
			pos = fuzzyFind(lowerResp, strings.ToLower(needle))
		}
		if pos < 0 {
			continue
		}

		end := markerPosition(response, pos, len(needle))
		if used[end] {
			continue
		}
		used[end] = true
		inserts = append(inserts, insertion{pos: end, marker: fmt.Sprintf(" [%d]", c.Number)})
	}

	if len(inserts) == 0 {
		return response
	}

	// Apply right-to-left so earlier offsets stay valid.
	for i := 1; i < len(inserts); i++ {
		for j := i; j > 0 && inserts[j].pos > inserts[j-1].pos; j-- {
			inserts[j], inserts[j-1] = inserts[j-1], inserts[j]
		}
	}
	out := response
	for _, ins := range inserts {
		out = out[:ins.pos] + ins.marker + out[ins.pos:]
	}
	return out
}

// ─── helpers ───

// truncateExcerpt shortens text to at most limit characters, preferring to
// cut at a sentence end, then at a word boundary.
func truncateExcerpt(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}

	window := text[:limit]
	if i := strings.LastIndex(window, ". "); i > limit/3 {
		return strings.TrimSpace(window[:i+1])
	}
	if i := strings.LastIndexByte(window, ' '); i > 0 {
		return strings.TrimSpace(window[:i]) + "…"
	}
	return window + "…"
}

// needleFor extracts the match needle for a citation: first sentence trimmed
// to keyPhraseLimit, then its first needleWords words.
func needleFor(excerpt string) string {
	phrase := excerpt
	if i := strings.Index(phrase, ". "); i > 0 {
		phrase = phrase[:i]
	}
	if len(phrase) > keyPhraseLimit {
		phrase = phrase[:keyPhraseLimit]
	}

	words := strings.Fields(phrase)
	if len(words) == 0 {
		return ""
	}
	if len(words) > needleWords {
		words = words[:needleWords]
	}
	return strings.Join(words, " ")
}

// fuzzyFind slides a needle-sized word window over the haystack and returns
// the byte offset of the best Jaro-Winkler match at or above fuzzyFloor, or
// -1 when nothing comes close.
func fuzzyFind(haystack, needle string) int {
	needleWordCount := len(strings.Fields(needle))
	if needleWordCount == 0 {
		return -1
	}

	words := strings.Fields(haystack)
	if len(words) < needleWordCount {
		return -1
	}

	bestScore := fuzzyFloor
	bestPos := -1
	offset := 0
	for i := 0; i+needleWordCount <= len(words); i++ {
		window := strings.Join(words[i:i+needleWordCount], " ")
		score := matchr.JaroWinkler(window, needle, true)
		if score > bestScore {
			bestScore = score
			bestPos = strings.Index(haystack[offset:], words[i]) + offset
		}
		// Advance offset past the current word for stable position lookups.
		if idx := strings.Index(haystack[offset:], words[i]); idx >= 0 {
			offset += idx + len(words[i])
		}
	}
	return bestPos
}

// markerPosition finds where the marker goes: just before the closing period
// of the sentence containing the match, or directly after the matched needle.
func markerPosition(response string, matchPos, needleLen int) int {
	rest := response[matchPos:]
	if i := strings.Index(rest, ". "); i >= 0 {
		return matchPos + i
	}
	if strings.HasSuffix(response, ".") {
		return len(response) - 1
	}
	end := matchPos + needleLen
	if end > len(response) {
		end = len(response)
	}
	return end
}
