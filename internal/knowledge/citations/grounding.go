package citations

import (
	"strings"
	"unicode"

	"github.com/attunevoice/attune/internal/knowledge/pgstore"
)

// DefaultGroundingThreshold is the confidence below which a response is
// considered ungrounded.
const DefaultGroundingThreshold = 0.6

// Signal weights for the combined grounding confidence.
const (
	weightWordOverlap      = 0.3
	weightSentenceCoverage = 0.3
	weightSourceRelevance  = 0.2
	weightFactConsistency  = 0.2

	// hedgePenaltyEach is subtracted from factual consistency per hedging
	// phrase found, capped at hedgePenaltyMax cumulative.
	hedgePenaltyEach = 0.15
	hedgePenaltyMax  = 0.6
)

// GroundingReport is the validator's output.
type GroundingReport struct {
	IsGrounded bool
	Confidence float64

	WordOverlap        float64
	SentenceCoverage   float64
	SourceRelevance    float64
	FactualConsistency float64

	Recommendation string
}

// hedgingPhrases are uncertainty markers that lower factual consistency.
var hedgingPhrases = []string{
	"i think", "i believe", "probably", "perhaps", "might be", "may be",
	"it seems", "possibly", "i'm not sure", "as far as i know",
}

// stopwords excluded from the significant-word sets.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "by": true, "from": true, "as": true, "it": true, "its": true,
	"this": true, "that": true, "these": true, "those": true, "i": true,
	"you": true, "we": true, "they": true, "he": true, "she": true, "not": true,
	"no": true, "do": true, "does": true, "did": true, "have": true, "has": true,
	"had": true, "will": true, "would": true, "can": true, "could": true,
	"so": true, "if": true, "then": true, "than": true, "there": true,
}

// ValidateGrounding scores how well a response is supported by its retrieved
// chunks. With zero sources it reports ungrounded with zero confidence and a
// fixed recommendation; it never fails.
func ValidateGrounding(response string, chunks []pgstore.SearchResult, threshold float64) GroundingReport {
	if threshold <= 0 {
		threshold = DefaultGroundingThreshold
	}

	if len(chunks) == 0 {
		return GroundingReport{
			IsGrounded:     false,
			Confidence:     0,
			Recommendation: "no sources retrieved; answer from the knowledge base or say the information is unavailable",
		}
	}

	chunkWords := make(map[string]bool)
	for _, c := range chunks {
		for _, w := range significantWords(c.ChunkText) {
			chunkWords[w] = true
		}
	}

	report := GroundingReport{
		WordOverlap:        wordOverlap(response, chunkWords),
		SentenceCoverage:   sentenceCoverage(response, chunkWords),
		SourceRelevance:    meanSimilarity(chunks),
		FactualConsistency: factualConsistency(response, chunkWords),
	}
	report.Confidence = weightWordOverlap*report.WordOverlap +
		weightSentenceCoverage*report.SentenceCoverage +
		weightSourceRelevance*report.SourceRelevance +
		weightFactConsistency*report.FactualConsistency
	report.IsGrounded = report.Confidence >= threshold
	report.Recommendation = recommend(report)
	return report
}

// ─── signals ───

// wordOverlap is the fraction of the response's significant words present in
// any chunk.
func wordOverlap(response string, chunkWords map[string]bool) float64 {
	words := significantWords(response)
	if len(words) == 0 {
		return 0
	}
	var hits int
	for _, w := range words {
		if chunkWords[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}

// sentenceCoverage is the fraction of response sentences with more than half
// of their significant words present in chunks.
func sentenceCoverage(response string, chunkWords map[string]bool) float64 {
	sentences := splitSentences(response)
	if len(sentences) == 0 {
		return 0
	}
	var covered int
	for _, s := range sentences {
		words := significantWords(s)
		if len(words) == 0 {
			continue
		}
		var hits int
		for _, w := range words {
			if chunkWords[w] {
				hits++
			}
		}
		if float64(hits)/float64(len(words)) > 0.5 {
			covered++
		}
	}
	return float64(covered) / float64(len(sentences))
}

func meanSimilarity(chunks []pgstore.SearchResult) float64 {
	var sum float64
	for _, c := range chunks {
		sum += c.Similarity
	}
	return sum / float64(len(chunks))
}

// factualConsistency checks the response's specific-fact tokens (numbers and
// proper-noun-like words) against the chunks and penalizes hedging language.
func factualConsistency(response string, chunkWords map[string]bool) float64 {
	facts := factTokens(response)

	score := 1.0
	if len(facts) > 0 {
		var verified int
		for _, f := range facts {
			if chunkWords[strings.ToLower(f)] {
				verified++
			}
		}
		score = float64(verified) / float64(len(facts))
	}

	lower := strings.ToLower(response)
	var penalty float64
	for _, phrase := range hedgingPhrases {
		if strings.Contains(lower, phrase) {
			penalty += hedgePenaltyEach
		}
	}
	if penalty > hedgePenaltyMax {
		penalty = hedgePenaltyMax
	}

	score -= penalty
	if score < 0 {
		score = 0
	}
	return score
}

func recommend(r GroundingReport) string {
	switch {
	case r.IsGrounded:
		return "response is well grounded in the retrieved sources"
	case r.WordOverlap < 0.3:
		return "little of the response appears in the sources; retrieve more context or constrain the answer"
	case r.SentenceCoverage < 0.5:
		return "several sentences lack source support; consider citing only supported claims"
	case r.SourceRelevance < 0.5:
		return "retrieved sources are weakly relevant; refine the query or raise the similarity threshold"
	default:
		return "verify specific facts against the sources before responding"
	}
}

// ─── text helpers ───

// significantWords lowercases and tokenizes text, dropping stopwords and
// single characters.
func significantWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, w := range fields {
		if len(w) < 2 || stopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// splitSentences breaks text on sentence-final punctuation.
func splitSentences(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	var out []string
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// factTokens extracts specific-fact tokens: numbers and capitalized words
// that do not start a sentence.
func factTokens(text string) []string {
	var out []string
	for _, sentence := range splitSentences(text) {
		words := strings.Fields(sentence)
		for i, w := range words {
			trimmed := strings.TrimFunc(w, func(r rune) bool {
				return !unicode.IsLetter(r) && !unicode.IsDigit(r)
			})
			if trimmed == "" {
				continue
			}
			if isNumeric(trimmed) {
				out = append(out, trimmed)
				continue
			}
			// Capitalized mid-sentence words look like proper nouns.
			if i > 0 && unicode.IsUpper([]rune(trimmed)[0]) {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != ',' && r != '%' {
			return false
		}
	}
	return true
}
