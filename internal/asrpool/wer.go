package asrpool

import (
	"strings"
	"time"
	"unicode"
)

// WERObservation is one word-error-rate measurement of a hypothesis against a
// known-good reference transcript.
type WERObservation struct {
	// WER is word-level Levenshtein distance divided by reference length.
	// 0 means a perfect match. Values slightly above 1 are possible for
	// insertion-heavy hypotheses.
	WER float64

	// Substitutions, Deletions and Insertions are the per-operation counts
	// recovered by backtracking the edit-distance matrix.
	Substitutions int
	Deletions     int
	Insertions    int

	// RefWords is the reference length in words.
	RefWords int

	// Timestamp is when the observation was recorded.
	Timestamp time.Time
}

// ComputeWER measures hypothesis against reference at the word level.
//
// Both strings are tokenized to lowercase alphanumeric words before the edit
// distance is computed, so punctuation and casing differences do not count as
// errors. An empty reference with a non-empty hypothesis scores 1.
func ComputeWER(reference, hypothesis string) WERObservation {
	ref := tokenizeWords(reference)
	hyp := tokenizeWords(hypothesis)

	obs := WERObservation{RefWords: len(ref), Timestamp: time.Now()}

	if len(ref) == 0 {
		if len(hyp) > 0 {
			obs.Insertions = len(hyp)
			obs.WER = 1
		}
		return obs
	}

	// Standard word-level edit distance. d[i][j] is the cost of turning the
	// first i reference words into the first j hypothesis words.
	n, m := len(ref), len(hyp)
	d := make([][]int, n+1)
	for i := range d {
		d[i] = make([]int, m+1)
		d[i][0] = i
	}
	for j := 0; j <= m; j++ {
		d[0][j] = j
	}

	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if ref[i-1] == hyp[j-1] {
				d[i][j] = d[i-1][j-1]
				continue
			}
			sub := d[i-1][j-1] + 1
			del := d[i-1][j] + 1
			ins := d[i][j-1] + 1
			d[i][j] = min3(sub, del, ins)
		}
	}

	// Backtrack to attribute the distance to its operations. Ties prefer
	// substitution, then deletion, then insertion.
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && ref[i-1] == hyp[j-1] && d[i][j] == d[i-1][j-1]:
			i--
			j--
		case i > 0 && j > 0 && d[i][j] == d[i-1][j-1]+1:
			obs.Substitutions++
			i--
			j--
		case i > 0 && d[i][j] == d[i-1][j]+1:
			obs.Deletions++
			i--
		default:
			obs.Insertions++
			j--
		}
	}

	obs.WER = float64(d[n][m]) / float64(n)
	return obs
}

// tokenizeWords splits text into lowercase words, stripping everything that is
// not a letter or digit.
func tokenizeWords(text string) []string {
	var (
		words []string
		b     strings.Builder
	)
	flush := func() {
		if b.Len() > 0 {
			words = append(words, b.String())
			b.Reset()
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		flush()
	}
	flush()
	return words
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
