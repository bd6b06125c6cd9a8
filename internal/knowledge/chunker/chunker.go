// Package chunker splits documents into overlapping chunks sized for
// embedding, and batches the chunks through an embeddings provider with
// rate-limit pacing.
package chunker

import (
	"strings"
)

// Defaults for Config.
const (
	DefaultMaxChunkSize = 1000
	DefaultOverlapSize  = 200

	// largeDocThreshold switches documents directly to sliding-window
	// splitting, avoiding worst-case paragraph handling.
	largeDocThreshold = 10000

	// breakLookback is how far back from the window end a nicer break point
	// (sentence, newline, space) is searched for.
	breakLookback = 200
)

// Config tunes document splitting.
type Config struct {
	// MaxChunkSize is the chunk ceiling in characters.
	MaxChunkSize int

	// OverlapSize is how many characters each chunk shares with its
	// successor.
	OverlapSize int

	// PreserveParagraphs groups paragraphs into chunks instead of sliding a
	// raw window, as long as the document is not too large.
	PreserveParagraphs bool
}

func (c *Config) applyDefaults() {
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.OverlapSize < 0 || c.OverlapSize >= c.MaxChunkSize {
		c.OverlapSize = DefaultOverlapSize
		if c.OverlapSize >= c.MaxChunkSize {
			c.OverlapSize = c.MaxChunkSize / 5
		}
	}
}

// Chunk is one split piece of a document. Index is 0-based and dense.
type Chunk struct {
	Text  string
	Index int
}

// Split divides text into ordered chunks of at most cfg.MaxChunkSize
// characters with cfg.OverlapSize characters of overlap.
func Split(text string, cfg Config) []Chunk {
	cfg.applyDefaults()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= cfg.MaxChunkSize {
		return []Chunk{{Text: text, Index: 0}}
	}

	var pieces []string
	if cfg.PreserveParagraphs && len(text) <= largeDocThreshold {
		pieces = splitParagraphs(text, cfg)
	} else {
		pieces = slidingWindow(text, cfg)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for _, p := range pieces {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		chunks = append(chunks, Chunk{Text: p, Index: len(chunks)})
	}
	return chunks
}

// splitParagraphs packs whole paragraphs into chunks, falling back to a
// sliding window for any single paragraph that exceeds the cap.
func splitParagraphs(text string, cfg Config) []string {
	paragraphs := strings.Split(text, "\n\n")

	var (
		out     []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if len(para) > cfg.MaxChunkSize {
			flush()
			out = append(out, slidingWindow(para, cfg)...)
			continue
		}

		if current.Len() > 0 && current.Len()+2+len(para) > cfg.MaxChunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return out
}

// slidingWindow cuts text into MaxChunkSize windows stepping back
// OverlapSize, preferring to break at a sentence end, then a newline, then a
// space, when such a break falls within the lookback region.
func slidingWindow(text string, cfg Config) []string {
	var out []string

	start := 0
	for start < len(text) {
		end := start + cfg.MaxChunkSize
		if end >= len(text) {
			out = append(out, text[start:])
			break
		}

		window := text[start:end]
		if cut := breakPoint(window); cut > 0 {
			end = start + cut
			window = text[start:end]
		}
		out = append(out, window)

		next := end - cfg.OverlapSize
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return out
}

// breakPoint returns the index just past the best break inside the window's
// lookback tail, or 0 if no acceptable break exists.
func breakPoint(window string) int {
	floor := len(window) - breakLookback
	if floor < 0 {
		floor = 0
	}

	if i := strings.LastIndex(window, ". "); i >= floor {
		return i + 2
	}
	if i := strings.LastIndexByte(window, '\n'); i >= floor {
		return i + 1
	}
	if i := strings.LastIndexByte(window, ' '); i >= floor {
		return i + 1
	}
	return 0
}
