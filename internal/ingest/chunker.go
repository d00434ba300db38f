package ingest

import "strings"

// Chunk is one word window of a source text.
type Chunk struct {
	Text      string
	Index     int
	WordCount int
}

// Chunker splits text into overlapping windows of whole words.
type Chunker struct {
	Words   int
	Overlap int
}

// NewChunker returns a Chunker. Sizes that cannot make progress fall back
// to 1500 words with a 200 word overlap.
func NewChunker(words, overlap int) Chunker {
	if words <= 0 || overlap < 0 || overlap >= words {
		words, overlap = 1500, 200
	}
	return Chunker{Words: words, Overlap: overlap}
}

// Split returns the windows of text in order. Text that fits in one window
// is returned whole; blank text yields nothing.
func (c Chunker) Split(text string) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= c.Words {
		return []Chunk{{Text: strings.TrimSpace(text), Index: 0, WordCount: len(words)}}
	}

	step := c.Words - c.Overlap
	var chunks []Chunk
	for start := 0; start < len(words); start += step {
		end := min(start+c.Words, len(words))
		chunks = append(chunks, Chunk{
			Text:      strings.Join(words[start:end], " "),
			Index:     len(chunks),
			WordCount: end - start,
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}
