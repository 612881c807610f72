package llm

import "strings"

// chunker accumulates streamed deltas and yields sentence-sized chunks
// for speech synthesis. A chunk is cut after a boundary rune that is
// followed by whitespace; when no boundary arrives before the buffer
// passes maxChars, the whole buffer is flushed as one chunk.
type chunker struct {
	boundaries string
	maxChars   int
	pending    string
}

func newChunker(boundaries string, maxChars int) *chunker {
	if boundaries == "" {
		boundaries = ".!?"
	}
	if maxChars < 1 {
		maxChars = 240
	}
	return &chunker{boundaries: boundaries, maxChars: maxChars}
}

// Write appends delta and returns the chunks it completed, in order.
func (c *chunker) Write(delta string) []string {
	c.pending += delta
	var out []string
	for {
		cut := c.findBoundary()
		if cut < 0 {
			break
		}
		chunk := strings.TrimSpace(c.pending[:cut])
		c.pending = c.pending[cut:]
		if chunk != "" {
			out = append(out, chunk)
		}
	}
	if len(c.pending) > c.maxChars {
		if chunk := c.Flush(); chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

// Flush returns whatever remains buffered.
func (c *chunker) Flush() string {
	chunk := strings.TrimSpace(c.pending)
	c.pending = ""
	return chunk
}

// findBoundary returns the index just past a sentence boundary, or -1.
// A boundary rune only counts when followed by whitespace so decimals
// and abbreviation dots stay inside their chunk.
func (c *chunker) findBoundary() int {
	for i := 0; i+1 < len(c.pending); i++ {
		if strings.IndexByte(c.boundaries, c.pending[i]) < 0 {
			continue
		}
		if isSpaceByte(c.pending[i+1]) {
			return i + 1
		}
	}
	return -1
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
