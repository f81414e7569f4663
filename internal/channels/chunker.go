package channels

import (
	"strings"
	"unicode/utf8"
)

const defaultChunkLength = 4000

// Chunker splits outbound text to fit a platform's message length limit.
// Lengths are measured in bytes, which never undercounts characters.
// In markdown mode a fenced code block is moved whole to the next chunk when
// it fits, and otherwise closed and reopened around the split.
type Chunker struct {
	MaxLength int
	Markdown  bool
}

// NewChunker creates a chunker. A non-positive maxLength selects the default.
func NewChunker(maxLength int, markdown bool) *Chunker {
	if maxLength <= 0 {
		maxLength = defaultChunkLength
	}
	return &Chunker{MaxLength: maxLength, Markdown: markdown}
}

// ChunkerFor builds a chunker from platform capabilities.
func ChunkerFor(caps Capabilities) *Chunker {
	return NewChunker(caps.MaxMessageLength, caps.SupportsRichText)
}

// Split returns the chunks of text in order. Empty input yields no chunks.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for len(text) > c.MaxLength {
		var fences []fenceSpan
		if c.Markdown {
			fences = scanFences(text)
		}
		chunk, rest := c.cut(text, fences)
		if chunk = strings.TrimSpace(chunk); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimLeft(rest, " \t\r\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func (c *Chunker) cut(text string, fences []fenceSpan) (string, string) {
	limit := runeFloor(text, c.MaxLength)
	if limit == 0 {
		_, limit = utf8.DecodeRuneInString(text)
	}

	if span, ok := fenceAt(fences, limit); ok {
		if span.start > 0 {
			return text[:span.start], text[span.start:]
		}
		return c.cutInsideFence(text, span)
	}

	if idx := lastBreak(text[:limit], fences); idx > 0 {
		return text[:idx], text[idx:]
	}
	return text[:limit], text[limit:]
}

// cutInsideFence splits a code block that starts the text and does not fit.
func (c *Chunker) cutInsideFence(text string, span fenceSpan) (string, string) {
	closing := "\n" + span.fence
	bodyStart := len(span.openLine) + 1
	budget := runeFloor(text, c.MaxLength-len(closing))
	if budget <= bodyStart {
		limit := runeFloor(text, c.MaxLength)
		if limit == 0 {
			_, limit = utf8.DecodeRuneInString(text)
		}
		return text[:limit], text[limit:]
	}

	cut := budget
	if idx := strings.LastIndex(text[bodyStart:budget], "\n"); idx > 0 {
		cut = bodyStart + idx
	}
	rest := strings.TrimPrefix(text[cut:], "\n")
	return text[:cut] + closing, span.openLine + "\n" + rest
}

type fenceSpan struct {
	start    int
	end      int
	fence    string
	openLine string
}

// scanFences finds fenced code blocks. An unclosed block runs to the end of text.
func scanFences(text string) []fenceSpan {
	var spans []fenceSpan
	var open *fenceSpan

	pos := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		bare := strings.TrimRight(line, "\r\n")
		trimmed := strings.TrimSpace(bare)
		switch {
		case open == nil && (strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")):
			open = &fenceSpan{start: pos, fence: trimmed[:3], openLine: bare}
		case open != nil && strings.HasPrefix(trimmed, open.fence) && strings.Trim(trimmed, open.fence[:1]) == "":
			open.end = pos + len(bare)
			spans = append(spans, *open)
			open = nil
		}
		pos += len(line)
	}
	if open != nil {
		open.end = len(text)
		spans = append(spans, *open)
	}
	return spans
}

// fenceAt returns the code block that a cut at pos would split.
func fenceAt(fences []fenceSpan, pos int) (fenceSpan, bool) {
	for _, f := range fences {
		if f.start < pos && pos < f.end {
			return f, true
		}
	}
	return fenceSpan{}, false
}

var breakSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", " "}

// lastBreak finds the latest natural break in window that is not inside a code block.
func lastBreak(window string, fences []fenceSpan) int {
	for _, sep := range breakSeparators {
		end := len(window)
		for end > 0 {
			idx := strings.LastIndex(window[:end], sep)
			if idx <= 0 {
				break
			}
			pos := idx + len(sep)
			if _, inside := fenceAt(fences, pos); !inside {
				return pos
			}
			end = idx
		}
	}
	return -1
}

// runeFloor returns the largest index <= n that starts a rune in s.
func runeFloor(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	if n < 0 {
		return 0
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
