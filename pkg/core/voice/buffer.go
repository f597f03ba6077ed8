package voice

import (
	"strings"
	"unicode/utf8"
)

// SentenceBuffer accumulates response text and yields complete sentences, so synthesis of
// the first sentence can start while the rest is still pending. Latin terminators and the
// Devanagari danda both end a sentence.
type SentenceBuffer struct {
	buffer strings.Builder
}

func NewSentenceBuffer() *SentenceBuffer {
	return &SentenceBuffer{}
}

// Add appends text and returns the sentences it completed.
func (b *SentenceBuffer) Add(text string) []string {
	b.buffer.WriteString(text)
	content := b.buffer.String()

	var sentences []string
	lastEnd := 0
	for i := 0; i < len(content); {
		r, size := utf8.DecodeRuneInString(content[i:])
		next := i + size
		if isSentenceEnd(content, i, r, next) {
			if s := strings.TrimSpace(content[lastEnd:next]); s != "" {
				sentences = append(sentences, s)
			}
			lastEnd = next
		}
		i = next
	}
	if lastEnd > 0 {
		b.buffer.Reset()
		b.buffer.WriteString(content[lastEnd:])
	}
	return sentences
}

// Flush returns the unterminated remainder and clears the buffer.
func (b *SentenceBuffer) Flush() string {
	result := strings.TrimSpace(b.buffer.String())
	b.buffer.Reset()
	return result
}

func (b *SentenceBuffer) Pending() string {
	return b.buffer.String()
}

// SplitSentences splits a complete response. The result is empty only for blank text.
func SplitSentences(text string) []string {
	b := NewSentenceBuffer()
	out := b.Add(text)
	if rest := b.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}

// isSentenceEnd reports whether rune r at byte offset i (next is the offset after it)
// terminates a sentence.
func isSentenceEnd(s string, i int, r rune, next int) bool {
	switch r {
	case '।', '॥':
		return true
	case '!', '?':
	case '.':
		if isAbbreviation(s, i) {
			return false
		}
	default:
		return false
	}
	if next >= len(s) {
		return true
	}
	switch s[next] {
	case ' ', '\n', '\r', '\t':
		return true
	}
	return false
}

var abbreviations = []string{
	"Dr.", "Mr.", "Mrs.", "Ms.", "Shri.", "Smt.", "Jr.", "Sr.",
	"Prof.", "Inc.", "Ltd.", "Pvt.", "Co.", "vs.", "etc.",
	"i.e.", "e.g.", "a.m.", "p.m.", "Rs.", "No.",
}

// isAbbreviation reports whether the period at i closes a known abbreviation or an initial.
func isAbbreviation(s string, i int) bool {
	if i < 1 {
		return false
	}
	start := i
	for start > 0 && s[start-1] != ' ' && s[start-1] != '\n' {
		start--
	}
	word := s[start : i+1]
	for _, abbr := range abbreviations {
		if strings.EqualFold(word, abbr) {
			return true
		}
	}
	// Initials such as "A. K. Sharma".
	return s[i-1] >= 'A' && s[i-1] <= 'Z' && (i < 2 || s[i-2] == ' ' || s[i-2] == '\n')
}
