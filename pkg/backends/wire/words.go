package wire

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// Word is one recognized token with its detected language.
type Word struct {
	Text       string
	Language   string
	Confidence float64
}

// CodeSwitchSpans locates words in text whose language differs from primary and returns
// their code point ranges. Runs of adjacent words in the same language separated only by
// whitespace merge into one span. Words that cannot be found in text are skipped.
func CodeSwitchSpans(text, primary string, words []Word) []types.CodeSwitchSpan {
	var out []types.CodeSwitchSpan
	runes := []rune(text)
	cursor := 0
	for _, w := range words {
		token := []rune(strings.TrimSpace(w.Text))
		if len(token) == 0 {
			continue
		}
		at := indexRunes(runes, token, cursor)
		if at < 0 {
			continue
		}
		cursor = at + len(token)
		if w.Language == "" || samePrimary(w.Language, primary) {
			continue
		}
		span := types.CodeSwitchSpan{Start: at, End: cursor, Language: w.Language, Confidence: w.Confidence}
		if n := len(out); n > 0 && out[n-1].Language == span.Language && onlySpace(runes[out[n-1].End:span.Start]) {
			prev := &out[n-1]
			prev.End = span.End
			prev.Confidence = min(prev.Confidence, span.Confidence)
			continue
		}
		out = append(out, span)
	}
	return out
}

func indexRunes(hay, needle []rune, from int) int {
	for i := from; i+len(needle) <= len(hay); i++ {
		match := true
		for j, r := range needle {
			if unicode.ToLower(hay[i+j]) != unicode.ToLower(r) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func onlySpace(rs []rune) bool {
	for _, r := range rs {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func samePrimary(a, b string) bool {
	return strings.EqualFold(primary(a), primary(b))
}

func primary(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return tag[:i]
	}
	return tag
}

// RuneLen is the code point length of s.
func RuneLen(s string) int { return utf8.RuneCountInString(s) }
