// Package spans enforces the offset-domain and non-overlap invariants of code-switch
// annotations.
package spans

import (
	"sort"
	"unicode/utf8"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

const (
	ReasonOutOfRange        = "out_of_range"
	ReasonEmpty             = "empty_or_inverted"
	ReasonOverlap           = "overlap"
	ReasonConfidenceClamped = "confidence_clamped"
)

// Anomaly is one repaired or dropped span.
type Anomaly struct {
	Span   types.CodeSwitchSpan
	Reason string
}

type Result struct {
	Spans     []types.CodeSwitchSpan
	Anomalies []Anomaly
}

type candidate struct {
	span  types.CodeSwitchSpan
	index int
}

// Validate returns spans that are pairwise disjoint and lie within [0, len(text)) in code
// points, ordered by start.
//
// Candidates are stably ordered by (start, length, input position). On overlap a span nested
// inside the accepted one and strictly shorter replaces it; any other overlap keeps the
// earlier-starting accepted span. Every dropped or clamped span is reported.
func Validate(text string, candidates []types.CodeSwitchSpan) Result {
	n := utf8.RuneCountInString(text)
	var res Result

	inDomain := make([]candidate, 0, len(candidates))
	for i, s := range candidates {
		switch {
		case s.Start < 0 || s.End > n:
			res.Anomalies = append(res.Anomalies, Anomaly{Span: s, Reason: ReasonOutOfRange})
			continue
		case s.Start >= s.End:
			res.Anomalies = append(res.Anomalies, Anomaly{Span: s, Reason: ReasonEmpty})
			continue
		}
		if s.Confidence < 0 || s.Confidence > 1 {
			res.Anomalies = append(res.Anomalies, Anomaly{Span: s, Reason: ReasonConfidenceClamped})
			s.Confidence = min(max(s.Confidence, 0), 1)
		}
		inDomain = append(inDomain, candidate{span: s, index: i})
	}

	sort.SliceStable(inDomain, func(a, b int) bool {
		sa, sb := inDomain[a].span, inDomain[b].span
		if sa.Start != sb.Start {
			return sa.Start < sb.Start
		}
		if sa.Len() != sb.Len() {
			return sa.Len() < sb.Len()
		}
		return inDomain[a].index < inDomain[b].index
	})

	// Accepted spans stay disjoint and ordered, so only the last one can overlap the next
	// candidate.
	accepted := make([]types.CodeSwitchSpan, 0, len(inDomain))
	for _, c := range inDomain {
		if len(accepted) == 0 {
			accepted = append(accepted, c.span)
			continue
		}
		last := accepted[len(accepted)-1]
		if !last.Overlaps(c.span) {
			accepted = append(accepted, c.span)
			continue
		}
		if last.Contains(c.span) && c.span.Len() < last.Len() {
			res.Anomalies = append(res.Anomalies, Anomaly{Span: last, Reason: ReasonOverlap})
			accepted[len(accepted)-1] = c.span
			continue
		}
		res.Anomalies = append(res.Anomalies, Anomaly{Span: c.span, Reason: ReasonOverlap})
	}

	res.Spans = accepted
	return res
}

// Substring returns the text a span covers, or "" when the span is out of range.
func Substring(text string, s types.CodeSwitchSpan) string {
	r := []rune(text)
	if s.Start < 0 || s.End > len(r) || s.Start >= s.End {
		return ""
	}
	return string(r[s.Start:s.End])
}

// RuneOffset converts a byte offset into text to a code-point offset.
func RuneOffset(text string, byteOff int) int {
	if byteOff <= 0 {
		return 0
	}
	if byteOff > len(text) {
		byteOff = len(text)
	}
	return utf8.RuneCountInString(text[:byteOff])
}
