package spans

import (
	"strings"
	"testing"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

func span(start, end int, lang string) types.CodeSwitchSpan {
	return types.CodeSwitchSpan{Start: start, End: end, Language: lang, Confidence: 0.9}
}

func TestValidate_PartialOverlapKeepsEarlierStart(t *testing.T) {
	text := strings.Repeat("a", 20)
	res := Validate(text, []types.CodeSwitchSpan{span(5, 10, "en"), span(2, 8, "hi")})
	if len(res.Spans) != 1 {
		t.Fatalf("len(spans)=%d, want 1", len(res.Spans))
	}
	if got := res.Spans[0]; got.Start != 2 || got.End != 8 {
		t.Fatalf("span=[%d,%d), want [2,8)", got.Start, got.End)
	}
	if len(res.Anomalies) != 1 || res.Anomalies[0].Reason != ReasonOverlap {
		t.Fatalf("anomalies=%+v, want one overlap", res.Anomalies)
	}
}

func TestValidate_NestedShorterReplacesContainer(t *testing.T) {
	text := strings.Repeat("a", 20)
	res := Validate(text, []types.CodeSwitchSpan{span(2, 12, "en"), span(4, 6, "hi"), span(8, 10, "ta")})
	if len(res.Spans) != 2 {
		t.Fatalf("spans=%+v, want 2", res.Spans)
	}
	if res.Spans[0].Start != 4 || res.Spans[1].Start != 8 {
		t.Fatalf("spans=%+v, want starts 4 and 8", res.Spans)
	}
}

func TestValidate_SameStartShorterWins(t *testing.T) {
	text := strings.Repeat("a", 20)
	res := Validate(text, []types.CodeSwitchSpan{span(3, 9, "en"), span(3, 5, "hi")})
	if len(res.Spans) != 1 || res.Spans[0].End != 5 {
		t.Fatalf("spans=%+v, want [3,5)", res.Spans)
	}
}

func TestValidate_DuplicateKeepsFirst(t *testing.T) {
	text := strings.Repeat("a", 10)
	a := span(1, 4, "en")
	b := span(1, 4, "ta")
	res := Validate(text, []types.CodeSwitchSpan{a, b})
	if len(res.Spans) != 1 || res.Spans[0].Language != "en" {
		t.Fatalf("spans=%+v, want the first duplicate", res.Spans)
	}
}

func TestValidate_OutOfDomain(t *testing.T) {
	text := "hello"
	res := Validate(text, []types.CodeSwitchSpan{span(-1, 2, "en"), span(3, 6, "en"), span(2, 2, "en"), span(4, 3, "en"), span(0, 5, "en")})
	if len(res.Spans) != 1 || res.Spans[0].End != 5 {
		t.Fatalf("spans=%+v, want [0,5)", res.Spans)
	}
	reasons := map[string]int{}
	for _, a := range res.Anomalies {
		reasons[a.Reason]++
	}
	if reasons[ReasonOutOfRange] != 2 || reasons[ReasonEmpty] != 2 {
		t.Fatalf("reasons=%v", reasons)
	}
}

func TestValidate_ClampsConfidence(t *testing.T) {
	s := span(0, 2, "en")
	s.Confidence = 1.4
	res := Validate("abc", []types.CodeSwitchSpan{s})
	if len(res.Spans) != 1 || res.Spans[0].Confidence != 1 {
		t.Fatalf("spans=%+v, want confidence 1", res.Spans)
	}
	if len(res.Anomalies) != 1 || res.Anomalies[0].Reason != ReasonConfidenceClamped {
		t.Fatalf("anomalies=%+v", res.Anomalies)
	}
}

func TestValidate_OutputDisjointAndSorted(t *testing.T) {
	text := strings.Repeat("x", 40)
	in := []types.CodeSwitchSpan{
		span(30, 35, "en"), span(0, 10, "en"), span(5, 15, "hi"), span(12, 14, "ta"),
		span(20, 39, "en"), span(21, 22, "hi"), span(33, 40, "en"),
	}
	res := Validate(text, in)
	for i := 1; i < len(res.Spans); i++ {
		if res.Spans[i-1].End > res.Spans[i].Start {
			t.Fatalf("spans overlap or unsorted: %+v", res.Spans)
		}
	}
	if len(res.Spans)+len(res.Anomalies) < len(in) {
		t.Fatalf("spans=%d anomalies=%d, every input must be accounted for", len(res.Spans), len(res.Anomalies))
	}
}

func TestValidate_CodePointOffsets(t *testing.T) {
	text := "मुझे ये laptop बहुत पसंद है"
	byteStart := strings.Index(text, "laptop")
	start := RuneOffset(text, byteStart)
	s := types.CodeSwitchSpan{Start: start, End: start + len("laptop"), Language: "en", Confidence: 0.95}

	res := Validate(text, []types.CodeSwitchSpan{s})
	if len(res.Spans) != 1 {
		t.Fatalf("spans=%+v, want 1", res.Spans)
	}
	if res.Spans[0].Start != 8 || res.Spans[0].End != 14 {
		t.Fatalf("span=[%d,%d), want [8,14)", res.Spans[0].Start, res.Spans[0].End)
	}
	if got := Substring(text, res.Spans[0]); got != "laptop" {
		t.Fatalf("Substring=%q, want laptop", got)
	}
}

func TestSubstring_OutOfRange(t *testing.T) {
	if got := Substring("abc", span(1, 9, "en")); got != "" {
		t.Fatalf("Substring=%q, want empty", got)
	}
}
