package sarvam

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/vani-protocol/vani-gateway/pkg/backends/wire"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// transliterator produces the parallel-script text of a transcript: romanized text for a
// native-script transcript and native script for a romanized one.
type transliterator struct {
	url    string
	caller wire.Caller
}

func (s *STT) transliterator() *transliterator {
	c := s.caller
	c.Stage = types.StageSTT
	return &transliterator{url: s.cfg.baseURL() + "/transliterate", caller: c}
}

type translitRequest struct {
	Input      string `json:"input"`
	SourceLang string `json:"source_language_code"`
	TargetLang string `json:"target_language_code"`
}

type translitResponse struct {
	Text string `json:"transliterated_text"`
}

func (t *transliterator) convert(ctx context.Context, text, language string, script types.ScriptPreference) (string, error) {
	if language == "" || language == "unknown" || strings.HasPrefix(language, "en") {
		return "", errors.New("no target script")
	}
	req := translitRequest{Input: text, SourceLang: language, TargetLang: "en-IN"}
	if mostlyLatin(text) {
		if script == types.ScriptRoman {
			return "", errors.New("already in requested script")
		}
		req.SourceLang, req.TargetLang = "en-IN", language
	}
	var resp translitResponse
	if err := t.caller.PostJSON(ctx, t.url, req, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

func mostlyLatin(s string) bool {
	latin, letters := 0, 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Latin, r) {
			latin++
		}
	}
	return letters > 0 && latin*2 > letters
}
