package model

import (
	"errors"
	"testing"
)

func TestParseAnswerPayloadAcceptsEachMode(t *testing.T) {
	tests := []struct {
		mode PlayMode
		raw  string
	}{
		{PlayModeFocus, `{"selected_index":0}`},
		{PlayModeCloze, `{"blanks":["uno",""]}`},
		{PlayModeParaphrase, `{"paraphrase":"otra forma"}`},
		{PlayModeSummarize, `{"summary":"resumen"}`},
		{PlayModeClarify, `{"questions":["¿Cuándo?","¿Dónde?"]}`},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			ans, err := ParseAnswerPayload(tt.mode, []byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseAnswerPayload returned error: %v", err)
			}
			if ans.Mode() != tt.mode {
				t.Fatalf("expected mode %s, got %s", tt.mode, ans.Mode())
			}
		})
	}
}

func TestParseAnswerPayloadRejectsInvalidShapes(t *testing.T) {
	tests := []struct {
		name  string
		mode  PlayMode
		raw   string
		field string
	}{
		{"missing selected_index", PlayModeFocus, `{}`, "selected_index"},
		{"negative selected_index", PlayModeFocus, `{"selected_index":-1}`, "selected_index"},
		{"wrong type", PlayModeFocus, `{"selected_index":"1"}`, "selected_index"},
		{"extra field", PlayModeSummarize, `{"summary":"x","extra":true}`, "extra"},
		{"empty summary", PlayModeSummarize, `{"summary":""}`, "summary"},
		{"too many questions", PlayModeClarify, `{"questions":["a","b","c","d","e","f"]}`, "questions"},
		{"no questions", PlayModeClarify, `{"questions":[]}`, "questions"},
		{"empty payload", PlayModeCloze, ``, "_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAnswerPayload(tt.mode, []byte(tt.raw))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Fatalf("expected diagnostic for %q, got %v", tt.field, verr.Fields)
			}
		})
	}
}

func TestParseAnswerPayloadUnknownMode(t *testing.T) {
	if _, err := ParseAnswerPayload(PlayMode("dictation"), []byte(`{}`)); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestSamePayloadIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a := []byte(`{"blanks":["uno","dos"],"x":1}`)
	b := []byte(`{ "x": 1, "blanks": ["uno", "dos"] }`)
	if !SamePayload(a, b) {
		t.Fatalf("expected payloads to be equal")
	}
	if SamePayload(a, []byte(`{"blanks":["dos","uno"],"x":1}`)) {
		t.Fatalf("array order must matter")
	}
	if SamePayload(a, []byte(`not json`)) {
		t.Fatalf("invalid json must not compare equal")
	}
}
