package llm

import (
	"encoding/json"
	"testing"
)

func TestNormalizeSummaryJSON(t *testing.T) {
	raw := []byte("```json\n" + `{
		"summary": "  Trimmed.  ",
		"key_points": ["a", "", "  b  "],
		"topics": null,
		"confidence": 1.4,
		"merchant_name": "leftover"
	}` + "\n```")

	out, dropped, err := NormalizeSummaryJSON(raw, nil)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatal(err)
	}
	if m["summary"] != "Trimmed." {
		t.Errorf("summary %q", m["summary"])
	}
	if pts, _ := m["key_points"].([]any); len(pts) != 2 || pts[1] != "b" {
		t.Errorf("key_points %v", m["key_points"])
	}
	if _, ok := m["topics"]; ok {
		t.Error("null topics survived")
	}
	if m["confidence"] != 1.0 {
		t.Errorf("confidence %v, want clamped to 1", m["confidence"])
	}
	if _, ok := m["merchant_name"]; ok {
		t.Error("unknown key survived")
	}
	if len(dropped) == 0 {
		t.Error("no dropped fields reported")
	}

	if err := ValidateJSONAgainstSchema(BuildSummaryJSONSchema(), out); err != nil {
		t.Errorf("normalized output does not validate: %v", err)
	}
}

func TestNormalizeSummaryJSONRejectsNonJSON(t *testing.T) {
	if _, _, err := NormalizeSummaryJSON([]byte("sorry, I cannot"), nil); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestStripCodeFencesPassthrough(t *testing.T) {
	plain := []byte(`{"summary":"ok"}`)
	if got := stripCodeFences(plain); string(got) != string(plain) {
		t.Fatalf("got %s", got)
	}
}
