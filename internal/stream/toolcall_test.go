package stream

import (
	"reflect"
	"testing"
)

func TestNormalizeToolCallPythonLiteral(t *testing.T) {
	tc := NormalizeToolCall("[READ_FILE] {'file_path': 'a.ts', 'ok': True}")
	if tc.Type != "READ_FILE" {
		t.Fatalf("type mismatch: %q", tc.Type)
	}
	want := map[string]any{"file_path": "a.ts", "ok": true}
	if !reflect.DeepEqual(tc.Result, want) {
		t.Fatalf("result mismatch: got %#v want %#v", tc.Result, want)
	}
}

func TestNormalizeToolCallEmptyPayload(t *testing.T) {
	tc := NormalizeToolCall("[LIST_FILES]")
	if tc.Type != "LIST_FILES" || tc.Result != nil {
		t.Fatalf("expected nil result, got %#v", tc)
	}
}

func TestNormalizeToolCallEmptyList(t *testing.T) {
	tc := NormalizeToolCall("[SEARCH] []")
	list, ok := tc.Result.([]any)
	if !ok || len(list) != 0 {
		t.Fatalf("expected empty list, got %#v", tc.Result)
	}
}

func TestNormalizeToolCallNoneAndFalse(t *testing.T) {
	tc := NormalizeToolCall("[CHECK] {'hit': False, 'detail': None}")
	want := map[string]any{"hit": false, "detail": nil}
	if !reflect.DeepEqual(tc.Result, want) {
		t.Fatalf("result mismatch: got %#v want %#v", tc.Result, want)
	}
}

func TestNormalizeToolCallEmbeddedDoubleQuotes(t *testing.T) {
	tc := NormalizeToolCall(`[WRITE_FILE] {'snippet': 'fmt.Println("hi")'}`)
	m, ok := tc.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %#v", tc.Result)
	}
	if m["snippet"] != `fmt.Println("hi")` {
		t.Fatalf("snippet mangled: %q", m["snippet"])
	}
}

func TestNormalizeToolCallEscapedSingleQuote(t *testing.T) {
	tc := NormalizeToolCall(`[GREP] {'pattern': 'it\'s'}`)
	m, ok := tc.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %#v", tc.Result)
	}
	if m["pattern"] != "it's" {
		t.Fatalf("pattern mangled: %q", m["pattern"])
	}
}

func TestNormalizeToolCallFreeFormProgressString(t *testing.T) {
	tc := NormalizeToolCall("[SCAN_REPO] Scanning 124 files for entry points")
	if tc.Result != "Scanning 124 files for entry points" {
		t.Fatalf("expected raw payload passthrough, got %#v", tc.Result)
	}
}

func TestNormalizeToolCallNotABracketLine(t *testing.T) {
	tc := NormalizeToolCall("just some text")
	if tc.Type != "" || tc.Result != nil {
		t.Fatalf("expected zero value, got %#v", tc)
	}
}
