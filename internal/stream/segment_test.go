package stream

import (
	"reflect"
	"testing"
)

func TestBuildSegmentsIssueSpan(t *testing.T) {
	lines := []string{
		"[GITHUB_ISSUE_START]",
		"# Title",
		"ISSUE_ID: x1",
		"body",
		"[GITHUB_ISSUE_END]",
	}
	segs := BuildSegments(lines)
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Kind != SegmentIssue {
		t.Fatalf("expected issue segment, got %s", segs[0].Kind)
	}
	if segs[0].Content != "# Title\nISSUE_ID: x1\nbody" {
		t.Fatalf("unexpected content: %q", segs[0].Content)
	}
}

func TestBuildSegmentsInterleavedText(t *testing.T) {
	lines := []string{
		"intro",
		"[PATCH_START]",
		"foo",
		"[PATCH_END]",
		"outro",
	}
	segs := BuildSegments(lines)
	want := []Segment{
		{Kind: SegmentText, Content: "intro"},
		{Kind: SegmentPatch, Content: "foo"},
		{Kind: SegmentText, Content: "outro"},
	}
	if !reflect.DeepEqual(segs, want) {
		t.Fatalf("segments mismatch: got %+v want %+v", segs, want)
	}
}

func TestBuildSegmentsZeroLineCapture(t *testing.T) {
	segs := BuildSegments([]string{"[WARNING_START]", "[WARNING_END]"})
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Kind != SegmentWarning || segs[0].Content != "" {
		t.Fatalf("expected empty warning segment, got %+v", segs[0])
	}
}

func TestBuildSegmentsOverlapForceClosesPriorCapture(t *testing.T) {
	lines := []string{
		"[GITHUB_ISSUE_START]",
		"issue body",
		"[PATCH_START]",
		"patch body",
		"[PATCH_END]",
	}
	segs := BuildSegments(lines)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d: %+v", len(segs), segs)
	}
	if segs[0].Kind != SegmentIssue || segs[0].Content != "issue body" {
		t.Fatalf("expected force-closed issue segment first, got %+v", segs[0])
	}
	if segs[1].Kind != SegmentPatch || segs[1].Content != "patch body" {
		t.Fatalf("expected patch segment second, got %+v", segs[1])
	}
}

func TestBuildSegmentsUnterminatedCaptureFlushedAtEnd(t *testing.T) {
	segs := BuildSegments([]string{"[FILE_STATUS_START]", "src/a.go modified"})
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Kind != SegmentFileStatus || segs[0].Content != "src/a.go modified" {
		t.Fatalf("unexpected segment: %+v", segs[0])
	}
}

func TestBuildSegmentsStrayEndMarkerKeptAsText(t *testing.T) {
	segs := BuildSegments([]string{"hello", "[PATCH_END]", "world"})
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Kind != SegmentText {
		t.Fatalf("expected text segment, got %s", segs[0].Kind)
	}
	if segs[0].Content != "hello\n[PATCH_END]\nworld" {
		t.Fatalf("unexpected content: %q", segs[0].Content)
	}
}
