package stream

import "strings"

// SegmentKind classifies a parsed unit of agent output.
type SegmentKind string

const (
	SegmentText       SegmentKind = "text"
	SegmentIssue      SegmentKind = "issue"
	SegmentPatch      SegmentKind = "patch"
	SegmentWarning    SegmentKind = "warning"
	SegmentFileStatus SegmentKind = "file_status"
)

// Segment is a typed, already-delimited unit of parsed agent output.
type Segment struct {
	Kind    SegmentKind `json:"kind"`
	Content string      `json:"content"`
}

// CaptureState tracks which marker span a segment builder is inside.
// Exactly one span can be open at a time; a start marker seen while
// another span is open force-closes the prior span first.
type CaptureState int

const (
	CaptureIdle CaptureState = iota
	CaptureIssue
	CapturePatch
	CaptureWarning
	CaptureFileStatus
)

func (c CaptureState) segmentKind() SegmentKind {
	switch c {
	case CaptureIssue:
		return SegmentIssue
	case CapturePatch:
		return SegmentPatch
	case CaptureWarning:
		return SegmentWarning
	case CaptureFileStatus:
		return SegmentFileStatus
	}
	return SegmentText
}

type markerPair struct {
	start string
	end   string
	state CaptureState
}

var segmentMarkers = []markerPair{
	{start: "[GITHUB_ISSUE_START]", end: "[GITHUB_ISSUE_END]", state: CaptureIssue},
	{start: "[PATCH_START]", end: "[PATCH_END]", state: CapturePatch},
	{start: "[WARNING_START]", end: "[WARNING_END]", state: CaptureWarning},
	{start: "[FILE_STATUS_START]", end: "[FILE_STATUS_END]", state: CaptureFileStatus},
}

// segmentBuilder turns the ordered line buffer of one response span into
// typed segments.
type segmentBuilder struct {
	state    CaptureState
	capture  []string
	text     []string
	segments []Segment
}

// BuildSegments parses the accumulated lines of one LLM response span.
// Ordering follows the input exactly: text outside marker pairs is flushed
// as a text segment whenever a span opens, and a trailing non-empty text
// buffer is flushed at end of input. A start marker while another span is
// open force-closes the prior span, emitting its segment as captured so far.
func BuildSegments(lines []string) []Segment {
	b := &segmentBuilder{}
	for _, line := range lines {
		b.feed(line)
	}
	return b.finish()
}

func (b *segmentBuilder) feed(line string) {
	trimmed := strings.TrimSpace(line)
	for _, m := range segmentMarkers {
		if trimmed == m.start {
			if b.state != CaptureIdle {
				b.closeCapture()
			}
			b.flushText()
			b.state = m.state
			b.capture = nil
			return
		}
		if trimmed == m.end {
			if b.state == m.state {
				b.closeCapture()
				return
			}
			// Stray end marker for a span that is not open; keep it as
			// ordinary content so nothing is dropped silently.
			break
		}
	}
	if b.state != CaptureIdle {
		b.capture = append(b.capture, line)
		return
	}
	b.text = append(b.text, line)
}

func (b *segmentBuilder) finish() []Segment {
	if b.state != CaptureIdle {
		b.closeCapture()
	}
	b.flushText()
	return b.segments
}

// closeCapture emits one segment for the open span. A zero-line capture
// emits an empty-content segment, which is valid.
func (b *segmentBuilder) closeCapture() {
	b.segments = append(b.segments, Segment{
		Kind:    b.state.segmentKind(),
		Content: strings.Join(b.capture, "\n"),
	})
	b.state = CaptureIdle
	b.capture = nil
}

func (b *segmentBuilder) flushText() {
	if len(b.text) == 0 {
		return
	}
	content := strings.Join(b.text, "\n")
	b.text = nil
	if strings.TrimSpace(content) == "" {
		return
	}
	b.segments = append(b.segments, Segment{Kind: SegmentText, Content: content})
}
