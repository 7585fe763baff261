package stream

import (
	"strings"
)

// LogKind classifies a run log record.
type LogKind string

const (
	KindInfo           LogKind = "INFO"
	KindToolCall       LogKind = "TOOL_CALL"
	KindInitialisation LogKind = "INITIALISATION"
	KindLLMResponse    LogKind = "LLM_RESPONSE"
	KindDefault        LogKind = "DEFAULT"
)

const (
	llmResponseStart = "[LLM_RESPONSE_START]"
	llmResponseEnd   = "[LLM_RESPONSE_END]"

	infoMarker = "[INFO]"

	// Initialisation lines carry a fixed "<timestamp> [bootstrap]" prefix
	// emitted by the sandbox supervisor; the prefix is stripped before the
	// line is stored.
	initialisationMarker = "[bootstrap]"
)

// LogRecord is one coalesced run of same-kind log lines. Segments are
// populated for LLM_RESPONSE records only; Calls carry the normalized
// invocations of TOOL_CALL records, one per stored line.
type LogRecord struct {
	Kind     LogKind    `json:"kind"`
	Lines    []string   `json:"lines"`
	Segments []Segment  `json:"segments,omitempty"`
	Calls    []ToolCall `json:"calls,omitempty"`
}

// State is the resumable parser state for one analysis session. It is
// serializable so a restarted worker or reconnecting client can continue
// a stream without re-deriving already-emitted records.
type State struct {
	// Partial holds the trailing partial line of the previous chunk.
	Partial string `json:"partial"`
	// Capturing reports whether the parser is inside an LLM response span.
	Capturing bool `json:"capturing"`
	// Inner accumulates the lines of the open response span.
	Inner []string `json:"inner,omitempty"`
}

// Parser turns arbitrarily chunked raw text into log records. Chunk
// boundaries carry no meaning: feeding one contiguous payload or the same
// payload split at any byte offsets yields identical records.
//
// A Parser is owned by a single goroutine; it is not safe for concurrent
// use.
type Parser struct {
	state   State
	records []*LogRecord

	// OnSegments, when set, receives the segments of each completed
	// response span in emission order.
	OnSegments func([]Segment)

	// OnToolCall, when set, receives each normalized tool invocation as
	// its line is consumed. Suppressed duplicate lines do not fire it.
	OnToolCall func(ToolCall)
}

// NewParser creates a parser with empty state.
func NewParser() *Parser {
	return &Parser{}
}

// NewParserFromState resumes a parser from externally persisted state.
func NewParserFromState(state State) *Parser {
	return &Parser{state: state}
}

// State returns a copy of the resumable parser state.
func (p *Parser) State() State {
	st := p.state
	st.Inner = append([]string(nil), p.state.Inner...)
	return st
}

// Records returns the records parsed so far. The returned slice is owned
// by the parser and grows as more chunks arrive.
func (p *Parser) Records() []*LogRecord {
	return p.records
}

// Feed consumes one raw chunk. The trailing partial line, if any, is held
// back until the next chunk (or Flush) completes it.
func (p *Parser) Feed(chunk string) {
	if chunk == "" {
		return
	}
	data := p.state.Partial + chunk
	lines := strings.Split(data, "\n")
	p.state.Partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		p.consumeLine(line)
	}
}

// Flush finishes the stream. The held-back partial line is processed as a
// final complete line, and an unterminated response span is force-closed
// and emitted as best-effort segments rather than dropped.
func (p *Parser) Flush() {
	if p.state.Partial != "" {
		line := p.state.Partial
		p.state.Partial = ""
		p.consumeLine(line)
	}
	if p.state.Capturing {
		p.closeResponseSpan()
	}
}

func (p *Parser) consumeLine(raw string) {
	trimmed := strings.TrimSpace(raw)

	if trimmed == llmResponseStart {
		p.state.Capturing = true
		p.state.Inner = nil
		return
	}
	if trimmed == llmResponseEnd {
		if p.state.Capturing {
			p.closeResponseSpan()
		}
		return
	}
	if p.state.Capturing {
		// Captured lines keep their original indentation; fenced suggestion
		// code would otherwise come out mangled. Only an exact repeat of the
		// immediately preceding line is suppressed, since the agent
		// occasionally re-prints its last line after a tool call.
		if n := len(p.state.Inner); n > 0 && p.state.Inner[n-1] == raw {
			return
		}
		p.state.Inner = append(p.state.Inner, raw)
		return
	}

	kind, stored := classifyLine(trimmed)
	if !p.appendLine(kind, stored) {
		return
	}
	if kind == KindToolCall {
		tc := NormalizeToolCall(stored)
		rec := p.lastRecord()
		rec.Calls = append(rec.Calls, tc)
		if p.OnToolCall != nil {
			p.OnToolCall(tc)
		}
	}
}

func (p *Parser) closeResponseSpan() {
	inner := p.state.Inner
	p.state.Capturing = false
	p.state.Inner = nil

	segments := BuildSegments(inner)

	rec := p.lastRecord()
	if rec == nil || rec.Kind != KindLLMResponse {
		rec = &LogRecord{Kind: KindLLMResponse}
		p.records = append(p.records, rec)
	}
	rec.Lines = append(rec.Lines, inner...)
	rec.Segments = append(rec.Segments, segments...)

	if p.OnSegments != nil && len(segments) > 0 {
		p.OnSegments(segments)
	}
}

// appendLine reports whether the line was stored; an exact duplicate of
// the record's trailing line is suppressed.
func (p *Parser) appendLine(kind LogKind, line string) bool {
	rec := p.lastRecord()
	if rec == nil || rec.Kind != kind {
		rec = &LogRecord{Kind: kind}
		p.records = append(p.records, rec)
	}
	if n := len(rec.Lines); n > 0 && rec.Lines[n-1] == line {
		return false
	}
	rec.Lines = append(rec.Lines, line)
	return true
}

func (p *Parser) lastRecord() *LogRecord {
	if len(p.records) == 0 {
		return nil
	}
	return p.records[len(p.records)-1]
}

// classifyLine maps a line outside any response span to its log kind,
// first match wins: INFO, TOOL_CALL, INITIALISATION, DEFAULT.
func classifyLine(line string) (LogKind, string) {
	if strings.Contains(line, infoMarker) {
		return KindInfo, line
	}
	if isToolCallLine(line) {
		return KindToolCall, line
	}
	if idx := strings.Index(line, initialisationMarker); idx >= 0 {
		stripped := strings.TrimSpace(line[idx+len(initialisationMarker):])
		return KindInitialisation, stripped
	}
	return KindDefault, line
}

// isToolCallLine reports whether the line is a bracketed tool invocation,
// e.g. "[READ_FILE] {'file_path': 'a.ts'}". Span and segment markers use
// the same bracket syntax and are excluded.
func isToolCallLine(line string) bool {
	name, _, ok := splitBracketType(line)
	if !ok {
		return false
	}
	switch "[" + name + "]" {
	case llmResponseStart, llmResponseEnd:
		return false
	}
	for _, m := range segmentMarkers {
		if "["+name+"]" == m.start || "["+name+"]" == m.end {
			return false
		}
	}
	return true
}

// splitBracketType splits "[TYPE] payload" into its type name and payload.
func splitBracketType(line string) (name, payload string, ok bool) {
	if !strings.HasPrefix(line, "[") {
		return "", "", false
	}
	end := strings.Index(line, "]")
	if end <= 1 {
		return "", "", false
	}
	name = line[1:end]
	for _, r := range name {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return "", "", false
		}
	}
	return name, strings.TrimSpace(line[end+1:]), true
}
