package stream

import (
	"regexp"
	"strconv"
	"strings"
)

// Severity is the reviewed severity of a suggestion. The empty value means
// the agent supplied no recognized severity token.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a raw token onto the closed severity set. Anything
// outside {critical, high, medium} (case-insensitive) is treated as absent.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	}
	return SeverityNone
}

// Suggestion is the structured form of an issue or patch segment that
// carries enough metadata to become an inline review comment.
type Suggestion struct {
	FilePath    string
	LineStart   int
	LineEnd     int // 0 when the suggestion targets a single line
	Replacement string
	Severity    Severity
	Confidence  string
	Raw         string
}

var fieldLineRe = regexp.MustCompile(`(?m)^\s*(File|Line_Start|Line_End|Severity|Confidence)\s*:\s*(.*)$`)

// ExtractSuggestion re-parses an issue or patch segment's content for the
// fixed-format metadata fields needed for platform delivery. A segment
// lacking File or Line_Start is informational, not actionable, and yields
// (nil, false). ExtractSuggestion never fails on malformed content; it
// extracts what it can.
func ExtractSuggestion(content string) (*Suggestion, bool) {
	s := &Suggestion{Raw: content}
	for _, m := range fieldLineRe.FindAllStringSubmatch(content, -1) {
		value := strings.TrimSpace(m[2])
		switch m[1] {
		case "File":
			if s.FilePath == "" {
				s.FilePath = strings.Trim(value, "`")
			}
		case "Line_Start":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				s.LineStart = n
			}
		case "Line_End":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				s.LineEnd = n
			}
		case "Severity":
			s.Severity = ParseSeverity(value)
		case "Confidence":
			s.Confidence = value
		}
	}
	if s.FilePath == "" || s.LineStart == 0 {
		return nil, false
	}
	if s.LineEnd == s.LineStart {
		s.LineEnd = 0
	}
	s.Replacement = extractFencedCode(content)
	return s, true
}

// extractFencedCode returns the body of the first fenced code block,
// optionally tagged "suggestion". Blocks tagged with another language are
// preferred only when no suggestion-tagged block exists.
func extractFencedCode(content string) string {
	lines := strings.Split(content, "\n")
	var plain, tagged []string
	var inBlock, isSuggestion, havePlain, haveTagged bool
	var current []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inBlock {
				if isSuggestion && !haveTagged {
					tagged = current
					haveTagged = true
				} else if !havePlain {
					plain = current
					havePlain = true
				}
				inBlock = false
				current = nil
				continue
			}
			inBlock = true
			isSuggestion = strings.EqualFold(strings.TrimPrefix(trimmed, "```"), "suggestion")
			continue
		}
		if inBlock {
			current = append(current, line)
		}
	}
	if haveTagged {
		return strings.Join(tagged, "\n")
	}
	if havePlain {
		return strings.Join(plain, "\n")
	}
	return ""
}
